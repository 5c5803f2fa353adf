package gpkgindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	tableIndexTable    = "nga_table_index"
	geometryIndexTable = "nga_geometry_index"
)

var tableIndexDDL = []string{
	`CREATE TABLE IF NOT EXISTS nga_table_index (
	table_name TEXT NOT NULL PRIMARY KEY,
	last_indexed DATETIME
)`,
	`CREATE TABLE IF NOT EXISTS nga_geometry_index (
	table_name TEXT NOT NULL,
	geom_id INTEGER NOT NULL,
	min_x DOUBLE NOT NULL,
	max_x DOUBLE NOT NULL,
	min_y DOUBLE NOT NULL,
	max_y DOUBLE NOT NULL,
	min_z DOUBLE,
	max_z DOUBLE,
	min_m DOUBLE,
	max_m DOUBLE,
	CONSTRAINT pk_ngi PRIMARY KEY (table_name, geom_id),
	CONSTRAINT fk_ngi_nti FOREIGN KEY (table_name) REFERENCES nga_table_index(table_name)
)`,
}

// TableIndexState records that a feature table has a geometry index.
type TableIndexState struct {
	TableName   string
	ColumnName  string
	LastIndexed *time.Time // nil until the first build completes
}

// GeometryIndexEntry is the indexed envelope of one feature.
type GeometryIndexEntry struct {
	TableName string
	FeatureID int64
	Envelope  Envelope
}

// TableIndex maintains a geometry index table for one feature table: one
// envelope per feature with a non-empty geometry.
type TableIndex struct {
	gp   *GeoPackage
	src  FeatureSource
	opts *Options
	proj projector
	log  *slog.Logger
}

// NewTableIndex returns the geometry index of src, stored in gp.
func NewTableIndex(gp *GeoPackage, src FeatureSource) *TableIndex {
	opts := gp.opts
	return &TableIndex{
		gp:   gp,
		src:  src,
		opts: opts,
		proj: projector{t: opts.Transformer, table: src.SRSID()},
		log:  opts.Logger.With("table", src.TableName(), "index", string(IndexTypeGeometry)),
	}
}

// TableName returns the indexed feature table.
func (x *TableIndex) TableName() string { return x.src.TableName() }

// Index builds the index when force is set or the table is not indexed yet.
// It returns 0 without scanning when the index is current.
func (x *TableIndex) Index(ctx context.Context, force bool) (int, error) {
	if !force {
		indexed, err := x.IsIndexed(ctx)
		if err != nil {
			return 0, err
		}
		if indexed {
			return 0, nil
		}
	}
	return x.BuildIndex(ctx)
}

// BuildIndex clears and rebuilds the index, reading the table in chunks of
// Options.ChunkLimit rows with each chunk committed in its own transaction.
//
// Cancelling ctx or deactivating Options.Progress stops the build after the
// current row; chunks already committed are kept and the number of rows
// indexed so far is returned without an error. NoRows is returned when the
// table is empty.
func (x *TableIndex) BuildIndex(ctx context.Context) (int, error) {
	if err := ensureGeometryColumn(x.src); err != nil {
		return 0, err
	}

	start := time.Now()
	table := x.src.TableName()

	// Statements must not fail once ctx is cancelled, cancellation is only
	// observed between rows and chunks.
	done := ctx.Done()
	ctx = context.WithoutCancel(ctx)

	err := x.gp.InTransaction(ctx, func(ctx context.Context) error {
		if err := x.createTables(ctx); err != nil {
			return err
		}
		q := x.gp.conn(ctx)
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO nga_table_index (table_name) VALUES (?)`, table); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, `DELETE FROM nga_geometry_index WHERE table_name = ?`, table)
		return err
	})
	if err != nil {
		return 0, storageError(table, "prepare index", err)
	}

	count, err := x.indexTable(ctx, done)
	if err != nil {
		return count, err
	}

	if err := x.updateLastIndexed(ctx); err != nil {
		return count, err
	}

	IndexBuildDuration.WithLabelValues(table, string(IndexTypeGeometry)).Observe(time.Since(start).Seconds())
	x.log.Info("indexed table", "count", count, "duration", time.Since(start))

	return count, nil
}

func (x *TableIndex) indexTable(ctx context.Context, done <-chan struct{}) (int, error) {
	count := NoRows
	limit := x.opts.ChunkLimit

	for offset := 0; ; offset += limit {
		var n int
		err := x.gp.InTransaction(ctx, func(ctx context.Context) error {
			rs, err := x.src.QueryForChunk(ctx, limit, offset)
			if err != nil {
				return err
			}
			n = x.indexRows(ctx, done, rs)
			return nil
		})
		if err != nil {
			return max(count, 0), storageError(x.src.TableName(), "index chunk", err)
		}
		if n < 0 {
			break
		}

		if count < 0 {
			count = 0
		}
		count += n
		x.log.Debug("committed index chunk", "offset", offset, "indexed", n)

		if !active(done, x.opts.Progress) {
			x.log.Info("index build cancelled", "count", count)
			break
		}
	}

	return count, nil
}

// indexRows indexes the rows of one chunk and returns how many were indexed,
// or -1 when the chunk had no rows to visit.
func (x *TableIndex) indexRows(ctx context.Context, done <-chan struct{}, rs *FeatureResultSet) int {
	table := x.src.TableName()
	count := -1

	for active(done, x.opts.Progress) && rs.Next() {
		if count < 0 {
			count = 0
		}

		row, err := rs.Row()
		var indexed bool
		if err == nil {
			indexed, err = x.index(ctx, rs.ID(), row.Geometry)
		}
		if err != nil {
			IndexedRows.WithLabelValues(table, "error").Inc()
			x.log.Error("failed to index feature", "position", rs.Position(),
				"error", &RowError{Table: table, Position: rs.Position(), FeatureID: rs.ID(), cause: err})
			continue
		}

		if indexed {
			count++
			IndexedRows.WithLabelValues(table, "indexed").Inc()
		} else {
			IndexedRows.WithLabelValues(table, "empty").Inc()
		}
		if x.opts.Progress != nil {
			x.opts.Progress.AddProgress(1)
		}
	}

	return count
}

// index upserts the entry for id, or removes it when the geometry is nil or
// empty.
func (x *TableIndex) index(ctx context.Context, id int64, geom *Geometry) (bool, error) {
	env, ok := geom.BuildEnvelope()
	if !ok {
		_, err := x.deleteEntry(ctx, id)
		return false, err
	}

	_, err := x.gp.conn(ctx).ExecContext(ctx,
		`INSERT OR REPLACE INTO nga_geometry_index (table_name, geom_id, min_x, max_x, min_y, max_y) VALUES (?, ?, ?, ?, ?, ?)`,
		x.src.TableName(), id, env.MinX, env.MaxX, env.MinY, env.MaxY)
	if err != nil {
		return false, err
	}
	return true, nil
}

// IndexRow indexes a single feature and refreshes the last indexed time. It
// returns false when the geometry is empty, in which case any previous entry
// is removed. The table must already be indexed.
func (x *TableIndex) IndexRow(ctx context.Context, id int64, geom *Geometry) (bool, error) {
	if err := x.requireState(ctx); err != nil {
		return false, err
	}

	var indexed bool
	err := x.gp.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		if indexed, err = x.index(ctx, id, geom); err != nil {
			return err
		}
		return x.updateLastIndexed(ctx)
	})
	if err != nil {
		return false, storageError(x.src.TableName(), "index row", err)
	}
	return indexed, nil
}

// IndexFeature indexes row.
func (x *TableIndex) IndexFeature(ctx context.Context, row *FeatureRow) (bool, error) {
	if row == nil {
		return false, ErrNilGeometry
	}
	return x.IndexRow(ctx, row.ID, row.Geometry)
}

// DeleteIndex removes the entry for a feature and returns the number of
// entries removed.
func (x *TableIndex) DeleteIndex(ctx context.Context, id int64) (int, error) {
	exists, err := x.gp.tableExists(ctx, geometryIndexTable)
	if err != nil || !exists {
		return 0, storageError(x.src.TableName(), "delete index", err)
	}
	n, err := x.deleteEntry(ctx, id)
	return n, storageError(x.src.TableName(), "delete index", err)
}

func (x *TableIndex) deleteEntry(ctx context.Context, id int64) (int, error) {
	res, err := x.gp.conn(ctx).ExecContext(ctx,
		`DELETE FROM nga_geometry_index WHERE table_name = ? AND geom_id = ?`, x.src.TableName(), id)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteTableIndex drops every entry and the index state of the table. It
// reports whether the table was indexed.
func (x *TableIndex) DeleteTableIndex(ctx context.Context) (bool, error) {
	table := x.src.TableName()
	exists, err := x.gp.tableExists(ctx, tableIndexTable)
	if err != nil || !exists {
		return false, storageError(table, "delete table index", err)
	}

	var deleted bool
	err = x.gp.InTransaction(ctx, func(ctx context.Context) error {
		q := x.gp.conn(ctx)
		if _, err := q.ExecContext(ctx, `DELETE FROM nga_geometry_index WHERE table_name = ?`, table); err != nil {
			return err
		}
		res, err := q.ExecContext(ctx, `DELETE FROM nga_table_index WHERE table_name = ?`, table)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	if err != nil {
		return false, storageError(table, "delete table index", err)
	}
	return deleted, nil
}

func (x *TableIndex) createTables(ctx context.Context) error {
	for _, ddl := range tableIndexDDL {
		if _, err := x.gp.conn(ctx).ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

func (x *TableIndex) updateLastIndexed(ctx context.Context) error {
	_, err := x.gp.conn(ctx).ExecContext(ctx,
		`UPDATE nga_table_index SET last_indexed = ? WHERE table_name = ?`,
		x.opts.Clock(), x.src.TableName())
	return storageError(x.src.TableName(), "update last indexed", err)
}

// State returns the index state of the table, or nil when it has none.
func (x *TableIndex) State(ctx context.Context) (*TableIndexState, error) {
	table := x.src.TableName()
	exists, err := x.gp.tableExists(ctx, tableIndexTable)
	if err != nil || !exists {
		return nil, storageError(table, "read index state", err)
	}

	var last sql.NullTime
	err = x.gp.conn(ctx).QueryRowContext(ctx,
		`SELECT last_indexed FROM nga_table_index WHERE table_name = ?`, table,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError(table, "read index state", err)
	}

	state := &TableIndexState{TableName: table, ColumnName: x.src.GeometryColumn()}
	if last.Valid {
		t := last.Time
		state.LastIndexed = &t
	}
	return state, nil
}

// IsIndexed reports whether a build of the table has completed.
func (x *TableIndex) IsIndexed(ctx context.Context) (bool, error) {
	state, err := x.State(ctx)
	if err != nil {
		return false, err
	}
	return state != nil && state.LastIndexed != nil, nil
}

// LastIndexed returns the time of the last completed build or row update.
func (x *TableIndex) LastIndexed(ctx context.Context) (*time.Time, error) {
	state, err := x.State(ctx)
	if err != nil || state == nil {
		return nil, err
	}
	return state.LastIndexed, nil
}

func (x *TableIndex) requireState(ctx context.Context) error {
	state, err := x.State(ctx)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("%w: table %q", ErrNotIndexed, x.src.TableName())
	}
	return nil
}

const geometryIndexWhere = "table_name = ? AND "

func (x *TableIndex) rangeArgs(env Envelope) []any {
	return append([]any{x.src.TableName()}, overlapArgs(env, x.opts.Tolerance)...)
}

// Query returns the ids of features whose envelope overlaps env, ordered by
// id.
func (x *TableIndex) Query(ctx context.Context, env Envelope) ([]int64, error) {
	entries, err := x.QueryEntries(ctx, env)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.FeatureID
	}
	return ids, nil
}

// QueryEntries returns the index entries overlapping env, ordered by
// feature id.
func (x *TableIndex) QueryEntries(ctx context.Context, env Envelope) ([]GeometryIndexEntry, error) {
	if err := x.requireState(ctx); err != nil {
		return nil, err
	}

	table := x.src.TableName()
	rows, err := x.gp.conn(ctx).QueryContext(ctx,
		`SELECT geom_id, min_x, max_x, min_y, max_y FROM nga_geometry_index WHERE `+
			geometryIndexWhere+overlapWhere("min_x", "min_y", "max_x", "max_y")+` ORDER BY geom_id`,
		x.rangeArgs(env)...)
	if err != nil {
		return nil, storageError(table, "query index", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []GeometryIndexEntry
	for rows.Next() {
		e := GeometryIndexEntry{TableName: table}
		if err := rows.Scan(&e.FeatureID, &e.Envelope.MinX, &e.Envelope.MaxX, &e.Envelope.MinY, &e.Envelope.MaxY); err != nil {
			return nil, storageError(table, "query index", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(table, "query index", err)
	}
	return entries, nil
}

// Count returns the number of features whose envelope overlaps env.
func (x *TableIndex) Count(ctx context.Context, env Envelope) (int, error) {
	if err := x.requireState(ctx); err != nil {
		return 0, err
	}

	var n int
	err := x.gp.conn(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nga_geometry_index WHERE `+
			geometryIndexWhere+overlapWhere("min_x", "min_y", "max_x", "max_y"),
		x.rangeArgs(env)...,
	).Scan(&n)
	if err != nil {
		return 0, storageError(x.src.TableName(), "count index", err)
	}
	return n, nil
}

// BoundingBox returns the union of every indexed envelope. ok is false when
// the index is empty.
func (x *TableIndex) BoundingBox(ctx context.Context) (env Envelope, ok bool, err error) {
	if err := x.requireState(ctx); err != nil {
		return Envelope{}, false, err
	}

	var minX, minY, maxX, maxY sql.NullFloat64
	err = x.gp.conn(ctx).QueryRowContext(ctx,
		`SELECT MIN(min_x), MIN(min_y), MAX(max_x), MAX(max_y) FROM nga_geometry_index WHERE table_name = ?`,
		x.src.TableName(),
	).Scan(&minX, &minY, &maxX, &maxY)
	if err != nil {
		return Envelope{}, false, storageError(x.src.TableName(), "bounding box", err)
	}
	if !minX.Valid {
		return Envelope{}, false, nil
	}
	return Envelope{MinX: minX.Float64, MinY: minY.Float64, MaxX: maxX.Float64, MaxY: maxY.Float64}, true, nil
}

// QueryInProjection queries with env given in srs.
func (x *TableIndex) QueryInProjection(ctx context.Context, env Envelope, srs int) ([]int64, error) {
	env, err := x.proj.toTable(env, srs)
	if err != nil {
		return nil, err
	}
	return x.Query(ctx, env)
}

// CountInProjection counts with env given in srs.
func (x *TableIndex) CountInProjection(ctx context.Context, env Envelope, srs int) (int, error) {
	env, err := x.proj.toTable(env, srs)
	if err != nil {
		return 0, err
	}
	return x.Count(ctx, env)
}

// BoundingBoxInProjection returns the bounding box in srs.
func (x *TableIndex) BoundingBoxInProjection(ctx context.Context, srs int) (Envelope, bool, error) {
	env, ok, err := x.BoundingBox(ctx)
	if err != nil || !ok {
		return env, ok, err
	}
	env, err = x.proj.fromTable(env, srs)
	return env, err == nil, err
}
