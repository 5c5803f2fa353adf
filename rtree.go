package gpkgindex

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// rtreeTriggers keep the R-tree in step with the feature table. Placeholders:
// {t} feature table, {c} geometry column, {i} id column, {r} R-tree table,
// {n} trigger name prefix.
var rtreeTriggers = []struct{ suffix, sql string }{
	{"insert", `CREATE TRIGGER "{n}_insert" AFTER INSERT ON {t}
WHEN (new.{c} NOT NULL AND NOT ST_IsEmpty(NEW.{c}))
BEGIN
	INSERT OR REPLACE INTO {r} VALUES (NEW.{i}, ST_MinX(NEW.{c}), ST_MaxX(NEW.{c}), ST_MinY(NEW.{c}), ST_MaxY(NEW.{c}));
END`},
	{"update1", `CREATE TRIGGER "{n}_update1" AFTER UPDATE OF {c} ON {t}
WHEN OLD.{i} = NEW.{i} AND (NEW.{c} NOTNULL AND NOT ST_IsEmpty(NEW.{c}))
BEGIN
	INSERT OR REPLACE INTO {r} VALUES (NEW.{i}, ST_MinX(NEW.{c}), ST_MaxX(NEW.{c}), ST_MinY(NEW.{c}), ST_MaxY(NEW.{c}));
END`},
	{"update2", `CREATE TRIGGER "{n}_update2" AFTER UPDATE OF {c} ON {t}
WHEN OLD.{i} = NEW.{i} AND (NEW.{c} IS NULL OR ST_IsEmpty(NEW.{c}))
BEGIN
	DELETE FROM {r} WHERE id = OLD.{i};
END`},
	{"update3", `CREATE TRIGGER "{n}_update3" AFTER UPDATE ON {t}
WHEN OLD.{i} != NEW.{i} AND (NEW.{c} NOTNULL AND NOT ST_IsEmpty(NEW.{c}))
BEGIN
	DELETE FROM {r} WHERE id = OLD.{i};
	INSERT OR REPLACE INTO {r} VALUES (NEW.{i}, ST_MinX(NEW.{c}), ST_MaxX(NEW.{c}), ST_MinY(NEW.{c}), ST_MaxY(NEW.{c}));
END`},
	{"update4", `CREATE TRIGGER "{n}_update4" AFTER UPDATE ON {t}
WHEN OLD.{i} != NEW.{i} AND (NEW.{c} IS NULL OR ST_IsEmpty(NEW.{c}))
BEGIN
	DELETE FROM {r} WHERE id IN (OLD.{i}, NEW.{i});
END`},
	{"delete", `CREATE TRIGGER "{n}_delete" AFTER DELETE ON {t}
WHEN old.{c} NOT NULL
BEGIN
	DELETE FROM {r} WHERE id = OLD.{i};
END`},
}

// RTreeIndex adapts the GeoPackage R-tree spatial index extension of one
// feature table. SQLite maintains the index through triggers once it has been
// created.
//
// R-tree cells are stored as 32 bit floats rounded outwards. Query and Count
// use them as a filter and re-check the exact envelope of each candidate, so
// they agree with the other backends. BoundingBox reports the rounded cells.
type RTreeIndex struct {
	gp   *GeoPackage
	src  FeatureSource
	opts *Options
	proj projector
	log  *slog.Logger
	name string
}

// NewRTreeIndex returns the R-tree index of src, stored in gp.
func NewRTreeIndex(gp *GeoPackage, src FeatureSource) *RTreeIndex {
	opts := gp.opts
	return &RTreeIndex{
		gp:   gp,
		src:  src,
		opts: opts,
		proj: projector{t: opts.Transformer, table: src.SRSID()},
		log:  opts.Logger.With("table", src.TableName(), "index", string(IndexTypeRTree)),
		name: "rtree_" + src.TableName() + "_" + src.GeometryColumn(),
	}
}

// TableName returns the R-tree virtual table name.
func (r *RTreeIndex) TableName() string { return r.name }

func (r *RTreeIndex) replacer() *strings.Replacer {
	return strings.NewReplacer(
		"{t}", quoteIdent(r.src.TableName()),
		"{c}", quoteIdent(r.src.GeometryColumn()),
		"{i}", quoteIdent(r.src.IDColumn()),
		"{r}", quoteIdent(r.name),
		"{n}", strings.ReplaceAll(r.name, `"`, `""`),
	)
}

// Has reports whether the R-tree exists.
func (r *RTreeIndex) Has(ctx context.Context) (bool, error) {
	ok, err := r.gp.tableExists(ctx, r.name)
	if err != nil {
		return false, storageError(r.src.TableName(), "check rtree", err)
	}
	return ok, nil
}

// Create creates, populates and starts maintaining the R-tree. It reports
// false when the R-tree already exists. Options.Progress is advanced by the
// number of rows indexed.
func (r *RTreeIndex) Create(ctx context.Context) (bool, error) {
	if err := ensureGeometryColumn(r.src); err != nil {
		return false, err
	}
	has, err := r.Has(ctx)
	if err != nil || has {
		return false, err
	}

	start := time.Now()
	rep := r.replacer()

	err = r.gp.InTransaction(ctx, func(ctx context.Context) error {
		q := r.gp.conn(ctx)
		if _, err := q.ExecContext(ctx, rep.Replace(
			`CREATE VIRTUAL TABLE {r} USING rtree(id, minx, maxx, miny, maxy)`)); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, rep.Replace(
			`INSERT OR REPLACE INTO {r} SELECT {i}, ST_MinX({c}), ST_MaxX({c}), ST_MinY({c}), ST_MaxY({c}) FROM {t} WHERE {c} NOT NULL AND NOT ST_IsEmpty({c})`)); err != nil {
			return err
		}
		for _, trig := range rtreeTriggers {
			if _, err := q.ExecContext(ctx, rep.Replace(trig.sql)); err != nil {
				return fmt.Errorf("trigger %s: %w", trig.suffix, err)
			}
		}
		return nil
	})
	if err != nil {
		return false, storageError(r.src.TableName(), "create rtree", err)
	}

	n, err := r.rowCount(ctx)
	if err != nil {
		return true, err
	}
	if r.opts.Progress != nil {
		r.opts.Progress.AddProgress(n)
	}

	IndexBuildDuration.WithLabelValues(r.src.TableName(), string(IndexTypeRTree)).Observe(time.Since(start).Seconds())
	r.log.Info("created rtree", "count", n, "duration", time.Since(start))
	return true, nil
}

// Delete drops the R-tree and its triggers.
func (r *RTreeIndex) Delete(ctx context.Context) error {
	err := r.gp.InTransaction(ctx, func(ctx context.Context) error {
		q := r.gp.conn(ctx)
		for _, trig := range rtreeTriggers {
			if _, err := q.ExecContext(ctx, "DROP TRIGGER IF EXISTS "+quoteIdent(r.name+"_"+trig.suffix)); err != nil {
				return err
			}
		}
		_, err := q.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(r.name))
		return err
	})
	return storageError(r.src.TableName(), "delete rtree", err)
}

func (r *RTreeIndex) validate(ctx context.Context) error {
	has, err := r.Has(ctx)
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("%w: table %q", ErrNoRTree, r.src.TableName())
	}
	return nil
}

func (r *RTreeIndex) rowCount(ctx context.Context) (int, error) {
	var n int
	if err := r.gp.conn(ctx).QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(r.name)).Scan(&n); err != nil {
		return 0, storageError(r.src.TableName(), "count rtree", err)
	}
	return n, nil
}

// rtreeFrom joins each candidate cell to its feature row so the exact
// envelope can be re-checked after the rounded cell matched.
const rtreeFrom = `{r} AS r JOIN {t} AS f ON f.{i} = r.id WHERE `

var rtreeWhere = overlapWhere("r.minx", "r.miny", "r.maxx", "r.maxy") + " AND " +
	overlapWhere("ST_MinX(f.{c})", "ST_MinY(f.{c})", "ST_MaxX(f.{c})", "ST_MaxY(f.{c})")

// rtreeArgs binds the query to both the cell filter and the exact re-check.
func rtreeArgs(env Envelope, tolerance float64) []any {
	args := overlapArgs(env, tolerance)
	return append(args, args...)
}

// Query returns the ids of features whose exact envelope overlaps env,
// ordered by id.
func (r *RTreeIndex) Query(ctx context.Context, env Envelope) ([]int64, error) {
	if err := r.validate(ctx); err != nil {
		return nil, err
	}

	rows, err := r.gp.conn(ctx).QueryContext(ctx,
		r.replacer().Replace("SELECT r.id FROM "+rtreeFrom+rtreeWhere+" ORDER BY r.id"),
		rtreeArgs(env, r.opts.Tolerance)...)
	if err != nil {
		return nil, storageError(r.src.TableName(), "query rtree", err)
	}
	defer func() { _ = rows.Close() }()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storageError(r.src.TableName(), "query rtree", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(r.src.TableName(), "query rtree", err)
	}
	return ids, nil
}

// Count returns the number of features whose envelope overlaps env.
func (r *RTreeIndex) Count(ctx context.Context, env Envelope) (int, error) {
	if err := r.validate(ctx); err != nil {
		return 0, err
	}

	var n int
	err := r.gp.conn(ctx).QueryRowContext(ctx,
		r.replacer().Replace("SELECT COUNT(*) FROM "+rtreeFrom+rtreeWhere),
		rtreeArgs(env, r.opts.Tolerance)...,
	).Scan(&n)
	if err != nil {
		return 0, storageError(r.src.TableName(), "count rtree", err)
	}
	return n, nil
}

// BoundingBox returns the union of every R-tree cell. ok is false when the
// R-tree is empty.
func (r *RTreeIndex) BoundingBox(ctx context.Context) (Envelope, bool, error) {
	if err := r.validate(ctx); err != nil {
		return Envelope{}, false, err
	}

	var minX, minY, maxX, maxY sql.NullFloat64
	err := r.gp.conn(ctx).QueryRowContext(ctx,
		"SELECT MIN(minx), MIN(miny), MAX(maxx), MAX(maxy) FROM "+quoteIdent(r.name),
	).Scan(&minX, &minY, &maxX, &maxY)
	if err != nil {
		return Envelope{}, false, storageError(r.src.TableName(), "rtree bounding box", err)
	}
	if !minX.Valid {
		return Envelope{}, false, nil
	}
	return Envelope{MinX: minX.Float64, MinY: minY.Float64, MaxX: maxX.Float64, MaxY: maxY.Float64}, true, nil
}

// QueryInProjection queries with env given in srs.
func (r *RTreeIndex) QueryInProjection(ctx context.Context, env Envelope, srs int) ([]int64, error) {
	env, err := r.proj.toTable(env, srs)
	if err != nil {
		return nil, err
	}
	return r.Query(ctx, env)
}

// CountInProjection counts with env given in srs.
func (r *RTreeIndex) CountInProjection(ctx context.Context, env Envelope, srs int) (int, error) {
	env, err := r.proj.toTable(env, srs)
	if err != nil {
		return 0, err
	}
	return r.Count(ctx, env)
}

// BoundingBoxInProjection returns the bounding box in srs.
func (r *RTreeIndex) BoundingBoxInProjection(ctx context.Context, srs int) (Envelope, bool, error) {
	env, ok, err := r.BoundingBox(ctx)
	if err != nil || !ok {
		return env, ok, err
	}
	env, err = r.proj.fromTable(env, srs)
	return env, err == nil, err
}
