package gpkgindex

import (
	"context"
	"log/slog"
)

// ManualQuery answers bounding box queries by scanning every feature row in
// chunks. It needs no index and is the fallback when a table has none.
type ManualQuery struct {
	src  FeatureSource
	opts *Options
	proj projector
	log  *slog.Logger
}

// NewManualQuery returns a brute-force query over src. opts may be nil.
func NewManualQuery(src FeatureSource, opts *Options) *ManualQuery {
	opts = opts.withDefaults()
	return &ManualQuery{
		src:  src,
		opts: opts,
		proj: projector{t: opts.Transformer, table: src.SRSID()},
		log:  opts.Logger.With("table", src.TableName(), "index", string(IndexTypeNone)),
	}
}

// FeatureCount returns the number of rows in the table.
func (m *ManualQuery) FeatureCount(ctx context.Context) (int, error) {
	return m.src.Count(ctx, "")
}

// CountWithGeometries returns the number of rows with a non-NULL geometry.
func (m *ManualQuery) CountWithGeometries(ctx context.Context) (int, error) {
	if err := ensureGeometryColumn(m.src); err != nil {
		return 0, err
	}
	return m.src.Count(ctx, quoteIdent(m.src.GeometryColumn())+" IS NOT NULL")
}

// scan calls fn with the envelope of every row that has a non-empty
// geometry, in table order. Rows that fail to decode are logged and skipped.
func (m *ManualQuery) scan(ctx context.Context, fn func(id int64, env Envelope)) error {
	limit := m.opts.ChunkLimit
	for offset := 0; ; offset += limit {
		if err := ctx.Err(); err != nil {
			return err
		}

		rs, err := m.src.QueryForChunk(ctx, limit, offset)
		if err != nil {
			return err
		}
		if rs.Len() == 0 {
			return nil
		}

		for rs.Next() {
			row, err := rs.Row()
			if err != nil {
				m.log.Error("failed to read feature", "position", offset+rs.Position(),
					"error", &RowError{Table: m.src.TableName(), Position: offset + rs.Position(), FeatureID: rs.ID(), cause: err})
				continue
			}
			if env, ok := row.Envelope(); ok {
				fn(row.ID, env)
			}
		}
	}
}

// BoundingBox returns the union of every feature envelope. ok is false when
// no row has a geometry.
func (m *ManualQuery) BoundingBox(ctx context.Context) (env Envelope, ok bool, err error) {
	err = m.scan(ctx, func(_ int64, e Envelope) {
		if !ok {
			env, ok = e, true
			return
		}
		env = env.Union(e)
	})
	if err != nil {
		return Envelope{}, false, err
	}
	return env, ok, nil
}

// Query returns the features whose envelope overlaps env, in table order.
func (m *ManualQuery) Query(ctx context.Context, env Envelope) (*ManualQueryResults, error) {
	ids := []int64{}
	err := m.scan(ctx, func(id int64, e Envelope) {
		if Overlaps(env, e, m.opts.Tolerance) {
			ids = append(ids, id)
		}
	})
	if err != nil {
		return nil, err
	}
	return &ManualQueryResults{IDs: ids, src: m.src}, nil
}

// QueryBounds is Query over explicit bounds.
func (m *ManualQuery) QueryBounds(ctx context.Context, minX, minY, maxX, maxY float64) (*ManualQueryResults, error) {
	return m.Query(ctx, Envelope{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY})
}

// Count returns the number of features whose envelope overlaps env. It runs
// the full query so it always agrees with Query.
func (m *ManualQuery) Count(ctx context.Context, env Envelope) (int, error) {
	res, err := m.Query(ctx, env)
	if err != nil {
		return 0, err
	}
	return res.Count(), nil
}

// QueryInProjection queries with env given in srs.
func (m *ManualQuery) QueryInProjection(ctx context.Context, env Envelope, srs int) (*ManualQueryResults, error) {
	env, err := m.proj.toTable(env, srs)
	if err != nil {
		return nil, err
	}
	return m.Query(ctx, env)
}

// CountInProjection counts with env given in srs.
func (m *ManualQuery) CountInProjection(ctx context.Context, env Envelope, srs int) (int, error) {
	env, err := m.proj.toTable(env, srs)
	if err != nil {
		return 0, err
	}
	return m.Count(ctx, env)
}

// BoundingBoxInProjection returns the bounding box in srs.
func (m *ManualQuery) BoundingBoxInProjection(ctx context.Context, srs int) (Envelope, bool, error) {
	env, ok, err := m.BoundingBox(ctx)
	if err != nil || !ok {
		return env, ok, err
	}
	env, err = m.proj.fromTable(env, srs)
	return env, err == nil, err
}

// ManualQueryResults holds the ids matched by a ManualQuery.
type ManualQueryResults struct {
	IDs []int64
	src FeatureSource
}

// Count returns the number of matched features.
func (r *ManualQueryResults) Count() int { return len(r.IDs) }

// FeatureRows reads the matched rows in match order. Rows deleted since the
// query are left out.
func (r *ManualQueryResults) FeatureRows(ctx context.Context) ([]*FeatureRow, error) {
	rows := make([]*FeatureRow, 0, len(r.IDs))
	for _, id := range r.IDs {
		row, err := r.src.QueryForID(ctx, id)
		if err != nil {
			return nil, err
		}
		if row != nil {
			rows = append(rows, row)
		}
	}
	return rows, nil
}
