package gpkgindex

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"
)

// FeatureIndex is the query surface shared by every spatial backend. Query
// and Count return the same features on every backend. BoundingBox may be
// wider on the R-tree, whose cells are rounded to 32 bit floats.
type FeatureIndex interface {
	Query(ctx context.Context, env Envelope) ([]int64, error)
	Count(ctx context.Context, env Envelope) (int, error)
	BoundingBox(ctx context.Context) (Envelope, bool, error)
	QueryInProjection(ctx context.Context, env Envelope, srs int) ([]int64, error)
	CountInProjection(ctx context.Context, env Envelope, srs int) (int, error)
	BoundingBoxInProjection(ctx context.Context, srs int) (Envelope, bool, error)
}

var (
	_ FeatureIndex = (*RTreeIndex)(nil)
	_ FeatureIndex = (*TableIndex)(nil)
	_ FeatureIndex = manualIndex{}
)

// manualIndex adapts ManualQuery to FeatureIndex.
type manualIndex struct{ *ManualQuery }

func (m manualIndex) Query(ctx context.Context, env Envelope) ([]int64, error) {
	res, err := m.ManualQuery.Query(ctx, env)
	if err != nil {
		return nil, err
	}
	return res.IDs, nil
}

func (m manualIndex) QueryInProjection(ctx context.Context, env Envelope, srs int) ([]int64, error) {
	res, err := m.ManualQuery.QueryInProjection(ctx, env, srs)
	if err != nil {
		return nil, err
	}
	return res.IDs, nil
}

// IndexManager answers spatial queries for one feature table from the best
// available backend: the R-tree, then the geometry index, then a full scan.
// It also resolves feature rows and keeps the geometry index in step with
// feature writes.
type IndexManager struct {
	table    *FeatureTable
	opts     *Options
	rtree    *RTreeIndex
	geometry *TableIndex
	manual   *ManualQuery
	rows     *RowSync
	cache    *lru.Cache[int64, *FeatureRow]
	log      *slog.Logger
}

// NewIndexManager returns the index manager of table, configured by the
// options of its GeoPackage.
func NewIndexManager(table *FeatureTable) (*IndexManager, error) {
	if table == nil {
		return nil, errNoSource
	}
	gp := table.GeoPackage()
	opts := gp.Options()

	m := &IndexManager{
		table:    table,
		opts:     opts,
		rtree:    NewRTreeIndex(gp, table),
		geometry: NewTableIndex(gp, table),
		manual:   NewManualQuery(table, opts),
		rows:     NewRowSync(),
		log:      opts.Logger.With("table", table.TableName()),
	}

	if opts.RowCacheSize > 0 {
		cache, err := lru.New[int64, *FeatureRow](opts.RowCacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create row cache: %w", err)
		}
		m.cache = cache
	}

	return m, nil
}

func (m *IndexManager) Table() *FeatureTable      { return m.table }
func (m *IndexManager) RTree() *RTreeIndex        { return m.rtree }
func (m *IndexManager) TableIndex() *TableIndex   { return m.geometry }
func (m *IndexManager) ManualQuery() *ManualQuery { return m.manual }
func (m *IndexManager) RowSync() *RowSync         { return m.rows }

// IndexedType returns the backend queries currently use.
func (m *IndexManager) IndexedType(ctx context.Context) (IndexType, error) {
	has, err := m.rtree.Has(ctx)
	if err != nil {
		return "", err
	}
	if has {
		return IndexTypeRTree, nil
	}

	indexed, err := m.geometry.IsIndexed(ctx)
	if err != nil {
		return "", err
	}
	if indexed {
		return IndexTypeGeometry, nil
	}
	return IndexTypeNone, nil
}

func (m *IndexManager) backend(ctx context.Context) (FeatureIndex, error) {
	t, err := m.IndexedType(ctx)
	if err != nil {
		return nil, err
	}
	QueryCount.WithLabelValues(m.table.TableName(), string(t)).Inc()
	m.log.Debug("selected query backend", "index", t)

	switch t {
	case IndexTypeRTree:
		return m.rtree, nil
	case IndexTypeGeometry:
		return m.geometry, nil
	}
	return manualIndex{m.manual}, nil
}

// Index creates the index selected by Options.IndexType. With force an
// existing index is rebuilt. It returns the number of features indexed.
func (m *IndexManager) Index(ctx context.Context, force bool) (int, error) {
	switch m.opts.IndexType {
	case IndexTypeRTree:
		if force {
			if err := m.rtree.Delete(ctx); err != nil {
				return 0, err
			}
		}
		if _, err := m.rtree.Create(ctx); err != nil {
			return 0, err
		}
		return m.rtree.rowCount(ctx)
	case IndexTypeGeometry:
		return m.geometry.Index(ctx, force)
	case IndexTypeNone:
		return 0, nil
	}
	return 0, fmt.Errorf("gpkgindex: unknown index type %q", m.opts.IndexType)
}

// DeleteIndexes drops the R-tree and the geometry index of the table.
func (m *IndexManager) DeleteIndexes(ctx context.Context) error {
	if err := m.rtree.Delete(ctx); err != nil {
		return err
	}
	_, err := m.geometry.DeleteTableIndex(ctx)
	return err
}

// Query returns the ids of features whose envelope overlaps env.
func (m *IndexManager) Query(ctx context.Context, env Envelope) ([]int64, error) {
	b, err := m.backend(ctx)
	if err != nil {
		return nil, err
	}
	return b.Query(ctx, env)
}

// Count returns the number of features whose envelope overlaps env.
func (m *IndexManager) Count(ctx context.Context, env Envelope) (int, error) {
	b, err := m.backend(ctx)
	if err != nil {
		return 0, err
	}
	return b.Count(ctx, env)
}

// BoundingBox returns the extent of the table's features.
func (m *IndexManager) BoundingBox(ctx context.Context) (Envelope, bool, error) {
	b, err := m.backend(ctx)
	if err != nil {
		return Envelope{}, false, err
	}
	return b.BoundingBox(ctx)
}

// QueryInProjection queries with env given in srs.
func (m *IndexManager) QueryInProjection(ctx context.Context, env Envelope, srs int) ([]int64, error) {
	b, err := m.backend(ctx)
	if err != nil {
		return nil, err
	}
	return b.QueryInProjection(ctx, env, srs)
}

// CountInProjection counts with env given in srs.
func (m *IndexManager) CountInProjection(ctx context.Context, env Envelope, srs int) (int, error) {
	b, err := m.backend(ctx)
	if err != nil {
		return 0, err
	}
	return b.CountInProjection(ctx, env, srs)
}

// BoundingBoxInProjection returns the extent of the table's features in srs.
func (m *IndexManager) BoundingBoxInProjection(ctx context.Context, srs int) (Envelope, bool, error) {
	b, err := m.backend(ctx)
	if err != nil {
		return Envelope{}, false, err
	}
	return b.BoundingBoxInProjection(ctx, srs)
}

// FeatureRow returns the feature with the given id, or nil when there is
// none. Concurrent calls for the same id share one read.
func (m *IndexManager) FeatureRow(ctx context.Context, id int64) (row *FeatureRow, err error) {
	if m.cache != nil {
		if row, ok := m.cache.Get(id); ok {
			RowSyncRequests.WithLabelValues("cache").Inc()
			return row, nil
		}
	}

	row, owner, err := m.rows.GetRowOrLock(ctx, id)
	if err != nil || !owner {
		return row, err
	}

	defer func() {
		if err != nil {
			row = nil
		}
		m.rows.SetRow(id, row)
		if err == nil && row != nil && m.cache != nil {
			m.cache.Add(id, row)
		}
		m.rows.Clear(id)
	}()

	return m.table.QueryForID(ctx, id)
}

// FeatureRows resolves ids concurrently, at most Options.FetchConcurrency at
// a time. Rows are returned in id order; ids without a row are left out.
func (m *IndexManager) FeatureRows(ctx context.Context, ids []int64) ([]*FeatureRow, error) {
	found := make([]*FeatureRow, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.FetchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			row, err := m.FeatureRow(ctx, id)
			if err != nil {
				return err
			}
			found[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rows := found[:0]
	for _, row := range found {
		if row != nil {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (m *IndexManager) forget(id int64) {
	if m.cache != nil {
		m.cache.Remove(id)
	}
	m.rows.Clear(id)
}

// maintain updates the geometry index entry of id when the table has a
// geometry index. The R-tree maintains itself.
func (m *IndexManager) maintain(ctx context.Context, id int64, geom orb.Geometry) error {
	state, err := m.geometry.State(ctx)
	if err != nil || state == nil {
		return err
	}
	_, err = m.geometry.IndexRow(ctx, id, newGeometry(geom, m.table.SRSID()))
	return err
}

// Insert adds a feature and indexes it in the same transaction.
func (m *IndexManager) Insert(ctx context.Context, geom orb.Geometry, props map[string]any) (int64, error) {
	var id int64
	err := m.table.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		if id, err = m.table.Insert(ctx, geom, props); err != nil {
			return err
		}
		return m.maintain(ctx, id, geom)
	})
	if err != nil {
		return 0, err
	}
	m.forget(id)
	return id, nil
}

// Update replaces a feature's geometry and properties and reindexes it in
// the same transaction. It returns the number of rows updated.
func (m *IndexManager) Update(ctx context.Context, id int64, geom orb.Geometry, props map[string]any) (int, error) {
	var n int
	err := m.table.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		if n, err = m.table.Update(ctx, id, geom, props); err != nil || n == 0 {
			return err
		}
		return m.maintain(ctx, id, geom)
	})
	m.forget(id)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Delete removes a feature and its geometry index entry in the same
// transaction. It returns the number of rows removed.
func (m *IndexManager) Delete(ctx context.Context, id int64) (int, error) {
	var n int
	err := m.table.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		if n, err = m.table.Delete(ctx, id); err != nil {
			return err
		}
		_, err = m.geometry.DeleteIndex(ctx, id)
		return err
	})
	m.forget(id)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// newGeometry wraps geom for indexing. A nil geom yields nil.
func newGeometry(geom orb.Geometry, srsID int) *Geometry {
	if geom == nil {
		return nil
	}
	return &Geometry{SRSID: int32(srsID), Empty: isEmptyGeometry(geom), Geometry: geom}
}
