package gpkgindex

import (
	"context"
)

// FeatureRow is a single row of a feature table.
type FeatureRow struct {
	ID         int64
	Geometry   *Geometry // nil when the geometry column is NULL
	Properties map[string]any
}

// Envelope returns the row's geometry envelope. ok is false when the row has
// no geometry or an empty one.
func (r *FeatureRow) Envelope() (Envelope, bool) {
	if r == nil {
		return Envelope{}, false
	}
	return r.Geometry.BuildEnvelope()
}

// rawFeatureRow is a feature row as read from storage, before its geometry
// blob is decoded.
type rawFeatureRow struct {
	id         int64
	geometry   []byte
	properties map[string]any
}

func (r rawFeatureRow) decode() (*FeatureRow, error) {
	row := &FeatureRow{ID: r.id, Properties: r.properties}
	if r.geometry == nil {
		return row, nil
	}
	g, err := DecodeGeometry(r.geometry)
	if err != nil {
		return nil, err
	}
	row.Geometry = g
	return row, nil
}

// FeatureResultSet iterates over one chunk of feature rows. Geometries are
// decoded lazily by Row so a single bad blob only fails its own row.
type FeatureResultSet struct {
	rows []rawFeatureRow
	pos  int
}

// NewFeatureResultSet builds a result set from encoded rows. It is meant for
// FeatureSource implementations outside this package.
func NewFeatureResultSet(ids []int64, geometries [][]byte, properties []map[string]any) *FeatureResultSet {
	rs := &FeatureResultSet{rows: make([]rawFeatureRow, len(ids)), pos: -1}
	for i, id := range ids {
		rs.rows[i] = rawFeatureRow{id: id}
		if i < len(geometries) {
			rs.rows[i].geometry = geometries[i]
		}
		if i < len(properties) {
			rs.rows[i].properties = properties[i]
		}
	}
	return rs
}

// Next advances to the next row.
func (rs *FeatureResultSet) Next() bool {
	if rs == nil || rs.pos+1 >= len(rs.rows) {
		return false
	}
	rs.pos++
	return true
}

// Len returns the number of rows in the chunk.
func (rs *FeatureResultSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rows)
}

// Position returns the zero based position of the current row in the chunk.
func (rs *FeatureResultSet) Position() int { return rs.pos }

// ID returns the id of the current row without decoding it.
func (rs *FeatureResultSet) ID() int64 { return rs.rows[rs.pos].id }

// Row decodes the current row.
func (rs *FeatureResultSet) Row() (*FeatureRow, error) {
	return rs.rows[rs.pos].decode()
}

// FeatureSource is read access to a single feature table.
type FeatureSource interface {
	TableName() string
	IDColumn() string
	GeometryColumn() string
	SRSID() int

	// QueryForChunk returns up to limit rows starting at offset, ordered by id.
	QueryForChunk(ctx context.Context, limit, offset int) (*FeatureResultSet, error)

	// QueryForID returns the row with the given id, or nil and no error when
	// there is none.
	QueryForID(ctx context.Context, id int64) (*FeatureRow, error)

	// Count counts rows matching where, or all rows when where is empty.
	Count(ctx context.Context, where string, args ...any) (int, error)
}

// Transactor runs a unit of work atomically. The transaction travels in the
// context handed to fn; statements issued with that context join it.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
