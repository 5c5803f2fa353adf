package gpkgindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
)

// FeatureTable is a GeoPackage feature table. It implements FeatureSource.
type FeatureTable struct {
	gp         *GeoPackage
	name       string
	idColumn   string
	geomColumn string
	srsID      int
	columns    []Column
}

var (
	_ FeatureSource = (*FeatureTable)(nil)
	_ Transactor    = (*FeatureTable)(nil)
	_ Transactor    = (*GeoPackage)(nil)
)

func (t *FeatureTable) TableName() string      { return t.name }
func (t *FeatureTable) IDColumn() string       { return t.idColumn }
func (t *FeatureTable) GeometryColumn() string { return t.geomColumn }
func (t *FeatureTable) SRSID() int             { return t.srsID }

// Columns returns the attribute columns, excluding the id and geometry.
func (t *FeatureTable) Columns() []Column { return t.columns }

// GeoPackage returns the GeoPackage the table belongs to.
func (t *FeatureTable) GeoPackage() *GeoPackage { return t.gp }

// InTransaction runs fn in a transaction on the table's GeoPackage.
func (t *FeatureTable) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.gp.InTransaction(ctx, fn)
}

func (t *FeatureTable) selectColumns() string {
	cols := make([]string, 0, len(t.columns)+2)
	cols = append(cols, quoteIdent(t.idColumn), quoteIdent(t.geomColumn))
	for _, c := range t.columns {
		cols = append(cols, quoteIdent(c.Name))
	}
	return strings.Join(cols, ", ")
}

// QueryForChunk returns up to limit rows starting at offset, ordered by id.
// The chunk is read into memory so no cursor stays open across writes.
func (t *FeatureTable) QueryForChunk(ctx context.Context, limit, offset int) (*FeatureResultSet, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT ? OFFSET ?",
		t.selectColumns(), quoteIdent(t.name), quoteIdent(t.idColumn))

	rows, err := t.gp.conn(ctx).QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, storageError(t.name, "query chunk", err)
	}
	defer func() { _ = rows.Close() }()

	rs := &FeatureResultSet{pos: -1}
	for rows.Next() {
		raw, err := t.scan(rows)
		if err != nil {
			return nil, storageError(t.name, "query chunk", err)
		}
		rs.rows = append(rs.rows, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(t.name, "query chunk", err)
	}
	return rs, nil
}

// QueryForID returns the row with the given id, or nil when there is none.
func (t *FeatureTable) QueryForID(ctx context.Context, id int64) (*FeatureRow, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		t.selectColumns(), quoteIdent(t.name), quoteIdent(t.idColumn))

	rows, err := t.gp.conn(ctx).QueryContext(ctx, query, id)
	if err != nil {
		return nil, storageError(t.name, "query id", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, storageError(t.name, "query id", rows.Err())
	}
	raw, err := t.scan(rows)
	if err != nil {
		return nil, storageError(t.name, "query id", err)
	}
	return raw.decode()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (t *FeatureTable) scan(rows rowScanner) (rawFeatureRow, error) {
	var (
		raw  rawFeatureRow
		vals = make([]any, len(t.columns))
		dest = make([]any, 0, len(t.columns)+2)
	)
	dest = append(dest, &raw.id, &raw.geometry)
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return raw, err
	}

	if len(t.columns) > 0 {
		raw.properties = make(map[string]any, len(t.columns))
		for i, c := range t.columns {
			raw.properties[c.Name] = vals[i]
		}
	}
	return raw, nil
}

// Count counts rows matching where, or all rows when where is empty.
func (t *FeatureTable) Count(ctx context.Context, where string, args ...any) (int, error) {
	query := "SELECT COUNT(*) FROM " + quoteIdent(t.name)
	if where != "" {
		query += " WHERE " + where
	}

	var n int
	if err := t.gp.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, storageError(t.name, "count", err)
	}
	return n, nil
}

// encode converts geom to a GeoPackage blob in the table's SRS. A nil
// geometry is stored as NULL.
func (t *FeatureTable) encode(geom orb.Geometry) (any, error) {
	if geom == nil {
		return nil, nil
	}
	return EncodeGeometry(geom, int32(t.srsID))
}

// propertyArgs returns the known columns present in props, in column order.
func (t *FeatureTable) propertyArgs(props map[string]any) (names []string, args []any) {
	for _, c := range t.columns {
		v, ok := props[c.Name]
		if !ok {
			continue
		}
		names = append(names, quoteIdent(c.Name))
		args = append(args, v)
	}
	return names, args
}

// Insert adds a feature and returns its id. Properties that do not name a
// column are ignored.
func (t *FeatureTable) Insert(ctx context.Context, geom orb.Geometry, props map[string]any) (int64, error) {
	blob, err := t.encode(geom)
	if err != nil {
		return 0, err
	}

	names, args := t.propertyArgs(props)
	names = append([]string{quoteIdent(t.geomColumn)}, names...)
	args = append([]any{blob}, args...)

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(t.name), strings.Join(names, ", "), placeholders(len(names)))

	res, err := t.gp.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storageError(t.name, "insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageError(t.name, "insert", err)
	}
	return id, nil
}

// Update replaces the geometry and the given properties of a feature. It
// returns the number of rows changed.
func (t *FeatureTable) Update(ctx context.Context, id int64, geom orb.Geometry, props map[string]any) (int, error) {
	blob, err := t.encode(geom)
	if err != nil {
		return 0, err
	}

	names, args := t.propertyArgs(props)
	names = append([]string{quoteIdent(t.geomColumn)}, names...)
	args = append([]any{blob}, args...)

	sets := make([]string, len(names))
	for i, n := range names {
		sets[i] = n + " = ?"
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		quoteIdent(t.name), strings.Join(sets, ", "), quoteIdent(t.idColumn))

	res, err := t.gp.conn(ctx).ExecContext(ctx, query, append(args, id)...)
	return affected(t.name, "update", res, err)
}

// Delete removes a feature and returns the number of rows removed.
func (t *FeatureTable) Delete(ctx context.Context, id int64) (int, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(t.name), quoteIdent(t.idColumn))
	res, err := t.gp.conn(ctx).ExecContext(ctx, query, id)
	return affected(t.name, "delete", res, err)
}

func affected(table, op string, res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, storageError(table, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageError(table, op, err)
	}
	return int(n), nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// ensureGeometryColumn reports ErrNoGeometryColumn for sources without a geometry
// column.
func ensureGeometryColumn(src FeatureSource) error {
	if src.GeometryColumn() == "" {
		return fmt.Errorf("%w: table %q", ErrNoGeometryColumn, src.TableName())
	}
	return nil
}

var errNoSource = errors.New("gpkgindex: nil feature source")
