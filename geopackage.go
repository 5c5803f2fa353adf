package gpkgindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

const geometryColumnsDDL = `CREATE TABLE IF NOT EXISTS gpkg_geometry_columns (
	table_name TEXT NOT NULL,
	column_name TEXT NOT NULL,
	geometry_type_name TEXT NOT NULL,
	srs_id INTEGER NOT NULL,
	z TINYINT NOT NULL,
	m TINYINT NOT NULL,
	CONSTRAINT pk_geom_cols PRIMARY KEY (table_name, column_name)
)`

// querier is the subset of *sql.DB and *sql.Tx used by this package.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// GeoPackage is a GeoPackage file opened through database/sql.
type GeoPackage struct {
	db   *sql.DB
	path string
	opts *Options
}

// Open opens (creating if needed) the GeoPackage at path. Use ":memory:" for
// an in-memory database.
func Open(path string, opts *Options) (*GeoPackage, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open geopackage: %w", err)
	}

	// SQLite has a single writer and ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping geopackage: %w", err)
	}

	gp := New(db, opts)
	gp.path = path
	return gp, nil
}

// New wraps an already opened database handle.
func New(db *sql.DB, opts *Options) *GeoPackage {
	return &GeoPackage{db: db, opts: opts.withDefaults()}
}

// Path returns the file path the GeoPackage was opened from.
func (g *GeoPackage) Path() string { return g.path }

// DB returns the underlying database handle.
func (g *GeoPackage) DB() *sql.DB { return g.db }

// Options returns the options the GeoPackage was opened with.
func (g *GeoPackage) Options() *Options { return g.opts }

// Close closes the database connection.
func (g *GeoPackage) Close() error {
	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	return err
}

// conn returns the transaction carried by ctx, or the database handle.
func (g *GeoPackage) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return g.db
}

// InTransaction runs fn inside a transaction. Calls nested inside fn join the
// outer transaction. The transaction is rolled back if fn returns an error or
// panics.
func (g *GeoPackage) InTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if g.db == nil {
		return ErrClosed
	}
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// tableExists reports whether a table or virtual table named name exists.
func (g *GeoPackage) tableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := g.conn(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Column is a feature table attribute column.
type Column struct {
	Name string
	Type string // Declared SQLite type, e.g. TEXT, INTEGER, REAL, BLOB
}

// FeatureTableSpec describes a feature table to create.
type FeatureTableSpec struct {
	Name           string
	IDColumn       string // default: fid
	GeometryColumn string // default: geom
	GeometryType   string // default: GEOMETRY
	SRSID          int
	Columns        []Column
}

// CreateFeatureTable creates a feature table and registers its geometry
// column.
func (g *GeoPackage) CreateFeatureTable(ctx context.Context, spec FeatureTableSpec) (*FeatureTable, error) {
	if spec.Name == "" {
		return nil, errors.New("gpkgindex: feature table name is required")
	}
	if spec.IDColumn == "" {
		spec.IDColumn = "fid"
	}
	if spec.GeometryColumn == "" {
		spec.GeometryColumn = "geom"
	}
	if spec.GeometryType == "" {
		spec.GeometryType = "GEOMETRY"
	}

	var ddl strings.Builder
	fmt.Fprintf(&ddl, "CREATE TABLE %s (%s INTEGER PRIMARY KEY AUTOINCREMENT, %s %s",
		quoteIdent(spec.Name), quoteIdent(spec.IDColumn), quoteIdent(spec.GeometryColumn), spec.GeometryType)
	for _, c := range spec.Columns {
		fmt.Fprintf(&ddl, ", %s %s", quoteIdent(c.Name), c.Type)
	}
	ddl.WriteString(")")

	err := g.InTransaction(ctx, func(ctx context.Context) error {
		q := g.conn(ctx)
		if _, err := q.ExecContext(ctx, geometryColumnsDDL); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, ddl.String()); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx,
			`INSERT INTO gpkg_geometry_columns (table_name, column_name, geometry_type_name, srs_id, z, m) VALUES (?, ?, ?, ?, 0, 0)`,
			spec.Name, spec.GeometryColumn, spec.GeometryType, spec.SRSID)
		return err
	})
	if err != nil {
		return nil, storageError(spec.Name, "create feature table", err)
	}

	return &FeatureTable{
		gp:         g,
		name:       spec.Name,
		idColumn:   spec.IDColumn,
		geomColumn: spec.GeometryColumn,
		srsID:      spec.SRSID,
		columns:    spec.Columns,
	}, nil
}

// FeatureTable opens an existing feature table registered in
// gpkg_geometry_columns.
func (g *GeoPackage) FeatureTable(ctx context.Context, name string) (*FeatureTable, error) {
	t := &FeatureTable{gp: g, name: name}

	err := g.conn(ctx).QueryRowContext(ctx,
		`SELECT column_name, srs_id FROM gpkg_geometry_columns WHERE table_name = ?`, name,
	).Scan(&t.geomColumn, &t.srsID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: table %q", ErrNoGeometryColumn, name)
	}
	if err != nil {
		return nil, storageError(name, "read geometry column", err)
	}

	rows, err := g.conn(ctx).QueryContext(ctx, "PRAGMA table_info("+quoteIdent(name)+")")
	if err != nil {
		return nil, storageError(name, "read table info", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid, notNull, pk int
			colName, colType string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, storageError(name, "read table info", err)
		}
		switch {
		case pk == 1:
			t.idColumn = colName
		case colName == t.geomColumn:
		default:
			t.columns = append(t.columns, Column{Name: colName, Type: colType})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(name, "read table info", err)
	}
	if t.idColumn == "" {
		return nil, fmt.Errorf("gpkgindex: table %q has no integer primary key", name)
	}

	return t, nil
}

// FeatureTables lists the registered feature tables.
func (g *GeoPackage) FeatureTables(ctx context.Context) ([]string, error) {
	ok, err := g.tableExists(ctx, "gpkg_geometry_columns")
	if err != nil || !ok {
		return nil, err
	}

	rows, err := g.conn(ctx).QueryContext(ctx, `SELECT table_name FROM gpkg_geometry_columns ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// quoteIdent quotes an SQL identifier.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
