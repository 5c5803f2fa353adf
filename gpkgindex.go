// Package gpkgindex provides spatial indexing and bounding box queries over
// GeoPackage feature tables for the orb geometry library.
//
// Three backends answer the same questions ("which features intersect this
// box", "how many", "what is the extent"): the GeoPackage R-tree extension
// maintained by SQLite itself, a geometry index table maintained by this
// package, and a brute-force chunked scan. IndexManager picks whichever is
// available for a table.
package gpkgindex

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Common errors returned by this package.
var (
	ErrNilGeometry          = errors.New("gpkgindex: nil geometry")
	ErrInvalidData          = errors.New("gpkgindex: invalid geometry data")
	ErrNotIndexed           = errors.New("gpkgindex: table is not indexed")
	ErrNoRTree              = errors.New("gpkgindex: rtree index not found")
	ErrNoGeometryColumn     = errors.New("gpkgindex: no geometry column")
	ErrUnsupportedTransform = errors.New("gpkgindex: unsupported projection transform")
	ErrNoIndex              = errors.New("gpkgindex: flatgeobuf data has no spatial index")
	ErrNoFeatures           = errors.New("gpkgindex: no features to write")
	ErrClosed               = errors.New("gpkgindex: geopackage is closed")
)

// NoRows is returned by TableIndex.BuildIndex when the feature table has no
// rows at all, as opposed to rows that were all skipped.
const NoRows = -1

const (
	// DefaultChunkLimit is the number of feature rows read per chunk.
	DefaultChunkLimit = 1000

	// DefaultTolerance expands query boxes on every side to absorb
	// floating point error at box boundaries.
	DefaultTolerance = .00000000000001

	// DefaultFetchConcurrency bounds concurrent feature row lookups.
	DefaultFetchConcurrency = 8
)

// Spatial reference system identifiers understood by OrbTransformer.
const (
	SRSUndefinedCartesian  = -1
	SRSUndefinedGeographic = 0
	SRSWGS84               = 4326
	SRSWebMercator         = 3857
	SRSGoogleMercator      = 900913
)

// IndexType selects which persistent index IndexManager creates.
type IndexType string

const (
	IndexTypeRTree    IndexType = "rtree"
	IndexTypeGeometry IndexType = "geometry"
	IndexTypeNone     IndexType = "none"
)

// Progress receives progress updates from long running index operations and
// can stop them by reporting inactive.
type Progress interface {
	IsActive() bool
	AddProgress(n int)
}

// Options configures indexing and querying.
type Options struct {
	ChunkLimit       int              `koanf:"chunk_limit"`       // Feature rows per chunk (default: 1000)
	Tolerance        float64          `koanf:"tolerance"`         // Query box expansion (default: 1e-14, negative disables)
	IndexType        IndexType        `koanf:"index_type"`        // Index created by IndexManager.Index (default: rtree)
	RowCacheSize     int              `koanf:"row_cache_size"`    // Resolved feature rows kept in an LRU, 0 disables
	FetchConcurrency int              `koanf:"fetch_concurrency"` // Parallel feature row lookups (default: 8)
	Logger           *slog.Logger     `koanf:"-"`
	Progress         Progress         `koanf:"-"`
	Clock            func() time.Time `koanf:"-"`
	Transformer      Transformer      `koanf:"-"`
}

// DefaultOptions returns default options for indexing and querying.
func DefaultOptions() *Options {
	return &Options{
		ChunkLimit:       DefaultChunkLimit,
		Tolerance:        DefaultTolerance,
		IndexType:        IndexTypeRTree,
		FetchConcurrency: DefaultFetchConcurrency,
	}
}

// withDefaults returns a copy of o with every unset field filled in.
func (o *Options) withDefaults() *Options {
	out := DefaultOptions()
	if o == nil {
		o = out
	}
	cp := *o
	if cp.ChunkLimit <= 0 {
		cp.ChunkLimit = out.ChunkLimit
	}
	// A negative tolerance turns expansion off.
	switch {
	case cp.Tolerance == 0:
		cp.Tolerance = out.Tolerance
	case cp.Tolerance < 0:
		cp.Tolerance = 0
	}
	if cp.IndexType == "" {
		cp.IndexType = out.IndexType
	}
	if cp.FetchConcurrency <= 0 {
		cp.FetchConcurrency = out.FetchConcurrency
	}
	if cp.Logger == nil {
		cp.Logger = slog.New(slog.DiscardHandler)
	}
	if cp.Clock == nil {
		cp.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cp.Transformer == nil {
		cp.Transformer = OrbTransformer{}
	}
	return &cp
}

// StorageError reports a failed transaction or statement against the
// GeoPackage. Chunks committed before the failure are kept.
type StorageError struct {
	Table string
	Op    string
	cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("gpkgindex: %s failed for table %q: %v", e.Op, e.Table, e.cause)
}

func (e *StorageError) Unwrap() error { return e.cause }

func storageError(table, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Table: table, Op: op, cause: err}
}

// RowError reports a single feature row that could not be processed during
// a scan. Scans log it and move on.
type RowError struct {
	Table     string
	Position  int
	FeatureID int64
	cause     error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("gpkgindex: feature %d at position %d in table %q: %v", e.FeatureID, e.Position, e.Table, e.cause)
}

func (e *RowError) Unwrap() error { return e.cause }

// active reports whether a long running operation should keep going.
func active(done <-chan struct{}, p Progress) bool {
	select {
	case <-done:
		return false
	default:
	}
	return p == nil || p.IsActive()
}
