package gpkgindex

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

type testLogWriter struct{ t testing.TB }

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func newTestLogger(t testing.TB) *slog.Logger {
	return slog.New(slog.NewTextHandler(testLogWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// openTestGeoPackage opens an empty GeoPackage in a temporary directory.
func openTestGeoPackage(t testing.TB, opts *Options) *GeoPackage {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	if opts.Logger == nil {
		opts.Logger = newTestLogger(t)
	}
	gp, err := Open(filepath.Join(t.TempDir(), "test.gpkg"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gp.Close() })
	return gp
}

// createTestTable creates a WGS84 feature table holding geoms, named f1, f2, ...
// A nil geometry is stored as NULL.
func createTestTable(t testing.TB, gp *GeoPackage, name string, geoms ...orb.Geometry) *FeatureTable {
	t.Helper()
	ctx := context.Background()
	table, err := gp.CreateFeatureTable(ctx, FeatureTableSpec{
		Name:    name,
		SRSID:   SRSWGS84,
		Columns: []Column{{Name: "name", Type: "TEXT"}},
	})
	require.NoError(t, err)

	err = table.InTransaction(ctx, func(ctx context.Context) error {
		for i, g := range geoms {
			if _, err := table.Insert(ctx, g, map[string]any{"name": fmt.Sprintf("f%d", i+1)}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return table
}

func box(minX, minY, maxX, maxY float64) orb.Bound {
	return orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}
}

func env(minX, minY, maxX, maxY float64) Envelope {
	return Envelope{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
}

// scenarioGeoms are three boxes where the first and third share the edge x=1.
func scenarioGeoms() []orb.Geometry {
	return []orb.Geometry{box(0, 0, 1, 1), box(5, 5, 6, 6), box(1, 0, 2, 1)}
}

// gridPoints returns n points on an integer grid, 100 per row.
func gridPoints(n int) []orb.Geometry {
	geoms := make([]orb.Geometry, n)
	for i := range geoms {
		geoms[i] = orb.Point{float64(i % 100), float64(i / 100)}
	}
	return geoms
}

// testProgress records progress and turns inactive once stopAt rows have
// been reported. A zero stopAt never stops.
type testProgress struct {
	mu     sync.Mutex
	n      int
	stopAt int
	onAdd  func(n int)
}

func (p *testProgress) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopAt == 0 || p.n < p.stopAt
}

func (p *testProgress) AddProgress(n int) {
	p.mu.Lock()
	p.n += n
	total := p.n
	p.mu.Unlock()
	if p.onAdd != nil {
		p.onAdd(total)
	}
}

func (p *testProgress) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// stepClock returns a clock that advances one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

// memSource is an in-memory FeatureSource.
type memSource struct {
	name   string
	srs    int
	ids    []int64
	blobs  [][]byte
	mu     sync.Mutex
	chunks []int
}

func newMemSource(t testing.TB, geoms ...orb.Geometry) *memSource {
	t.Helper()
	s := &memSource{name: "mem", srs: SRSWGS84}
	for i, g := range geoms {
		var blob []byte
		if g != nil {
			var err error
			blob, err = EncodeGeometry(g, SRSWGS84)
			require.NoError(t, err)
		}
		s.ids = append(s.ids, int64(i+1))
		s.blobs = append(s.blobs, blob)
	}
	return s
}

func (s *memSource) TableName() string      { return s.name }
func (s *memSource) IDColumn() string       { return "fid" }
func (s *memSource) GeometryColumn() string { return "geom" }
func (s *memSource) SRSID() int             { return s.srs }

func (s *memSource) QueryForChunk(_ context.Context, limit, offset int) (*FeatureResultSet, error) {
	lo := min(offset, len(s.ids))
	hi := min(offset+limit, len(s.ids))

	s.mu.Lock()
	s.chunks = append(s.chunks, hi-lo)
	s.mu.Unlock()

	return NewFeatureResultSet(s.ids[lo:hi], s.blobs[lo:hi], nil), nil
}

func (s *memSource) QueryForID(_ context.Context, id int64) (*FeatureRow, error) {
	for i, v := range s.ids {
		if v == id {
			return rawFeatureRow{id: id, geometry: s.blobs[i]}.decode()
		}
	}
	return nil, nil
}

func (s *memSource) Count(context.Context, string, ...any) (int, error) {
	return len(s.ids), nil
}

func (s *memSource) chunkSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.chunks...)
}

// chunkRecorder records the size of every chunk read from a source.
type chunkRecorder struct {
	FeatureSource
	mu     sync.Mutex
	chunks []int
}

func (r *chunkRecorder) QueryForChunk(ctx context.Context, limit, offset int) (*FeatureResultSet, error) {
	rs, err := r.FeatureSource.QueryForChunk(ctx, limit, offset)
	if err == nil {
		r.mu.Lock()
		r.chunks = append(r.chunks, rs.Len())
		r.mu.Unlock()
	}
	return rs, err
}
