package gpkgindex

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/paulmach/orb"
)

// =============================================================================
// Test Data Generators
// =============================================================================

// generatePoints creates n random points within the given bounds.
func generatePoints(r *rand.Rand, n int, minX, maxX, minY, maxY float64) []orb.Geometry {
	geoms := make([]orb.Geometry, n)
	for i := 0; i < n; i++ {
		x := minX + r.Float64()*(maxX-minX)
		y := minY + r.Float64()*(maxY-minY)
		geoms[i] = orb.Point{x, y}
	}
	return geoms
}

// generatePolygons creates n random square polygons.
func generatePolygons(r *rand.Rand, n int, minX, maxX, minY, maxY float64) []orb.Geometry {
	geoms := make([]orb.Geometry, n)
	for i := 0; i < n; i++ {
		x := minX + r.Float64()*(maxX-minX-0.1)
		y := minY + r.Float64()*(maxY-minY-0.1)
		size := 0.01 + r.Float64()*0.09
		geoms[i] = orb.Polygon{{
			{x, y},
			{x + size, y},
			{x + size, y + size},
			{x, y + size},
			{x, y},
		}}
	}
	return geoms
}

func generateGeometries(r *rand.Rand, n int, geomType string) []orb.Geometry {
	if geomType == "polygon" {
		return generatePolygons(r, n, -180, 180, -90, 90)
	}
	return generatePoints(r, n, -180, 180, -90, 90)
}

// setupBenchmarkTable creates a table of n random geometries with the given
// index.
func setupBenchmarkTable(b *testing.B, n int, geomType string, indexType IndexType) *IndexManager {
	b.Helper()
	ctx := context.Background()
	r := rand.New(rand.NewSource(42))

	gp := openTestGeoPackage(b, &Options{Logger: slog.New(slog.DiscardHandler), IndexType: indexType})
	m, err := NewIndexManager(createTestTable(b, gp, "bench", generateGeometries(r, n, geomType)...))
	if err != nil {
		b.Fatal(err)
	}
	if _, err := m.Index(ctx, false); err != nil {
		b.Fatal(err)
	}
	return m
}

var benchmarkBounds = env(-10, -10, 10, 10)

// =============================================================================
// Range Query Benchmarks
// =============================================================================

func BenchmarkQuery_Scan_Points_10000(b *testing.B) {
	benchmarkQuery(b, 10000, "point", IndexTypeNone)
}

func BenchmarkQuery_GeometryIndex_Points_10000(b *testing.B) {
	benchmarkQuery(b, 10000, "point", IndexTypeGeometry)
}

func BenchmarkQuery_RTree_Points_10000(b *testing.B) {
	benchmarkQuery(b, 10000, "point", IndexTypeRTree)
}

func BenchmarkQuery_Scan_Polygons_10000(b *testing.B) {
	benchmarkQuery(b, 10000, "polygon", IndexTypeNone)
}

func BenchmarkQuery_GeometryIndex_Polygons_10000(b *testing.B) {
	benchmarkQuery(b, 10000, "polygon", IndexTypeGeometry)
}

func BenchmarkQuery_RTree_Polygons_10000(b *testing.B) {
	benchmarkQuery(b, 10000, "polygon", IndexTypeRTree)
}

func benchmarkQuery(b *testing.B, n int, geomType string, indexType IndexType) {
	ctx := context.Background()
	m := setupBenchmarkTable(b, n, geomType, indexType)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		ids, err := m.Query(ctx, benchmarkBounds)
		if err != nil {
			b.Fatal(err)
		}
		if len(ids) == 0 {
			b.Fatal("no features")
		}
	}
}

// =============================================================================
// Index Build Benchmarks
// =============================================================================

func BenchmarkBuild_GeometryIndex_Points_10000(b *testing.B) {
	ctx := context.Background()
	m := setupBenchmarkTable(b, 10000, "point", IndexTypeNone)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		n, err := m.TableIndex().BuildIndex(ctx)
		if err != nil {
			b.Fatal(err)
		}
		if n != 10000 {
			b.Fatalf("indexed %d rows", n)
		}
	}
}

func BenchmarkBuild_RTree_Points_10000(b *testing.B) {
	ctx := context.Background()
	m := setupBenchmarkTable(b, 10000, "point", IndexTypeNone)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := m.RTree().Create(ctx); err != nil {
			b.Fatal(err)
		}
		b.StopTimer()
		if err := m.RTree().Delete(ctx); err != nil {
			b.Fatal(err)
		}
		b.StartTimer()
	}
}

// =============================================================================
// Geometry Codec Benchmarks
// =============================================================================

func BenchmarkEncodeGeometry_Polygon(b *testing.B) {
	geom := generatePolygons(rand.New(rand.NewSource(42)), 1, -180, 180, -90, 90)[0]

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := EncodeGeometry(geom, SRSWGS84); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecodeGeometry_Polygon(b *testing.B) {
	geom := generatePolygons(rand.New(rand.NewSource(42)), 1, -180, 180, -90, 90)[0]
	data, err := EncodeGeometry(geom, SRSWGS84)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		g, err := DecodeGeometry(data)
		if err != nil {
			b.Fatal(err)
		}
		if _, ok := g.BuildEnvelope(); !ok {
			b.Fatal("empty envelope")
		}
	}
}

// =============================================================================
// Export Benchmarks
// =============================================================================

func BenchmarkExportFlatGeobuf_Points_10000(b *testing.B) {
	benchmarkExport(b, 10000, false)
}

func BenchmarkExportFlatGeobufIdx_Points_10000(b *testing.B) {
	benchmarkExport(b, 10000, true)
}

func benchmarkExport(b *testing.B, n int, includeIndex bool) {
	ctx := context.Background()
	m := setupBenchmarkTable(b, n, "point", IndexTypeRTree)
	opts := &ExportOptions{IncludeIndex: includeIndex}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		if _, err := m.ExportFlatGeobuf(ctx, &buf, benchmarkBounds, opts); err != nil {
			b.Fatal(err)
		}
	}
}

// =============================================================================
// Summary Report Test
// =============================================================================

func TestPerformanceSummary(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping performance summary in short mode")
	}

	ctx := context.Background()
	r := rand.New(rand.NewSource(42))
	geoms := generateGeometries(r, 5000, "polygon")

	gp := openTestGeoPackage(t, &Options{Logger: slog.New(slog.DiscardHandler)})
	m, err := NewIndexManager(createTestTable(t, gp, "summary", geoms...))
	if err != nil {
		t.Fatal(err)
	}

	timeQuery := func(fi FeatureIndex) (int, time.Duration) {
		start := time.Now()
		ids, err := fi.Query(ctx, benchmarkBounds)
		if err != nil {
			t.Fatal(err)
		}
		return len(ids), time.Since(start)
	}

	start := time.Now()
	if _, err := m.TableIndex().BuildIndex(ctx); err != nil {
		t.Fatal(err)
	}
	geometryBuild := time.Since(start)

	start = time.Now()
	if _, err := m.RTree().Create(ctx); err != nil {
		t.Fatal(err)
	}
	rtreeBuild := time.Since(start)

	t.Log("\n" + "=" + "================================================================")
	t.Log("Range Query Backend Summary (5K polygons)")
	t.Log("================================================================")
	t.Logf("%-16s | %-12s | %-12s | %-8s", "Backend", "Build", "Query", "Matches")
	t.Log("-----------------|--------------|--------------|---------")

	backends := []struct {
		name  string
		index FeatureIndex
		build time.Duration
	}{
		{"scan", manualIndex{m.ManualQuery()}, 0},
		{"geometry index", m.TableIndex(), geometryBuild},
		{"rtree", m.RTree(), rtreeBuild},
	}

	var want int
	for i, be := range backends {
		n, d := timeQuery(be.index)
		if i == 0 {
			want = n
		} else if n != want {
			t.Errorf("%s matched %d features, scan matched %d", be.name, n, want)
		}
		t.Logf("%-16s | %-12s | %-12s | %d", be.name, formatDuration(be.build), formatDuration(d), n)
	}
	t.Log("")
	t.Log("Run 'go test -bench=. -benchmem' for detailed timing benchmarks")
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f ms", float64(d.Microseconds())/1000)
}
