package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	gpkgindex "github.com/tingold/orb-gpkgindex"
)

type City struct {
	Name       string
	Country    string
	Longitude  float64
	Latitude   float64
	Population int
	Capital    bool
}

var cities = []City{
	{"Tokyo", "Japan", 139.6917, 35.6895, 13960000, true},
	{"New York", "United States", -73.9857, 40.7484, 8336817, false},
	{"London", "United Kingdom", -0.1276, 51.5074, 8982000, true},
	{"Paris", "France", 2.3522, 48.8566, 2161000, true},
	{"Beijing", "China", 116.4074, 39.9042, 21540000, true},
	{"Moscow", "Russia", 37.6173, 55.7558, 12615000, true},
	{"São Paulo", "Brazil", -46.6333, -23.5505, 12300000, false},
	{"Mumbai", "India", 72.8777, 19.0760, 12400000, false},
	{"Los Angeles", "United States", -118.2437, 34.0522, 3971883, false},
	{"Shanghai", "China", 121.4737, 31.2304, 24870000, false},
	{"Istanbul", "Turkey", 28.9784, 41.0082, 15520000, false},
	{"Buenos Aires", "Argentina", -58.3816, -34.6037, 3075646, true},
	{"Cairo", "Egypt", 31.2357, 30.0444, 10230000, true},
	{"Sydney", "Australia", 151.2093, -33.8688, 5312000, false},
	{"Berlin", "Germany", 13.4050, 52.5200, 3669491, true},
}

func main() {
	fs := pflag.NewFlagSet("server", pflag.ExitOnError)
	gpkgindex.RegisterFlags(fs)
	configPath := fs.String("config", "", "YAML config file")
	dbPath := fs.String("db", "cities.gpkg", "GeoPackage file")
	addr := fs.String("addr", ":8080", "listen address")
	_ = fs.Parse(os.Args[1:])

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	opts, err := gpkgindex.LoadOptions(*configPath, fs)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	opts.Logger = logger

	ctx := context.Background()
	gp, err := gpkgindex.Open(*dbPath, opts)
	if err != nil {
		logger.Error("failed to open geopackage", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = gp.Close() }()

	manager, err := seed(ctx, gp)
	if err != nil {
		logger.Error("failed to seed cities", "error", err)
		os.Exit(1)
	}
	if _, err := manager.Index(ctx, false); err != nil {
		logger.Error("failed to index cities", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	if err := gpkgindex.RegisterMetrics(registry); err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	h := &handlers{manager: manager, log: logger}
	r := chi.NewRouter()
	r.Get("/features", h.features)
	r.Get("/features.fgb", h.flatgeobuf)
	r.Post("/index", h.reindex)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	logger.Info("server starting", "addr", *addr, "db", *dbPath)
	if err := http.ListenAndServe(*addr, r); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// seed opens the cities table, creating and filling it on first run.
func seed(ctx context.Context, gp *gpkgindex.GeoPackage) (*gpkgindex.IndexManager, error) {
	table, err := gp.FeatureTable(ctx, "cities")
	if err == nil {
		return gpkgindex.NewIndexManager(table)
	}
	if !errors.Is(err, gpkgindex.ErrNoGeometryColumn) {
		return nil, err
	}

	table, err = gp.CreateFeatureTable(ctx, gpkgindex.FeatureTableSpec{
		Name:         "cities",
		GeometryType: "POINT",
		SRSID:        gpkgindex.SRSWGS84,
		Columns: []gpkgindex.Column{
			{Name: "name", Type: "TEXT"},
			{Name: "country", Type: "TEXT"},
			{Name: "population", Type: "INTEGER"},
			{Name: "capital", Type: "BOOLEAN"},
		},
	})
	if err != nil {
		return nil, err
	}

	manager, err := gpkgindex.NewIndexManager(table)
	if err != nil {
		return nil, err
	}
	err = table.InTransaction(ctx, func(ctx context.Context) error {
		for _, c := range cities {
			_, err := manager.Insert(ctx, orb.Point{c.Longitude, c.Latitude}, map[string]any{
				"name":       c.Name,
				"country":    c.Country,
				"population": c.Population,
				"capital":    c.Capital,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return manager, err
}

type handlers struct {
	manager *gpkgindex.IndexManager
	log     *slog.Logger
}

// features serves the features overlapping ?bbox=minx,miny,maxx,maxy as
// GeoJSON. Without bbox the whole extent is used.
func (h *handlers) features(w http.ResponseWriter, r *http.Request) {
	env, ok := h.bbox(w, r)
	if !ok {
		return
	}

	ids, err := h.manager.Query(r.Context(), env)
	if err != nil {
		h.fail(w, err)
		return
	}
	rows, err := h.manager.FeatureRows(r.Context(), ids)
	if err != nil {
		h.fail(w, err)
		return
	}

	fc := geojson.NewFeatureCollection()
	for _, row := range rows {
		if row.Geometry == nil || row.Geometry.Geometry == nil {
			continue
		}
		f := geojson.NewFeature(row.Geometry.Geometry)
		f.ID = row.ID
		f.Properties = row.Properties
		fc.Append(f)
	}

	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(fc); err != nil {
		h.log.Warn("failed to write response", "error", err)
	}
}

// flatgeobuf serves the same selection as features encoded as FlatGeobuf.
func (h *handlers) flatgeobuf(w http.ResponseWriter, r *http.Request) {
	env, ok := h.bbox(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_, err := h.manager.ExportFlatGeobuf(r.Context(), w, env, &gpkgindex.ExportOptions{
		Description:  "Major world cities",
		IncludeIndex: true,
	})
	if errors.Is(err, gpkgindex.ErrNoFeatures) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		h.fail(w, err)
	}
}

// reindex rebuilds the configured index.
func (h *handlers) reindex(w http.ResponseWriter, r *http.Request) {
	n, err := h.manager.Index(r.Context(), true)
	if err != nil {
		h.fail(w, err)
		return
	}
	t, err := h.manager.IndexedType(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"indexed": n, "index": t})
}

func (h *handlers) bbox(w http.ResponseWriter, r *http.Request) (gpkgindex.Envelope, bool) {
	raw := r.URL.Query().Get("bbox")
	if raw == "" {
		env, ok, err := h.manager.BoundingBox(r.Context())
		if err != nil {
			h.fail(w, err)
			return env, false
		}
		if !ok {
			http.Error(w, "table is empty", http.StatusNotFound)
		}
		return env, ok
	}

	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		http.Error(w, "bbox must be minx,miny,maxx,maxy", http.StatusBadRequest)
		return gpkgindex.Envelope{}, false
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid bbox value %q", p), http.StatusBadRequest)
			return gpkgindex.Envelope{}, false
		}
		v[i] = f
	}
	return gpkgindex.Envelope{MinX: v[0], MinY: v[1], MaxX: v[2], MaxY: v[3]}, true
}

func (h *handlers) fail(w http.ResponseWriter, err error) {
	h.log.Error("request failed", "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
