package gpkgindex

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// IndexedRows counts feature rows visited by geometry index builds.
var IndexedRows = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gpkgindex",
	Subsystem: "table_index",
	Name:      "rows",
	Help:      "Feature rows processed by geometry index builds, by result (indexed, empty, error)",
}, []string{"table", "result"})

// IndexBuildDuration observes how long geometry index and R-tree builds take.
var IndexBuildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "gpkgindex",
	Subsystem: "table_index",
	Name:      "build_duration_seconds",
	Help:      "Duration of spatial index builds, by index type (geometry, rtree)",
	Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
}, []string{"table", "index"})

// QueryCount counts range queries by the backend that answered them.
var QueryCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gpkgindex",
	Subsystem: "manager",
	Name:      "queries",
	Help:      "Range queries answered, by backend",
}, []string{"table", "backend"})

// RowSyncRequests counts feature row lookups by how they were resolved.
var RowSyncRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gpkgindex",
	Subsystem: "row_sync",
	Name:      "requests",
	Help:      "Feature row requests, by outcome (hit, wait, fetch, cache)",
}, []string{"result"})

// RegisterMetrics registers the package collectors with r. Collectors that
// are already registered are skipped.
func RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{IndexedRows, IndexBuildDuration, QueryCount, RowSyncRequests} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
