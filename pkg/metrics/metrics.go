// Package metrics exposes run counters for the cluster finder.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cluster outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeEmpty  = "empty"
	OutcomeMasked = "masked"
	OutcomeFailed = "failed"
)

// Recorder holds the collectors of one process. A nil Recorder discards
// every observation.
type Recorder struct {
	registry   *prometheus.Registry
	clusters   *prometheus.CounterVec
	iterations prometheus.Histogram
	claims     prometheus.Counter
	tiles      *prometheus.CounterVec
}

// NewRecorder registers the collectors on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		clusters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "redmapper_clusters_total",
			Help: "Clusters processed by run mode and outcome",
		}, []string{"mode", "outcome"}),
		iterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "redmapper_zlambda_iterations",
			Help:    "Redshift iterations per cluster",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10, 15, 20, 30},
		}),
		claims: factory.NewCounter(prometheus.CounterOpts{
			Name: "redmapper_percolation_claims_total",
			Help: "Galaxies claimed by percolation",
		}),
		tiles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "redmapper_tiles_total",
			Help: "Tiles finished by status",
		}, []string{"status"}),
	}
}

// Registry returns the registry backing the recorder.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveCluster counts one processed cluster.
func (r *Recorder) ObserveCluster(mode, outcome string) {
	if r == nil {
		return
	}
	r.clusters.WithLabelValues(mode, outcome).Inc()
}

// ObserveIterations records the iteration count of one redshift fit.
func (r *Recorder) ObserveIterations(n int) {
	if r == nil {
		return
	}
	r.iterations.Observe(float64(n))
}

// AddClaims counts galaxies that received a percolation claim.
func (r *Recorder) AddClaims(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.claims.Add(float64(n))
}

// ObserveTile counts one finished tile.
func (r *Recorder) ObserveTile(status string) {
	if r == nil {
		return
	}
	r.tiles.WithLabelValues(status).Inc()
}
