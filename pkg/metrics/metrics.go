// Package metrics holds the Prometheus collectors for a hotspot run and
// exposes them on an HTTP /metrics endpoint.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Image outcomes.
const (
	OutcomeDownloaded     = "downloaded"
	OutcomeSkipped        = "skipped"
	OutcomeNoURL          = "no_url"
	OutcomeDetailFailed   = "detail_failed"
	OutcomeDownloadFailed = "download_failed"
)

// Region states.
const (
	RegionDone   = "done"
	RegionFailed = "failed"
)

// Registry owns a private prometheus registry and the collectors registered on it.
// A nil *Registry is valid and records nothing.
type Registry struct {
	reg *prometheus.Registry

	Points      *prometheus.CounterVec
	Clusters    prometheus.Gauge
	Regions     *prometheus.CounterVec
	Images      *prometheus.CounterVec
	Bytes       prometheus.Counter
	APIDuration *prometheus.HistogramVec
	Breaker     *prometheus.CounterVec
}

// New creates a Registry with process and Go runtime collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Points: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotspots_points_total",
			Help: "Input rows by load outcome (retained, dropped, filtered)",
		}, []string{"outcome"}),
		Clusters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hotspots_clusters",
			Help: "Clusters found by the last clustering pass",
		}),
		Regions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotspots_regions_total",
			Help: "Regions processed by terminal state",
		}, []string{"state"}),
		Images: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotspots_images_total",
			Help: "Images by retrieval outcome",
		}, []string{"outcome"}),
		Bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hotspots_image_bytes_total",
			Help: "Image bytes persisted",
		}),
		APIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hotspots_api_request_duration_seconds",
			Help:    "Imagery API call duration by operation and result",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"op", "result"}),
		Breaker: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotspots_breaker_transitions_total",
			Help: "Circuit breaker transitions by target state",
		}, []string{"to"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.Points, r.Clusters, r.Regions, r.Images, r.Bytes, r.APIDuration, r.Breaker,
	)
	return r
}

// Handler serves the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// LoadResult records input row counts.
func (r *Registry) LoadResult(retained, dropped, filtered int) {
	if r == nil {
		return
	}
	r.Points.WithLabelValues("retained").Add(float64(retained))
	r.Points.WithLabelValues("dropped").Add(float64(dropped))
	r.Points.WithLabelValues("filtered").Add(float64(filtered))
}

// SetClusters records the cluster count.
func (r *Registry) SetClusters(n int) {
	if r == nil {
		return
	}
	r.Clusters.Set(float64(n))
}

// Region counts a region reaching a terminal state.
func (r *Registry) Region(state string) {
	if r == nil {
		return
	}
	r.Regions.WithLabelValues(state).Inc()
}

// Image counts an image outcome.
func (r *Registry) Image(outcome string) {
	if r == nil {
		return
	}
	r.Images.WithLabelValues(outcome).Inc()
}

// AddBytes counts persisted image bytes.
func (r *Registry) AddBytes(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.Bytes.Add(float64(n))
}

// ObserveAPI records an API call that began at start.
func (r *Registry) ObserveAPI(op string, start time.Time, err error) {
	if r == nil {
		return
	}
	r.APIDuration.WithLabelValues(op, result(err)).Observe(time.Since(start).Seconds())
}

// BreakerTransition counts a breaker state change.
func (r *Registry) BreakerTransition(to string) {
	if r == nil {
		return
	}
	r.Breaker.WithLabelValues(to).Inc()
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return "timeout"
	}
	return "error"
}
