// Package metrics exposes Prometheus metrics for reconciliation cycles.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cycle results used as the result label.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Deletion reasons used as the reason label.
const (
	ReasonDuplicate = "duplicate"
	ReasonObsolete  = "obsolete"
)

// defaultOnce ensures the default-registry metrics are only registered once.
var defaultOnce sync.Once

// defaultInstance is the singleton registered with the default registry.
var defaultInstance *Metrics

// Metrics holds all Prometheus metrics for the reconciliation service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	CyclesTotal        *prometheus.CounterVec // plugsync_cycles_total{result}
	CycleDuration      prometheus.Histogram   // plugsync_cycle_duration_seconds
	ChangedFilesTotal  prometheus.Counter     // plugsync_changed_files_total
	PendingDeployments prometheus.Gauge       // plugsync_pending_deployments
	DeletedFilesTotal  *prometheus.CounterVec // plugsync_deleted_files_total{reason}
	DownloadedBytes    prometheus.Counter     // plugsync_downloaded_bytes_total
	CacheEntries       prometheus.Gauge       // plugsync_cache_entries
}

// Init returns the metrics registered with the default Prometheus registry.
// Subsequent calls return the same instance.
func Init() *Metrics {
	defaultOnce.Do(func() {
		defaultInstance = New(prometheus.DefaultRegisterer)
	})
	return defaultInstance
}

// New registers a fresh set of metrics with registry.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "plugsync_cycles_total",
			Help: "Total reconciliation cycles by result",
		}, []string{"result"}),

		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "plugsync_cycle_duration_seconds",
			Help:    "Reconciliation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),

		ChangedFilesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "plugsync_changed_files_total",
			Help: "Total archives reported as new or changed",
		}),

		PendingDeployments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "plugsync_pending_deployments",
			Help: "Archives waiting for a successful deployer hand-off",
		}),

		DeletedFilesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "plugsync_deleted_files_total",
			Help: "Total archives deleted from the managed directory by reason",
		}, []string{"reason"}),

		DownloadedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "plugsync_downloaded_bytes_total",
			Help: "Total bytes written from the database to the managed directory",
		}),

		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "plugsync_cache_entries",
			Help: "Archives currently tracked by the filesystem cache",
		}),
	}
}

// ObserveCycle records one finished cycle.
func (m *Metrics) ObserveCycle(result string, d time.Duration, changed int) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(d.Seconds())
	m.ChangedFilesTotal.Add(float64(changed))
}

// AddDeleted counts n deleted archives.
func (m *Metrics) AddDeleted(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DeletedFilesTotal.WithLabelValues(reason).Add(float64(n))
}

// AddDownloadedBytes counts bytes written from the database.
func (m *Metrics) AddDownloadedBytes(n int64) {
	if m == nil || n == 0 {
		return
	}
	m.DownloadedBytes.Add(float64(n))
}

// SetState updates the gauges describing the service's current state.
func (m *Metrics) SetState(pending, cacheEntries int) {
	if m == nil {
		return
	}
	m.PendingDeployments.Set(float64(pending))
	m.CacheEntries.Set(float64(cacheEntries))
}
