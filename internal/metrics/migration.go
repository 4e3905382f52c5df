// Package metrics provides Prometheus metrics for migration runs
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Outcomes recorded per resource
const (
	OutcomeMigrated  = "migrated"
	OutcomeAbandoned = "abandoned"
	// OutcomeSkipped marks a resource another worker migrated first.
	OutcomeSkipped = "skipped"
)

// MigrationMetrics contains Prometheus metrics for migration runs
type MigrationMetrics struct {
	registry *prometheus.Registry

	resourcesTotal        *prometheus.CounterVec
	attemptFailuresTotal  *prometheus.CounterVec
	bytesUploadedTotal    prometheus.Counter
	attemptDurationSecond *prometheus.HistogramVec
}

// NewMigrationMetrics creates and registers new migration metrics
func NewMigrationMetrics(registry *prometheus.Registry) (*MigrationMetrics, error) {
	m := &MigrationMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MigrationMetrics) initMetrics() {
	m.resourcesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blobmigrate_resources_total",
			Help: "Total number of claimed resources by final outcome",
		},
		[]string{"mode", "outcome"},
	)

	m.attemptFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blobmigrate_attempt_failures_total",
			Help: "Total number of failed migration attempts",
		},
		[]string{"mode", "error_type"},
	)

	m.bytesUploadedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blobmigrate_bytes_uploaded_total",
		Help: "Total bytes committed to the blob store",
	})

	m.attemptDurationSecond = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blobmigrate_attempt_duration_seconds",
			Help:    "Time taken for one fetch, upload and commit attempt",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3m
		},
		[]string{"mode"},
	)
}

// Describe implements the Collector interface
func (m *MigrationMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.resourcesTotal.Describe(ch)
	m.attemptFailuresTotal.Describe(ch)
	m.bytesUploadedTotal.Describe(ch)
	m.attemptDurationSecond.Describe(ch)
}

// Collect implements the Collector interface
func (m *MigrationMetrics) Collect(ch chan<- prometheus.Metric) {
	m.resourcesTotal.Collect(ch)
	m.attemptFailuresTotal.Collect(ch)
	m.bytesUploadedTotal.Collect(ch)
	m.attemptDurationSecond.Collect(ch)
}

// RecordOutcome records the final state of a claimed resource
func (m *MigrationMetrics) RecordOutcome(mode, outcome string) {
	if m == nil {
		return
	}
	m.resourcesTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordAttemptFailure records one failed attempt
func (m *MigrationMetrics) RecordAttemptFailure(mode, errorType string) {
	if m == nil {
		return
	}
	m.attemptFailuresTotal.WithLabelValues(mode, errorType).Inc()
}

// RecordBytesUploaded records the size of a committed payload
func (m *MigrationMetrics) RecordBytesUploaded(n int64) {
	if m == nil {
		return
	}
	m.bytesUploadedTotal.Add(float64(n))
}

// RecordAttemptDuration records how long an attempt took
func (m *MigrationMetrics) RecordAttemptDuration(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.attemptDurationSecond.WithLabelValues(mode).Observe(d.Seconds())
}

// Serve exposes the registry on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, registry *prometheus.Registry) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics listener stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("Serving metrics on http://%s/metrics", ln.Addr())
	return ln.Addr(), nil
}
