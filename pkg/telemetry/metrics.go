package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects run and layer level counters on its own registry so
// tests and embedded uses never collide with the global default registry.
// A disabled Metrics value is safe to call; every Record method no-ops.
type Metrics struct {
	registry *prometheus.Registry
	config   MetricsConfig

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram

	layerDuration  *prometheus.HistogramVec
	pixelsModified *prometheus.CounterVec
	layersFailed   *prometheus.CounterVec

	warnings           *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	masksBuilt         prometheus.Counter
}

// NewMetrics creates the metric set. When cfg.Enabled is false nothing is
// registered and the returned value is inert.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = "zoneshift"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		config:   cfg,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_started_total",
			Help:      "Number of scenario runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_completed_total",
			Help:      "Number of scenario runs finished, by terminal state.",
		}, []string{"state"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "run_duration_seconds",
			Help:      "Wall clock duration of a full scenario run.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),

		layerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "layer_duration_seconds",
			Help:      "Transform and write duration per raster layer.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"layer"}),
		pixelsModified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "pixels_modified_total",
			Help:      "Raster pixels changed by transformations, per layer.",
		}, []string{"layer"}),
		layersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "layers_failed_total",
			Help:      "Layers that failed during apply or write, per layer.",
		}, []string{"layer"}),

		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "warnings_total",
			Help:      "Run warnings, by warning code.",
		}, []string{"code"}),
		validationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "validation_failures_total",
			Help:      "Runs rejected before apply, by error code.",
		}, []string{"code"}),
		masksBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "zone_masks_built_total",
			Help:      "Zone masks rasterized, counting cache misses only.",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.layerDuration,
		m.pixelsModified,
		m.layersFailed,
		m.warnings,
		m.validationFailures,
		m.masksBuilt,
	)
	return m, nil
}

// RecordRunStarted counts a run entering the state machine.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted counts a finished run and observes its duration.
func (m *Metrics) RecordRunCompleted(state string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(state).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// RecordLayer observes one layer's processing outcome.
func (m *Metrics) RecordLayer(layer string, pixels int, duration time.Duration, failed bool) {
	if m.layerDuration == nil {
		return
	}
	m.layerDuration.WithLabelValues(layer).Observe(duration.Seconds())
	m.pixelsModified.WithLabelValues(layer).Add(float64(pixels))
	if failed {
		m.layersFailed.WithLabelValues(layer).Inc()
	}
}

// RecordWarning counts one run warning by its code.
func (m *Metrics) RecordWarning(code string) {
	if m.warnings == nil {
		return
	}
	m.warnings.WithLabelValues(code).Inc()
}

// RecordValidationFailure counts a run that never reached apply.
func (m *Metrics) RecordValidationFailure(code string) {
	if m.validationFailures == nil {
		return
	}
	m.validationFailures.WithLabelValues(code).Inc()
}

// RecordMaskBuilt counts a zone mask rasterization.
func (m *Metrics) RecordMaskBuilt() {
	if m.masksBuilt == nil {
		return
	}
	m.masksBuilt.Inc()
}

// Timer measures a duration from its creation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the timer started.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// Handler returns the HTTP handler serving the registry, or nil when
// metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartServer serves the metrics endpoint until ctx is cancelled. It
// returns immediately when metrics are disabled.
func (m *Metrics) StartServer(ctx context.Context) error {
	if m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	srv := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
