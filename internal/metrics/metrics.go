// Package metrics exposes detector, processor and sink counters to Prometheus.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"approval-sentinel/internal/approvals"
)

// Config configures the metrics and health HTTP server.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address" validate:"required_if=Enabled true"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig serves on :9090.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Address:   ":9090",
		Namespace: "approval_sentinel",
	}
}

// Metrics owns a registry and implements approvals.Recorder,
// processor.Recorder and alerting.FailureRecorder.
type Metrics struct {
	registry *prometheus.Registry

	transactions     prometheus.Counter
	approvalEvents   prometheus.Counter
	skipped          *prometheus.CounterVec
	windowsOpened    prometheus.Counter
	windowsRolled    prometheus.Counter
	alerts           prometheus.Counter
	failed           prometheus.Counter
	queueDepth       prometheus.Gauge
	classifierCalls  *prometheus.CounterVec
	classifierTime   prometheus.Histogram
	deliveryFailures *prometheus.CounterVec
}

// New registers all collectors in a fresh registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		transactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions handled by the detector.",
		}),
		approvalEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_events_total",
			Help:      "Decoded approve and increaseAllowance calls.",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_events_skipped_total",
			Help:      "Approval events ignored by the detector, by reason.",
		}, []string{"reason"}),
		windowsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_opened_total",
			Help:      "Observation windows created for new (spender, asset) pairs.",
		}),
		windowsRolled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_rolled_over_total",
			Help:      "Observation windows restarted after the period elapsed.",
		}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Phishing alerts raised.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_failed_total",
			Help:      "Transactions that could not be decoded or classified.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Transactions waiting for the processor.",
		}),
		classifierCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_calls_total",
			Help:      "Address classifications, by result.",
		}, []string{"result"}),
		classifierTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classifier_duration_seconds",
			Help:      "Latency of address classification.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_delivery_failures_total",
			Help:      "Alerts a channel gave up on after retries.",
		}, []string{"channel"}),
	}

	reg.MustRegister(
		m.transactions, m.approvalEvents, m.skipped,
		m.windowsOpened, m.windowsRolled, m.alerts,
		m.failed, m.queueDepth,
		m.classifierCalls, m.classifierTime, m.deliveryFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TrackWindows exports the number of tracked (spender, asset) pairs.
func (m *Metrics) TrackWindows(namespace string, count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_windows",
		Help:      "Observation windows currently held in memory.",
	}, func() float64 { return float64(count()) }))
}

// TransactionProcessed counts a processed transaction and its decoded
// approval calls.
func (m *Metrics) TransactionProcessed(calls int) {
	m.transactions.Inc()
	m.approvalEvents.Add(float64(calls))
}

// EventSkipped counts an approval call that was ignored, labelled by reason.
func (m *Metrics) EventSkipped(reason string) { m.skipped.WithLabelValues(reason).Inc() }

// WindowOpened counts a new observation window.
func (m *Metrics) WindowOpened() { m.windowsOpened.Inc() }

// WindowRolledOver counts a window restarted after its period elapsed.
func (m *Metrics) WindowRolledOver() { m.windowsRolled.Inc() }

// AlertRaised counts an emitted alert.
func (m *Metrics) AlertRaised() { m.alerts.Inc() }

// TransactionFailed counts a transaction whose handling returned an error.
func (m *Metrics) TransactionFailed() { m.failed.Inc() }

// QueueDepth sets the transaction queue depth gauge.
func (m *Metrics) QueueDepth(n int) { m.queueDepth.Set(float64(n)) }

// DeliveryFailed counts an alert that a channel gave up on.
func (m *Metrics) DeliveryFailed(channel string) {
	m.deliveryFailures.WithLabelValues(channel).Inc()
}

// InstrumentClassifier counts and times every classification made by fn.
func (m *Metrics) InstrumentClassifier(fn approvals.ClassifyFunc) approvals.ClassifyFunc {
	return func(ctx context.Context, address string) (bool, error) {
		start := time.Now()
		eoa, err := fn(ctx, address)
		m.classifierTime.Observe(time.Since(start).Seconds())

		switch {
		case err != nil:
			m.classifierCalls.WithLabelValues("error").Inc()
		case eoa:
			m.classifierCalls.WithLabelValues("eoa").Inc()
		default:
			m.classifierCalls.WithLabelValues("contract").Inc()
		}
		return eoa, err
	}
}

// HealthFunc reports component health; a nil error means healthy.
type HealthFunc func(ctx context.Context) error

// NewServer serves /metrics and /health on addr.
func NewServer(addr string, m *Metrics, checks map[string]HealthFunc, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry: m.registry,
	}))
	mux.HandleFunc("/health", healthHandler(checks, logger))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func healthHandler(checks map[string]HealthFunc, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		components := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				components[name] = err.Error()
				logger.Warn("health check failed", "component", name, "error", err)
				continue
			}
			components[name] = "ok"
		}

		body := map[string]any{"status": "ok", "components": components}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

// Serve runs srv until ctx is done, then shuts it down.
func Serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
