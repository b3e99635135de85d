// Package metrics exposes Prometheus collectors for the repair pipeline.
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const namespace = "repairplanner"

// Outcome label values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics holds the pipeline collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	stageDuration *prometheus.HistogramVec
	faults        *prometheus.CounterVec
	agentSyncs    *prometheus.CounterVec
	llmCalls      *prometheus.CounterVec
	llmDuration   *prometheus.HistogramVec
	inFlight      prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   []float64{.001, .01, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage", "outcome"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Faults processed, by final outcome and failing stage.",
		}, []string{"outcome", "stage"}),
		agentSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_syncs_total",
			Help:      "Agent definition reconciliations, by action.",
		}, []string{"action"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Model HTTP attempts, by deployment and outcome.",
		}, []string{"deployment", "outcome"}),
		llmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "Duration of model HTTP attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"deployment"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "faults_in_flight",
			Help:      "Faults currently in the pipeline.",
		}),
	}

	m.registry.MustRegister(
		m.stageDuration,
		m.faults,
		m.agentSyncs,
		m.llmCalls,
		m.llmDuration,
		m.inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

// ObserveStage records one pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, outcome(err)).Observe(d.Seconds())
}

// ObserveFault records a finished fault. failedStage is empty on success.
func (m *Metrics) ObserveFault(failedStage string, err error) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(outcome(err), failedStage).Inc()
}

// ObserveAgentSync records an agent reconcile; action is "failed" on error.
func (m *Metrics) ObserveAgentSync(action string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		action = "failed"
	}
	m.agentSyncs.WithLabelValues(action).Inc()
}

// ObserveCall records one model HTTP attempt. It satisfies llm.Observer.
func (m *Metrics) ObserveCall(deployment string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(deployment, outcome(err)).Inc()
	m.llmDuration.WithLabelValues(deployment).Observe(d.Seconds())
}

// FaultStarted increments the in-flight gauge and returns its decrement.
func (m *Metrics) FaultStarted() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	h := promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})
	return otelhttp.NewHandler(h, "metrics")
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
