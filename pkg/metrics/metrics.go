package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	namespace = "asset_lock"

	StatusSuccess = "success"
	StatusError   = "error"
)

// Workflow stages
const (
	StageFindAsset = "find_asset"
	StageBuild     = "build"
	StageAssemble  = "assemble"
	StageSign      = "sign"
	StageSubmit    = "submit"
	StagePersist   = "persist"
)

// Metrics records workflow progress. A nil *Metrics records nothing.
type Metrics struct {
	stagesTotal     *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	outcomesTotal   *prometheus.CounterVec
	reassemblyTotal *prometheus.CounterVec
	pendingInFlight *prometheus.GaugeVec
	gatherer        prometheus.Gatherer
	logger          *zap.Logger
}

// NewMetrics registers the workflow collectors on reg. When reg is also a
// Gatherer, Handler serves it.
func NewMetrics(reg prometheus.Registerer, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		stagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "stages_total",
				Help:      "Total number of workflow stages run",
			},
			[]string{"workflow", "stage", "status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "stage_duration_seconds",
				Help:      "Workflow stage latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"workflow", "stage"},
		),
		outcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "transaction_outcomes_total",
				Help:      "Terminal transaction outcomes reported by the ledger",
			},
			[]string{"workflow", "state"},
		),
		reassemblyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "reassemblies_total",
				Help:      "Transactions rebuilt after their expiry marker lapsed",
			},
			[]string{"workflow"},
		),
		pendingInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "in_flight",
				Help:      "Workflows currently running",
			},
			[]string{"workflow"},
		),
		logger: logger,
	}

	if reg != nil {
		m.registerIfNotExists(reg, m.stagesTotal, "stages_total")
		m.registerIfNotExists(reg, m.stageDuration, "stage_duration_seconds")
		m.registerIfNotExists(reg, m.outcomesTotal, "transaction_outcomes_total")
		m.registerIfNotExists(reg, m.reassemblyTotal, "reassemblies_total")
		m.registerIfNotExists(reg, m.pendingInFlight, "in_flight")
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// NewProcessMetrics registers on a fresh registry together with the Go and
// process collectors.
func NewProcessMetrics(logger *zap.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewMetrics(reg, logger)
}

func (m *Metrics) registerIfNotExists(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegErr) {
			m.logger.Sugar().Debugw("Collector already registered", "name", name)
			return
		}
		m.logger.Sugar().Errorw("Failed to register collector", "name", name, "error", err)
	}
}

// ObserveStage records one stage run that began at start.
func (m *Metrics) ObserveStage(workflow, stage string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.stagesTotal.WithLabelValues(workflow, stage, status).Inc()
	m.stageDuration.WithLabelValues(workflow, stage).Observe(time.Since(start).Seconds())
}

func (m *Metrics) RecordOutcome(workflow string, state types.TxState) {
	if m == nil || !state.IsTerminal() {
		return
	}
	m.outcomesTotal.WithLabelValues(workflow, state.String()).Inc()
}

func (m *Metrics) RecordReassembly(workflow string) {
	if m == nil {
		return
	}
	m.reassemblyTotal.WithLabelValues(workflow).Inc()
}

// Track marks a workflow in flight until the returned func is called.
func (m *Metrics) Track(workflow string) func() {
	if m == nil {
		return func() {}
	}
	g := m.pendingInFlight.WithLabelValues(workflow)
	g.Inc()
	return g.Dec
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	m.logger.Sugar().Infow("Metrics server listening", "address", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
