package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "boardsync"

// Metrics counts engine events in Prometheus collectors.
type Metrics struct {
	BatchesApplied *prometheus.CounterVec
	OpsApplied     *prometheus.CounterVec
	Enqueued       prometheus.Counter
	Pushes         *prometheus.CounterVec
	Pulls          *prometheus.CounterVec
	Fallbacks      prometheus.Counter
	ServerRevision prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		BatchesApplied: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_applied_total",
				Help:      "Remote batches applied to the live board",
			},
			[]string{"source"},
		),
		OpsApplied: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "op_kinds_applied_total",
				Help:      "Operation kinds touched by applied batches",
			},
			[]string{"type"},
		),
		Enqueued: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_enqueued_total",
				Help:      "Batches enqueued for the remote authority",
			},
		),
		Pushes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pushes_total",
				Help:      "Push attempts by result",
			},
			[]string{"result"},
		),
		Pulls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pulls_total",
				Help:      "Pull attempts by result",
			},
			[]string{"result"},
		),
		Fallbacks: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallbacks_total",
				Help:      "Fallback reconciliations run",
			},
		),
		ServerRevision: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "server_revision",
				Help:      "Last server revision acknowledged by the authority",
			},
		),
	}
}

func (m *Metrics) BatchApplied(ev BatchApplied) {
	m.BatchesApplied.WithLabelValues(string(ev.Source)).Inc()
	for _, k := range ev.Types {
		m.OpsApplied.WithLabelValues(string(k)).Inc()
	}
}

func (m *Metrics) Queued(string, string, int) {
	m.Enqueued.Inc()
}

func (m *Metrics) PushSucceeded(_, _ string, serverRevision int64) {
	m.Pushes.WithLabelValues("success").Inc()
	m.ServerRevision.Set(float64(serverRevision))
}

func (m *Metrics) PushFailed(string, string, error) {
	m.Pushes.WithLabelValues("error").Inc()
}

func (m *Metrics) PullSucceeded(_ string, _ int, serverRevision int64) {
	m.Pulls.WithLabelValues("success").Inc()
	m.ServerRevision.Set(float64(serverRevision))
}

func (m *Metrics) PullFailed(string, error) {
	m.Pulls.WithLabelValues("error").Inc()
}

func (m *Metrics) FallbackRan(string, int, int64) {
	m.Fallbacks.Inc()
}
