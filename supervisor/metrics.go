package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks worker lifecycles, labeled by supervisor name.
// A nil *Metrics records nothing.
type Metrics struct {
	Spawns        *prometheus.CounterVec
	SpawnFailures *prometheus.CounterVec
	Exits         *prometheus.CounterVec
	Errors        *prometheus.CounterVec
	Running       *prometheus.GaugeVec
}

// NewMetrics creates the supervisor metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	labels := []string{"supervisor"}
	return &Metrics{
		Spawns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procbridge",
			Name:      "spawns_total",
			Help:      "Worker processes spawned.",
		}, labels),
		SpawnFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procbridge",
			Name:      "spawn_failures_total",
			Help:      "Worker spawns that failed.",
		}, labels),
		Exits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procbridge",
			Name:      "unexpected_exits_total",
			Help:      "Worker processes that exited on their own.",
		}, labels),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procbridge",
			Name:      "process_errors_total",
			Help:      "Worker processes torn down after an error event.",
		}, labels),
		Running: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "procbridge",
			Name:      "running",
			Help:      "Whether a worker process is currently running.",
		}, labels),
	}
}

func (m *Metrics) spawned(name string) {
	if m == nil {
		return
	}
	m.Spawns.WithLabelValues(name).Inc()
	m.Running.WithLabelValues(name).Set(1)
}

func (m *Metrics) spawnFailed(name string) {
	if m == nil {
		return
	}
	m.SpawnFailures.WithLabelValues(name).Inc()
}

func (m *Metrics) exited(name string) {
	if m == nil {
		return
	}
	m.Exits.WithLabelValues(name).Inc()
}

func (m *Metrics) errored(name string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(name).Inc()
}

func (m *Metrics) stopped(name string) {
	if m == nil {
		return
	}
	m.Running.WithLabelValues(name).Set(0)
}
