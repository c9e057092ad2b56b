package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/media_session/pkg/media"
)

// Metrics prometheus метрики сессий. Один экземпляр может обслуживать
// несколько сессий. Nil Metrics ничего не записывает.
type Metrics struct {
	transitions *prometheus.CounterVec
	legsBuilt   *prometheus.CounterVec
	handshakes  *prometheus.CounterVec
	failures    *prometheus.CounterVec
}

// NewMetrics регистрирует метрики в reg
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Total number of media session state transitions",
		}, []string{"from_state", "to_state"}),
		legsBuilt: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "legs_built_total",
			Help:      "Total number of media legs built",
		}, []string{"leg"}),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "handshakes_total",
			Help:      "Total number of start datagrams by result",
		}, []string{"leg", "result"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "failures_total",
			Help:      "Total number of session failures by kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) transition(from, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) legBuilt(leg string) {
	if m == nil {
		return
	}
	m.legsBuilt.WithLabelValues(leg).Inc()
}

func (m *Metrics) handshake(leg string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.handshakes.WithLabelValues(leg, result).Inc()
}

func (m *Metrics) failure(err error) {
	if m == nil {
		return
	}
	kind := "unknown"
	if k, ok := media.KindOf(err); ok {
		kind = k.String()
	}
	m.failures.WithLabelValues(kind).Inc()
}
