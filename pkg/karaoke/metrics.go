package karaoke

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

// Metrics собирает Prometheus метрики караоке.
//
// Метрики регистрируются в переданном Registerer, поэтому тесты могут
// использовать собственный prometheus.NewRegistry(). Без Registerer
// сборщик выключен и все методы ничего не делают.
type Metrics struct {
	enabled bool

	legsCreated      prometheus.Counter
	legsActive       prometheus.Gauge
	legDuration      prometheus.Histogram
	legsReleased     *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	unexpectedEvents *prometheus.CounterVec
	chorusesActive   prometheus.Gauge
	chorusMembers    prometheus.Gauge
}

const (
	metricsNamespace = "mscontrol"
	metricsSubsystem = "karaoke"
)

// NewMetrics создает сборщик и регистрирует метрики в reg.
// reg == nil возвращает выключенный сборщик.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	factory := promauto.With(reg)

	return &Metrics{
		enabled: true,
		legsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "legs_created_total",
			Help:      "Total number of karaoke call legs created",
		}),
		legsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "legs_active",
			Help:      "Number of currently registered karaoke call legs",
		}),
		legDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "leg_duration_seconds",
			Help:      "Lifetime of a karaoke call leg from creation to release",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		legsReleased: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "legs_released_total",
			Help:      "Total number of released karaoke call legs by reason",
		}, []string{"reason"}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "state_transitions_total",
			Help:      "Total number of call leg state transitions",
		}, []string{"from", "to"}),
		unexpectedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "unexpected_events_total",
			Help:      "Events without a defined transition, each one released a leg",
		}, []string{"state", "event"}),
		chorusesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "choruses_active",
			Help:      "Number of chorus sessions not yet disbanded",
		}),
		chorusMembers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "chorus_members",
			Help:      "Number of legs currently joined to chorus sessions",
		}),
	}
}

func (m *Metrics) legCreated() {
	if !m.enabled {
		return
	}
	m.legsCreated.Inc()
	m.legsActive.Inc()
}

func (m *Metrics) legReleased(reason string, lifetime time.Duration) {
	if !m.enabled {
		return
	}
	m.legsActive.Dec()
	m.legDuration.Observe(lifetime.Seconds())
	m.legsReleased.WithLabelValues(reason).Inc()
}

func (m *Metrics) transition(from, to State) {
	if !m.enabled {
		return
	}
	m.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) unexpectedEvent(state State, kind mscontrol.EventKind) {
	if !m.enabled {
		return
	}
	m.unexpectedEvents.WithLabelValues(state.String(), kind.String()).Inc()
}

func (m *Metrics) chorusCreated() {
	if m.enabled {
		m.chorusesActive.Inc()
	}
}

func (m *Metrics) chorusDisbanded() {
	if m.enabled {
		m.chorusesActive.Dec()
	}
}

func (m *Metrics) memberJoined() {
	if m.enabled {
		m.chorusMembers.Inc()
	}
}

func (m *Metrics) membersLeft(n int) {
	if m.enabled && n > 0 {
		m.chorusMembers.Sub(float64(n))
	}
}
