package addressbook

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics метрики адресной книги. nil Registerer выключает сбор.
type Metrics struct {
	enabled bool

	sessionsActive   prometheus.Gauge
	sessionsReleased *prometheus.CounterVec
	sessionDuration  prometheus.Histogram
	transfers        prometheus.Counter
}

// NewMetrics регистрирует метрики в reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	factory := promauto.With(reg)
	return &Metrics{
		enabled: true,
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mscontrol",
			Subsystem: "addressbook",
			Name:      "sessions_active",
			Help:      "Number of active address book sessions",
		}),
		sessionsReleased: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mscontrol",
			Subsystem: "addressbook",
			Name:      "sessions_released_total",
			Help:      "Total number of released address book sessions by reason",
		}, []string{"reason"}),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mscontrol",
			Subsystem: "addressbook",
			Name:      "session_duration_seconds",
			Help:      "Lifetime of an address book session",
			Buckets:   []float64{1, 5, 15, 30, 60, 300},
		}),
		transfers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mscontrol",
			Subsystem: "addressbook",
			Name:      "transfers_total",
			Help:      "Total number of call transfers requested by the VXML dialog",
		}),
	}
}

func (m *Metrics) created() {
	if m.enabled {
		m.sessionsActive.Inc()
	}
}

func (m *Metrics) released(reason string, lifetime time.Duration) {
	if !m.enabled {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsReleased.WithLabelValues(reason).Inc()
	m.sessionDuration.Observe(lifetime.Seconds())
}

func (m *Metrics) transfer() {
	if m.enabled {
		m.transfers.Inc()
	}
}
