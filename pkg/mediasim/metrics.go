package mediasim

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

// Metrics метрики симулятора. nil Registerer выключает сбор.
type Metrics struct {
	enabled bool

	resources  *prometheus.GaugeVec
	operations *prometheus.CounterVec
	signals    prometheus.Counter
}

// NewMetrics регистрирует метрики симулятора в reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	factory := promauto.With(reg)
	return &Metrics{
		enabled: true,
		resources: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mscontrol",
			Subsystem: "mediasim",
			Name:      "resources",
			Help:      "Number of allocated media resources by kind",
		}, []string{"kind"}),
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mscontrol",
			Subsystem: "mediasim",
			Name:      "operations_total",
			Help:      "Total number of media operations by name",
		}, []string{"op"}),
		signals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mscontrol",
			Subsystem: "mediasim",
			Name:      "signals_detected_total",
			Help:      "Total number of DTMF digits detected in RTP",
		}),
	}
}

func (m *Metrics) allocated(kind mscontrol.ResourceKind) {
	if m.enabled {
		m.resources.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) released(kind mscontrol.ResourceKind) {
	if m.enabled {
		m.resources.WithLabelValues(kind.String()).Dec()
	}
}

func (m *Metrics) operation(op string) {
	if m.enabled {
		m.operations.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) signal() {
	if m.enabled {
		m.signals.Inc()
	}
}
