package sipsignal

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics счетчики SIP адаптера
type Metrics struct {
	requests  *prometheus.CounterVec
	responses *prometheus.CounterVec
	calls     prometheus.Gauge
}

// NewMetrics регистрирует метрики в reg. nil отключает регистрацию.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mscontrol",
			Subsystem: "sip",
			Name:      "requests_total",
			Help:      "SIP запросы по методу и направлению",
		}, []string{"method", "direction"}),
		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mscontrol",
			Subsystem: "sip",
			Name:      "responses_total",
			Help:      "Финальные SIP ответы по классу и направлению",
		}, []string{"class", "direction"}),
		calls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mscontrol",
			Subsystem: "sip",
			Name:      "calls_active",
			Help:      "Вызовы, известные адаптеру",
		}),
	}
}

const (
	directionIn  = "in"
	directionOut = "out"
)

func (m *Metrics) request(method, direction string) {
	m.requests.WithLabelValues(method, direction).Inc()
}

func (m *Metrics) response(status int, direction string) {
	m.responses.WithLabelValues(strconv.Itoa(status/100)+"xx", direction).Inc()
}
