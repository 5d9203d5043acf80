package outbox

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics — метрики публикации transactional outbox. Безопасны для nil-получателя.
type Metrics struct {
	attempts  *prometheus.CounterVec
	pending   prometheus.Gauge
	oldestAge prometheus.Gauge
}

// NewMetrics регистрирует метрики outbox в registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		attempts: mustRegister(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_outbox_publish_attempts_total",
			Help: "Total number of outbox publish attempts grouped by result.",
		}, []string{"result"})),
		pending: mustRegister(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_outbox_pending_records",
			Help: "Current number of pending records in transactional outbox.",
		})),
		oldestAge: mustRegister(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record.",
		})),
	}
}

func mustRegister[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

func (m *Metrics) attempt(result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(result).Inc()
}

func (m *Metrics) backlog(pending int, oldestAgeSeconds float64) {
	if m == nil {
		return
	}
	m.pending.Set(float64(pending))
	m.oldestAge.Set(oldestAgeSeconds)
}
