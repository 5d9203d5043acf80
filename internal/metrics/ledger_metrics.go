package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics содержит метрики складского журнала и B2B-заказов.
// Все методы безопасны для nil-получателя.
type LedgerMetrics struct {
	// Движения и отказы
	movements  *prometheus.CounterVec
	rejections *prometheus.CounterVec
	transfers  prometheus.Counter

	// Заказы и кредит
	orderTransitions *prometheus.CounterVec
	creditAmount     *prometheus.CounterVec

	// Время выполнения операций
	opDuration *prometheus.HistogramVec
	inFlight   prometheus.Gauge

	outboxEvents prometheus.Counter
}

// NewLedgerMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewLedgerMetrics() *LedgerMetrics {
	return NewLedgerMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewLedgerMetricsWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewLedgerMetricsWithRegisterer(registerer prometheus.Registerer) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &LedgerMetrics{
		movements: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_stock_movements_total",
			Help: "Total number of committed stock movements by kind",
		}, []string{"kind"})),
		rejections: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_rejections_total",
			Help: "Total number of rejected ledger operations by error code",
		}, []string{"operation", "code"})),
		transfers: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_transfers_total",
			Help: "Total number of committed B2B stock transfers",
		})),
		orderTransitions: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_order_transitions_total",
			Help: "Total number of committed B2B order status transitions",
		}, []string{"from", "to"})),
		creditAmount: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_credit_amount_total",
			Help: "Sum of credit amounts moved by operation (reserve, release, settle)",
		}, []string{"operation"})),
		opDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Duration of ledger operations in seconds, lock waits included",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"})),
		inFlight: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_operations_in_flight",
			Help: "Number of ledger operations currently executing",
		})),
		outboxEvents: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_outbox_events_total",
			Help: "Total number of events enqueued into the transactional outbox",
		})),
	}
}

func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(C)
			if !ok {
				panic(fmt.Sprintf("collector already registered with unexpected type %T", alreadyRegistered.ExistingCollector))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector: %v", err))
	}
	return collector
}

// RecordMovement учитывает зафиксированное движение.
func (m *LedgerMetrics) RecordMovement(kind string) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(kind).Inc()
}

// RecordTransfer учитывает зафиксированный перевод.
func (m *LedgerMetrics) RecordTransfer() {
	if m == nil {
		return
	}
	m.transfers.Inc()
}

// RecordRejection учитывает отказ операции с доменным кодом ошибки.
func (m *LedgerMetrics) RecordRejection(operation, code string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(operation, code).Inc()
}

// RecordOrderTransition учитывает смену статуса заказа.
func (m *LedgerMetrics) RecordOrderTransition(from, to string) {
	if m == nil {
		return
	}
	m.orderTransitions.WithLabelValues(from, to).Inc()
}

// RecordCredit добавляет сумму к счётчику кредитной операции.
func (m *LedgerMetrics) RecordCredit(operation string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditAmount.WithLabelValues(operation).Add(amount)
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *LedgerMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}

// StartOperation отмечает начало операции; возвращённая функция фиксирует длительность.
func (m *LedgerMetrics) StartOperation(operation string) func() {
	if m == nil {
		return func() {}
	}
	started := time.Now()
	m.inFlight.Inc()
	return func() {
		m.inFlight.Dec()
		m.opDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	}
}
