package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Причины отказа в оформлении, используемые как значения label `reason`.
const (
	RejectValidation  = "validation"
	RejectNotFound    = "not_found"
	RejectInactive    = "inactive"
	RejectStock       = "stock"
	RejectPersistence = "persistence"
)

// OrderMetrics содержит метрики оформления и жизненного цикла заказов.
type OrderMetrics struct {
	ordersPlaced   prometheus.Counter
	ordersRejected *prometheus.CounterVec
	stockConflicts prometheus.Counter

	placementDuration prometheus.Histogram
	stepDuration      *prometheus.HistogramVec

	statusTransitions *prometheus.CounterVec

	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	inFlight prometheus.Gauge
}

// NewOrderMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer регистрирует метрики в переданном реестре.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		ordersPlaced: registerCounter(registerer, prometheus.CounterOpts{
			Name: "market_orders_placed_total",
			Help: "Total number of orders committed",
		}),
		ordersRejected: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "market_orders_rejected_total",
			Help: "Total number of order placements rejected, by reason",
		}, []string{"reason"}),
		stockConflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "market_stock_conflicts_total",
			Help: "Total number of conditional stock decrements that lost a race",
		}),
		placementDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "market_order_placement_duration_seconds",
			Help:    "Duration of order placement in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "market_order_placement_step_duration_seconds",
			Help:    "Duration of individual placement steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}),
		statusTransitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "market_order_status_transitions_total",
			Help: "Total number of order status transitions applied by producers",
		}, []string{"to"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "market_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "market_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "market_order_placements_in_flight",
			Help: "Number of order placements currently running",
		}),
	}
}

// RecordPlacementStarted увеличивает число выполняющихся оформлений.
func (m *OrderMetrics) RecordPlacementStarted() {
	m.inFlight.Inc()
}

// RecordPlacementFinished фиксирует длительность и уменьшает число выполняющихся оформлений.
func (m *OrderMetrics) RecordPlacementFinished(duration time.Duration) {
	m.inFlight.Dec()
	m.placementDuration.Observe(duration.Seconds())
}

// RecordOrderPlaced увеличивает счётчик зафиксированных заказов.
func (m *OrderMetrics) RecordOrderPlaced() {
	m.ordersPlaced.Inc()
}

// RecordOrderRejected увеличивает счётчик отказов с указанной причиной.
func (m *OrderMetrics) RecordOrderRejected(reason string) {
	m.ordersRejected.WithLabelValues(reason).Inc()
}

// RecordStockConflict увеличивает счётчик проигранных гонок за остаток.
func (m *OrderMetrics) RecordStockConflict() {
	m.stockConflicts.Inc()
}

// RecordStepDuration записывает время выполнения шага оформления.
func (m *OrderMetrics) RecordStepDuration(step string, duration time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordStatusTransition увеличивает счётчик смен статуса.
func (m *OrderMetrics) RecordStatusTransition(to string) {
	m.statusTransitions.WithLabelValues(to).Inc()
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *OrderMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *OrderMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
