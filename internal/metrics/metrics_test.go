package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestNewOrderMetrics(t *testing.T) {
	m := NewOrderMetricsWithRegisterer(prometheus.NewRegistry())

	if m.ordersPlaced == nil {
		t.Error("ordersPlaced counter should not be nil")
	}
	if m.ordersRejected == nil {
		t.Error("ordersRejected counter vec should not be nil")
	}
	if m.stockConflicts == nil {
		t.Error("stockConflicts counter should not be nil")
	}
	if m.placementDuration == nil {
		t.Error("placementDuration histogram should not be nil")
	}
	if m.statusTransitions == nil {
		t.Error("statusTransitions counter vec should not be nil")
	}
	if m.inFlight == nil {
		t.Error("inFlight gauge should not be nil")
	}
}

func TestOrderMetrics_ReRegistrationReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewOrderMetricsWithRegisterer(reg)
	second := NewOrderMetricsWithRegisterer(reg)

	first.RecordOrderPlaced()
	second.RecordOrderPlaced()

	if got := testutil.ToFloat64(first.ordersPlaced); got != 2 {
		t.Errorf("expected shared counter value 2, got %f", got)
	}
}

func TestOrderMetrics_PlacementLifecycle(t *testing.T) {
	m := NewOrderMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordPlacementStarted()
	m.RecordPlacementStarted()
	if got := testutil.ToFloat64(m.inFlight); got != 2 {
		t.Errorf("expected 2 in flight, got %f", got)
	}

	m.RecordPlacementFinished(100 * time.Millisecond)
	if got := testutil.ToFloat64(m.inFlight); got != 1 {
		t.Errorf("expected 1 in flight, got %f", got)
	}

	metric := &dto.Metric{}
	if err := m.placementDuration.Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 1 {
		t.Errorf("expected 1 sample, got %d", metric.Histogram.GetSampleCount())
	}
}

func TestOrderMetrics_Rejections(t *testing.T) {
	m := NewOrderMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordOrderRejected(RejectStock)
	m.RecordOrderRejected(RejectStock)
	m.RecordOrderRejected(RejectValidation)
	m.RecordStockConflict()

	if got := testutil.ToFloat64(m.ordersRejected.WithLabelValues(RejectStock)); got != 2 {
		t.Errorf("expected 2 stock rejections, got %f", got)
	}
	if got := testutil.ToFloat64(m.ordersRejected.WithLabelValues(RejectValidation)); got != 1 {
		t.Errorf("expected 1 validation rejection, got %f", got)
	}
	if got := testutil.ToFloat64(m.stockConflicts); got != 1 {
		t.Errorf("expected 1 conflict, got %f", got)
	}
}

func TestOrderMetrics_StepAndEvents(t *testing.T) {
	m := NewOrderMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordStepDuration("price", 5*time.Millisecond)
	m.RecordStepDuration("decrement", 10*time.Millisecond)
	m.RecordStatusTransition("confirmed")
	m.RecordTimelineEvent()
	m.RecordOutboxEvent()
	m.RecordOutboxEvent()

	metric := &dto.Metric{}
	if err := m.stepDuration.WithLabelValues("price").(prometheus.Histogram).Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 1 {
		t.Errorf("expected 1 sample for price, got %d", metric.Histogram.GetSampleCount())
	}
	if got := testutil.ToFloat64(m.statusTransitions.WithLabelValues("confirmed")); got != 1 {
		t.Errorf("expected 1 transition, got %f", got)
	}
	if got := testutil.ToFloat64(m.timelineEvents); got != 1 {
		t.Errorf("expected 1 timeline event, got %f", got)
	}
	if got := testutil.ToFloat64(m.outboxEvents); got != 2 {
		t.Errorf("expected 2 outbox events, got %f", got)
	}
}

func TestHTTPMetrics_Observe(t *testing.T) {
	m := NewHTTPMetrics(prometheus.NewRegistry())

	m.Observe("POST", "/api/orders", 201, 20*time.Millisecond)
	m.Observe("POST", "/api/orders", 400, 5*time.Millisecond)
	m.Observe("POST", "/api/orders", 201, 30*time.Millisecond)

	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("POST", "/api/orders", "201")); got != 2 {
		t.Errorf("expected 2 created requests, got %f", got)
	}
	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("POST", "/api/orders", "400")); got != 1 {
		t.Errorf("expected 1 bad request, got %f", got)
	}
}

func TestOutboxMetrics(t *testing.T) {
	m := NewOutboxMetrics(prometheus.NewRegistry())

	m.RecordPublish("sent")
	m.RecordPublish("sent")
	m.RecordPublish("failed")
	m.SetBacklog(3, 90*time.Second)

	if got := testutil.ToFloat64(m.publishAttempts.WithLabelValues("sent")); got != 2 {
		t.Errorf("expected 2 sent attempts, got %f", got)
	}
	if got := testutil.ToFloat64(m.pending); got != 3 {
		t.Errorf("expected pending 3, got %f", got)
	}
	if got := testutil.ToFloat64(m.oldestAge); got != 90 {
		t.Errorf("expected oldest age 90, got %f", got)
	}

	m.SetBacklog(0, -time.Second)
	if got := testutil.ToFloat64(m.oldestAge); got != 0 {
		t.Errorf("negative age must clamp to 0, got %f", got)
	}
}

func TestCleanupMetrics(t *testing.T) {
	m := NewCleanupMetrics(prometheus.NewRegistry())

	m.RecordDeleted(5)
	m.RecordDeleted(0)
	m.RecordRun("ok", 5)
	m.RecordRun("error", 0)

	if got := testutil.ToFloat64(m.deleted); got != 5 {
		t.Errorf("expected 5 deleted, got %f", got)
	}
	if got := testutil.ToFloat64(m.lastDeleted); got != 5 {
		t.Errorf("expected last deleted 5, got %f", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 failed run, got %f", got)
	}
}
