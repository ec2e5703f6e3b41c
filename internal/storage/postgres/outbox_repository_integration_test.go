package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func TestOutboxRepository_PostgresFlow(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	base := time.Now().UTC().Add(-time.Minute).Round(time.Microsecond)
	if err := insertOutbox(ctx, store.DB(), domain.OutboxMessage{
		ID:            "outbox-second",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-2",
		EventType:     domain.EventOrderStatusChanged,
		Payload:       []byte(`{"order_id":"order-2"}`),
		CreatedAt:     base.Add(time.Second),
	}); err != nil {
		t.Fatalf("insert second outbox message: %v", err)
	}
	if err := insertOutbox(ctx, store.DB(), domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-1",
		EventType:     domain.EventOrderCreated,
		Payload:       []byte(`{"order_id":"order-1"}`),
		CreatedAt:     base,
	}); err != nil {
		t.Fatalf("insert first outbox message: %v", err)
	}

	stats, err := repo.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingCount != 2 || !stats.OldestPendingAt.Equal(base) {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	pending, err := repo.PullPending(10)
	if err != nil {
		t.Fatalf("pull pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending messages, got %d", len(pending))
	}
	if pending[0].AggregateID != "order-1" || pending[0].ID == "" {
		t.Fatalf("expected oldest message first with generated id, got %+v", pending[0])
	}
	if pending[1].ID != "outbox-second" {
		t.Fatalf("unexpected second message: %+v", pending[1])
	}

	if err := repo.MarkSent(pending[0].ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := repo.MarkFailed(pending[1].ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	pending, err = repo.PullPending(0)
	if err != nil {
		t.Fatalf("pull pending after marks: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty backlog, got %d", len(pending))
	}

	if err := repo.MarkSent("missing"); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("expected ErrOutboxPublish for missing message, got %v", err)
	}
	if err := repo.MarkFailed("outbox-second"); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("settled message must not be marked again, got %v", err)
	}
}

func TestOutboxRepository_PostgresRejectsNonJSONPayload(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := insertOutbox(ctx, store.DB(), domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-3",
		EventType:     domain.EventOrderCreated,
		Payload:       []byte("order-3 created"),
	})
	if err == nil {
		t.Fatal("expected error for non-json payload")
	}
}

func TestOutboxBatch(t *testing.T) {
	for _, tc := range []struct{ in, want int }{{0, 100}, {-5, 100}, {42, 42}, {5000, 1000}} {
		if got := outboxBatch(tc.in); got != tc.want {
			t.Errorf("outboxBatch(%d)=%d, want %d", tc.in, got, tc.want)
		}
	}
}
