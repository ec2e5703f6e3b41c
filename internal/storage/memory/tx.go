package memory

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type statusChange struct {
	to domain.OrderStatus
	at time.Time
}

// memoryTx буферизует изменения до Commit.
type memoryTx struct {
	store *Store
	done  bool

	orders     []domain.Order
	lines      []domain.OrderLine
	stockDelta map[string]int32
	statusSet  map[string]statusChange
	outbox     []domain.OutboxMessage
	timeline   []domain.TimelineEvent
}

func (tx *memoryTx) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		p, ok := tx.store.products[id]
		if !ok {
			continue
		}
		p = cloneProduct(p)
		p.AvailableQuantity -= tx.stockDelta[id]
		out[id] = p
	}
	return out, nil
}

func (tx *memoryTx) InsertOrder(_ context.Context, order domain.Order) error {
	if tx.done {
		return ErrTxDone
	}
	tx.store.mu.RLock()
	_, exists := tx.store.orders[order.ID]
	tx.store.mu.RUnlock()
	if exists {
		return domain.ErrOrderAlreadyExists
	}
	for _, pending := range tx.orders {
		if pending.ID == order.ID {
			return domain.ErrOrderAlreadyExists
		}
	}
	order.Lines = nil
	tx.orders = append(tx.orders, order)
	return nil
}

func (tx *memoryTx) InsertLines(_ context.Context, lines []domain.OrderLine) error {
	if tx.done {
		return ErrTxDone
	}
	tx.lines = append(tx.lines, lines...)
	return nil
}

// DecrementStock проверяет и резервирует остаток за один шаг. Транзакции
// сериализованы, поэтому между проверкой и записью никто не вклинится.
func (tx *memoryTx) DecrementStock(_ context.Context, productID string, qty int32) (bool, error) {
	if tx.done {
		return false, ErrTxDone
	}
	tx.store.mu.RLock()
	product, ok := tx.store.products[productID]
	tx.store.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if product.AvailableQuantity-tx.stockDelta[productID] < qty {
		return false, nil
	}
	tx.stockDelta[productID] += qty
	return true, nil
}

func (tx *memoryTx) GetOrderStatus(_ context.Context, orderID string) (domain.OrderStatus, error) {
	if tx.done {
		return "", ErrTxDone
	}
	if change, ok := tx.statusSet[orderID]; ok {
		return change.to, nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	order, ok := tx.store.orders[orderID]
	if !ok {
		return "", domain.ErrOrderNotFound
	}
	return order.Status, nil
}

func (tx *memoryTx) ProducerOwnsOrder(_ context.Context, orderID, producerID string) (bool, error) {
	if tx.done {
		return false, ErrTxDone
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	order, ok := tx.store.orders[orderID]
	if !ok {
		return false, domain.ErrOrderNotFound
	}
	for _, line := range order.Lines {
		if tx.store.products[line.ProductID].ProducerID == producerID {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) UpdateOrderStatus(ctx context.Context, orderID string, from, to domain.OrderStatus, at time.Time) (bool, error) {
	current, err := tx.GetOrderStatus(ctx, orderID)
	if err != nil {
		return false, err
	}
	if current != from {
		return false, nil
	}
	tx.statusSet[orderID] = statusChange{to: to, at: at}
	return true, nil
}

func (tx *memoryTx) EnqueueOutbox(_ context.Context, msg domain.OutboxMessage) error {
	if tx.done {
		return ErrTxDone
	}
	tx.outbox = append(tx.outbox, msg)
	return nil
}

func (tx *memoryTx) AppendTimeline(_ context.Context, event domain.TimelineEvent) error {
	if tx.done {
		return ErrTxDone
	}
	tx.timeline = append(tx.timeline, event)
	return nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	defer tx.release()

	s := tx.store
	s.mu.Lock()
	for id, delta := range tx.stockDelta {
		p := s.products[id]
		p.AvailableQuantity -= delta
		p.UpdatedAt = time.Now().UTC()
		s.products[id] = p
	}
	for _, order := range tx.orders {
		for _, line := range tx.lines {
			if line.OrderID == order.ID {
				order.Lines = append(order.Lines, line)
			}
		}
		s.orders[order.ID] = order
	}
	for id, change := range tx.statusSet {
		order := s.orders[id]
		order.Status = change.to
		order.UpdatedAt = change.at
		s.orders[id] = order
	}
	s.mu.Unlock()

	for _, msg := range tx.outbox {
		if _, err := s.outbox.Enqueue(msg); err != nil {
			return err
		}
	}
	for _, event := range tx.timeline {
		if err := s.timeline.Append(event); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.release()
	return nil
}

func (tx *memoryTx) release() {
	<-tx.store.sem
}

var _ domain.Tx = (*memoryTx)(nil)
