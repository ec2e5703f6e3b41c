// Package orders отвечает за чтение заказов и смену их статуса производителем.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
)

// Pagination описывает окно выборки и наличие следующей страницы.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

// ProducerPage описывает страницу заказов производителя.
type ProducerPage struct {
	Orders     []domain.ProducerOrder
	Pagination Pagination
}

// Service читает заказы и выполняет переходы статуса.
type Service struct {
	uow      domain.UnitOfWork
	orders   domain.OrderRepository
	timeline domain.TimelineRepository
	metrics  *metrics.OrderMetrics
	logger   *log.Entry
	now      func() time.Time

	reads singleflight.Group
}

// Option настраивает Service.
type Option func(*Service)

// WithMetrics включает учёт смен статуса.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService создаёт сервис заказов.
func NewService(uow domain.UnitOfWork, orders domain.OrderRepository, timeline domain.TimelineRepository, logger *log.Entry, opts ...Option) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "orders")
	}
	s := &Service{
		uow:      uow,
		orders:   orders,
		timeline: timeline,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get возвращает заказ покупателя. Чужой заказ неотличим от несуществующего.
// Одновременные чтения одного заказа (например, от поллера статуса) схлопываются.
// Общее чтение не наследует отмену вызвавшего: отменённый вызов возвращает
// ctx.Err(), остальные получают результат.
func (s *Service) Get(ctx context.Context, customerID, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := s.reads.DoChan(orderID, func() (interface{}, error) {
		return s.orders.Get(fetchCtx, orderID)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return domain.Order{}, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return domain.Order{}, classifyRead(res.Err)
	}

	order := res.Val.(domain.Order)
	if order.CustomerID != customerID {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	order.Lines = append([]domain.OrderLine(nil), order.Lines...)
	return order, nil
}

// ListByCustomer возвращает заказы покупателя, новые первыми.
func (s *Service) ListByCustomer(ctx context.Context, customerID string, page domain.Page) ([]domain.Order, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, domain.ErrCustomerRequired
	}
	orders, err := s.orders.ListByCustomer(ctx, customerID, page.Normalize())
	if err != nil {
		return nil, classifyRead(err)
	}
	return orders, nil
}

// ListByProducer возвращает заказы с товарами производителя. Выбирается на одну
// запись больше, чтобы определить hasMore без отдельного COUNT.
func (s *Service) ListByProducer(ctx context.Context, producerID string, status domain.OrderStatus, page domain.Page) (ProducerPage, error) {
	if status != "" && !status.Valid() {
		return ProducerPage{}, fmt.Errorf("%w: %q", domain.ErrOrderStatusUnknown, status)
	}
	page = page.Normalize()

	orders, err := s.orders.ListByProducer(ctx, producerID, status, domain.Page{Limit: page.Limit + 1, Offset: page.Offset})
	if err != nil {
		return ProducerPage{}, classifyRead(err)
	}

	hasMore := len(orders) > page.Limit
	if hasMore {
		orders = orders[:page.Limit]
	}
	return ProducerPage{
		Orders:     orders,
		Pagination: Pagination{Limit: page.Limit, Offset: page.Offset, HasMore: hasMore},
	}, nil
}

// Timeline возвращает события заказа его владельцу.
func (s *Service) Timeline(ctx context.Context, customerID, orderID string) ([]domain.TimelineEvent, error) {
	if _, err := s.Get(ctx, customerID, orderID); err != nil {
		return nil, err
	}
	events, err := s.timeline.List(orderID)
	if err != nil {
		return nil, classifyRead(err)
	}
	return events, nil
}

// UpdateStatus выполняет переход статуса от имени производителя. Производитель должен
// владеть хотя бы одной позицией заказа; переход допустим только по графу статусов,
// а запись условна по текущему статусу, так что параллельный переход не затирается.
func (s *Service) UpdateStatus(ctx context.Context, producerID, orderID string, to domain.OrderStatus) (domain.Order, error) {
	if !to.Valid() {
		return domain.Order{}, fmt.Errorf("%w: %q", domain.ErrOrderStatusUnknown, to)
	}
	if strings.TrimSpace(orderID) == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	tx, err := s.uow.Begin(ctx)
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: begin transaction: %w", domain.ErrPersistence, err)
	}

	from, err := s.transition(ctx, tx, producerID, orderID, to)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.WithError(rbErr).WithField("order_id", orderID).Error("rollback failed")
		}
		return domain.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, fmt.Errorf("%w: commit: %w", domain.ErrPersistence, err)
	}
	s.reads.Forget(orderID)

	if from != to {
		if s.metrics != nil {
			s.metrics.RecordStatusTransition(string(to))
			s.metrics.RecordOutboxEvent()
			s.metrics.RecordTimelineEvent()
		}
		s.logger.WithFields(log.Fields{
			"order_id":    orderID,
			"producer_id": producerID,
			"from":        from,
			"to":          to,
		}).Info("order status changed")
	}

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, classifyRead(err)
	}
	return order, nil
}

func (s *Service) transition(ctx context.Context, tx domain.Tx, producerID, orderID string, to domain.OrderStatus) (domain.OrderStatus, error) {
	owns, err := tx.ProducerOwnsOrder(ctx, orderID, producerID)
	if err != nil {
		return "", classifyRead(err)
	}
	if !owns {
		return "", domain.ErrForbidden
	}

	from, err := tx.GetOrderStatus(ctx, orderID)
	if err != nil {
		return "", classifyRead(err)
	}
	if from == to {
		return from, nil
	}
	if !from.CanTransitionTo(to) {
		return "", fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStatusTransition, from, to)
	}

	now := s.now()
	changed, err := tx.UpdateOrderStatus(ctx, orderID, from, to, now)
	if err != nil {
		return "", fmt.Errorf("%w: update status: %w", domain.ErrPersistence, err)
	}
	if !changed {
		return "", domain.ErrOrderStatusChanged
	}

	payload, err := json.Marshal(domain.OrderStatusChangedEvent{
		OrderID:   orderID,
		From:      from,
		To:        to,
		ChangedBy: producerID,
		ChangedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal status event: %w", domain.ErrPersistence, err)
	}
	if err := tx.EnqueueOutbox(ctx, domain.OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: domain.AggregateOrder,
		AggregateID:   orderID,
		EventType:     domain.EventOrderStatusChanged,
		Payload:       payload,
		CreatedAt:     now,
	}); err != nil {
		return "", fmt.Errorf("%w: enqueue outbox: %w", domain.ErrPersistence, err)
	}
	if err := tx.AppendTimeline(ctx, domain.TimelineEvent{
		OrderID:  orderID,
		Type:     domain.EventOrderStatusChanged,
		Reason:   fmt.Sprintf("%s -> %s", from, to),
		Actor:    producerID,
		Occurred: now,
	}); err != nil {
		return "", fmt.Errorf("%w: append timeline: %w", domain.ErrPersistence, err)
	}
	return from, nil
}

// classifyRead оставляет доменные ошибки как есть, остальное считает сбоем хранилища.
func classifyRead(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrPermission),
		errors.Is(err, domain.ErrStateConflict),
		errors.Is(err, domain.ErrPersistence):
		return err
	default:
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
}
