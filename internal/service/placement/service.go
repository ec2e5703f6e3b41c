// Package placement превращает корзину в заказ: пересчитывает цену по каталогу
// и списывает остаток условным обновлением внутри одной транзакции.
package placement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/pricing"
)

// Request описывает запрос на оформление. Цены клиента в контракт не входят.
type Request struct {
	Items           []pricing.LineRequest  `json:"items"`
	CustomerDetails domain.CustomerDetails `json:"customerDetails"`
	PaymentMethod   domain.PaymentMethod   `json:"paymentMethod"`
}

// Service оформляет заказы.
type Service struct {
	uow     domain.UnitOfWork
	oracle  *pricing.Oracle
	metrics *metrics.OrderMetrics
	logger  *log.Entry
	now     func() time.Time
	newID   func() string
}

// Option настраивает Service.
type Option func(*Service)

// WithMetrics включает prometheus-метрики оформления.
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

// WithIDGenerator подменяет генератор идентификаторов заказа.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewService создаёт сервис оформления.
func NewService(uow domain.UnitOfWork, oracle *pricing.Oracle, logger *log.Entry, opts ...Option) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "placement")
	}
	s := &Service{
		uow:    uow,
		oracle: oracle,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Quote считает стоимость без записи. Используется для показа итога до отправки.
func (s *Service) Quote(ctx context.Context, items []pricing.LineRequest, city, pincode string) (pricing.Quote, error) {
	return s.oracle.Price(ctx, items, city, pincode)
}

// Place оформляет заказ. Всё, что делает транзакция, либо фиксируется целиком,
// либо откатывается явным Rollback до возврата ошибки.
func (s *Service) Place(ctx context.Context, customerID string, req Request) (order domain.Order, err error) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.RecordPlacementStarted()
		defer func() {
			s.metrics.RecordPlacementFinished(time.Since(start))
			if err != nil {
				s.metrics.RecordOrderRejected(rejectReason(err))
			} else {
				s.metrics.RecordOrderPlaced()
			}
		}()
	}

	details, err := s.validate(customerID, req)
	if err != nil {
		return domain.Order{}, err
	}

	tx, err := s.uow.Begin(ctx)
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: begin transaction: %w", domain.ErrPersistence, err)
	}

	order, err = s.placeInTx(ctx, tx, customerID, details, req)
	if err != nil {
		s.rollback(tx, customerID, err)
		return domain.Order{}, err
	}

	if err := tx.Commit(); err != nil {
		s.logger.WithError(err).WithField("customer_id", customerID).Error("commit order failed")
		return domain.Order{}, fmt.Errorf("%w: commit: %w", domain.ErrPersistence, err)
	}
	if s.metrics != nil {
		s.metrics.RecordOutboxEvent()
		s.metrics.RecordTimelineEvent()
	}

	s.logger.WithFields(log.Fields{
		"order_id":    order.ID,
		"customer_id": customerID,
		"lines":       len(order.Lines),
		"total":       order.Total.String(),
	}).Info("order placed")
	return order, nil
}

func (s *Service) validate(customerID string, req Request) (domain.CustomerDetails, error) {
	if strings.TrimSpace(customerID) == "" {
		return domain.CustomerDetails{}, domain.ErrCustomerRequired
	}
	if len(req.Items) == 0 {
		return domain.CustomerDetails{}, domain.ErrEmptyOrder
	}
	if !req.PaymentMethod.Accepted() {
		return domain.CustomerDetails{}, fmt.Errorf("%w: %q", domain.ErrPaymentMethodUnsupported, req.PaymentMethod)
	}
	details := req.CustomerDetails.Normalize()
	if err := details.Validate(); err != nil {
		return domain.CustomerDetails{}, err
	}
	return details, nil
}

func (s *Service) placeInTx(ctx context.Context, tx domain.Tx, customerID string, details domain.CustomerDetails, req Request) (domain.Order, error) {
	step := time.Now()
	quote, err := s.oracle.WithReader(tx).Price(ctx, req.Items, details.City, details.Pincode)
	s.observeStep("price", step)
	if err != nil {
		return domain.Order{}, err
	}

	now := s.now()
	order := domain.Order{
		ID:             s.newID(),
		CustomerID:     customerID,
		Status:         domain.OrderStatusPending,
		Subtotal:       quote.Subtotal,
		DeliveryCharge: quote.DeliveryCharge,
		Total:          quote.Total,
		PaymentMethod:  req.PaymentMethod,
		Customer:       details,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	order.Lines = make([]domain.OrderLine, 0, len(quote.Lines))
	for _, line := range quote.Lines {
		order.Lines = append(order.Lines, domain.OrderLine{
			OrderID:             order.ID,
			ProductID:           line.ProductID,
			ProductName:         line.Name,
			Quantity:            line.Quantity,
			UnitPriceAtPurchase: line.UnitPrice,
			LineTotal:           line.LineTotal,
		})
	}
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, fmt.Errorf("%w: order invariants: %w", domain.ErrPersistence, errors.Join(errs...))
	}

	step = time.Now()
	if err := tx.InsertOrder(ctx, order); err != nil {
		return domain.Order{}, persistenceErr("insert order", err)
	}
	if err := tx.InsertLines(ctx, order.Lines); err != nil {
		return domain.Order{}, persistenceErr("insert lines", err)
	}
	s.observeStep("insert", step)

	step = time.Now()
	for _, line := range order.Lines {
		ok, err := tx.DecrementStock(ctx, line.ProductID, line.Quantity)
		if err != nil {
			return domain.Order{}, persistenceErr("decrement stock", err)
		}
		if !ok {
			if s.metrics != nil {
				s.metrics.RecordStockConflict()
			}
			return domain.Order{}, &domain.StockShortfallError{
				ProductID:   line.ProductID,
				ProductName: line.ProductName,
				Requested:   line.Quantity,
				Atomic:      true,
			}
		}
	}
	s.observeStep("decrement", step)

	payload, err := json.Marshal(domain.NewOrderCreatedEvent(order))
	if err != nil {
		return domain.Order{}, persistenceErr("marshal order event", err)
	}
	if err := tx.EnqueueOutbox(ctx, domain.OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: domain.AggregateOrder,
		AggregateID:   order.ID,
		EventType:     domain.EventOrderCreated,
		Payload:       payload,
		CreatedAt:     now,
	}); err != nil {
		return domain.Order{}, persistenceErr("enqueue outbox", err)
	}
	if err := tx.AppendTimeline(ctx, domain.TimelineEvent{
		OrderID:  order.ID,
		Type:     domain.EventOrderCreated,
		Actor:    customerID,
		Occurred: now,
	}); err != nil {
		return domain.Order{}, persistenceErr("append timeline", err)
	}

	return order, nil
}

func (s *Service) rollback(tx domain.Tx, customerID string, cause error) {
	entry := s.logger.WithError(cause).WithField("customer_id", customerID)
	if rbErr := tx.Rollback(); rbErr != nil {
		entry.WithField("rollback_error", rbErr.Error()).Error("rollback failed")
		return
	}
	if errors.Is(cause, domain.ErrPersistence) {
		entry.Error("order placement aborted")
		return
	}
	entry.Info("order placement rejected")
}

func (s *Service) observeStep(name string, started time.Time) {
	if s.metrics != nil {
		s.metrics.RecordStepDuration(name, time.Since(started))
	}
}

func persistenceErr(op string, err error) error {
	if errors.Is(err, domain.ErrPersistence) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrPersistence, op, err)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		return metrics.RejectStock
	case errors.Is(err, domain.ErrProductInactive):
		return metrics.RejectInactive
	case errors.Is(err, domain.ErrNotFound):
		return metrics.RejectNotFound
	case errors.Is(err, domain.ErrValidation):
		return metrics.RejectValidation
	default:
		return metrics.RejectPersistence
	}
}
