package domain

import (
	"errors"
	"fmt"
	"time"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending: заказ создан и запас списан, производитель ещё не подтвердил.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed: производитель принял заказ.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing: заказ собирается.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped: заказ передан в доставку.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered: заказ доставлен, конечное состояние.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled: заказ отменён, конечное состояние.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// nextStatus задаёт единственный допустимый шаг вперёд для каждого нетерминального статуса.
var nextStatus = map[OrderStatus]OrderStatus{
	OrderStatusPending:    OrderStatusConfirmed,
	OrderStatusConfirmed:  OrderStatusProcessing,
	OrderStatusProcessing: OrderStatusShipped,
	OrderStatusShipped:    OrderStatusDelivered,
}

// ParseOrderStatus проверяет строку на принадлежность к закрытому набору статусов.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(raw)
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrOrderStatusUnknown, raw)
	}
	return status, nil
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// CanTransitionTo проверяет переход: строго вперёд по цепочке
// либо в cancelled из любого нетерминального статуса.
func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	if s.Terminal() || !to.Valid() {
		return false
	}
	if to == OrderStatusCancelled {
		return true
	}
	return nextStatus[s] == to
}

// PaymentMethod задаёт способ оплаты заказа.
type PaymentMethod string

const (
	// PaymentMethodCOD: оплата при получении, единственный поддерживаемый способ.
	PaymentMethodCOD PaymentMethod = "cod"
	// PaymentMethodOnline зарезервирован в интерфейсе, но не принимается.
	PaymentMethodOnline PaymentMethod = "online"
)

// Accepted сообщает, принимает ли сервис оформления этот способ оплаты.
func (m PaymentMethod) Accepted() bool {
	return m == PaymentMethodCOD
}

// OrderLine описывает неизменяемую позицию заказа с зафиксированной ценой.
type OrderLine struct {
	OrderID             string
	ProductID           string
	ProductName         string
	Quantity            int32
	UnitPriceAtPurchase Money
	LineTotal           Money
}

// Order агрегирует шапку заказа и его позиции.
type Order struct {
	ID             string
	CustomerID     string
	Status         OrderStatus
	Subtotal       Money
	DeliveryCharge Money
	Total          Money
	PaymentMethod  PaymentMethod
	Customer       CustomerDetails
	Lines          []OrderLine
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Ошибки нарушения арифметики заказа.
var (
	ErrSubtotalMismatch = errors.New("order subtotal does not match lines sum")
	ErrTotalMismatch    = errors.New("order total does not match subtotal plus delivery charge")
	ErrLineTotalInvalid = errors.New("line total does not match quantity times unit price")
	ErrAmountNegative   = errors.New("order amounts must be non-negative")
)

// ValidateInvariants проверяет инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if len(o.Lines) == 0 {
		errs = append(errs, ErrEmptyOrder)
	}
	if o.Subtotal < 0 || o.DeliveryCharge < 0 || o.Total < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	var sum Money
	for _, line := range o.Lines {
		if line.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if line.UnitPriceAtPurchase.Mul(line.Quantity) != line.LineTotal {
			errs = append(errs, ErrLineTotalInvalid)
		}
		sum += line.LineTotal
	}
	if sum != o.Subtotal {
		errs = append(errs, ErrSubtotalMismatch)
	}
	if o.Subtotal+o.DeliveryCharge != o.Total {
		errs = append(errs, ErrTotalMismatch)
	}

	return errs
}
