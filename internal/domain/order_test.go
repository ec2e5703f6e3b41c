package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// helper для создания базового заказа с одной позицией.
func makeOrder() domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:             "order-1",
		CustomerID:     "customer-1",
		Status:         domain.OrderStatusPending,
		Subtotal:       9000,
		DeliveryCharge: 3000,
		Total:          12000,
		PaymentMethod:  domain.PaymentMethodCOD,
		Lines: []domain.OrderLine{
			{OrderID: "order-1", ProductID: "p1", Quantity: 2, UnitPriceAtPurchase: 4500, LineTotal: 9000},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestOrderValidateInvariants_Ok(t *testing.T) {
	order := makeOrder()
	if errs := order.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
}

func TestOrderValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(o *domain.Order)
		want error
	}{
		{name: "no customer", mut: func(o *domain.Order) { o.CustomerID = "" }, want: domain.ErrCustomerRequired},
		{name: "no lines", mut: func(o *domain.Order) { o.Lines = nil }, want: domain.ErrEmptyOrder},
		{name: "qty invalid", mut: func(o *domain.Order) { o.Lines[0].Quantity = 0 }, want: domain.ErrItemQtyInvalid},
		{name: "line total drift", mut: func(o *domain.Order) { o.Lines[0].LineTotal = 8999 }, want: domain.ErrLineTotalInvalid},
		{name: "subtotal mismatch", mut: func(o *domain.Order) { o.Subtotal = 1 }, want: domain.ErrSubtotalMismatch},
		{name: "total mismatch", mut: func(o *domain.Order) { o.Total = 14000 }, want: domain.ErrTotalMismatch},
		{name: "negative delivery", mut: func(o *domain.Order) { o.DeliveryCharge = -1 }, want: domain.ErrAmountNegative},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder()
			tc.mut(&order)
			errs := order.ValidateInvariants()
			if len(errs) == 0 {
				t.Fatal("expected validation errors, got none")
			}
			if !errors.Is(errors.Join(errs...), tc.want) {
				t.Fatalf("expected %v among %v", tc.want, errs)
			}
		})
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to domain.OrderStatus
		want     bool
	}{
		{domain.OrderStatusPending, domain.OrderStatusConfirmed, true},
		{domain.OrderStatusConfirmed, domain.OrderStatusProcessing, true},
		{domain.OrderStatusProcessing, domain.OrderStatusShipped, true},
		{domain.OrderStatusShipped, domain.OrderStatusDelivered, true},
		{domain.OrderStatusPending, domain.OrderStatusCancelled, true},
		{domain.OrderStatusShipped, domain.OrderStatusCancelled, true},
		{domain.OrderStatusPending, domain.OrderStatusShipped, false},
		{domain.OrderStatusConfirmed, domain.OrderStatusPending, false},
		{domain.OrderStatusDelivered, domain.OrderStatusCancelled, false},
		{domain.OrderStatusCancelled, domain.OrderStatusPending, false},
		{domain.OrderStatusPending, domain.OrderStatus("lost"), false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseOrderStatus(t *testing.T) {
	if _, err := domain.ParseOrderStatus("shipped"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := domain.ParseOrderStatus("refunded"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPaymentMethodAccepted(t *testing.T) {
	if !domain.PaymentMethodCOD.Accepted() {
		t.Fatal("cod must be accepted")
	}
	if domain.PaymentMethodOnline.Accepted() {
		t.Fatal("online must be rejected")
	}
}
