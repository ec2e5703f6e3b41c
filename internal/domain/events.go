package domain

import "time"

// OrderCreatedLine описывает позицию в событии создания заказа.
type OrderCreatedLine struct {
	ProductID string `json:"product_id"`
	Quantity  int32  `json:"quantity"`
	UnitPrice Money  `json:"unit_price"`
	LineTotal Money  `json:"line_total"`
}

// OrderCreatedEvent описывает payload события order.created в outbox.
type OrderCreatedEvent struct {
	OrderID        string             `json:"order_id"`
	CustomerID     string             `json:"customer_id"`
	Status         OrderStatus        `json:"status"`
	Subtotal       Money              `json:"subtotal"`
	DeliveryCharge Money              `json:"delivery_charge"`
	Total          Money              `json:"total"`
	PaymentMethod  PaymentMethod      `json:"payment_method"`
	DeliveryDate   string             `json:"delivery_date"`
	City           string             `json:"city"`
	Lines          []OrderCreatedLine `json:"lines"`
	CreatedAt      time.Time          `json:"created_at"`
}

// NewOrderCreatedEvent собирает payload из только что созданного заказа.
func NewOrderCreatedEvent(order Order) OrderCreatedEvent {
	lines := make([]OrderCreatedLine, 0, len(order.Lines))
	for _, line := range order.Lines {
		lines = append(lines, OrderCreatedLine{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPriceAtPurchase,
			LineTotal: line.LineTotal,
		})
	}
	return OrderCreatedEvent{
		OrderID:        order.ID,
		CustomerID:     order.CustomerID,
		Status:         order.Status,
		Subtotal:       order.Subtotal,
		DeliveryCharge: order.DeliveryCharge,
		Total:          order.Total,
		PaymentMethod:  order.PaymentMethod,
		DeliveryDate:   order.Customer.DeliveryDate,
		City:           order.Customer.City,
		Lines:          lines,
		CreatedAt:      order.CreatedAt,
	}
}

// OrderStatusChangedEvent описывает payload события order.status_changed в outbox.
type OrderStatusChangedEvent struct {
	OrderID   string      `json:"order_id"`
	From      OrderStatus `json:"from"`
	To        OrderStatus `json:"to"`
	ChangedBy string      `json:"changed_by"`
	ChangedAt time.Time   `json:"changed_at"`
}
