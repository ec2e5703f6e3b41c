package httpapi

import (
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/cart"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/pricing"
	"github.com/vladislavdragonenkov/marketplace/internal/service/orders"
)

// PlacedMessage: текст ответа об успешном оформлении.
const PlacedMessage = "Order placed successfully! Your fresh produce will be delivered soon."

// OrderLineJSON описывает позицию заказа в ответах API.
type OrderLineJSON struct {
	ProductID           string       `json:"productId"`
	ProductName         string       `json:"productName,omitempty"`
	Quantity            int32        `json:"quantity"`
	UnitPriceAtPurchase domain.Money `json:"pricePerUnit"`
	LineTotal           domain.Money `json:"total"`
}

// OrderJSON описывает заказ в ответах API.
type OrderJSON struct {
	ID             string               `json:"id"`
	CustomerID     string               `json:"customerId"`
	Status         domain.OrderStatus   `json:"status"`
	Subtotal       domain.Money         `json:"subtotal"`
	DeliveryCharge domain.Money         `json:"deliveryCharge"`
	Total          domain.Money         `json:"total"`
	PaymentMethod  domain.PaymentMethod `json:"paymentMethod"`
	DeliveryDate   string               `json:"deliveryDate"`
	ContactName    string               `json:"contactName"`
	Email          string               `json:"email"`
	Phone          string               `json:"phone"`
	Address        string               `json:"address"`
	City           string               `json:"city"`
	Pincode        string               `json:"pincode"`
	DeliveryNotes  string               `json:"deliveryNotes,omitempty"`
	Items          []OrderLineJSON      `json:"items"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// PlaceOrderResponse описывает ответ 201 на оформление заказа.
type PlaceOrderResponse struct {
	Order   OrderJSON    `json:"order"`
	OrderID string       `json:"orderId"`
	Total   domain.Money `json:"total"`
	Message string       `json:"message"`
}

// OrderListResponse содержит заказы покупателя.
type OrderListResponse struct {
	Orders []OrderJSON `json:"orders"`
	Total  int         `json:"total"`
}

// QuoteRequest запрашивает расчёт стоимости корзины без оформления.
type QuoteRequest struct {
	Items   []pricing.LineRequest `json:"items"`
	City    string                `json:"city"`
	Pincode string                `json:"pincode"`
}

// ProducerProductJSON содержит поля товара, которые видит производитель в заказе.
type ProducerProductJSON struct {
	Name      string `json:"name"`
	Image     string `json:"image,omitempty"`
	IsOrganic bool   `json:"isOrganic"`
	Unit      string `json:"unit"`
}

// ProducerLineJSON описывает позицию производителя в заказе.
type ProducerLineJSON struct {
	ID           string              `json:"id"`
	ProductID    string              `json:"productId"`
	Quantity     int32               `json:"quantity"`
	PricePerUnit domain.Money        `json:"pricePerUnit"`
	Total        domain.Money        `json:"total"`
	Product      ProducerProductJSON `json:"product"`
}

// CustomerJSON содержит контакт покупателя для производителя.
type CustomerJSON struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ProducerOrderJSON показывает заказ производителю, только с его позициями.
type ProducerOrderJSON struct {
	OrderJSON
	Customer   CustomerJSON       `json:"customer"`
	OrderItems []ProducerLineJSON `json:"orderItems"`
}

// ProducerOrdersResponse описывает страницу заказов производителя.
type ProducerOrdersResponse struct {
	Orders     []ProducerOrderJSON `json:"orders"`
	Total      int                 `json:"total"`
	Pagination orders.Pagination   `json:"pagination"`
}

// UpdateStatusRequest запрашивает смену статуса заказа производителем.
type UpdateStatusRequest struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// UpdateStatusResponse содержит заказ после смены статуса.
type UpdateStatusResponse struct {
	Order   OrderJSON `json:"order"`
	Message string    `json:"message"`
}

// TimelineResponse содержит события жизненного цикла заказа.
type TimelineResponse struct {
	OrderID string                 `json:"orderId"`
	Events  []domain.TimelineEvent `json:"events"`
}

// PutCartRequest содержит полный набор позиций корзины от клиента.
type PutCartRequest struct {
	Items []cart.Line `json:"items"`
}

// ErrorResponse описывает тело любого ответа с ошибкой.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	ProductID string `json:"productId,omitempty"`
	Requested int32  `json:"requested,omitempty"`
	Available int32  `json:"available,omitempty"`
	Atomic    bool   `json:"atomic,omitempty"`
	Details   string `json:"details,omitempty"`
}

// NewOrderJSON переводит заказ в формат ответа.
func NewOrderJSON(order domain.Order) OrderJSON {
	c := order.Customer
	items := make([]OrderLineJSON, 0, len(order.Lines))
	for _, line := range order.Lines {
		items = append(items, OrderLineJSON{
			ProductID:           line.ProductID,
			ProductName:         line.ProductName,
			Quantity:            line.Quantity,
			UnitPriceAtPurchase: line.UnitPriceAtPurchase,
			LineTotal:           line.LineTotal,
		})
	}
	return OrderJSON{
		ID:             order.ID,
		CustomerID:     order.CustomerID,
		Status:         order.Status,
		Subtotal:       order.Subtotal,
		DeliveryCharge: order.DeliveryCharge,
		Total:          order.Total,
		PaymentMethod:  order.PaymentMethod,
		DeliveryDate:   c.DeliveryDate,
		ContactName:    c.ContactName,
		Email:          c.Email,
		Phone:          c.Phone,
		Address:        c.Address,
		City:           c.City,
		Pincode:        c.Pincode,
		DeliveryNotes:  c.DeliveryNotes,
		Items:          items,
		CreatedAt:      order.CreatedAt,
		UpdatedAt:      order.UpdatedAt,
	}
}

func newProducerOrderJSON(order domain.ProducerOrder) ProducerOrderJSON {
	items := make([]ProducerLineJSON, 0, len(order.ProducerLines))
	for _, line := range order.ProducerLines {
		items = append(items, ProducerLineJSON{
			ID:           line.OrderID + "-" + line.ProductID,
			ProductID:    line.ProductID,
			Quantity:     line.Quantity,
			PricePerUnit: line.UnitPriceAtPurchase,
			Total:        line.LineTotal,
			Product: ProducerProductJSON{
				Name:      line.ProductName,
				Image:     line.Image,
				IsOrganic: line.IsOrganic,
				Unit:      line.Unit,
			},
		})
	}
	return ProducerOrderJSON{
		OrderJSON:  NewOrderJSON(order.Order),
		Customer:   CustomerJSON{Name: order.Customer.ContactName, Email: order.Customer.Email},
		OrderItems: items,
	}
}
