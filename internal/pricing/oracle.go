// Package pricing вычисляет авторитетную стоимость заказа по данным каталога.
// Цены, присланные клиентом, не используются.
package pricing

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// LineRequest содержит только товар и количество.
type LineRequest struct {
	ProductID string `json:"productId" validate:"required"`
	Quantity  int32  `json:"quantity" validate:"gt=0"`
}

// QuotedLine описывает позицию с ценой из каталога.
type QuotedLine struct {
	ProductID  string       `json:"productId"`
	ProducerID string       `json:"producerId"`
	Name       string       `json:"name"`
	Quantity   int32        `json:"quantity"`
	UnitPrice  domain.Money `json:"unitPrice"`
	LineTotal  domain.Money `json:"lineTotal"`
}

// Quote содержит результат расчёта.
type Quote struct {
	Lines          []QuotedLine `json:"lines"`
	Subtotal       domain.Money `json:"subtotal"`
	DeliveryCharge domain.Money `json:"deliveryCharge"`
	Total          domain.Money `json:"total"`
}

// Oracle считает цены и стоимость доставки на момент заказа по данным каталога.
type Oracle struct {
	products domain.ProductReader
	rule     DeliveryRule
}

// NewOracle создаёт оракул; nil rule заменяется тарифом по умолчанию.
func NewOracle(products domain.ProductReader, rule DeliveryRule) *Oracle {
	if rule == nil {
		rule = DefaultDeliveryRule()
	}
	return &Oracle{products: products, rule: rule}
}

// WithReader возвращает копию оракула, читающую товары из другого источника
// (например, из открытой транзакции).
func (o *Oracle) WithReader(products domain.ProductReader) *Oracle {
	return &Oracle{products: products, rule: o.rule}
}

// DeliveryCharge считает доставку без обращения к хранилищу.
func (o *Oracle) DeliveryCharge(city, pincode string) domain.Money {
	return o.rule.Charge(city, pincode)
}

// Price проверяет позиции и считает итог. Проверка остатка здесь предварительная:
// она лишь избавляет от заведомо неудачной транзакции, гарантию даёт только
// условное списание при оформлении.
func (o *Oracle) Price(ctx context.Context, lines []LineRequest, city, pincode string) (Quote, error) {
	merged, err := mergeLines(lines)
	if err != nil {
		return Quote{}, err
	}

	ids := make([]string, 0, len(merged))
	for _, line := range merged {
		ids = append(ids, line.ProductID)
	}

	products, err := o.products.GetProducts(ctx, ids)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: load products: %w", domain.ErrPersistence, err)
	}
	for _, id := range ids {
		if _, ok := products[id]; !ok {
			return Quote{}, &domain.ProductError{ProductID: id, Err: domain.ErrProductNotFound}
		}
	}

	quote := Quote{Lines: make([]QuotedLine, 0, len(merged))}
	for _, line := range merged {
		product := products[line.ProductID]
		if !product.Purchasable() {
			return Quote{}, &domain.ProductError{
				ProductID:   product.ID,
				ProductName: product.Name,
				Err:         domain.ErrProductInactive,
			}
		}
		if line.Quantity > product.AvailableQuantity {
			return Quote{}, &domain.StockShortfallError{
				ProductID:   product.ID,
				ProductName: product.Name,
				Requested:   line.Quantity,
				Available:   product.AvailableQuantity,
			}
		}

		lineTotal := product.UnitPrice.Mul(line.Quantity)
		quote.Lines = append(quote.Lines, QuotedLine{
			ProductID:  product.ID,
			ProducerID: product.ProducerID,
			Name:       product.Name,
			Quantity:   line.Quantity,
			UnitPrice:  product.UnitPrice,
			LineTotal:  lineTotal,
		})
		quote.Subtotal += lineTotal
	}

	quote.DeliveryCharge = o.rule.Charge(city, pincode)
	quote.Total = quote.Subtotal + quote.DeliveryCharge
	return quote, nil
}

// mergeLines проверяет позиции и сливает повторы одного товара,
// сохраняя порядок первого появления. Сумма считается в int64: итог больше
// math.MaxInt32 отклоняется как некорректное количество.
func mergeLines(lines []LineRequest) ([]LineRequest, error) {
	if len(lines) == 0 {
		return nil, domain.ErrEmptyOrder
	}

	index := make(map[string]int, len(lines))
	totals := make([]int64, 0, len(lines))
	merged := make([]LineRequest, 0, len(lines))
	for _, line := range lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		if line.ProductID == "" {
			return nil, domain.ErrProductIDRequired
		}
		if line.Quantity <= 0 {
			return nil, &domain.ProductError{ProductID: line.ProductID, Err: domain.ErrItemQtyInvalid}
		}
		i, ok := index[line.ProductID]
		if !ok {
			i = len(merged)
			index[line.ProductID] = i
			merged = append(merged, line)
			totals = append(totals, 0)
		}
		totals[i] += int64(line.Quantity)
		if totals[i] > math.MaxInt32 {
			return nil, &domain.ProductError{ProductID: line.ProductID, Err: domain.ErrItemQtyInvalid}
		}
		merged[i].Quantity = int32(totals[i])
	}
	return merged, nil
}
