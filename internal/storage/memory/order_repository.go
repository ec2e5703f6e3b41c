package memory

import (
	"context"
	"sort"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Get возвращает зафиксированный заказ или ErrOrderNotFound.
func (s *Store) Get(_ context.Context, id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

// ListByCustomer возвращает заказы клиента, новые первыми.
func (s *Store) ListByCustomer(_ context.Context, customerID string, page domain.Page) ([]domain.Order, error) {
	s.mu.RLock()
	result := make([]domain.Order, 0)
	for _, order := range s.orders {
		if order.CustomerID != customerID {
			continue
		}
		result = append(result, cloneOrder(order))
	}
	s.mu.RUnlock()

	sortNewestFirst(result, func(i int) domain.Order { return result[i] })
	return paginate(result, page), nil
}

// ListByProducer возвращает заказы, в которых есть товары производителя,
// с позициями этого производителя и полями товара для отображения.
func (s *Store) ListByProducer(_ context.Context, producerID string, status domain.OrderStatus, page domain.Page) ([]domain.ProducerOrder, error) {
	s.mu.RLock()
	result := make([]domain.ProducerOrder, 0)
	for _, order := range s.orders {
		if status != "" && order.Status != status {
			continue
		}
		var own []domain.ProducerOrderLine
		for _, line := range order.Lines {
			product, ok := s.products[line.ProductID]
			if !ok || product.ProducerID != producerID {
				continue
			}
			line.ProductName = product.Name
			own = append(own, domain.ProducerOrderLine{
				OrderLine: line,
				Unit:      product.Unit,
				Image:     product.PrimaryImage(),
				IsOrganic: product.IsOrganic,
			})
		}
		if len(own) == 0 {
			continue
		}
		result = append(result, domain.ProducerOrder{Order: cloneOrder(order), ProducerLines: own})
	}
	s.mu.RUnlock()

	sortNewestFirst(result, func(i int) domain.Order { return result[i].Order })
	return paginate(result, page), nil
}

func sortNewestFirst[T any](items []T, orderAt func(i int) domain.Order) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := orderAt(i), orderAt(j)
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

// paginate не ограничивает limit сверху: запрос limit+1 для hasMore делает сервис.
func paginate[T any](items []T, page domain.Page) []T {
	if page.Limit <= 0 {
		page.Limit = domain.DefaultPageLimit
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	if page.Offset >= len(items) {
		return []T{}
	}
	end := page.Offset + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[page.Offset:end]
}

func cloneOrder(order domain.Order) domain.Order {
	order.Lines = append([]domain.OrderLine(nil), order.Lines...)
	return order
}

var _ domain.OrderRepository = (*Store)(nil)
