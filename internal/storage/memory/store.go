package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// ErrTxDone возвращается при обращении к завершённой транзакции.
var ErrTxDone = errors.New("memory: transaction has already been committed or rolled back")

// Store хранит каталог и заказы в памяти для локальной разработки и тестов.
// Транзакции сериализуются семафором: пока транзакция открыта, другие ждут в Begin.
// Изменения буферизуются в транзакции и применяются только при Commit,
// поэтому читатели вне транзакции видят лишь зафиксированное состояние.
type Store struct {
	sem chan struct{}

	mu       sync.RWMutex
	products map[string]domain.Product
	orders   map[string]domain.Order

	outbox   *outboxRepositoryInMemory
	timeline *timelineRepositoryInMemory
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		sem:      make(chan struct{}, 1),
		products: make(map[string]domain.Product),
		orders:   make(map[string]domain.Order),
		outbox:   NewOutboxRepository(),
		timeline: newTimelineRepository(),
	}
}

// Outbox возвращает outbox, в который пишут транзакции хранилища.
func (s *Store) Outbox() *outboxRepositoryInMemory {
	return s.outbox
}

// Timeline возвращает репозиторий событий заказа.
func (s *Store) Timeline() domain.TimelineRepository {
	return s.timeline
}

// Begin открывает транзакцию, дожидаясь завершения текущей или отмены ctx.
func (s *Store) Begin(ctx context.Context) (domain.Tx, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &memoryTx{
		store:      s,
		stockDelta: make(map[string]int32),
		statusSet:  make(map[string]statusChange),
	}, nil
}

// GetProducts возвращает зафиксированные записи товаров.
func (s *Store) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = cloneProduct(p)
		}
	}
	return out, nil
}

// Upsert создаёт или перезаписывает товар.
func (s *Store) Upsert(_ context.Context, product domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = cloneProduct(product)
	return nil
}

// Ping всегда успешен; нужен для health-check наравне с PostgreSQL.
func (s *Store) Ping(context.Context) error {
	return nil
}

func cloneProduct(p domain.Product) domain.Product {
	p.Images = append([]string(nil), p.Images...)
	return p
}

var (
	_ domain.UnitOfWork        = (*Store)(nil)
	_ domain.ProductRepository = (*Store)(nil)
)
