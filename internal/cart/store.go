package cart

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ErrNoSnapshot возвращается Persister, если сохранённой корзины нет.
var ErrNoSnapshot = errors.New("cart snapshot not found")

// Persister сохраняет и загружает полный набор позиций корзины.
type Persister interface {
	Load(ctx context.Context) ([]Line, error)
	Save(ctx context.Context, lines []Line) error
}

// Store хранит корзину одной сессии покупателя. Переходы считает Reduce,
// после каждого изменения полный набор позиций сохраняется через Persister.
// Ошибки сохранения и загрузки не возвращаются вызывающему, только логируются.
type Store struct {
	mu        sync.Mutex
	state     State
	persister Persister
	logger    *log.Entry
}

// NewStore создаёт корзину и пытается восстановить сохранённое состояние.
// Повреждённые или отсутствующие данные дают пустую корзину.
func NewStore(ctx context.Context, persister Persister, logger *log.Entry) *Store {
	if logger == nil {
		logger = log.WithField("component", "cart-store")
	}
	s := &Store{persister: persister, logger: logger}
	s.restore(ctx)
	return s
}

func (s *Store) restore(ctx context.Context) {
	if s.persister == nil {
		return
	}
	lines, err := s.persister.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoSnapshot) {
			s.logger.WithError(err).Warn("failed to load persisted cart, starting empty")
		}
		return
	}
	s.state = Reduce(State{}, Load{Lines: lines})
}

// State возвращает копию текущего состояния.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Add добавляет qty единиц товара (qty < 1 трактуется как 1).
func (s *Store) Add(ctx context.Context, item Line, qty int32) State {
	return s.dispatch(ctx, Add{Line: item, Quantity: qty})
}

// Remove удаляет позицию.
func (s *Store) Remove(ctx context.Context, productID string) State {
	return s.dispatch(ctx, Remove{ProductID: productID})
}

// SetQuantity задаёт количество позиции.
func (s *Store) SetQuantity(ctx context.Context, productID string, qty int32) State {
	return s.dispatch(ctx, SetQuantity{ProductID: productID, Quantity: qty})
}

// Clear очищает корзину.
func (s *Store) Clear(ctx context.Context) State {
	return s.dispatch(ctx, Clear{})
}

// Load заменяет содержимое корзины.
func (s *Store) Load(ctx context.Context, lines []Line) State {
	return s.dispatch(ctx, Load{Lines: lines})
}

// Contains сообщает, есть ли товар в корзине.
func (s *Store) Contains(productID string) bool {
	_, ok := s.Line(productID)
	return ok
}

// Line возвращает позицию по идентификатору товара.
func (s *Store) Line(productID string) (Line, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range s.state.Lines {
		if line.ProductID == productID {
			return line, true
		}
	}
	return Line{}, false
}

// Empty сообщает, что в корзине нет позиций.
func (s *Store) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.Lines) == 0
}

func (s *Store) dispatch(ctx context.Context, action Action) State {
	s.mu.Lock()
	s.state = Reduce(s.state, action)
	snapshot := s.state.clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot.Lines)
	return snapshot
}

func (s *Store) persist(ctx context.Context, lines []Line) {
	if s.persister == nil {
		return
	}
	if err := s.persister.Save(ctx, lines); err != nil {
		s.logger.WithError(err).WithField("lines", len(lines)).Warn("failed to persist cart")
	}
}
