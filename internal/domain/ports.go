package domain

import (
	"context"
	"time"
)

// ProductReader отдаёт актуальные записи товаров по идентификаторам.
// Отсутствующие идентификаторы просто не попадают в результат.
type ProductReader interface {
	GetProducts(ctx context.Context, ids []string) (map[string]Product, error)
}

// UnitOfWork открывает транзакцию «всё или ничего».
type UnitOfWork interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx описывает явный API транзакции. Каждый шаг возвращает собственный результат,
// откат вызывается оркестратором явно, а не через панику.
type Tx interface {
	ProductReader

	// InsertOrder сохраняет шапку заказа.
	InsertOrder(ctx context.Context, order Order) error
	// InsertLines сохраняет позиции заказа с зафиксированной ценой.
	InsertLines(ctx context.Context, lines []OrderLine) error
	// DecrementStock атомарно уменьшает остаток, только если его хватает.
	// false без ошибки означает, что условие не выполнено (конфликт запаса).
	DecrementStock(ctx context.Context, productID string, qty int32) (bool, error)

	// GetOrderStatus читает текущий статус заказа в рамках транзакции.
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	// ProducerOwnsOrder проверяет, что в заказе есть позиция с товаром производителя.
	ProducerOwnsOrder(ctx context.Context, orderID, producerID string) (bool, error)
	// UpdateOrderStatus меняет статус, только если текущий равен from.
	UpdateOrderStatus(ctx context.Context, orderID string, from, to OrderStatus, at time.Time) (bool, error)

	// EnqueueOutbox пишет событие в outbox той же транзакцией.
	EnqueueOutbox(ctx context.Context, msg OutboxMessage) error
	// AppendTimeline пишет событие жизненного цикла той же транзакцией.
	AppendTimeline(ctx context.Context, event TimelineEvent) error

	Commit() error
	Rollback() error
}

// Page задаёт окно выборки.
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Normalize подставляет значения по умолчанию и ограничивает limit.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ProducerOrderLine дополняет позицию заказа полями товара для отображения производителю.
type ProducerOrderLine struct {
	OrderLine
	Unit      string
	Image     string
	IsOrganic bool
}

// ProducerOrder описывает заказ, содержащий хотя бы один товар производителя.
// Lines содержит только позиции этого производителя.
type ProducerOrder struct {
	Order
	ProducerLines []ProducerOrderLine
}

// OrderRepository читает заказы вне транзакционного ядра.
type OrderRepository interface {
	// Get возвращает заказ с позициями или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// ListByCustomer возвращает заказы клиента, новые первыми.
	ListByCustomer(ctx context.Context, customerID string, page Page) ([]Order, error)
	// ListByProducer возвращает заказы с товарами производителя. Пустой status отключает фильтр.
	ListByProducer(ctx context.Context, producerID string, status OrderStatus, page Page) ([]ProducerOrder, error)
}

// ProductRepository читает товары и загружает каталог для локального запуска.
type ProductRepository interface {
	ProductReader
	// Upsert создаёт или перезаписывает товар (только для начального наполнения).
	Upsert(ctx context.Context, product Product) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository хранит очередь событий для фоновой публикации.
type OutboxRepository interface {
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	// Delete освобождает ключ, чтобы тот же запрос можно было повторить.
	Delete(key string) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// Типы событий заказа в outbox и timeline.
const (
	EventOrderCreated       = "order.created"
	EventOrderStatusChanged = "order.status_changed"
	AggregateOrder          = "order"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
