package domain

import (
	"errors"
	"fmt"
)

// Классы ошибок. Конкретные ошибки оборачивают один из них,
// транспортный слой выбирает код ответа через errors.Is.
var (
	// ErrValidation: некорректный или неполный запрос, клиент может исправить ввод.
	ErrValidation = errors.New("validation error")
	// ErrNotFound: неизвестный товар или заказ.
	ErrNotFound = errors.New("not found")
	// ErrStateConflict: товар неактивен, запаса не хватает или переход статуса недопустим.
	ErrStateConflict = errors.New("state conflict")
	// ErrPermission: нет аутентификации или прав.
	ErrPermission = errors.New("permission denied")
	// ErrPersistence: сбой транзакции или коммита, номер заказа клиенту не выдан.
	ErrPersistence = errors.New("persistence failure")
)

var (
	// Ошибка пустого списка позиций.
	ErrEmptyOrder = fmt.Errorf("%w: order must contain at least one item", ErrValidation)
	// Ошибка некорректного количества (<= 0).
	ErrItemQtyInvalid = fmt.Errorf("%w: item quantity must be greater than zero", ErrValidation)
	// Ошибка отсутствующего идентификатора товара.
	ErrProductIDRequired = fmt.Errorf("%w: product_id is required", ErrValidation)
	// Ошибка неподдерживаемого способа оплаты.
	ErrPaymentMethodUnsupported = fmt.Errorf("%w: payment method is not supported", ErrValidation)
	// Ошибка некорректных контактных данных покупателя.
	ErrCustomerDetailsInvalid = fmt.Errorf("%w: customer details are invalid", ErrValidation)
	// Ошибка даты доставки не позже сегодняшнего дня.
	ErrDeliveryDateInvalid = fmt.Errorf("%w: delivery date must be after today", ErrValidation)
	// Ошибка неизвестного статуса заказа.
	ErrOrderStatusUnknown = fmt.Errorf("%w: unknown order status", ErrValidation)
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = fmt.Errorf("%w: customer_id is required", ErrValidation)

	// ErrProductNotFound: товар из запроса отсутствует в каталоге.
	ErrProductNotFound = fmt.Errorf("%w: product not found", ErrNotFound)
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = fmt.Errorf("%w: order not found", ErrNotFound)

	// ErrProductInactive: товар существует, но снят с продажи.
	ErrProductInactive = fmt.Errorf("%w: product is not available for purchase", ErrStateConflict)
	// ErrInsufficientStock: запаса не хватает (предварительная проверка или атомарное списание).
	ErrInsufficientStock = fmt.Errorf("%w: insufficient stock", ErrStateConflict)
	// ErrInvalidStatusTransition: переход статуса не разрешён жизненным циклом.
	ErrInvalidStatusTransition = fmt.Errorf("%w: invalid order status transition", ErrStateConflict)
	// ErrOrderStatusChanged: статус изменился конкурентно между чтением и записью.
	ErrOrderStatusChanged = fmt.Errorf("%w: order status changed concurrently", ErrStateConflict)

	// ErrUnauthenticated: запрос без действительного токена.
	ErrUnauthenticated = fmt.Errorf("%w: authentication required", ErrPermission)
	// ErrForbidden: роль или владение не позволяют выполнить операцию.
	ErrForbidden = fmt.Errorf("%w: forbidden", ErrPermission)

	// ErrOrderAlreadyExists: запись с таким идентификатором уже сохранена.
	ErrOrderAlreadyExists = fmt.Errorf("%w: order already exists", ErrPersistence)
	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

var (
	// ErrIdempotencyKeyRequired: пустой ключ идемпотентности.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired: пустой хэш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists: ключ уже использован тем же запросом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch: ключ уже использован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound: запись по ключу отсутствует.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

// StockShortfallError описывает нехватку конкретного товара.
// Atomic=true означает, что нехватку обнаружило условное списание внутри транзакции,
// а не предварительная проверка.
type StockShortfallError struct {
	ProductID   string
	ProductName string
	Requested   int32
	Available   int32
	Atomic      bool
}

func (e *StockShortfallError) Error() string {
	name := e.ProductName
	if name == "" {
		name = e.ProductID
	}
	if e.Atomic {
		return fmt.Sprintf("insufficient stock for %s: requested %d, stock was taken by another order", name, e.Requested)
	}
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d", name, e.Available, e.Requested)
}

// Shortfall возвращает, сколько единиц не хватает; для атомарного конфликта остаток неизвестен.
func (e *StockShortfallError) Shortfall() int32 {
	if e.Atomic || e.Available >= e.Requested {
		return 0
	}
	return e.Requested - e.Available
}

func (e *StockShortfallError) Unwrap() error {
	return ErrInsufficientStock
}

// ProductError привязывает ошибку к конкретному товару.
type ProductError struct {
	ProductID   string
	ProductName string
	Err         error
}

func (e *ProductError) Error() string {
	if e.ProductName != "" {
		return fmt.Sprintf("product %s (%s): %v", e.ProductName, e.ProductID, e.Err)
	}
	return fmt.Sprintf("product %s: %v", e.ProductID, e.Err)
}

func (e *ProductError) Unwrap() error {
	return e.Err
}

// IsStockConflict сообщает, что ошибку можно устранить уменьшением количества.
func IsStockConflict(err error) bool {
	return errors.Is(err, ErrInsufficientStock)
}

// IsIdempotencyConflict проверяет, что ключ идемпотентности уже занят.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
