package domain

import (
	"strings"
	"time"
)

// DefaultIdempotencyTTL применяется, когда срок хранения ключа не задан.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStatus описывает жизненный цикл ключа оформления заказа.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing: оформление по ключу ещё выполняется.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone: заказ создан, ответ 2xx сохранён для повтора.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed: запрос отклонён с 4xx, ответ сохранён для повтора.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что ответ по ключу окончательный и его можно повторить.
func (s IdempotencyStatus) Terminal() bool {
	return s == IdempotencyStatusDone || s == IdempotencyStatusFailed
}

// IdempotencyRecord хранит состояние оформления заказа по Idempotency-Key.
// Key уже включает владельца, см. ScopeIdempotencyKey.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ScopeIdempotencyKey привязывает ключ клиента к покупателю: одинаковые ключи
// разных покупателей не пересекаются.
func ScopeIdempotencyKey(customerID, key string) string {
	return strings.TrimSpace(customerID) + ":" + strings.TrimSpace(key)
}

// NewIdempotencyRecord проверяет ключ и хэш и создаёт запись в статусе processing.
// Нулевой ttlAt заменяется на now + DefaultIdempotencyTTL.
func NewIdempotencyRecord(key, requestHash string, now, ttlAt time.Time) (IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)
	if key == "" {
		return IdempotencyRecord{}, ErrIdempotencyKeyRequired
	}
	if requestHash == "" {
		return IdempotencyRecord{}, ErrIdempotencyRequestHashRequired
	}
	now = now.UTC()
	if ttlAt.IsZero() {
		ttlAt = now.Add(DefaultIdempotencyTTL)
	}
	return IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      IdempotencyStatusProcessing,
		TTLAt:       ttlAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Owner возвращает покупателя, которому принадлежит ключ.
func (r IdempotencyRecord) Owner() string {
	owner, _, ok := strings.Cut(r.Key, ":")
	if !ok {
		return ""
	}
	return owner
}

// Expired сообщает, что срок ключа истёк и его можно занять заново.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.After(now)
}

// Conflict объясняет, почему новый запрос с тем же ключом не выполняется.
func (r IdempotencyRecord) Conflict(requestHash string) error {
	if r.RequestHash != strings.TrimSpace(requestHash) {
		return ErrIdempotencyHashMismatch
	}
	return ErrIdempotencyKeyAlreadyExists
}

// Replay возвращает сохранённый ответ, если запрос уже завершён.
func (r IdempotencyRecord) Replay() (status int, body []byte, ok bool) {
	if !r.Status.Terminal() || r.HTTPStatus == 0 {
		return 0, nil, false
	}
	return r.HTTPStatus, append([]byte(nil), r.ResponseBody...), true
}
