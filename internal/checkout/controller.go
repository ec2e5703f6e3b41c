package checkout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/cart"
	"github.com/vladislavdragonenkov/marketplace/internal/client"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/httpapi"
	"github.com/vladislavdragonenkov/marketplace/internal/pricing"
	"github.com/vladislavdragonenkov/marketplace/internal/service/placement"
)

// GenericFailureMessage показывается при любой ошибке, кроме нехватки товара.
const GenericFailureMessage = "Order could not be processed. Please try again."

var (
	// ErrSubmitInProgress возвращается, пока предыдущая отправка не завершилась.
	ErrSubmitInProgress = errors.New("order submission already in progress")
	// ErrWrongStep означает, что операция недоступна на текущем шаге.
	ErrWrongStep = errors.New("operation is not available at this checkout step")
)

// OrderPlacer принимает заказ на стороне сервера.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req placement.Request, idempotencyKey string) (httpapi.PlaceOrderResponse, error)
}

// Navigator уводит пользователя в каталог, когда оформлять нечего.
type Navigator interface {
	RedirectToCatalog()
}

// Confirmation описывает итог успешного оформления.
type Confirmation struct {
	OrderID string
	Total   domain.Money
}

// SubmitError описывает ошибку отправки для показа пользователю.
// StockConflict отличает нехватку товара: пользователю предлагается уменьшить количество.
type SubmitError struct {
	Message       string
	StockConflict bool
	ProductID     string
	Err           error
}

func (e *SubmitError) Error() string {
	return e.Message
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// Controller ведёт одну сессию оформления.
type Controller struct {
	mu           sync.Mutex
	step         Step
	details      domain.CustomerDetails
	method       domain.PaymentMethod
	confirmation *Confirmation
	lastErr      error

	// Ключ намерения переиспользуется, пока исход предыдущей отправки неизвестен
	// и тело запроса не менялось.
	intentKey  string
	intentHash string

	submitting atomic.Bool

	cart   *cart.Store
	placer OrderPlacer
	nav    Navigator
	now    func() time.Time
	newKey func() string
	logger *log.Entry
}

// Option настраивает Controller.
type Option func(*Controller)

// WithClock задаёт источник текущего времени для проверки даты доставки.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithKeyGenerator задаёт генератор ключей идемпотентности.
func WithKeyGenerator(newKey func() string) Option {
	return func(c *Controller) {
		if newKey != nil {
			c.newKey = newKey
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewController создаёт сессию оформления на шаге Review.
func NewController(store *cart.Store, placer OrderPlacer, nav Navigator, opts ...Option) *Controller {
	c := &Controller{
		step:   StepReview,
		method: domain.PaymentMethodCOD,
		cart:   store,
		placer: placer,
		nav:    nav,
		now:    time.Now,
		newKey: uuid.NewString,
		logger: log.WithField("component", "checkout"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Step возвращает текущий шаг.
func (c *Controller) Step() Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// Enter проверяет, можно ли показывать оформление. При пустой корзине вне
// Confirmation пользователь уводится в каталог и возвращается false.
func (c *Controller) Enter() bool {
	c.mu.Lock()
	step := c.step
	c.mu.Unlock()

	if step != StepConfirmation && c.cart.Empty() {
		if c.nav != nil {
			c.nav.RedirectToCatalog()
		}
		return false
	}
	return true
}

// SetDetails сохраняет данные доставки в черновике.
func (c *Controller) SetDetails(details domain.CustomerDetails) {
	c.mu.Lock()
	c.details = details.Normalize()
	c.mu.Unlock()
}

// Details возвращает черновик данных доставки.
func (c *Controller) Details() domain.CustomerDetails {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.details
}

// SetPaymentMethod выбирает способ оплаты.
func (c *Controller) SetPaymentMethod(method domain.PaymentMethod) {
	c.mu.Lock()
	c.method = method
	c.mu.Unlock()
}

// Next переходит вперёд. Details→Payment требует заполненных полей и даты доставки
// строго позже сегодняшней.
func (c *Controller) Next() (Step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	to, err := Transition(c.step, MoveForward)
	if err != nil {
		return c.step, err
	}
	if c.step == StepDetails {
		if err := c.details.ValidateForCheckout(c.now().UTC()); err != nil {
			return c.step, err
		}
	}
	c.step = to
	return to, nil
}

// Back возвращает на предыдущий шаг.
func (c *Controller) Back() (Step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.submitting.Load() {
		return c.step, ErrSubmitInProgress
	}
	to, err := Transition(c.step, MoveBack)
	if err != nil {
		return c.step, err
	}
	c.step = to
	return to, nil
}

// Submit отправляет заказ. Одновременно выполняется не больше одной отправки,
// остальные сразу получают ErrSubmitInProgress. При успехе корзина очищается и
// сессия переходит в Confirmation; при ошибке шаг Payment и корзина не меняются.
func (c *Controller) Submit(ctx context.Context) (Confirmation, error) {
	if !c.submitting.CompareAndSwap(false, true) {
		return Confirmation{}, ErrSubmitInProgress
	}
	defer c.submitting.Store(false)

	req, key, err := c.prepare()
	if err != nil {
		return Confirmation{}, err
	}

	resp, err := c.placer.PlaceOrder(ctx, req, key)
	if err != nil {
		return Confirmation{}, c.fail(err)
	}

	confirmation := Confirmation{OrderID: resp.OrderID, Total: resp.Total}
	c.cart.Clear(ctx)

	c.mu.Lock()
	c.step = StepConfirmation
	c.confirmation = &confirmation
	c.lastErr = nil
	c.intentKey, c.intentHash = "", ""
	c.mu.Unlock()

	c.logger.WithFields(log.Fields{
		"order_id": confirmation.OrderID,
		"total":    confirmation.Total.String(),
	}).Info("order confirmed")
	return confirmation, nil
}

func (c *Controller) prepare() (placement.Request, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.step != StepPayment {
		return placement.Request{}, "", ErrWrongStep
	}
	if !c.method.Accepted() {
		return placement.Request{}, "", fmt.Errorf("%w: %q", domain.ErrPaymentMethodUnsupported, c.method)
	}

	state := c.cart.State()
	if len(state.Lines) == 0 {
		return placement.Request{}, "", domain.ErrEmptyOrder
	}
	items := make([]pricing.LineRequest, 0, len(state.Lines))
	for _, line := range state.Lines {
		items = append(items, pricing.LineRequest{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	req := placement.Request{Items: items, CustomerDetails: c.details, PaymentMethod: c.method}

	hash, err := requestHash(req)
	if err != nil {
		return placement.Request{}, "", err
	}
	if c.intentKey == "" || c.intentHash != hash {
		c.intentKey = c.newKey()
		c.intentHash = hash
	}
	return req, c.intentKey, nil
}

func (c *Controller) fail(err error) error {
	submitErr := &SubmitError{Message: GenericFailureMessage, Err: err}

	var shortfall *domain.StockShortfallError
	switch {
	case errors.As(err, &shortfall):
		submitErr.StockConflict = true
		submitErr.ProductID = shortfall.ProductID
		submitErr.Message = c.shortfallMessage(shortfall)
	case errors.Is(err, domain.ErrInsufficientStock):
		submitErr.StockConflict = true
		submitErr.Message = "Some items are no longer available in the requested quantity. Please reduce the quantity and try again."
	}

	c.mu.Lock()
	c.lastErr = submitErr
	if !outcomeUnknown(err) {
		// Сервер ответил отказом, следующая попытка будет новым намерением.
		c.intentKey, c.intentHash = "", ""
	}
	c.mu.Unlock()

	c.logger.WithError(err).WithField("stock_conflict", submitErr.StockConflict).Warn("order submission failed")
	return submitErr
}

func (c *Controller) shortfallMessage(e *domain.StockShortfallError) string {
	name := e.ProductName
	if name == "" {
		if line, ok := c.cart.Line(e.ProductID); ok && line.Name != "" {
			name = line.Name
		} else {
			name = e.ProductID
		}
	}
	if e.Atomic {
		return fmt.Sprintf("Not enough %s left for %d. Please reduce the quantity and try again.", name, e.Requested)
	}
	if e.Available > 0 {
		return fmt.Sprintf("Only %d of %s available, you requested %d. Please reduce the quantity.", e.Available, name, e.Requested)
	}
	return fmt.Sprintf("%s is out of stock. Please remove it from your cart.", name)
}

// outcomeUnknown сообщает, что сервер мог успеть создать заказ.
func outcomeUnknown(err error) bool {
	return errors.Is(err, client.ErrUnavailable) ||
		errors.Is(err, domain.ErrPersistence) ||
		errors.Is(err, client.ErrRequestInProgress) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// Confirmation возвращает итог оформления, если он есть.
func (c *Controller) Confirmation() (Confirmation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.confirmation == nil {
		return Confirmation{}, false
	}
	return *c.confirmation, true
}

// LastError возвращает последнюю ошибку отправки.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Reset начинает новую сессию оформления.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = StepReview
	c.details = domain.CustomerDetails{}
	c.method = domain.PaymentMethodCOD
	c.confirmation = nil
	c.lastErr = nil
	c.intentKey, c.intentHash = "", ""
}

func requestHash(req placement.Request) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal order request: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
