// Package client реализует HTTP-клиент API заказов для контроллера оформления и нагрузочного теста.
// Коды ошибок сервера переводятся обратно в доменные ошибки.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/vladislavdragonenkov/marketplace/internal/cart"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/httpapi"
	"github.com/vladislavdragonenkov/marketplace/internal/pricing"
	"github.com/vladislavdragonenkov/marketplace/internal/service/placement"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

var (
	// ErrUnavailable означает, что сервер недоступен или предохранитель разомкнут.
	ErrUnavailable = errors.New("order api unavailable")
	// ErrRequestInProgress означает, что запрос с тем же ключом идемпотентности ещё выполняется.
	ErrRequestInProgress = errors.New("request with this idempotency key is still in progress")
	// ErrUnexpectedResponse означает, что ответ сервера не удалось разобрать.
	ErrUnexpectedResponse = errors.New("unexpected order api response")

	errServerFailure = errors.New("server failure")
)

const defaultTimeout = 10 * time.Second

// APIError описывает ошибку, полученную от сервера. Unwrap возвращает доменную ошибку,
// поэтому errors.Is/As работают так же, как на стороне сервера.
type APIError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("order api returned %d (%s)", e.Status, e.Code)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

type response struct {
	status int
	body   []byte
}

// Client обращается к HTTP API маркетплейса.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	token     string
	origin    string
	userAgent string
	breaker   *gobreaker.CircuitBreaker[response]
	logger    *log.Entry
}

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient задаёт транспорт.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithToken задаёт bearer-токен покупателя или производителя.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithOrigin задаёт заголовок Origin для изменяющих запросов.
func WithOrigin(origin string) Option {
	return func(c *Client) {
		c.origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	}
}

// WithUserAgent подменяет заголовок User-Agent.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua = strings.TrimSpace(ua); ua != "" {
			c.userAgent = ua
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New создаёт клиента. Предохранитель размыкается после пяти подряд
// транспортных ошибок или ответов 5xx; ответы 4xx сбоями не считаются.
func New(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}

	c := &Client{
		baseURL:   parsed,
		http:      &http.Client{Timeout: defaultTimeout},
		userAgent: version.UserAgent("marketplace-client"),
		logger:    log.WithField("component", "order-api-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.origin == "" {
		c.origin = parsed.Scheme + "://" + parsed.Host
	}

	c.breaker = gobreaker.NewCircuitBreaker[response](gobreaker.Settings{
		Name:        "order-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.WithFields(log.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return c, nil
}

// PlaceOrder оформляет заказ. Непустой idempotencyKey позволяет безопасно
// повторить запрос, если ответ потерялся.
func (c *Client) PlaceOrder(ctx context.Context, req placement.Request, idempotencyKey string) (httpapi.PlaceOrderResponse, error) {
	var out httpapi.PlaceOrderResponse
	headers := http.Header{}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		headers.Set("Idempotency-Key", key)
	}
	err := c.do(ctx, http.MethodPost, "/api/orders", nil, headers, req, &out)
	return out, err
}

// Quote запрашивает авторитетный расчёт стоимости без оформления.
func (c *Client) Quote(ctx context.Context, items []pricing.LineRequest, city, pincode string) (pricing.Quote, error) {
	var out pricing.Quote
	err := c.do(ctx, http.MethodPost, "/api/orders/quote", nil, nil,
		httpapi.QuoteRequest{Items: items, City: city, Pincode: pincode}, &out)
	return out, err
}

// GetOrder перечитывает заказ.
func (c *Client) GetOrder(ctx context.Context, orderID string) (httpapi.OrderJSON, error) {
	var out httpapi.OrderJSON
	err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(orderID), nil, nil, nil, &out)
	return out, err
}

// ListOrders возвращает заказы владельца токена.
func (c *Client) ListOrders(ctx context.Context, page domain.Page) (httpapi.OrderListResponse, error) {
	var out httpapi.OrderListResponse
	err := c.do(ctx, http.MethodGet, "/api/orders", pageQuery(page), nil, nil, &out)
	return out, err
}

// Timeline возвращает события заказа.
func (c *Client) Timeline(ctx context.Context, orderID string) (httpapi.TimelineResponse, error) {
	var out httpapi.TimelineResponse
	err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(orderID)+"/timeline", nil, nil, nil, &out)
	return out, err
}

// ProducerOrders возвращает заказы с товарами производителя.
func (c *Client) ProducerOrders(ctx context.Context, status domain.OrderStatus, page domain.Page) (httpapi.ProducerOrdersResponse, error) {
	var out httpapi.ProducerOrdersResponse
	query := pageQuery(page)
	if status != "" {
		query.Set("status", string(status))
	}
	err := c.do(ctx, http.MethodGet, "/api/producer/orders", query, nil, nil, &out)
	return out, err
}

// UpdateStatus переводит заказ в новый статус от имени производителя.
func (c *Client) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus) (httpapi.UpdateStatusResponse, error) {
	var out httpapi.UpdateStatusResponse
	err := c.do(ctx, http.MethodPut, "/api/producer/orders", nil, nil,
		httpapi.UpdateStatusRequest{OrderID: orderID, Status: string(status)}, &out)
	return out, err
}

// GetCart загружает серверный снимок корзины.
func (c *Client) GetCart(ctx context.Context) (cart.State, error) {
	var out cart.State
	err := c.do(ctx, http.MethodGet, "/api/cart", nil, nil, nil, &out)
	return out, err
}

// PutCart сохраняет полный набор позиций корзины.
func (c *Client) PutCart(ctx context.Context, lines []cart.Line) (cart.State, error) {
	var out cart.State
	err := c.do(ctx, http.MethodPut, "/api/cart", nil, nil, httpapi.PutCartRequest{Items: lines}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, headers http.Header, in, out any) error {
	var payload []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = data
	}

	target := *c.baseURL
	target.Path = c.baseURL.Path + path
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	resp, err := c.breaker.Execute(func() (response, error) {
		return c.roundTrip(ctx, method, target.String(), headers, payload)
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		case errors.Is(err, errServerFailure):
			return decodeError(resp)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}

	if resp.status >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, target string, headers http.Header, payload []byte) (response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return response{}, fmt.Errorf("build request: %w", err)
	}
	for k, values := range headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if method != http.MethodGet && method != http.MethodHead {
		req.Header.Set("Origin", c.origin)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return response{}, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return response{}, fmt.Errorf("read response: %w", err)
	}
	resp := response{status: httpResp.StatusCode, body: data}
	if resp.status >= http.StatusInternalServerError {
		return resp, errServerFailure
	}
	return resp, nil
}

// decodeError восстанавливает доменную ошибку по полю code.
func decodeError(resp response) error {
	var body httpapi.ErrorResponse
	if err := json.Unmarshal(resp.body, &body); err != nil || body.Code == "" {
		return &APIError{Status: resp.status, Message: http.StatusText(resp.status), Err: fallbackKind(resp.status)}
	}

	apiErr := &APIError{Status: resp.status, Code: body.Code, Message: body.Error}
	switch body.Code {
	case httpapi.CodeInsufficientStock:
		if body.ProductID != "" {
			apiErr.Err = &domain.StockShortfallError{
				ProductID: body.ProductID,
				Requested: body.Requested,
				Available: body.Available,
				Atomic:    body.Atomic,
			}
		} else {
			apiErr.Err = domain.ErrInsufficientStock
		}
	case httpapi.CodeValidation:
		apiErr.Err = domain.ErrValidation
	case httpapi.CodeProductNotFound:
		apiErr.Err = domain.ErrProductNotFound
	case httpapi.CodeProductInactive:
		apiErr.Err = domain.ErrProductInactive
	case httpapi.CodeOrderNotFound:
		apiErr.Err = domain.ErrOrderNotFound
	case httpapi.CodeStatusConflict:
		apiErr.Err = domain.ErrInvalidStatusTransition
	case httpapi.CodeUnauthenticated:
		apiErr.Err = domain.ErrUnauthenticated
	case httpapi.CodeForbidden, httpapi.CodeOriginRejected:
		apiErr.Err = domain.ErrForbidden
	case httpapi.CodeRequestInProgress:
		apiErr.Err = ErrRequestInProgress
	case httpapi.CodeIdempotencyReused:
		apiErr.Err = domain.ErrIdempotencyHashMismatch
	case httpapi.CodePersistence:
		apiErr.Err = domain.ErrPersistence
	default:
		apiErr.Err = fallbackKind(resp.status)
	}
	return apiErr
}

func fallbackKind(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return domain.ErrUnauthenticated
	case status == http.StatusForbidden:
		return domain.ErrForbidden
	case status == http.StatusNotFound:
		return domain.ErrNotFound
	case status >= http.StatusInternalServerError:
		return domain.ErrPersistence
	default:
		return ErrUnexpectedResponse
	}
}

func pageQuery(page domain.Page) url.Values {
	query := url.Values{}
	if page.Limit > 0 {
		query.Set("limit", strconv.Itoa(page.Limit))
	}
	if page.Offset > 0 {
		query.Set("offset", strconv.Itoa(page.Offset))
	}
	return query
}
