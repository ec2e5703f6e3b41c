// Package httpapi реализует REST API маркетплейса: оформление заказа, чтение заказов,
// смена статуса производителем и синхронизация корзины.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vladislavdragonenkov/marketplace/internal/auth"
	"github.com/vladislavdragonenkov/marketplace/internal/cart"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/pricing"
	"github.com/vladislavdragonenkov/marketplace/internal/service/orders"
	"github.com/vladislavdragonenkov/marketplace/internal/service/placement"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
)

// Placer оформляет заказы и считает стоимость.
type Placer interface {
	Place(ctx context.Context, customerID string, req placement.Request) (domain.Order, error)
	Quote(ctx context.Context, items []pricing.LineRequest, city, pincode string) (pricing.Quote, error)
}

// OrderQueries читает заказы и меняет статус.
type OrderQueries interface {
	Get(ctx context.Context, customerID, orderID string) (domain.Order, error)
	ListByCustomer(ctx context.Context, customerID string, page domain.Page) ([]domain.Order, error)
	ListByProducer(ctx context.Context, producerID string, status domain.OrderStatus, page domain.Page) (orders.ProducerPage, error)
	Timeline(ctx context.Context, customerID, orderID string) ([]domain.TimelineEvent, error)
	UpdateStatus(ctx context.Context, producerID, orderID string, to domain.OrderStatus) (domain.Order, error)
}

// TokenVerifier проверяет bearer-токен.
type TokenVerifier interface {
	Verify(token string) (auth.Principal, error)
}

// Server собирает chi-роутер API.
type Server struct {
	placer      Placer
	orders      OrderQueries
	carts       cart.SnapshotStore
	idempotency domain.IdempotencyRepository
	verifier    TokenVerifier
	metrics     *metrics.HTTPMetrics
	logger      *log.Entry

	allowedOrigins map[string]struct{}
	requestTimeout time.Duration
	idempotencyTTL time.Duration
	now            func() time.Time
}

// Option настраивает Server.
type Option func(*Server)

// WithMetrics включает HTTP-метрики.
func WithMetrics(m *metrics.HTTPMetrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithAllowedOrigins задаёт origins, с которых разрешены изменяющие запросы.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		for _, origin := range origins {
			origin = strings.TrimRight(strings.TrimSpace(origin), "/")
			if origin != "" {
				s.allowedOrigins[origin] = struct{}{}
			}
		}
	}
}

// WithIdempotency включает обработку заголовка Idempotency-Key для оформления заказа.
func WithIdempotency(repo domain.IdempotencyRepository, ttl time.Duration) Option {
	return func(s *Server) {
		s.idempotency = repo
		if ttl > 0 {
			s.idempotencyTTL = ttl
		}
	}
}

// WithRequestTimeout ограничивает время обработки запроса.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer создаёт API-сервер.
func NewServer(placer Placer, queries OrderQueries, carts cart.SnapshotStore, verifier TokenVerifier, logger *log.Entry, opts ...Option) *Server {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	s := &Server{
		placer:         placer,
		orders:         queries,
		carts:          carts,
		verifier:       verifier,
		logger:         logger,
		allowedOrigins: make(map[string]struct{}),
		requestTimeout: defaultRequestTimeout,
		idempotencyTTL: defaultIdempotencyTTL,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router возвращает chi-роутер без трассировки, удобен для тестов.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	r.Use(middleware.Timeout(s.requestTimeout))

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.checkOrigin)

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", s.listOrders)
			r.Get("/{orderID}", s.getOrder)
			r.Get("/{orderID}/timeline", s.orderTimeline)
			r.With(s.requireRole(auth.RoleConsumer)).Post("/", s.placeOrder)
			r.With(s.requireRole(auth.RoleConsumer)).Post("/quote", s.quoteOrder)
		})

		r.Route("/producer/orders", func(r chi.Router) {
			r.Use(s.requireRole(auth.RoleProducer))
			r.Get("/", s.listProducerOrders)
			r.Put("/", s.updateOrderStatus)
		})

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", s.getCart)
			r.Put("/", s.putCart)
		})
	})

	return r
}

// Handler возвращает роутер, обёрнутый в OpenTelemetry.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.Router(), "marketplace-api")
}
