package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/marketplace/internal/auth"
	"github.com/vladislavdragonenkov/marketplace/internal/cart"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/httpapi"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/pricing"
	"github.com/vladislavdragonenkov/marketplace/internal/service/orders"
	"github.com/vladislavdragonenkov/marketplace/internal/service/placement"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

const testOrigin = "http://localhost:5000"

type APISuite struct {
	suite.Suite

	store    *memory.Store
	verifier *auth.Verifier
	registry *prometheus.Registry
	handler  http.Handler
	tomorrow string
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}

func silentLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger.WithField("component", "http-api-test")
}

func (s *APISuite) SetupTest() {
	ctx := context.Background()
	s.store = memory.NewStore()
	for _, p := range []domain.Product{
		{ID: "tomato", ProducerID: "producer-1", Name: "Tomato", Unit: "kg", Images: []string{"tomato.jpg"}, IsOrganic: true,
			UnitPrice: domain.MoneyFromMajor(45), AvailableQuantity: 10, Status: domain.ProductStatusActive},
		{ID: "mango", ProducerID: "producer-2", Name: "Mango", Unit: "kg",
			UnitPrice: domain.MoneyFromMajor(120), AvailableQuantity: 1, Status: domain.ProductStatusActive},
		{ID: "okra", ProducerID: "producer-1", Name: "Okra", Unit: "kg",
			UnitPrice: domain.MoneyFromMajor(30), AvailableQuantity: 5, Status: domain.ProductStatusInactive},
	} {
		s.Require().NoError(s.store.Upsert(ctx, p))
	}

	var err error
	s.verifier, err = auth.NewVerifier("test-secret")
	s.Require().NoError(err)
	s.registry = prometheus.NewRegistry()
	s.tomorrow = time.Now().UTC().AddDate(0, 0, 1).Format(domain.DeliveryDateLayout)

	oracle := pricing.NewOracle(s.store, pricing.DefaultDeliveryRule())
	placer := placement.NewService(s.store, oracle, silentLogger())
	queries := orders.NewService(s.store, s.store, s.store.Timeline(), silentLogger())

	s.handler = httpapi.NewServer(placer, queries, cart.NewMemorySnapshotStore(), s.verifier, silentLogger(),
		httpapi.WithMetrics(metrics.NewHTTPMetrics(s.registry)),
		httpapi.WithAllowedOrigins([]string{testOrigin}),
		httpapi.WithIdempotency(memory.NewIdempotencyRepository(), time.Hour),
	).Router()
}

func (s *APISuite) token(userID string, role auth.Role) string {
	token, err := s.verifier.Issue(auth.Principal{UserID: userID, Role: role}, time.Hour)
	s.Require().NoError(err)
	return token
}

func (s *APISuite) do(method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method != http.MethodGet {
		req.Header.Set("Origin", testOrigin)
	}
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *APISuite) orderBody(city string, items ...pricing.LineRequest) placement.Request {
	return placement.Request{
		Items: items,
		CustomerDetails: domain.CustomerDetails{
			ContactName:  "Asha",
			Email:        "asha@example.com",
			Phone:        "9876543210",
			Address:      "12 Market Road",
			City:         city,
			Pincode:      "620001",
			DeliveryDate: s.tomorrow,
		},
		PaymentMethod: domain.PaymentMethodCOD,
	}
}

func decode[T any](s *APISuite, rec *httptest.ResponseRecorder) T {
	var v T
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *APISuite) stock(id string) int32 {
	products, err := s.store.GetProducts(context.Background(), []string{id})
	s.Require().NoError(err)
	return products[id].AvailableQuantity
}

func (s *APISuite) TestPlaceOrder_Created() {
	consumer := s.token("customer-1", auth.RoleConsumer)
	rec := s.do(http.MethodPost, "/api/orders", consumer,
		s.orderBody("Trichy", pricing.LineRequest{ProductID: "tomato", Quantity: 2}), nil)
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[httpapi.PlaceOrderResponse](s, rec)
	s.Equal(domain.MoneyFromMajor(120), resp.Total)
	s.Equal(resp.OrderID, resp.Order.ID)
	s.Equal(domain.OrderStatusPending, resp.Order.Status)
	s.Equal(httpapi.PlacedMessage, resp.Message)
	s.Require().Len(resp.Order.Items, 1)
	s.Equal(domain.MoneyFromMajor(45), resp.Order.Items[0].UnitPriceAtPurchase)
	s.Equal(int32(8), s.stock("tomato"))

	got := s.do(http.MethodGet, "/api/orders/"+resp.OrderID, consumer, nil, nil)
	s.Require().Equal(http.StatusOK, got.Code)
	reread := decode[httpapi.OrderJSON](s, got)
	s.Equal(resp.Total, reread.Total)
}

func (s *APISuite) TestPlaceOrder_AuthAndRoles() {
	body := s.orderBody("Chennai", pricing.LineRequest{ProductID: "tomato", Quantity: 1})

	rec := s.do(http.MethodPost, "/api/orders", "", body, nil)
	s.Equal(http.StatusUnauthorized, rec.Code)
	s.Equal(httpapi.CodeUnauthenticated, decode[httpapi.ErrorResponse](s, rec).Code)

	rec = s.do(http.MethodPost, "/api/orders", "garbage", body, nil)
	s.Equal(http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodPost, "/api/orders", s.token("producer-1", auth.RoleProducer), body, nil)
	s.Equal(http.StatusForbidden, rec.Code)
	s.Equal(httpapi.CodeForbidden, decode[httpapi.ErrorResponse](s, rec).Code)
	s.Equal(int32(10), s.stock("tomato"))
}

func (s *APISuite) TestPlaceOrder_OriginCheck() {
	consumer := s.token("customer-1", auth.RoleConsumer)
	body := s.orderBody("Chennai", pricing.LineRequest{ProductID: "tomato", Quantity: 1})

	rec := s.do(http.MethodPost, "/api/orders", consumer, body, map[string]string{"Origin": ""})
	s.Equal(http.StatusForbidden, rec.Code)
	s.Equal(httpapi.CodeOriginRejected, decode[httpapi.ErrorResponse](s, rec).Code)

	rec = s.do(http.MethodPost, "/api/orders", consumer, body, map[string]string{"Origin": "https://evil.example"})
	s.Equal(http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/api/orders", consumer, body, map[string]string{
		"Origin":  "",
		"Referer": testOrigin + "/checkout",
	})
	s.Equal(http.StatusCreated, rec.Code, rec.Body.String())
	s.Equal(int32(9), s.stock("tomato"))
}

func (s *APISuite) TestPlaceOrder_Rejections() {
	consumer := s.token("customer-1", auth.RoleConsumer)

	cases := []struct {
		name string
		body any
		code string
	}{
		{"empty items", s.orderBody("Trichy"), httpapi.CodeValidation},
		{"unknown product", s.orderBody("Trichy", pricing.LineRequest{ProductID: "ghost", Quantity: 1}), httpapi.CodeProductNotFound},
		{"inactive product", s.orderBody("Trichy", pricing.LineRequest{ProductID: "okra", Quantity: 1}), httpapi.CodeProductInactive},
		{"bad json", "not an object", httpapi.CodeValidation},
	}
	for _, tc := range cases {
		rec := s.do(http.MethodPost, "/api/orders", consumer, tc.body, nil)
		s.Equal(http.StatusBadRequest, rec.Code, tc.name)
		s.Equal(tc.code, decode[httpapi.ErrorResponse](s, rec).Code, tc.name)
	}

	online := s.orderBody("Trichy", pricing.LineRequest{ProductID: "tomato", Quantity: 1})
	online.PaymentMethod = domain.PaymentMethodOnline
	rec := s.do(http.MethodPost, "/api/orders", consumer, online, nil)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/orders", consumer,
		s.orderBody("Trichy", pricing.LineRequest{ProductID: "mango", Quantity: 2}), nil)
	s.Require().Equal(http.StatusBadRequest, rec.Code)
	errResp := decode[httpapi.ErrorResponse](s, rec)
	s.Equal(httpapi.CodeInsufficientStock, errResp.Code)
	s.Equal("mango", errResp.ProductID)
	s.Equal(int32(2), errResp.Requested)
	s.Equal(int32(1), errResp.Available)
	s.Contains(errResp.Error, "Mango")
	s.Equal(int32(1), s.stock("mango"))
}

func (s *APISuite) TestPlaceOrder_IdempotentReplay() {
	consumer := s.token("customer-1", auth.RoleConsumer)
	body := s.orderBody("Trichy", pricing.LineRequest{ProductID: "tomato", Quantity: 1})
	headers := map[string]string{"Idempotency-Key": "intent-1"}

	first := s.do(http.MethodPost, "/api/orders", consumer, body, headers)
	s.Require().Equal(http.StatusCreated, first.Code)
	second := s.do(http.MethodPost, "/api/orders", consumer, body, headers)
	s.Require().Equal(http.StatusCreated, second.Code)
	s.Equal("true", second.Header().Get("Idempotent-Replayed"))

	s.Equal(decode[httpapi.PlaceOrderResponse](s, first).OrderID, decode[httpapi.PlaceOrderResponse](s, second).OrderID)
	s.Equal(int32(9), s.stock("tomato"))

	changed := s.orderBody("Trichy", pricing.LineRequest{ProductID: "tomato", Quantity: 2})
	rec := s.do(http.MethodPost, "/api/orders", consumer, changed, headers)
	s.Equal(http.StatusUnprocessableEntity, rec.Code)
	s.Equal(httpapi.CodeIdempotencyReused, decode[httpapi.ErrorResponse](s, rec).Code)

	other := s.do(http.MethodPost, "/api/orders", s.token("customer-2", auth.RoleConsumer), body, headers)
	s.Equal(http.StatusCreated, other.Code)
	s.Empty(other.Header().Get("Idempotent-Replayed"))
	s.Equal(int32(8), s.stock("tomato"))
}

func (s *APISuite) TestPlaceOrder_ReplaysRejection() {
	consumer := s.token("customer-1", auth.RoleConsumer)
	body := s.orderBody("Trichy", pricing.LineRequest{ProductID: "mango", Quantity: 3})
	headers := map[string]string{"Idempotency-Key": "intent-stock"}

	first := s.do(http.MethodPost, "/api/orders", consumer, body, headers)
	s.Require().Equal(http.StatusBadRequest, first.Code)
	second := s.do(http.MethodPost, "/api/orders", consumer, body, headers)
	s.Equal(http.StatusBadRequest, second.Code)
	s.Equal("true", second.Header().Get("Idempotent-Replayed"))
	s.JSONEq(first.Body.String(), second.Body.String())
}

func (s *APISuite) TestQuote() {
	consumer := s.token("customer-1", auth.RoleConsumer)
	rec := s.do(http.MethodPost, "/api/orders/quote", consumer, httpapi.QuoteRequest{
		Items: []pricing.LineRequest{{ProductID: "tomato", Quantity: 2}},
		City:  "Chennai",
	}, nil)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	quote := decode[pricing.Quote](s, rec)
	s.Equal(domain.MoneyFromMajor(140), quote.Total)
	s.Equal(int32(10), s.stock("tomato"))
}

func (s *APISuite) TestOrders_OwnerOnlyAndListing() {
	alice := s.token("alice", auth.RoleConsumer)
	bob := s.token("bob", auth.RoleConsumer)

	var ids []string
	for i := 0; i < 3; i++ {
		rec := s.do(http.MethodPost, "/api/orders", alice,
			s.orderBody("Trichy", pricing.LineRequest{ProductID: "tomato", Quantity: 1}), nil)
		s.Require().Equal(http.StatusCreated, rec.Code)
		ids = append(ids, decode[httpapi.PlaceOrderResponse](s, rec).OrderID)
	}

	rec := s.do(http.MethodGet, "/api/orders/"+ids[0], bob, nil, nil)
	s.Equal(http.StatusNotFound, rec.Code)
	s.Equal(httpapi.CodeOrderNotFound, decode[httpapi.ErrorResponse](s, rec).Code)

	rec = s.do(http.MethodGet, "/api/orders?limit=2", alice, nil, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	list := decode[httpapi.OrderListResponse](s, rec)
	s.Equal(2, list.Total)

	rec = s.do(http.MethodGet, "/api/orders?limit=abc", alice, nil, nil)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/orders/"+ids[0]+"/timeline", alice, nil, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	timeline := decode[httpapi.TimelineResponse](s, rec)
	s.Require().Len(timeline.Events, 1)
	s.Equal(domain.EventOrderCreated, timeline.Events[0].Type)

	rec = s.do(http.MethodGet, "/api/orders/"+ids[0]+"/timeline", bob, nil, nil)
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *APISuite) TestProducerOrders_ListAndUpdate() {
	consumer := s.token("customer-1", auth.RoleConsumer)
	producer := s.token("producer-1", auth.RoleProducer)
	stranger := s.token("producer-9", auth.RoleProducer)

	rec := s.do(http.MethodPost, "/api/orders", consumer, s.orderBody("Trichy",
		pricing.LineRequest{ProductID: "tomato", Quantity: 2},
		pricing.LineRequest{ProductID: "mango", Quantity: 1},
	), nil)
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	orderID := decode[httpapi.PlaceOrderResponse](s, rec).OrderID

	rec = s.do(http.MethodGet, "/api/producer/orders", consumer, nil, nil)
	s.Equal(http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodGet, "/api/producer/orders?status=pending&limit=10", producer, nil, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	page := decode[httpapi.ProducerOrdersResponse](s, rec)
	s.Require().Len(page.Orders, 1)
	s.False(page.Pagination.HasMore)
	s.Equal(10, page.Pagination.Limit)
	s.Require().Len(page.Orders[0].OrderItems, 1)
	item := page.Orders[0].OrderItems[0]
	s.Equal("tomato", item.ProductID)
	s.Equal("tomato.jpg", item.Product.Image)
	s.True(item.Product.IsOrganic)
	s.Equal("Asha", page.Orders[0].Customer.Name)

	rec = s.do(http.MethodGet, "/api/producer/orders?status=bogus", producer, nil, nil)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPut, "/api/producer/orders", producer, httpapi.UpdateStatusRequest{OrderID: orderID, Status: "shipped"}, nil)
	s.Equal(http.StatusConflict, rec.Code)
	s.Equal(httpapi.CodeStatusConflict, decode[httpapi.ErrorResponse](s, rec).Code)

	rec = s.do(http.MethodPut, "/api/producer/orders", stranger, httpapi.UpdateStatusRequest{OrderID: orderID, Status: "confirmed"}, nil)
	s.Equal(http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPut, "/api/producer/orders", producer, httpapi.UpdateStatusRequest{OrderID: "missing", Status: "confirmed"}, nil)
	s.Equal(http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPut, "/api/producer/orders", producer, httpapi.UpdateStatusRequest{OrderID: orderID}, nil)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPut, "/api/producer/orders", producer, httpapi.UpdateStatusRequest{OrderID: orderID, Status: "confirmed"}, nil)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[httpapi.UpdateStatusResponse](s, rec)
	s.Equal(domain.OrderStatusConfirmed, updated.Order.Status)
	s.Equal("Order status updated to confirmed", updated.Message)
}

func (s *APISuite) TestCart_PutSanitizesAndGetRestores() {
	consumer := s.token("customer-1", auth.RoleConsumer)

	rec := s.do(http.MethodGet, "/api/cart", consumer, nil, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Empty(decode[cart.State](s, rec).Lines)

	rec = s.do(http.MethodPut, "/api/cart", consumer, httpapi.PutCartRequest{Items: []cart.Line{
		{ProductID: "tomato", Name: "Tomato", UnitPrice: domain.MoneyFromMajor(45), Quantity: 50, MaxQuantity: 10},
		{ProductID: "mango", Name: "Mango", UnitPrice: domain.MoneyFromMajor(120), Quantity: 1, MaxQuantity: 1},
	}}, nil)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	state := decode[cart.State](s, rec)
	s.Require().Len(state.Lines, 2)
	s.Equal(int32(10), state.Lines[0].Quantity)

	rec = s.do(http.MethodGet, "/api/cart", consumer, nil, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	restored := decode[cart.State](s, rec)
	s.Equal(state.Total, restored.Total)
	s.Equal(int32(11), restored.ItemCount)

	rec = s.do(http.MethodGet, "/api/cart", s.token("customer-2", auth.RoleConsumer), nil, nil)
	s.Empty(decode[cart.State](s, rec).Lines)
}

func (s *APISuite) TestMetricsUseRoutePattern() {
	consumer := s.token("customer-1", auth.RoleConsumer)
	s.do(http.MethodGet, "/api/orders/one", consumer, nil, nil)
	s.do(http.MethodGet, "/api/orders/two", consumer, nil, nil)

	count, err := testutil.GatherAndCount(s.registry, "market_http_requests_total")
	s.Require().NoError(err)
	s.Equal(1, count)
}

type failingPlacer struct {
	calls atomic.Int32
}

func (f *failingPlacer) Place(context.Context, string, placement.Request) (domain.Order, error) {
	if f.calls.Add(1) == 1 {
		return domain.Order{}, domain.ErrPersistence
	}
	return domain.Order{ID: "order-ok", Status: domain.OrderStatusPending, Total: 1000}, nil
}

func (f *failingPlacer) Quote(context.Context, []pricing.LineRequest, string, string) (pricing.Quote, error) {
	return pricing.Quote{}, nil
}

func TestPlaceOrder_ServerErrorReleasesIdempotencyKey(t *testing.T) {
	verifier, err := auth.NewVerifier("test-secret")
	require.NoError(t, err)
	token, err := verifier.Issue(auth.Principal{UserID: "customer-1", Role: auth.RoleConsumer}, time.Hour)
	require.NoError(t, err)

	placer := &failingPlacer{}
	store := memory.NewStore()
	handler := httpapi.NewServer(placer, orders.NewService(store, store, store.Timeline(), silentLogger()),
		cart.NewMemorySnapshotStore(), verifier, silentLogger(),
		httpapi.WithAllowedOrigins([]string{testOrigin}),
		httpapi.WithIdempotency(memory.NewIdempotencyRepository(), time.Hour),
	).Router()

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader([]byte(`{"items":[]}`)))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Origin", testOrigin)
		req.Header.Set("Idempotency-Key", "intent-retry")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	require.Equal(t, http.StatusInternalServerError, first.Code)
	var errResp httpapi.ErrorResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &errResp))
	require.Equal(t, httpapi.CodePersistence, errResp.Code)

	second := send()
	require.Equal(t, http.StatusCreated, second.Code)
	require.Empty(t, second.Header().Get("Idempotent-Replayed"))
	require.Equal(t, int32(2), placer.calls.Load())
}

func TestPlaceOrder_IdempotencyTTLFollowsClock(t *testing.T) {
	verifier, err := auth.NewVerifier("test-secret")
	require.NoError(t, err)
	token, err := verifier.Issue(auth.Principal{UserID: "customer-1", Role: auth.RoleConsumer}, time.Hour)
	require.NoError(t, err)

	fixed := time.Date(2030, 1, 10, 9, 0, 0, 0, time.UTC)
	placer := &failingPlacer{}
	placer.calls.Store(1)
	repo := memory.NewIdempotencyRepository()
	store := memory.NewStore()
	handler := httpapi.NewServer(placer, orders.NewService(store, store, store.Timeline(), silentLogger()),
		cart.NewMemorySnapshotStore(), verifier, silentLogger(),
		httpapi.WithAllowedOrigins([]string{testOrigin}),
		httpapi.WithIdempotency(repo, 30*time.Minute),
		httpapi.WithClock(func() time.Time { return fixed }),
	).Router()

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader([]byte(`{"items":[]}`)))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Idempotency-Key", "intent-ttl")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	record, err := repo.Get("customer-1:intent-ttl")
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusDone, record.Status)
	require.True(t, record.TTLAt.Equal(fixed.Add(30*time.Minute)))
}
