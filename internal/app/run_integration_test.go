package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/auth"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/marketplace/internal/health"
	"github.com/vladislavdragonenkov/marketplace/internal/httpapi"
	"github.com/vladislavdragonenkov/marketplace/internal/pricing"
	"github.com/vladislavdragonenkov/marketplace/internal/service/outbox"
	"github.com/vladislavdragonenkov/marketplace/internal/service/placement"
)

func testRunConfig() Config {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.StorageDriver = StorageDriverMemory
	cfg.JWTSecret = "test-secret"
	return cfg
}

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, testRunConfig())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	cfg := testRunConfig()
	cfg.StorageDriver = "invalid-driver"

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}

	cfg = testRunConfig()
	cfg.JWTSecret = ""
	if err := Run(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), EnvJWTSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestNewAPIServer_PlacesOrderAndEnqueuesEvent(t *testing.T) {
	cfg := testRunConfig()
	cfg.AllowedOrigins = []string{"http://localhost:5000"}
	cfg.SeedFile = writeSeed(t, seedJSON)

	logger := log.WithField("test", "api-wiring")
	deps, err := initRuntimeDependencies(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("init dependencies: %v", err)
	}
	defer deps.Close(logger)

	api, err := newAPIServer(cfg, deps, prometheus.NewRegistry(), logger)
	if err != nil {
		t.Fatalf("new api server: %v", err)
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	token, err := verifier.Issue(auth.Principal{UserID: "customer-1", Role: auth.RoleConsumer}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	body, err := json.Marshal(placement.Request{
		Items: []pricing.LineRequest{{ProductID: "tomato", Quantity: 3}},
		CustomerDetails: domain.CustomerDetails{
			ContactName:  "Asha",
			Email:        "asha@example.com",
			Phone:        "9876543210",
			Address:      "12 Market Road",
			City:         "Chennai",
			Pincode:      "600001",
			DeliveryDate: time.Now().UTC().AddDate(0, 0, 2).Format(domain.DeliveryDateLayout),
		},
		PaymentMethod: domain.PaymentMethodCOD,
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Origin", "http://localhost:5000")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp httpapi.PlaceOrderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	// 3 × 45.00 + 50.00 за доставку в другой город.
	if resp.Total != domain.MoneyFromMajor(185) {
		t.Fatalf("expected total 185.00, got %s", resp.Total)
	}

	products, err := deps.products.GetProducts(context.Background(), []string{"tomato"})
	if err != nil {
		t.Fatalf("get products: %v", err)
	}
	if products["tomato"].AvailableQuantity != 7 {
		t.Fatalf("expected stock 7, got %d", products["tomato"].AvailableQuantity)
	}

	publisher := &capturePublisher{}
	worker := outbox.NewWorker(deps.outboxRepo, publisher, outbox.WithRetryBaseDelay(0))
	if sent := worker.ProcessOnce(context.Background()); sent != 1 {
		t.Fatalf("expected one order event, got %d", sent)
	}
	if publisher.events[0].EventType != domain.EventOrderCreated || publisher.events[0].AggregateID != resp.OrderID {
		t.Fatalf("unexpected event: %+v", publisher.events[0])
	}
}

type capturePublisher struct {
	events []domain.OutboxMessage
}

func (c *capturePublisher) Publish(event domain.OutboxMessage) error {
	c.events = append(c.events, event)
	return nil
}

func TestInitRuntimeDependencies_PostgresSuccess(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("MARKET_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("postgres dsn is not available")
	}

	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn
	cfg.PostgresAutoMigrate = true

	logger := log.WithField("test", "postgres-init")
	deps, err := initRuntimeDependencies(context.Background(), cfg, logger)
	if err != nil {
		t.Skipf("postgres is not available for app integration test: %v", err)
	}
	defer deps.Close(logger)

	if deps.uow == nil || deps.orders == nil || deps.outboxRepo == nil || deps.timeline == nil || deps.idempotencyRepo == nil {
		t.Fatalf("postgres dependencies must be initialized: %+v", deps)
	}
	check := deps.checkers["storage"].Check()
	if check.Status != healthcheck.StatusHealthy {
		t.Fatalf("expected healthy storage checker, got %+v", check)
	}
}
