package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/auth"
	"github.com/vladislavdragonenkov/marketplace/internal/cart"
	"github.com/vladislavdragonenkov/marketplace/internal/checkout"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/httpapi"
	"github.com/vladislavdragonenkov/marketplace/internal/pricing"
	"github.com/vladislavdragonenkov/marketplace/internal/service/orders"
	"github.com/vladislavdragonenkov/marketplace/internal/service/placement"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

const (
	testSecret = "loadtest-secret"
	testOrigin = "http://localhost:5000"
)

func envLookup(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func silentLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger.WithField("component", "loadtest-test")
}

// startMarketplace поднимает HTTP API поверх хранилища в памяти с одним товаром.
func startMarketplace(t *testing.T, stock int32) (*memory.Store, string) {
	t.Helper()

	store := memory.NewStore()
	if err := store.Upsert(context.Background(), domain.Product{
		ID: "tomato", ProducerID: "producer-1", Name: "Tomato", Unit: "kg",
		UnitPrice: domain.MoneyFromMajor(45), AvailableQuantity: stock, Status: domain.ProductStatusActive,
	}); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	verifier, err := auth.NewVerifier(testSecret)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	oracle := pricing.NewOracle(store, pricing.DefaultDeliveryRule())
	placer := placement.NewService(store, oracle, silentLogger())
	queries := orders.NewService(store, store, store.Timeline(), silentLogger())
	handler := httpapi.NewServer(placer, queries, cart.NewMemorySnapshotStore(), verifier, silentLogger(),
		httpapi.WithAllowedOrigins([]string{testOrigin}),
		httpapi.WithIdempotency(memory.NewIdempotencyRepository(), time.Hour),
	).Router()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return store, srv.URL
}

func testConfig(baseURL string, sessions, stock int) config {
	return config{
		baseURL:   baseURL,
		origin:    testOrigin,
		secret:    testSecret,
		productID: "tomato",
		quantity:  1,
		sessions:  sessions,
		stock:     stock,
		city:      "Trichy",
		timeout:   5 * time.Second,
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := parseConfig([]string{"-product=tomato"}, envLookup(map[string]string{envJWTSecret: "s3cret"}))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.secret != "s3cret" || cfg.sessions != 20 || cfg.quantity != 1 || cfg.city != "Trichy" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.baseURL != "http://localhost:8080" || cfg.timeout != 10*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestParseConfig_FlagOverridesEnv(t *testing.T) {
	cfg, err := parseConfig(
		[]string{"-product=mango", "-secret=flag", "-sessions=3", "-quantity=2", "-stock=4", "-city=Chennai"},
		envLookup(map[string]string{envJWTSecret: "env"}),
	)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.secret != "flag" || cfg.sessions != 3 || cfg.quantity != 2 || cfg.stock != 4 || cfg.city != "Chennai" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseConfig_Errors(t *testing.T) {
	env := envLookup(map[string]string{envJWTSecret: "s"})
	cases := []struct {
		name string
		args []string
		env  func(string) (string, bool)
		want string
	}{
		{name: "no secret", args: []string{"-product=p"}, env: envLookup(nil), want: "jwt secret"},
		{name: "no product", args: nil, env: env, want: "product"},
		{name: "zero quantity", args: []string{"-product=p", "-quantity=0"}, env: env, want: "quantity"},
		{name: "zero sessions", args: []string{"-product=p", "-sessions=0"}, env: env, want: "sessions"},
		{name: "negative stock", args: []string{"-product=p", "-stock=-1"}, env: env, want: "stock"},
		{name: "zero timeout", args: []string{"-product=p", "-timeout=0s"}, env: env, want: "timeout"},
		{name: "blank city", args: []string{"-product=p", "-city= "}, env: env, want: "city"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseConfig(tc.args, tc.env)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestRun_ContentionNeverOversells(t *testing.T) {
	store, baseURL := startMarketplace(t, 5)

	result, err := run(context.Background(), testConfig(baseURL, 12, 5))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if result.Sessions != 12 {
		t.Fatalf("unexpected sessions: %d", result.Sessions)
	}
	if result.Confirmed != 5 || result.StockConflicts != 7 || result.Failed != 0 {
		t.Fatalf("unexpected outcome split: confirmed=%d conflicts=%d failed=%d errors=%v",
			result.Confirmed, result.StockConflicts, result.Failed, result.Errors)
	}
	if result.Oversold || result.UnitsSold != 5 {
		t.Fatalf("oversell detected: %+v", result)
	}
	if len(result.OrderIDs) != 5 {
		t.Fatalf("expected 5 order ids, got %v", result.OrderIDs)
	}

	products, err := store.GetProducts(context.Background(), []string{"tomato"})
	if err != nil {
		t.Fatalf("read product: %v", err)
	}
	if got := products["tomato"].AvailableQuantity; got != 0 {
		t.Fatalf("expected stock to be exhausted, got %d", got)
	}
}

func TestRun_UnknownProductFails(t *testing.T) {
	_, baseURL := startMarketplace(t, 5)

	cfg := testConfig(baseURL, 2, 0)
	cfg.productID = "ghost"
	result, err := run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Confirmed != 0 || result.Failed+result.StockConflicts != 2 {
		t.Fatalf("unexpected outcome split: %+v", result)
	}
}

func TestBuildReport_FlagsOversell(t *testing.T) {
	col := &collector{}
	col.record(sessionResult{outcome: outcomeConfirmed, orderID: "b", latency: 2 * time.Millisecond})
	col.record(sessionResult{outcome: outcomeConfirmed, orderID: "a", latency: 4 * time.Millisecond})
	col.record(sessionResult{
		outcome: outcomeFailed,
		latency: time.Millisecond,
		err:     &checkout.SubmitError{Message: checkout.GenericFailureMessage, Err: errors.New("boom")},
	})

	cfg := config{quantity: 3, stock: 5}
	result := col.buildReport(cfg, time.Now(), time.Second)
	if !result.Oversold || result.UnitsSold != 6 {
		t.Fatalf("expected oversell flag, got %+v", result)
	}
	if result.OrderIDs[0] != "a" || result.OrderIDs[1] != "b" {
		t.Fatalf("order ids must be sorted: %v", result.OrderIDs)
	}
	if result.Errors["boom"] != 1 || result.Failed != 1 {
		t.Fatalf("unexpected errors: %+v", result.Errors)
	}
	if result.SubmitLatencyMs.Max != 4 || result.SubmitLatencyMs.Min != 1 {
		t.Fatalf("unexpected latency summary: %+v", result.SubmitLatencyMs)
	}
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, report{Sessions: 3, Confirmed: 2, StockConflicts: 1, UnitsSold: 2, Errors: map[string]int{"x": 1}},
		config{productID: "tomato", quantity: 1, stock: 2})
	out := buf.String()
	for _, want := range []string{"product=tomato", "confirmed=2", "stock_conflicts=1", "oversold=false", "error x1: x"} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
}

func TestPercentile(t *testing.T) {
	if got := percentile(nil, 50); got != 0 {
		t.Fatalf("empty percentile: %v", got)
	}
	if got := percentile([]float64{7}, 99); got != 7 {
		t.Fatalf("single percentile: %v", got)
	}
	if got := percentile([]float64{1, 2, 3, 4}, 50); got != 2.5 {
		t.Fatalf("interpolated percentile: %v", got)
	}
}

func TestWriteJSONReport(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	if err := writeJSONReport("report.json", report{Sessions: 1}); err != nil {
		t.Fatalf("write report: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "report.json"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.Contains(string(data), `"sessions": 1`) {
		t.Fatalf("unexpected report: %s", data)
	}

	if err := writeJSONReport("../escape.json", report{}); err == nil {
		t.Fatal("expected error for path outside working directory")
	}
	if err := writeJSONReport(".", report{}); err == nil {
		t.Fatal("expected error for directory path")
	}
}
