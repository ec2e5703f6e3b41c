// Команда loadtest запускает параллельные сессии оформления за один товар
// и проверяет, что при конкуренции за остаток ничего не продано сверх него.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/auth"
	"github.com/vladislavdragonenkov/marketplace/internal/cart"
	"github.com/vladislavdragonenkov/marketplace/internal/checkout"
	"github.com/vladislavdragonenkov/marketplace/internal/client"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

const (
	envJWTSecret = "MARKET_JWT_SECRET"
	tokenTTL     = time.Hour
)

type outcome string

const (
	outcomeConfirmed     outcome = "confirmed"
	outcomeStockConflict outcome = "stock_conflict"
	outcomeFailed        outcome = "failed"
)

type config struct {
	baseURL    string
	origin     string
	secret     string
	productID  string
	quantity   int
	sessions   int
	stock      int
	city       string
	timeout    time.Duration
	outputPath string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type report struct {
	StartedAt       time.Time       `json:"started_at"`
	DurationSeconds float64         `json:"duration_seconds"`
	Sessions        int             `json:"sessions"`
	Confirmed       int             `json:"confirmed"`
	StockConflicts  int             `json:"stock_conflicts"`
	Failed          int             `json:"failed"`
	UnitsSold       int             `json:"units_sold"`
	Oversold        bool            `json:"oversold"`
	OrderIDs        []string        `json:"order_ids"`
	Errors          map[string]int  `json:"errors,omitempty"`
	SubmitLatencyMs latencySummary  `json:"submit_latency_ms"`
	Outcomes        map[outcome]int `json:"outcomes"`
}

type sessionResult struct {
	outcome outcome
	orderID string
	latency time.Duration
	err     error
}

// collector собирает итоги сессий из параллельных горутин.
type collector struct {
	mu      sync.Mutex
	results []sessionResult
}

func (c *collector) record(result sessionResult) {
	c.mu.Lock()
	c.results = append(c.results, result)
	c.mu.Unlock()
}

func (c *collector) buildReport(cfg config, startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Sessions:        len(c.results),
		OrderIDs:        make([]string, 0),
		Outcomes:        make(map[outcome]int, 3),
	}
	latencies := make([]float64, 0, len(c.results))
	for _, r := range c.results {
		result.Outcomes[r.outcome]++
		latencies = append(latencies, float64(r.latency.Microseconds())/1000.0)
		switch r.outcome {
		case outcomeConfirmed:
			result.Confirmed++
			result.OrderIDs = append(result.OrderIDs, r.orderID)
		case outcomeStockConflict:
			result.StockConflicts++
		default:
			result.Failed++
			if r.err != nil {
				if result.Errors == nil {
					result.Errors = make(map[string]int)
				}
				result.Errors[rootMessage(r.err)]++
			}
		}
	}
	sort.Strings(result.OrderIDs)
	result.UnitsSold = result.Confirmed * cfg.quantity
	result.Oversold = cfg.stock > 0 && result.UnitsSold > cfg.stock
	result.SubmitLatencyMs = buildLatencySummary(latencies)
	return result
}

func rootMessage(err error) string {
	var submitErr *checkout.SubmitError
	if errors.As(err, &submitErr) && submitErr.Err != nil {
		return submitErr.Err.Error()
	}
	return err.Error()
}

func parseConfig(args []string, lookup func(string) (string, bool)) (config, error) {
	var cfg config

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.baseURL, "addr", "http://localhost:8080", "marketplace API base URL")
	fs.StringVar(&cfg.origin, "origin", "http://localhost:5000", "Origin header for mutating requests")
	fs.StringVar(&cfg.secret, "secret", "", "JWT secret for issuing consumer tokens (fallback: "+envJWTSecret+")")
	fs.StringVar(&cfg.productID, "product", "", "product id all sessions compete for")
	fs.IntVar(&cfg.quantity, "quantity", 1, "units per order")
	fs.IntVar(&cfg.sessions, "sessions", 20, "number of concurrent checkout sessions")
	fs.IntVar(&cfg.stock, "stock", 0, "known stock before the run; enables the oversell check")
	fs.StringVar(&cfg.city, "city", "Trichy", "delivery city")
	fs.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "per-submit timeout")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(cfg.secret) == "" {
		if v, ok := lookup(envJWTSecret); ok {
			cfg.secret = strings.TrimSpace(v)
		}
	}
	cfg.productID = strings.TrimSpace(cfg.productID)

	switch {
	case cfg.secret == "":
		return config{}, fmt.Errorf("jwt secret is required (-secret or %s)", envJWTSecret)
	case cfg.productID == "":
		return config{}, errors.New("product is required")
	case cfg.quantity <= 0:
		return config{}, errors.New("quantity must be > 0")
	case cfg.sessions <= 0:
		return config{}, errors.New("sessions must be > 0")
	case cfg.stock < 0:
		return config{}, errors.New("stock must be >= 0")
	case cfg.timeout <= 0:
		return config{}, errors.New("timeout must be > 0")
	case strings.TrimSpace(cfg.city) == "":
		return config{}, errors.New("city is required")
	}
	return cfg, nil
}

type noopNavigator struct{}

func (noopNavigator) RedirectToCatalog() {}

// runSession проводит одну сессию оформления от корзины до подтверждения.
// start синхронизирует отправки, чтобы они конкурировали за остаток одновременно.
func runSession(ctx context.Context, cfg config, verifier *auth.Verifier, runID string, index int, start <-chan struct{}) sessionResult {
	logger := log.WithFields(log.Fields{"component": "loadtest", "session": index})

	token, err := verifier.Issue(auth.Principal{
		UserID: fmt.Sprintf("loadtest-%s-%d", runID, index),
		Role:   auth.RoleConsumer,
	}, tokenTTL)
	if err != nil {
		return sessionResult{outcome: outcomeFailed, err: err}
	}
	api, err := client.New(cfg.baseURL,
		client.WithToken(token),
		client.WithOrigin(cfg.origin),
		client.WithUserAgent(version.UserAgent("marketplace-loadtest")),
		client.WithLogger(logger),
	)
	if err != nil {
		return sessionResult{outcome: outcomeFailed, err: err}
	}

	store := cart.NewStore(ctx, cart.NewMemoryPersister(nil), logger)
	store.Add(ctx, cart.Line{
		ProductID:   cfg.productID,
		Name:        cfg.productID,
		Quantity:    int32(cfg.quantity),
		MaxQuantity: int32(cfg.quantity),
	}, int32(cfg.quantity))

	ctrl := checkout.NewController(store, api, noopNavigator{}, checkout.WithLogger(logger))
	if !ctrl.Enter() {
		return sessionResult{outcome: outcomeFailed, err: errors.New("cart is empty")}
	}
	ctrl.SetDetails(domain.CustomerDetails{
		ContactName:  fmt.Sprintf("Load Session %d", index),
		Email:        fmt.Sprintf("session-%d@loadtest.local", index),
		Phone:        "9000000000",
		Address:      fmt.Sprintf("%d Load Street", index+1),
		City:         cfg.city,
		Pincode:      "620001",
		DeliveryDate: time.Now().UTC().AddDate(0, 0, 2).Format(domain.DeliveryDateLayout),
	})
	for i := 0; i < 2; i++ {
		if _, err := ctrl.Next(); err != nil {
			return sessionResult{outcome: outcomeFailed, err: err}
		}
	}
	ctrl.SetPaymentMethod(domain.PaymentMethodCOD)

	select {
	case <-start:
	case <-ctx.Done():
		return sessionResult{outcome: outcomeFailed, err: ctx.Err()}
	}

	submitCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	began := time.Now()
	confirmation, err := ctrl.Submit(submitCtx)
	latency := time.Since(began)
	if err != nil {
		var submitErr *checkout.SubmitError
		if errors.As(err, &submitErr) && submitErr.StockConflict {
			return sessionResult{outcome: outcomeStockConflict, latency: latency, err: err}
		}
		return sessionResult{outcome: outcomeFailed, latency: latency, err: err}
	}
	return sessionResult{outcome: outcomeConfirmed, orderID: confirmation.OrderID, latency: latency}
}

func run(ctx context.Context, cfg config) (report, error) {
	verifier, err := auth.NewVerifier(cfg.secret)
	if err != nil {
		return report{}, err
	}

	startedAt := time.Now()
	runID := fmt.Sprintf("%d", startedAt.UnixNano())
	col := &collector{}
	start := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < cfg.sessions; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			col.record(runSession(ctx, cfg, verifier, runID, index, start))
		}(i)
	}
	close(start)
	wg.Wait()

	return col.buildReport(cfg, startedAt, time.Since(startedAt)), nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.WarnLevel)

	cfg, err := parseConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	result, err := run(context.Background(), cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.Oversold || result.Failed > 0 {
		os.Exit(1)
	}
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(out io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(out, "Checkout contention summary")
	_, _ = fmt.Fprintf(out, "product=%s quantity=%d sessions=%d confirmed=%d stock_conflicts=%d failed=%d\n",
		cfg.productID, cfg.quantity, result.Sessions, result.Confirmed, result.StockConflicts, result.Failed)
	_, _ = fmt.Fprintf(out, "units_sold=%d", result.UnitsSold)
	if cfg.stock > 0 {
		_, _ = fmt.Fprintf(out, " stock=%d oversold=%t", cfg.stock, result.Oversold)
	}
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintf(out, "duration=%.2fs submit latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.DurationSeconds,
		result.SubmitLatencyMs.Min,
		result.SubmitLatencyMs.Avg,
		result.SubmitLatencyMs.P50,
		result.SubmitLatencyMs.P95,
		result.SubmitLatencyMs.P99,
		result.SubmitLatencyMs.Max,
	)

	messages := make([]string, 0, len(result.Errors))
	for msg := range result.Errors {
		messages = append(messages, msg)
	}
	sort.Strings(messages)
	for _, msg := range messages {
		_, _ = fmt.Fprintf(out, "error x%d: %s\n", result.Errors[msg], msg)
	}
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}
