// Package health собирает проверки зависимостей маркетплейса для /healthz и /readyz.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status задаёт состояние компонента или сервиса целиком.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Имена компонентов, которые регистрирует приложение.
const (
	ComponentStorage = "storage"
	ComponentCarts   = "carts"
	ComponentBroker  = "broker"
	ComponentOutbox  = "outbox"
)

const defaultPingTimeout = 2 * time.Second

// Check описывает результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Optional   bool   `json:"optional,omitempty"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Report отдаётся на /healthz.
type Report struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Readiness отдаётся на /readyz.
type Readiness struct {
	Ready   bool     `json:"ready"`
	Failing []string `json:"failing,omitempty"`
}

// Checker проверяет один компонент.
type Checker interface {
	Check() Check
}

type registration struct {
	checker  Checker
	optional bool
}

// Handler хранит зарегистрированные проверки.
// Отказ обязательного компонента делает сервис unhealthy и снимает готовность;
// отказ необязательного (корзины, брокер) только понижает статус до degraded.
type Handler struct {
	mu      sync.RWMutex
	entries map[string]registration
	version string
	started time.Time
	now     func() time.Time
}

// NewHandler создаёт обработчик проверок.
func NewHandler(version string) *Handler {
	return &Handler{
		entries: make(map[string]registration),
		version: version,
		started: time.Now(),
		now:     time.Now,
	}
}

// RegisterChecker регистрирует обязательный компонент.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.register(name, checker, false)
}

// RegisterOptional регистрирует компонент, без которого сервис продолжает принимать заказы.
func (h *Handler) RegisterOptional(name string, checker Checker) {
	h.register(name, checker, true)
}

func (h *Handler) register(name string, checker Checker, optional bool) {
	if checker == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[name] = registration{checker: checker, optional: optional}
}

// Evaluate выполняет все проверки параллельно и сводит итоговый статус.
func (h *Handler) Evaluate() Report {
	h.mu.RLock()
	entries := make(map[string]registration, len(h.entries))
	for name, entry := range h.entries {
		entries[name] = entry
	}
	h.mu.RUnlock()

	var (
		mu     sync.Mutex
		checks = make(map[string]Check, len(entries))
		group  errgroup.Group
	)
	for name, entry := range entries {
		group.Go(func() error {
			check := entry.checker.Check()
			if check.Name == "" {
				check.Name = name
			}
			check.Optional = entry.optional
			if entry.optional && check.Status == StatusUnhealthy {
				check.Status = StatusDegraded
			}
			mu.Lock()
			checks[name] = check
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	overall := StatusHealthy
	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}

	return Report{
		Status:        overall,
		Timestamp:     h.now().UTC(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
}

// ServeHTTP отдаёт полный отчёт; 503 только при отказе обязательного компонента.
func (h *Handler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	report := h.Evaluate()

	status := http.StatusOK
	if report.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// ReadinessHandler сообщает, может ли сервис принимать заказы.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	report := h.Evaluate()

	readiness := Readiness{Ready: true}
	for name, check := range report.Checks {
		if check.Status == StatusUnhealthy {
			readiness.Failing = append(readiness.Failing, name)
		}
	}
	sort.Strings(readiness.Failing)

	status := http.StatusOK
	if len(readiness.Failing) > 0 {
		readiness.Ready = false
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readiness)
}

// LivenessHandler отвечает 200, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// PingFunc проверяет соединение с зависимостью.
type PingFunc func(ctx context.Context) error

// PingChecker вызывает PingFunc с таймаутом. Зависший ping считается отказом.
type PingChecker struct {
	name    string
	ping    PingFunc
	timeout time.Duration
}

// NewPingChecker создаёт проверку; timeout <= 0 заменяется значением по умолчанию.
func NewPingChecker(name string, ping PingFunc, timeout time.Duration) *PingChecker {
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	return &PingChecker{name: name, ping: ping, timeout: timeout}
}

// Check выполняет ping.
func (c *PingChecker) Check() Check {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.ping(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	check := Check{Name: c.name, Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			check.Message = "ping timed out after " + c.timeout.String()
		}
	}
	return check
}

var _ Checker = (*PingChecker)(nil)
