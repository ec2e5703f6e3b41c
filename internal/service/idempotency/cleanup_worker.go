// Package idempotency удаляет ключи оформления, у которых истёк TTL.
package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
)

const (
	defaultCleanupInterval   = 10 * time.Minute
	defaultCleanupBatchSize  = 500
	defaultCleanupMaxBatches = 100
)

// errBatchLimit: за один проход удалено maxBatches порций, остаток ждёт следующего тика.
var errBatchLimit = errors.New("idempotency cleanup batch limit reached")

type cleanupSettings struct {
	logger     *log.Entry
	metrics    *metrics.CleanupMetrics
	interval   time.Duration
	batchSize  int
	maxBatches int
	now        func() time.Time
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*cleanupSettings)

// WithLogger задает logger для воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(s *cleanupSettings) { s.logger = logger }
}

// WithMetrics задает коллекторы метрик очистки.
func WithMetrics(m *metrics.CleanupMetrics) CleanupOption {
	return func(s *cleanupSettings) { s.metrics = m }
}

// WithInterval задает интервал между проходами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(s *cleanupSettings) { s.interval = interval }
}

// WithBatchSize задает размер одной порции удаления.
func WithBatchSize(batchSize int) CleanupOption {
	return func(s *cleanupSettings) { s.batchSize = batchSize }
}

// WithMaxBatches ограничивает число порций за проход.
func WithMaxBatches(n int) CleanupOption {
	return func(s *cleanupSettings) { s.maxBatches = n }
}

// WithClock подменяет часы, по которым считается истечение ключей.
func WithClock(now func() time.Time) CleanupOption {
	return func(s *cleanupSettings) { s.now = now }
}

// CleanupWorker периодически освобождает просроченные ключи Idempotency-Key,
// чтобы таблица не росла вместе с числом оформленных заказов.
type CleanupWorker struct {
	repo       domain.IdempotencyRepository
	logger     *log.Entry
	metrics    *metrics.CleanupMetrics
	interval   time.Duration
	batchSize  int
	maxBatches int
	now        func() time.Time
}

// NewCleanupWorker создает воркер очистки ключей.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	s := cleanupSettings{}
	for _, option := range options {
		option(&s)
	}

	w := &CleanupWorker{
		repo:       repo,
		logger:     s.logger,
		metrics:    s.metrics,
		interval:   s.interval,
		batchSize:  s.batchSize,
		maxBatches: s.maxBatches,
		now:        s.now,
	}
	if w.logger == nil {
		w.logger = log.WithField("component", "idempotency-cleanup-worker")
	}
	if w.metrics == nil {
		w.metrics = metrics.NewCleanupMetrics(nil)
	}
	if w.interval <= 0 {
		w.interval = defaultCleanupInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultCleanupBatchSize
	}
	if w.maxBatches <= 0 {
		w.maxBatches = defaultCleanupMaxBatches
	}
	if w.now == nil {
		w.now = func() time.Time { return time.Now().UTC() }
	}
	return w
}

// Run чистит ключи сразу и затем раз в interval до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce выполняет один проход и записывает его итог в метрики.
func (w *CleanupWorker) RunOnce(ctx context.Context) int {
	deleted, err := w.DeleteExpired(ctx, w.now())
	switch {
	case errors.Is(err, context.Canceled):
		return deleted
	case errors.Is(err, errBatchLimit):
		w.metrics.RecordRun("partial", deleted)
		w.logger.WithField("deleted", deleted).Warn("idempotency cleanup stopped at batch limit")
	case err != nil:
		w.metrics.RecordRun("error", deleted)
		w.logger.WithError(err).Warn("idempotency cleanup run failed")
	default:
		w.metrics.RecordRun("ok", deleted)
		if deleted > 0 {
			w.logger.WithField("deleted", deleted).Info("idempotency cleanup completed")
		}
	}
	return deleted
}

// DeleteExpired удаляет записи с ttl <= before порциями batchSize,
// пока порция не окажется неполной или не исчерпан maxBatches.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now()
	}

	total := 0
	for batch := 0; batch < w.maxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := w.repo.DeleteExpired(before, w.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		w.metrics.RecordDeleted(deleted)
		if deleted < w.batchSize {
			return total, nil
		}
	}
	return total, errBatchLimit
}
