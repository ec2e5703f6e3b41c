package checkout

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/httpapi"
)

const defaultPollInterval = 30 * time.Second

// OrderReader перечитывает заказ по идентификатору.
type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (httpapi.OrderJSON, error)
}

// StatusPoller периодически перечитывает заказ для экрана статуса.
// Ошибки опроса не показываются пользователю: следующий тик просто повторит запрос.
type StatusPoller struct {
	reader   OrderReader
	interval time.Duration
	onUpdate func(httpapi.OrderJSON)
	logger   *log.Entry
}

// NewStatusPoller создаёт poller; interval <= 0 заменяется на 30 секунд.
func NewStatusPoller(reader OrderReader, interval time.Duration, onUpdate func(httpapi.OrderJSON), logger *log.Entry) *StatusPoller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = log.WithField("component", "order-status-poller")
	}
	return &StatusPoller{reader: reader, interval: interval, onUpdate: onUpdate, logger: logger}
}

// Run опрашивает заказ до отмены ctx. Первый запрос выполняется сразу.
// Опрос прекращается сам, когда заказ достигает конечного статуса.
func (p *StatusPoller) Run(ctx context.Context, orderID string) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if p.pollOnce(ctx, orderID) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.pollOnce(ctx, orderID) {
				return
			}
		}
	}
}

func (p *StatusPoller) pollOnce(ctx context.Context, orderID string) bool {
	if ctx.Err() != nil {
		return true
	}
	order, err := p.reader.GetOrder(ctx, orderID)
	if err != nil {
		p.logger.WithError(err).WithField("order_id", orderID).Debug("order status poll failed")
		return false
	}
	if p.onUpdate != nil {
		p.onUpdate(order)
	}
	return order.Status.Terminal()
}
