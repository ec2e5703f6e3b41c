// Package rabbitmq реализует альтернативный брокер для outbox: события заказа
// публикуются в topic exchange с routing key по типу события.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	DefaultExchange = "market.orders"
	publishTimeout  = 5 * time.Second
)

// Channel описывает подмножество *amqp.Channel, которое использует Publisher.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// Publisher публикует outbox-сообщения в RabbitMQ.
type Publisher struct {
	conn     io.Closer
	ch       Channel
	exchange string
	logger   *log.Entry
}

// Dial подключается к брокеру и объявляет топологию.
func Dial(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	p, err := NewPublisher(ch, conn, exchange)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

// NewPublisher объявляет exchange событий, exchange и очередь DLQ поверх готового канала.
func NewPublisher(ch Channel, conn io.Closer, exchange string) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	p := &Publisher{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		logger:   log.WithField("component", "rabbitmq-publisher"),
	}
	if err := p.setup(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) dlqExchange() string { return p.exchange + ".dlx" }
func (p *Publisher) dlqQueue() string    { return p.exchange + ".dlq" }

func (p *Publisher) setup() error {
	if err := p.ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	if err := p.ch.ExchangeDeclare(p.dlqExchange(), amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq exchange: %w", err)
	}
	if _, err := p.ch.QueueDeclare(p.dlqQueue(), true, false, false, false, amqp.Table{
		"x-queue-type": "classic",
	}); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}
	if err := p.ch.QueueBind(p.dlqQueue(), "", p.dlqExchange(), false, nil); err != nil {
		return fmt.Errorf("bind dlq queue: %w", err)
	}
	return nil
}

// Publish отправляет событие с routing key, равным типу события.
func (p *Publisher) Publish(event domain.OutboxMessage) error {
	return p.publish(p.exchange, event)
}

// DLQ возвращает паблишер в exchange мёртвых писем для outbox worker.
func (p *Publisher) DLQ() domain.OutboxPublisher {
	return dlqPublisher{p: p}
}

type dlqPublisher struct {
	p *Publisher
}

func (d dlqPublisher) Publish(event domain.OutboxMessage) error {
	return d.p.publish(d.p.dlqExchange(), event)
}

func (p *Publisher) publish(exchange string, event domain.OutboxMessage) error {
	if p == nil || p.ch == nil {
		return fmt.Errorf("rabbitmq publisher is not initialized")
	}

	payload := json.RawMessage(event.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	now := time.Now().UTC()
	body, err := json.Marshal(envelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
		PublishedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("marshal rabbitmq envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err = p.ch.PublishWithContext(ctx, exchange, event.EventType, false, false, amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		ContentType:   "application/json",
		MessageId:     event.ID,
		CorrelationId: event.AggregateID,
		Type:          event.EventType,
		Timestamp:     now,
		Body:          body,
	})
	if err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"exchange":   exchange,
			"event_type": event.EventType,
			"outbox_id":  event.ID,
		}).Error("failed to publish to rabbitmq")
		return fmt.Errorf("publish to rabbitmq: %w", err)
	}
	return nil
}

// Ping проверяет, что соединение открыто и exchange событий существует.
func (p *Publisher) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == nil || p.ch == nil {
		return fmt.Errorf("rabbitmq publisher is not initialized")
	}
	if conn, ok := p.conn.(interface{ IsClosed() bool }); ok && conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	if err := p.ch.ExchangeDeclarePassive(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("check exchange %s: %w", p.exchange, err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (p *Publisher) Close() error {
	var firstErr error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			firstErr = fmt.Errorf("close rabbitmq channel: %w", err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}
	return firstErr
}

var (
	_ domain.OutboxPublisher = (*Publisher)(nil)
	_ domain.OutboxPublisher = dlqPublisher{}
)
