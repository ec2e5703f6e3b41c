package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultClientID = "marketplace"

var errProducerClosed = errors.New("kafka producer is closed")

// metadataClient описывает часть sarama.Client, нужную для проверки связи с кластером.
type metadataClient interface {
	Closed() bool
	RefreshMetadata(topics ...string) error
	Close() error
}

// Producer публикует события заказов и записи DLQ.
type Producer struct {
	producer sarama.SyncProducer
	client   metadataClient
	topics   []string
	logger   *log.Entry
}

// ProducerOption настраивает Producer.
type ProducerOption func(*producerSettings)

type producerSettings struct {
	clientID string
	topics   []string
	logger   *log.Entry
}

// WithClientID задаёт client.id, под которым producer виден брокерам.
func WithClientID(id string) ProducerOption {
	return func(s *producerSettings) {
		if id != "" {
			s.clientID = id
		}
	}
}

// WithPingTopics ограничивает обновление метаданных в Ping указанными топиками.
func WithPingTopics(topics ...string) ProducerOption {
	return func(s *producerSettings) {
		s.topics = append([]string(nil), topics...)
	}
}

// WithProducerLogger подменяет логгер.
func WithProducerLogger(logger *log.Entry) ProducerOption {
	return func(s *producerSettings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func producerConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	return config
}

// NewProducer подключается к кластеру. Клиент и producer закрываются вместе через Close.
func NewProducer(brokers []string, opts ...ProducerOption) (*Producer, error) {
	settings := producerSettings{
		clientID: defaultClientID,
		topics:   []string{TopicOrderEvents, TopicDeadLetterQueue},
		logger:   log.WithField("component", "kafka-producer"),
	}
	for _, opt := range opts {
		opt(&settings)
	}

	client, err := sarama.NewClient(brokers, producerConfig(settings.clientID))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to kafka: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &Producer{
		producer: producer,
		client:   client,
		topics:   settings.topics,
		logger:   settings.logger,
	}, nil
}

// PublishEvent сериализует событие в JSON и публикует его.
func (p *Producer) PublishEvent(topic string, key string, event interface{}) error {
	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.PublishRaw(topic, key, eventData, nil)
}

// PublishRaw публикует готовые байты. Заголовки пишутся в порядке ключей.
func (p *Producer) PublishRaw(topic, key string, value []byte, headers map[string]string) error {
	if p.producer == nil {
		return errProducerClosed
	}

	msg := newMessage(topic, key, value, headers)
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"topic": topic,
			"key":   key,
		}).Error("failed to send message to kafka")
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.WithFields(log.Fields{
		"topic":     topic,
		"key":       key,
		"partition": partition,
		"offset":    offset,
	}).Debug("message sent to kafka")
	return nil
}

func newMessage(topic, key string, value []byte, headers map[string]string) *sarama.ProducerMessage {
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now(),
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(name), Value: []byte(headers[name])})
	}
	return msg
}

// Ping обновляет метаданные топиков событий. Используется проверкой брокера.
func (p *Producer) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.client == nil || p.client.Closed() {
		return errProducerClosed
	}
	if err := p.client.RefreshMetadata(p.topics...); err != nil {
		return fmt.Errorf("refresh kafka metadata: %w", err)
	}
	return nil
}

// Close закрывает producer, затем клиента.
func (p *Producer) Close() error {
	var errs []error
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close kafka producer: %w", err))
		}
	}
	if p.client != nil && !p.client.Closed() {
		if err := p.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close kafka client: %w", err))
		}
	}
	return errors.Join(errs...)
}
