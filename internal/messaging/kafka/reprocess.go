package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// outboxFailure описывает запись, которую outbox worker кладёт в DLQ после исчерпания попыток.
type outboxFailure struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
}

// Reprocessor возвращает записи DLQ в исходные топики.
// Понимает два формата: DeadLetter от consumer и конверт outbox worker.
type Reprocessor struct {
	producer *Producer
	topic    string
	logger   *log.Entry
	now      func() time.Time
}

// NewReprocessor создаёт обработчик DLQ; события outbox возвращаются в topic.
func NewReprocessor(producer *Producer, topic string, logger *log.Entry) *Reprocessor {
	if topic == "" {
		topic = TopicOrderEvents
	}
	if logger == nil {
		logger = log.WithField("component", "dlq-reprocessor")
	}
	return &Reprocessor{producer: producer, topic: topic, logger: logger, now: time.Now}
}

// Handle реализует MessageHandler для Consumer, читающего TopicDeadLetterQueue.
func (r *Reprocessor) Handle(_ context.Context, message *sarama.ConsumerMessage) error {
	if letter, err := ParseDeadLetter(message); err == nil {
		retry := letter.RetryCount + 1
		r.logger.WithFields(log.Fields{
			"topic":       letter.OriginalTopic,
			"key":         letter.OriginalKey,
			"retry_count": retry,
		}).Info("replaying consumer dead letter")
		return r.producer.PublishRaw(letter.OriginalTopic, letter.OriginalKey, []byte(letter.OriginalValue), map[string]string{
			HeaderRetryCount: strconv.Itoa(retry),
		})
	}

	envelope, err := ParseEnvelope(message)
	if err != nil {
		return fmt.Errorf("unrecognised dlq record: %w", err)
	}
	var failed outboxFailure
	if err := json.Unmarshal(envelope.Payload, &failed); err != nil {
		return fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if failed.EventType == "" || len(failed.Payload) == 0 {
		return fmt.Errorf("outbox dlq record %s has no event", envelope.ID)
	}

	replayed := Envelope{
		ID:            failed.OutboxID,
		AggregateType: failed.AggregateType,
		AggregateID:   failed.AggregateID,
		EventType:     EventType(failed.EventType),
		Payload:       failed.Payload,
		PublishedAt:   r.now().UTC(),
	}
	value, err := json.Marshal(replayed)
	if err != nil {
		return fmt.Errorf("marshal replayed event: %w", err)
	}

	key := failed.AggregateID
	if key == "" {
		key = failed.OutboxID
	}
	r.logger.WithFields(log.Fields{
		"outbox_id":     failed.OutboxID,
		"event_type":    failed.EventType,
		"publish_error": failed.PublishError,
	}).Info("replaying outbox dead letter")
	return r.producer.PublishRaw(r.topic, key, value, map[string]string{
		HeaderEventType:  failed.EventType,
		HeaderRetryCount: "1",
	})
}
