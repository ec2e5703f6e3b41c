// Команда dlq-reprocess читает market.dlq и возвращает записи в исходные топики.
// Без -execute только логирует, что было бы переиграно.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
)

const (
	envKafkaBrokers = "MARKET_KAFKA_BROKERS"
	defaultGroupID  = "market-dlq-reprocess"
)

var errMissingBrokers = errors.New("kafka brokers are required (-brokers or " + envKafkaBrokers + ")")

type options struct {
	brokers     []string
	groupID     string
	sourceTopic string
	targetTopic string
	execute     bool
	duration    time.Duration
}

// consumerRunner описывает часть kafka.Consumer, которая нужна команде.
type consumerRunner interface {
	Start(ctx context.Context) error
	Stop() error
}

var newConsumer = func(opts options, handler kafka.MessageHandler) (consumerRunner, error) {
	return kafka.NewConsumer(opts.brokers, opts.groupID, []string{opts.sourceTopic}, handler)
}

var newProducer = func(brokers []string) (*kafka.Producer, error) {
	return kafka.NewProducer(brokers)
}

func parseOptions(args []string, lookup func(string) (string, bool)) (options, error) {
	var (
		opts       options
		brokersRaw string
	)

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers, comma-separated (fallback: "+envKafkaBrokers+")")
	fs.StringVar(&opts.groupID, "group", defaultGroupID, "consumer group id")
	fs.StringVar(&opts.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ topic to read")
	fs.StringVar(&opts.targetTopic, "target-topic", kafka.TopicOrderEvents, "topic for replayed outbox events")
	fs.BoolVar(&opts.execute, "execute", false, "publish replayed records; default is dry-run")
	fs.DurationVar(&opts.duration, "duration", 0, "stop after this long (0 = until signal)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		if v, ok := lookup(envKafkaBrokers); ok {
			brokersRaw = v
		}
	}
	opts.brokers = parseBrokers(brokersRaw)
	if len(opts.brokers) == 0 {
		return options{}, errMissingBrokers
	}
	if strings.TrimSpace(opts.groupID) == "" {
		return options{}, errors.New("group is required")
	}
	if strings.TrimSpace(opts.sourceTopic) == "" {
		return options{}, errors.New("source-topic is required")
	}
	if strings.TrimSpace(opts.targetTopic) == "" {
		return options{}, errors.New("target-topic is required")
	}
	if opts.sourceTopic == opts.targetTopic {
		return options{}, fmt.Errorf("source and target topics must differ: %s", opts.sourceTopic)
	}
	if opts.duration < 0 {
		return options{}, fmt.Errorf("duration must be >= 0, got %s", opts.duration)
	}
	return opts, nil
}

func parseBrokers(raw string) []string {
	chunks := strings.Split(raw, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// dryRunHandler распознаёт запись DLQ и только пишет в лог, куда бы она ушла.
func dryRunHandler(targetTopic string, logger *log.Entry) kafka.MessageHandler {
	return func(_ context.Context, message *sarama.ConsumerMessage) error {
		topic, key, err := describeRecord(message, targetTopic)
		if err != nil {
			logger.WithError(err).WithFields(log.Fields{
				"partition": message.Partition,
				"offset":    message.Offset,
			}).Warn("skip unrecognised dlq record")
			return nil
		}
		logger.WithFields(log.Fields{
			"partition":    message.Partition,
			"offset":       message.Offset,
			"target_topic": topic,
			"key":          key,
		}).Info("dlq replay candidate")
		return nil
	}
}

// describeRecord повторяет разбор Reprocessor без публикации.
func describeRecord(message *sarama.ConsumerMessage, targetTopic string) (string, string, error) {
	if letter, err := kafka.ParseDeadLetter(message); err == nil {
		return letter.OriginalTopic, letter.OriginalKey, nil
	}

	envelope, err := kafka.ParseEnvelope(message)
	if err != nil {
		return "", "", err
	}
	var failed struct {
		OutboxID    string          `json:"outbox_id"`
		AggregateID string          `json:"aggregate_id"`
		EventType   string          `json:"event_type"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(envelope.Payload, &failed); err != nil {
		return "", "", fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if failed.EventType == "" || len(failed.Payload) == 0 {
		return "", "", fmt.Errorf("outbox dlq record %s has no event", envelope.ID)
	}
	key := failed.AggregateID
	if key == "" {
		key = failed.OutboxID
	}
	return targetTopic, key, nil
}

func run(ctx context.Context, opts options, logger *log.Entry) error {
	logger.WithFields(log.Fields{
		"source_topic": opts.sourceTopic,
		"target_topic": opts.targetTopic,
		"group":        opts.groupID,
		"execute":      opts.execute,
	}).Info("starting dlq reprocess")

	handler := dryRunHandler(opts.targetTopic, logger)
	if opts.execute {
		producer, err := newProducer(opts.brokers)
		if err != nil {
			return fmt.Errorf("create kafka producer: %w", err)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				logger.WithError(err).Warn("close kafka producer")
			}
		}()
		handler = kafka.NewReprocessor(producer, opts.targetTopic, logger).Handle
	}

	consumer, err := newConsumer(opts, handler)
	if err != nil {
		return fmt.Errorf("create kafka consumer: %w", err)
	}

	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	if err := consumer.Start(ctx); err != nil {
		_ = consumer.Stop()
		return fmt.Errorf("start kafka consumer: %w", err)
	}
	<-ctx.Done()

	if err := consumer.Stop(); err != nil {
		return err
	}
	logger.Info("dlq reprocess stopped")
	return nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	opts, err := parseOptions(os.Args[1:], os.LookupEnv)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, log.WithField("component", "dlq-reprocess")); err != nil {
		fail("dlq reprocess failed: %v", err)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
