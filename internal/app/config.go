package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/rabbitmq"
	"github.com/vladislavdragonenkov/marketplace/internal/pricing"
)

// Драйверы хранилища заказов и товаров.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Брокеры для публикации событий outbox.
const (
	BrokerNone     = "none"
	BrokerKafka    = "kafka"
	BrokerRabbitMQ = "rabbitmq"
)

// Переменные окружения сервиса.
const (
	EnvHTTPAddr                    = "MARKET_HTTP_ADDR"
	EnvGRPCAddr                    = "MARKET_GRPC_ADDR"
	EnvMetricsAddr                 = "MARKET_METRICS_ADDR"
	EnvLogLevel                    = "MARKET_LOG_LEVEL"
	EnvStorageDriver               = "MARKET_STORAGE_DRIVER"
	EnvPostgresDSN                 = "MARKET_POSTGRES_DSN"
	EnvPostgresAutoMigrate         = "MARKET_POSTGRES_AUTO_MIGRATE"
	EnvPostgresMaxConns            = "MARKET_POSTGRES_MAX_CONNS"
	EnvRedisAddr                   = "MARKET_REDIS_ADDR"
	EnvCartTTL                     = "MARKET_CART_TTL"
	EnvBroker                      = "MARKET_BROKER"
	EnvKafkaBrokers                = "MARKET_KAFKA_BROKERS"
	EnvKafkaTopic                  = "MARKET_KAFKA_TOPIC"
	EnvRabbitMQURL                 = "MARKET_RABBITMQ_URL"
	EnvRabbitMQExchange            = "MARKET_RABBITMQ_EXCHANGE"
	EnvOutboxPollInterval          = "MARKET_OUTBOX_POLL_INTERVAL"
	EnvOutboxBatchSize             = "MARKET_OUTBOX_BATCH_SIZE"
	EnvOutboxMaxAttempts           = "MARKET_OUTBOX_MAX_ATTEMPTS"
	EnvOutboxRetryDelay            = "MARKET_OUTBOX_RETRY_DELAY"
	EnvOutboxMaxPending            = "MARKET_OUTBOX_MAX_PENDING"
	EnvIdempotencyTTL              = "MARKET_IDEMPOTENCY_TTL"
	EnvIdempotencyCleanupInterval  = "MARKET_IDEMPOTENCY_CLEANUP_INTERVAL"
	EnvIdempotencyCleanupBatchSize = "MARKET_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	EnvJWTSecret                   = "MARKET_JWT_SECRET"
	EnvAllowedOrigins              = "MARKET_ALLOWED_ORIGINS"
	EnvLocalCities                 = "MARKET_LOCAL_CITIES"
	EnvLocalDeliveryCharge         = "MARKET_LOCAL_DELIVERY_CHARGE"
	EnvOutboundDeliveryCharge      = "MARKET_OUTBOUND_DELIVERY_CHARGE"
	EnvSeedFile                    = "MARKET_SEED_FILE"
	EnvRequestTimeout              = "MARKET_REQUEST_TIMEOUT"
	EnvHealthPingTimeout           = "MARKET_HEALTH_PING_TIMEOUT"
)

// Config описывает настройки запуска сервиса.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string
	LogLevel    string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	PostgresMaxConns    int

	// При пустом RedisAddr снимки корзин хранятся в памяти процесса.
	RedisAddr string
	CartTTL   time.Duration

	Broker           string
	KafkaBrokers     []string
	KafkaTopic       string
	RabbitMQURL      string
	RabbitMQExchange string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	OutboxMaxPending   int

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	JWTSecret      string
	AllowedOrigins []string

	LocalCities            []string
	LocalDeliveryCharge    domain.Money
	OutboundDeliveryCharge domain.Money

	SeedFile          string
	RequestTimeout    time.Duration
	HealthPingTimeout time.Duration
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",
		LogLevel:    "info",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		PostgresMaxConns:    25,

		CartTTL: 7 * 24 * time.Hour,

		Broker:           BrokerNone,
		KafkaTopic:       kafka.TopicOrderEvents,
		RabbitMQExchange: rabbitmq.DefaultExchange,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,
		OutboxMaxPending:   1000,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		AllowedOrigins: []string{"http://localhost:5000"},

		LocalCities:            append([]string(nil), pricing.DefaultLocalCities...),
		LocalDeliveryCharge:    pricing.DefaultLocalCharge,
		OutboundDeliveryCharge: pricing.DefaultOutboundCharge,

		RequestTimeout:    15 * time.Second,
		HealthPingTimeout: 2 * time.Second,
	}
}

// Validate проверяет сочетания настроек, которые нельзя исправить значением по умолчанию.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%s is required for storage driver %q", EnvPostgresDSN, c.StorageDriver)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}

	switch c.Broker {
	case BrokerNone, "":
	case BrokerKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("%s is required for broker %q", EnvKafkaBrokers, c.Broker)
		}
	case BrokerRabbitMQ:
		if c.RabbitMQURL == "" {
			return fmt.Errorf("%s is required for broker %q", EnvRabbitMQURL, c.Broker)
		}
	default:
		return fmt.Errorf("unsupported broker %q", c.Broker)
	}

	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("%s is required", EnvJWTSecret)
	}
	return nil
}

// EnvLookup совместим с os.LookupEnv.
type EnvLookup func(key string) (string, bool)

// LoadConfigFromEnv читает конфигурацию из окружения процесса.
func LoadConfigFromEnv() (Config, []string) {
	return LoadConfig(os.LookupEnv)
}

// LoadConfig накладывает значения из lookup на DefaultConfig. Некорректные значения
// не прерывают запуск: остаётся значение по умолчанию, а в warnings попадает причина.
func LoadConfig(lookup EnvLookup) (Config, []string) {
	cfg := DefaultConfig()
	var warnings []string

	warn := func(key, raw string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s=%q ignored: %v", key, raw, err))
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = splitList(v)
		}
	}
	boolean := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseBool(v)
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}
	integer := func(key string, dst *int, valid func(int) bool, rule string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseInt(v, valid, rule)
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}
	duration := func(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseDuration(v, valid, rule)
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}
	money := func(key string, dst *domain.Money) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := domain.ParseMoney(strings.TrimSpace(v))
		if err != nil || parsed < 0 {
			if err == nil {
				err = fmt.Errorf("must be >= 0")
			}
			warn(key, v, err)
			return
		}
		*dst = parsed
	}

	positive := func(v int) bool { return v > 0 }
	nonNegative := func(v int) bool { return v >= 0 }
	positiveDuration := func(v time.Duration) bool { return v > 0 }
	nonNegativeDuration := func(v time.Duration) bool { return v >= 0 }

	str(EnvHTTPAddr, &cfg.HTTPAddr)
	str(EnvGRPCAddr, &cfg.GRPCAddr)
	str(EnvMetricsAddr, &cfg.MetricsAddr)
	str(EnvLogLevel, &cfg.LogLevel)

	if v, ok := lookup(EnvStorageDriver); ok && strings.TrimSpace(v) != "" {
		cfg.StorageDriver = strings.ToLower(strings.TrimSpace(v))
	}
	str(EnvPostgresDSN, &cfg.PostgresDSN)
	boolean(EnvPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	integer(EnvPostgresMaxConns, &cfg.PostgresMaxConns, positive, "must be > 0")

	str(EnvRedisAddr, &cfg.RedisAddr)
	duration(EnvCartTTL, &cfg.CartTTL, positiveDuration, "must be > 0")

	if v, ok := lookup(EnvBroker); ok && strings.TrimSpace(v) != "" {
		cfg.Broker = strings.ToLower(strings.TrimSpace(v))
	}
	list(EnvKafkaBrokers, &cfg.KafkaBrokers)
	str(EnvKafkaTopic, &cfg.KafkaTopic)
	str(EnvRabbitMQURL, &cfg.RabbitMQURL)
	str(EnvRabbitMQExchange, &cfg.RabbitMQExchange)

	duration(EnvOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	integer(EnvOutboxBatchSize, &cfg.OutboxBatchSize, positive, "must be > 0")
	integer(EnvOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positive, "must be > 0")
	duration(EnvOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")
	integer(EnvOutboxMaxPending, &cfg.OutboxMaxPending, nonNegative, "must be >= 0")

	duration(EnvIdempotencyTTL, &cfg.IdempotencyTTL, positiveDuration, "must be > 0")
	duration(EnvIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDuration, "must be > 0")
	integer(EnvIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positive, "must be > 0")

	str(EnvJWTSecret, &cfg.JWTSecret)
	list(EnvAllowedOrigins, &cfg.AllowedOrigins)

	list(EnvLocalCities, &cfg.LocalCities)
	money(EnvLocalDeliveryCharge, &cfg.LocalDeliveryCharge)
	money(EnvOutboundDeliveryCharge, &cfg.OutboundDeliveryCharge)

	str(EnvSeedFile, &cfg.SeedFile)
	duration(EnvRequestTimeout, &cfg.RequestTimeout, positiveDuration, "must be > 0")
	duration(EnvHealthPingTimeout, &cfg.HealthPingTimeout, positiveDuration, "must be > 0")

	return cfg, warnings
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q: %w", raw, err)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("value %d %s", value, rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q: %w", raw, err)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("value %s %s", value, rule)
	}
	return value, nil
}
