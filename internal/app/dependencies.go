package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/cart"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/marketplace/internal/health"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/rabbitmq"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/marketplace/internal/storage/redis"
)

// runtimeDependencies хранит собранные адаптеры хранилища и брокера.
type runtimeDependencies struct {
	uow             domain.UnitOfWork
	products        domain.ProductRepository
	orders          domain.OrderRepository
	timeline        domain.TimelineRepository
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository
	carts           cart.SnapshotStore

	// publisher == nil, когда брокер отключён: события копятся в outbox.
	publisher    domain.OutboxPublisher
	dlqPublisher domain.OutboxPublisher

	// checkers снимают готовность при отказе, optional только понижают статус.
	checkers map[string]healthcheck.Checker
	optional map[string]healthcheck.Checker
	closers  []namedCloser
}

// registerHealth передаёт проверки зависимостей обработчику /healthz и /readyz.
func (d *runtimeDependencies) registerHealth(handler *healthcheck.Handler) {
	for name, checker := range d.checkers {
		handler.RegisterChecker(name, checker)
	}
	for name, checker := range d.optional {
		handler.RegisterOptional(name, checker)
	}
}

type namedCloser struct {
	name  string
	close func() error
}

func (d *runtimeDependencies) addCloser(name string, fn func() error) {
	d.closers = append(d.closers, namedCloser{name: name, close: fn})
}

// Close освобождает ресурсы в обратном порядке открытия.
func (d *runtimeDependencies) Close(logger *log.Entry) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		c := d.closers[i]
		if err := c.close(); err != nil {
			logger.WithError(err).WithField("resource", c.name).Warn("failed to close resource")
			continue
		}
		logger.WithField("resource", c.name).Debug("resource closed")
	}
	d.closers = nil
}

// initRuntimeDependencies открывает хранилище, корзины и брокер согласно cfg.
// При ошибке уже открытые ресурсы закрываются.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (deps *runtimeDependencies, err error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	deps = &runtimeDependencies{
		checkers: make(map[string]healthcheck.Checker),
		optional: make(map[string]healthcheck.Checker),
	}
	defer func() {
		if err != nil {
			deps.Close(logger)
			deps = nil
		}
	}()

	if err = initStorage(ctx, cfg, deps, logger); err != nil {
		return nil, err
	}
	if err = initCarts(ctx, cfg, deps, logger); err != nil {
		return nil, err
	}
	if err = initBroker(cfg, deps, logger); err != nil {
		return nil, err
	}
	if cfg.SeedFile != "" {
		count, seedErr := seedProducts(ctx, deps.products, cfg.SeedFile)
		if seedErr != nil {
			return nil, seedErr
		}
		logger.WithFields(log.Fields{"file": cfg.SeedFile, "products": count}).Info("products seeded")
	}
	return deps, nil
}

func initStorage(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		store := memory.NewStore()
		deps.uow = store
		deps.products = store
		deps.orders = store
		deps.timeline = store.Timeline()
		deps.outboxRepo = store.Outbox()
		deps.idempotencyRepo = memory.NewIdempotencyRepository()
		deps.checkers[healthcheck.ComponentStorage] = healthcheck.NewPingChecker(healthcheck.ComponentStorage, store.Ping, cfg.HealthPingTimeout)
		logger.Info("using in-memory storage")
		return nil

	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return fmt.Errorf("%s is required for storage driver %q", EnvPostgresDSN, cfg.StorageDriver)
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN,
			postgres.WithPool(postgres.PoolConfig{MaxOpenConns: cfg.PostgresMaxConns}),
			postgres.WithLogger(logger.WithField("component", "postgres")),
		)
		if err != nil {
			return err
		}
		deps.addCloser("postgres", store.Close)

		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("apply postgres migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}

		deps.uow = store
		deps.products = postgres.NewProductRepository(store)
		deps.orders = postgres.NewOrderRepository(store)
		deps.timeline = postgres.NewTimelineRepository(store)
		deps.outboxRepo = postgres.NewOutboxRepository(store)
		deps.idempotencyRepo = postgres.NewIdempotencyRepository(store)
		deps.checkers[healthcheck.ComponentStorage] = healthcheck.NewPingChecker(healthcheck.ComponentStorage, store.Ping, cfg.HealthPingTimeout)
		logger.Info("using postgres storage")
		return nil

	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initCarts(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		deps.carts = cart.NewMemorySnapshotStore()
		return nil
	}

	client, err := redisstore.Open(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	deps.addCloser("redis", client.Close)

	store := redisstore.NewCartStore(client, redisstore.WithTTL(cfg.CartTTL))
	deps.carts = store
	deps.optional[healthcheck.ComponentCarts] = healthcheck.NewPingChecker(healthcheck.ComponentCarts, store.Ping, cfg.HealthPingTimeout)
	logger.WithField("addr", cfg.RedisAddr).Info("cart snapshots stored in redis")
	return nil
}

func initBroker(cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	switch cfg.Broker {
	case BrokerNone, "":
		logger.Warn("outbox broker is disabled, order events stay pending")
		return nil

	case BrokerKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return fmt.Errorf("%s is required for broker %q", EnvKafkaBrokers, cfg.Broker)
		}
		producer, err := kafka.NewProducer(cfg.KafkaBrokers,
			kafka.WithClientID("marketplace-outbox"),
			kafka.WithPingTopics(cfg.KafkaTopic, kafka.TopicDeadLetterQueue),
			kafka.WithProducerLogger(logger.WithField("component", "kafka-producer")),
		)
		if err != nil {
			return fmt.Errorf("create kafka producer: %w", err)
		}
		deps.addCloser("kafka", producer.Close)
		deps.optional[healthcheck.ComponentBroker] = healthcheck.NewPingChecker(healthcheck.ComponentBroker, producer.Ping, cfg.HealthPingTimeout)
		deps.publisher = kafka.NewOutboxPublisher(producer, cfg.KafkaTopic)
		deps.dlqPublisher = kafka.NewDLQPublisher(producer)
		logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")
		return nil

	case BrokerRabbitMQ:
		if cfg.RabbitMQURL == "" {
			return fmt.Errorf("%s is required for broker %q", EnvRabbitMQURL, cfg.Broker)
		}
		publisher, err := rabbitmq.Dial(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			return err
		}
		deps.addCloser("rabbitmq", publisher.Close)
		deps.optional[healthcheck.ComponentBroker] = healthcheck.NewPingChecker(healthcheck.ComponentBroker, publisher.Ping, cfg.HealthPingTimeout)
		deps.publisher = publisher
		deps.dlqPublisher = publisher.DLQ()
		logger.WithField("exchange", cfg.RabbitMQExchange).Info("rabbitmq publisher initialized")
		return nil

	default:
		return fmt.Errorf("unsupported broker %q", cfg.Broker)
	}
}

// seedProduct описывает запись файла начального наполнения каталога.
type seedProduct struct {
	ID                string       `json:"id"`
	ProducerID        string       `json:"producerId"`
	ProducerName      string       `json:"producerName"`
	Name              string       `json:"name"`
	Unit              string       `json:"unit"`
	Images            []string     `json:"images"`
	IsOrganic         bool         `json:"isOrganic"`
	Price             domain.Money `json:"price"`
	AvailableQuantity int32        `json:"availableQuantity"`
	Status            string       `json:"status"`
}

var errInvalidSeed = errors.New("invalid product seed")

// seedProducts загружает товары из JSON-файла. Каталог ведёт внешний сервис,
// файл нужен для локального запуска и нагрузочных прогонов.
func seedProducts(ctx context.Context, repo domain.ProductRepository, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}

	var items []seedProduct
	if err := json.Unmarshal(data, &items); err != nil {
		return 0, fmt.Errorf("decode seed file %s: %w", path, err)
	}

	for i, item := range items {
		product, err := item.toDomain()
		if err != nil {
			return i, fmt.Errorf("seed product #%d: %w", i, err)
		}
		if err := repo.Upsert(ctx, product); err != nil {
			return i, fmt.Errorf("seed product %s: %w", product.ID, err)
		}
	}
	return len(items), nil
}

func (s seedProduct) toDomain() (domain.Product, error) {
	if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.ProducerID) == "" || strings.TrimSpace(s.Name) == "" {
		return domain.Product{}, fmt.Errorf("%w: id, producerId and name are required", errInvalidSeed)
	}
	if s.Price < 0 || s.AvailableQuantity < 0 {
		return domain.Product{}, fmt.Errorf("%w: %s has negative price or stock", errInvalidSeed, s.ID)
	}

	status := domain.ProductStatus(strings.ToLower(strings.TrimSpace(s.Status)))
	switch status {
	case "":
		status = domain.ProductStatusActive
	case domain.ProductStatusActive, domain.ProductStatusInactive, domain.ProductStatusOutOfStock:
	default:
		return domain.Product{}, fmt.Errorf("%w: %s has unknown status %q", errInvalidSeed, s.ID, s.Status)
	}

	return domain.Product{
		ID:                s.ID,
		ProducerID:        s.ProducerID,
		ProducerName:      s.ProducerName,
		Name:              s.Name,
		Unit:              s.Unit,
		Images:            s.Images,
		IsOrganic:         s.IsOrganic,
		UnitPrice:         s.Price,
		AvailableQuantity: s.AvailableQuantity,
		Status:            status,
	}, nil
}
