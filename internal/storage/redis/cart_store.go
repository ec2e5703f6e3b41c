// Package redis хранит снимки корзин покупателей в Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/marketplace/internal/cart"
)

const (
	defaultCartTTL = 7 * 24 * time.Hour
	maxTTLJitter   = 5
)

// CartStore реализует SnapshotStore поверх Redis. Значение лежит под ключом cart:<owner>
// в формате cart.EncodeSnapshot, срок жизни продлевается при каждой записи.
type CartStore struct {
	client  goredis.UniversalClient
	baseTTL time.Duration
}

// Option настраивает CartStore.
type Option func(*CartStore)

// WithTTL задаёт базовый срок хранения корзины.
func WithTTL(ttl time.Duration) Option {
	return func(s *CartStore) {
		if ttl > 0 {
			s.baseTTL = ttl
		}
	}
}

// NewCartStore создаёт хранилище корзин.
func NewCartStore(client goredis.UniversalClient, opts ...Option) *CartStore {
	s := &CartStore{client: client, baseTTL: defaultCartTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open подключается к Redis и проверяет соединение.
func Open(ctx context.Context, addr string) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func (s *CartStore) Get(ctx context.Context, ownerID string) ([]cart.Line, error) {
	data, err := s.client.Get(ctx, cartKey(ownerID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, cart.ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("redis get cart: %w", err)
	}
	return cart.DecodeSnapshot(data)
}

func (s *CartStore) Put(ctx context.Context, ownerID string, lines []cart.Line) error {
	data, err := cart.EncodeSnapshot(lines)
	if err != nil {
		return err
	}
	// Разброс TTL, чтобы корзины одной волны не истекали одновременно.
	ttl := s.baseTTL + time.Duration(rand.Intn(maxTTLJitter))*time.Minute
	if err := s.client.Set(ctx, cartKey(ownerID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set cart: %w", err)
	}
	return nil
}

func (s *CartStore) Delete(ctx context.Context, ownerID string) error {
	if err := s.client.Del(ctx, cartKey(ownerID)).Err(); err != nil {
		return fmt.Errorf("redis delete cart: %w", err)
	}
	return nil
}

// Ping используется readiness-проверкой.
func (s *CartStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func cartKey(ownerID string) string {
	return fmt.Sprintf("cart:%s", ownerID)
}

var _ cart.SnapshotStore = (*CartStore)(nil)
