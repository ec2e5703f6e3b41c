package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func TestIdempotencyRepository_PostgresCreateGetAndMarkDone(t *testing.T) {
	store := openPostgresStoreForIdempotencyTest(t)
	repo := NewIdempotencyRepository(store)

	key := domain.ScopeIdempotencyKey("customer-1", "checkout-done")
	ttl := time.Now().UTC().Add(2 * time.Hour).Round(time.Second)

	created, err := repo.CreateProcessing(key, "hash-cart-a", ttl)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, created.Status)

	require.NoError(t, repo.MarkDone(key, []byte(`{"orderId":"o-1","status":"placed"}`), 201))

	got, err := repo.Get(key)
	require.NoError(t, err)
	require.Equal(t, "customer-1", got.Owner())
	require.Equal(t, "hash-cart-a", got.RequestHash)
	require.True(t, got.TTLAt.Equal(ttl), "ttl mismatch: expected %s, got %s", ttl, got.TTLAt)

	status, body, ok := got.Replay()
	require.True(t, ok)
	require.Equal(t, 201, status)
	require.JSONEq(t, `{"orderId":"o-1","status":"placed"}`, string(body))
}

func TestIdempotencyRepository_PostgresConflictAndHashMismatch(t *testing.T) {
	store := openPostgresStoreForIdempotencyTest(t)
	repo := NewIdempotencyRepository(store)

	key := domain.ScopeIdempotencyKey("customer-1", "checkout-conflict")
	ttl := time.Now().UTC().Add(time.Hour)
	_, err := repo.CreateProcessing(key, "hash-a", ttl)
	require.NoError(t, err)

	existing, err := repo.CreateProcessing(key, "hash-a", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
	require.Equal(t, domain.IdempotencyStatusProcessing, existing.Status)

	_, err = repo.CreateProcessing(key, "hash-b", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)

	_, err = repo.CreateProcessing(domain.ScopeIdempotencyKey("customer-2", "checkout-conflict"), "hash-b", ttl)
	require.NoError(t, err)
}

func TestIdempotencyRepository_PostgresExpiredKeyIsTakenOver(t *testing.T) {
	store := openPostgresStoreForIdempotencyTest(t)
	repo := NewIdempotencyRepository(store)

	key := domain.ScopeIdempotencyKey("customer-1", "checkout-expired")
	_, err := repo.CreateProcessing(key, "hash-old", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailed(key, []byte(`{"code":"out_of_stock"}`), 400))

	record, err := repo.CreateProcessing(key, "hash-new", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, "hash-new", record.RequestHash)

	got, err := repo.Get(key)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, got.Status)
	require.Empty(t, got.ResponseBody)
	require.Zero(t, got.HTTPStatus)
}

func TestIdempotencyRepository_PostgresDeleteExpired(t *testing.T) {
	store := openPostgresStoreForIdempotencyTest(t)
	repo := NewIdempotencyRepository(store)

	now := time.Now().UTC()
	for i, offset := range []time.Duration{-5 * time.Minute, -4 * time.Minute, -3 * time.Minute} {
		_, err := repo.CreateProcessing(domain.ScopeIdempotencyKey("customer-1", fmt.Sprintf("expired-%d", i)), "h", now.Add(offset))
		require.NoError(t, err)
	}
	active := domain.ScopeIdempotencyKey("customer-1", "active")
	_, err := repo.CreateProcessing(active, "h", now.Add(time.Hour))
	require.NoError(t, err)

	removed, err := repo.DeleteExpired(now, 2)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	_, err = repo.Get(domain.ScopeIdempotencyKey("customer-1", "expired-2"))
	require.NoError(t, err, "newest expired key must survive the limit")

	removed, err = repo.DeleteExpired(now, 10)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = repo.Get(active)
	require.NoError(t, err)
}

func TestIdempotencyRepository_PostgresDeleteReleasesKey(t *testing.T) {
	store := openPostgresStoreForIdempotencyTest(t)
	repo := NewIdempotencyRepository(store)

	key := domain.ScopeIdempotencyKey("customer-1", "checkout-retry")
	ttl := time.Now().UTC().Add(time.Hour)
	_, err := repo.CreateProcessing(key, "h1", ttl)
	require.NoError(t, err)

	require.NoError(t, repo.Delete(key))
	require.NoError(t, repo.Delete(key))

	_, err = repo.Get(key)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)

	_, err = repo.CreateProcessing(key, "h2", ttl)
	require.NoError(t, err)

	require.ErrorIs(t, repo.Delete("  "), domain.ErrIdempotencyKeyRequired)
	require.ErrorIs(t, repo.MarkDone("customer-1:missing", nil, 201), domain.ErrIdempotencyKeyNotFound)
}

func openPostgresStoreForIdempotencyTest(t *testing.T) *Store {
	t.Helper()

	store := openPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := store.DB().ExecContext(ctx, `TRUNCATE TABLE idempotency_keys`)
	require.NoError(t, err)

	return store
}
