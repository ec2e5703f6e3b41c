package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// querier покрывает общее подмножество *sql.DB и *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type productRepository struct {
	db *sql.DB
}

// NewProductRepository создаёт PostgreSQL-реализацию ProductRepository.
func NewProductRepository(store *Store) domain.ProductRepository {
	return &productRepository{db: store.DB()}
}

func (r *productRepository) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return selectProducts(ctx, r.db, ids)
}

func (r *productRepository) Upsert(ctx context.Context, product domain.Product) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	images, err := json.Marshal(nonNilStrings(product.Images))
	if err != nil {
		return fmt.Errorf("marshal product images: %w", err)
	}
	updatedAt := product.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO products (
			id, producer_id, producer_name, name, unit, images, is_organic,
			unit_price_minor, available_quantity, status, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			producer_id = EXCLUDED.producer_id,
			producer_name = EXCLUDED.producer_name,
			name = EXCLUDED.name,
			unit = EXCLUDED.unit,
			images = EXCLUDED.images,
			is_organic = EXCLUDED.is_organic,
			unit_price_minor = EXCLUDED.unit_price_minor,
			available_quantity = EXCLUDED.available_quantity,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`,
		product.ID, product.ProducerID, product.ProducerName, product.Name, product.Unit,
		string(images), product.IsOrganic, product.UnitPrice.Minor(), product.AvailableQuantity,
		string(product.Status), updatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// selectProducts читает товары по списку id без блокировки строк:
// списание защищено условным UPDATE, а не блокировкой чтения.
func selectProducts(ctx context.Context, q querier, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, producer_id, producer_name, name, unit, images, is_organic,
		       unit_price_minor, available_quantity, status, updated_at
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p      domain.Product
			images []byte
			price  int64
			status string
		)
		if err := rows.Scan(
			&p.ID, &p.ProducerID, &p.ProducerName, &p.Name, &p.Unit, &images, &p.IsOrganic,
			&price, &p.AvailableQuantity, &status, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		if len(images) > 0 {
			if err := json.Unmarshal(images, &p.Images); err != nil {
				return nil, fmt.Errorf("decode product images: %w", err)
			}
		}
		p.UnitPrice = domain.Money(price)
		p.Status = domain.ProductStatus(status)
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}

	return result, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

var _ domain.ProductRepository = (*productRepository)(nil)
