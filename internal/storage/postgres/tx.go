package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// pgTx реализует транзакцию оформления поверх *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	return selectProducts(ctx, t.tx, ids)
}

func (t *pgTx) InsertOrder(ctx context.Context, order domain.Order) error {
	c := order.Customer
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, customer_id, status, subtotal_minor, delivery_charge_minor, total_minor,
			payment_method, contact_name, email, phone, address, city, pincode,
			delivery_date, delivery_notes, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14::date,$15,$16,$17)
	`,
		order.ID, order.CustomerID, string(order.Status),
		order.Subtotal.Minor(), order.DeliveryCharge.Minor(), order.Total.Minor(),
		string(order.PaymentMethod), c.ContactName, c.Email, c.Phone, c.Address, c.City, c.Pincode,
		c.DeliveryDate, c.DeliveryNotes, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderAlreadyExists
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (t *pgTx) InsertLines(ctx context.Context, lines []domain.OrderLine) error {
	for i, line := range lines {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO order_lines (
				order_id, position, product_id, product_name, quantity, unit_price_minor, line_total_minor
			) VALUES ($1,$2,$3,$4,$5,$6,$7)
		`,
			line.OrderID, i, line.ProductID, line.ProductName, line.Quantity,
			line.UnitPriceAtPurchase.Minor(), line.LineTotal.Minor(),
		); err != nil {
			return fmt.Errorf("insert order line %s: %w", line.ProductID, err)
		}
	}
	return nil
}

// DecrementStock сравнивает и списывает одним оператором. Если параллельная
// транзакция уже изменила строку, PostgreSQL дождётся её завершения и заново
// проверит условие на свежей версии строки, поэтому остаток не уйдёт в минус.
func (t *pgTx) DecrementStock(ctx context.Context, productID string, qty int32) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET available_quantity = available_quantity - $2,
		    updated_at = NOW()
		WHERE id = $1
		  AND available_quantity >= $2
	`, productID, qty)
	if err != nil {
		return false, fmt.Errorf("decrement stock %s: %w", productID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected for stock %s: %w", productID, err)
	}
	return affected == 1, nil
}

func (t *pgTx) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	var status string
	err := t.tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrOrderNotFound
		}
		return "", fmt.Errorf("select order status: %w", err)
	}
	return domain.OrderStatus(status), nil
}

func (t *pgTx) ProducerOwnsOrder(ctx context.Context, orderID, producerID string) (bool, error) {
	var exists, owns bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM orders WHERE id = $1),
			EXISTS (
				SELECT 1
				FROM order_lines ol
				JOIN products p ON p.id = ol.product_id
				WHERE ol.order_id = $1 AND p.producer_id = $2
			)
	`, orderID, producerID).Scan(&exists, &owns)
	if err != nil {
		return false, fmt.Errorf("check order ownership: %w", err)
	}
	if !exists {
		return false, domain.ErrOrderNotFound
	}
	return owns, nil
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, orderID string, from, to domain.OrderStatus, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $3,
		    updated_at = $4
		WHERE id = $1
		  AND status = $2
	`, orderID, string(from), string(to), at)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected for order status: %w", err)
	}
	return affected == 1, nil
}

func (t *pgTx) EnqueueOutbox(ctx context.Context, msg domain.OutboxMessage) error {
	return insertOutbox(ctx, t.tx, msg)
}

func (t *pgTx) AppendTimeline(ctx context.Context, event domain.TimelineEvent) error {
	return insertTimeline(ctx, t.tx, event)
}

func (t *pgTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.Tx = (*pgTx)(nil)
