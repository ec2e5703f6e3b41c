package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const orderColumns = `
	o.id, o.customer_id, o.status, o.subtotal_minor, o.delivery_charge_minor, o.total_minor,
	o.payment_method, o.contact_name, o.email, o.phone, o.address, o.city, o.pincode,
	o.delivery_date, o.delivery_notes, o.created_at, o.updated_at`

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.id = $1`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	lines, err := r.loadLines(ctx, []string{order.ID})
	if err != nil {
		return domain.Order{}, err
	}
	order.Lines = lines[order.ID]
	return order, nil
}

func (r *orderRepository) ListByCustomer(ctx context.Context, customerID string, page domain.Page) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	limit, offset := pageBounds(page)
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders o
		WHERE o.customer_id = $1
		ORDER BY o.created_at DESC, o.id DESC
		LIMIT $2 OFFSET $3
	`, customerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(orders))
	for _, order := range orders {
		ids = append(ids, order.ID)
	}
	lines, err := r.loadLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Lines = lines[orders[i].ID]
	}
	return orders, nil
}

// ListByProducer отбирает заказы, где есть товар производителя, и одним запросом
// подтягивает его позиции с полями товара для отображения.
func (r *orderRepository) ListByProducer(ctx context.Context, producerID string, status domain.OrderStatus, page domain.Page) ([]domain.ProducerOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	limit, offset := pageBounds(page)
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders o
		WHERE EXISTS (
			SELECT 1
			FROM order_lines ol
			JOIN products p ON p.id = ol.product_id
			WHERE ol.order_id = o.id AND p.producer_id = $1
		)
		  AND ($2 = '' OR o.status = $2)
		ORDER BY o.created_at DESC, o.id DESC
		LIMIT $3 OFFSET $4
	`, producerID, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list producer orders: %w", err)
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return []domain.ProducerOrder{}, nil
	}

	ids := make([]string, 0, len(orders))
	for _, order := range orders {
		ids = append(ids, order.ID)
	}

	lineRows, err := r.db.QueryContext(ctx, `
		SELECT ol.order_id, ol.product_id, p.name, ol.quantity, ol.unit_price_minor, ol.line_total_minor,
		       p.unit, p.images, p.is_organic
		FROM order_lines ol
		JOIN products p ON p.id = ol.product_id
		WHERE ol.order_id = ANY($1) AND p.producer_id = $2
		ORDER BY ol.order_id, ol.position
	`, ids, producerID)
	if err != nil {
		return nil, fmt.Errorf("load producer lines: %w", err)
	}
	defer lineRows.Close()

	byOrder := make(map[string][]domain.ProducerOrderLine, len(ids))
	for lineRows.Next() {
		var (
			line        domain.ProducerOrderLine
			price, sum  int64
			imagesRaw   []byte
			imageValues []string
		)
		if err := lineRows.Scan(
			&line.OrderID, &line.ProductID, &line.ProductName, &line.Quantity, &price, &sum,
			&line.Unit, &imagesRaw, &line.IsOrganic,
		); err != nil {
			return nil, fmt.Errorf("scan producer line: %w", err)
		}
		if len(imagesRaw) > 0 {
			if err := json.Unmarshal(imagesRaw, &imageValues); err != nil {
				return nil, fmt.Errorf("decode product images: %w", err)
			}
		}
		if len(imageValues) > 0 {
			line.Image = imageValues[0]
		}
		line.UnitPriceAtPurchase = domain.Money(price)
		line.LineTotal = domain.Money(sum)
		byOrder[line.OrderID] = append(byOrder[line.OrderID], line)
	}
	if err := lineRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate producer lines: %w", err)
	}

	all, err := r.loadLines(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := make([]domain.ProducerOrder, 0, len(orders))
	for _, order := range orders {
		order.Lines = all[order.ID]
		result = append(result, domain.ProducerOrder{Order: order, ProducerLines: byOrder[order.ID]})
	}
	return result, nil
}

func (r *orderRepository) loadLines(ctx context.Context, orderIDs []string) (map[string][]domain.OrderLine, error) {
	result := make(map[string][]domain.OrderLine, len(orderIDs))
	if len(orderIDs) == 0 {
		return result, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, product_id, product_name, quantity, unit_price_minor, line_total_minor
		FROM order_lines
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("load order lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			line       domain.OrderLine
			price, sum int64
		)
		if err := rows.Scan(&line.OrderID, &line.ProductID, &line.ProductName, &line.Quantity, &price, &sum); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		line.UnitPriceAtPurchase = domain.Money(price)
		line.LineTotal = domain.Money(sum)
		result[line.OrderID] = append(result[line.OrderID], line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order lines: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                     domain.Order
		status, payment           string
		subtotal, delivery, total int64
		deliveryDate              time.Time
	)
	c := &order.Customer
	if err := row.Scan(
		&order.ID, &order.CustomerID, &status, &subtotal, &delivery, &total,
		&payment, &c.ContactName, &c.Email, &c.Phone, &c.Address, &c.City, &c.Pincode,
		&deliveryDate, &c.DeliveryNotes, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.PaymentMethod = domain.PaymentMethod(payment)
	order.Subtotal = domain.Money(subtotal)
	order.DeliveryCharge = domain.Money(delivery)
	order.Total = domain.Money(total)
	c.DeliveryDate = deliveryDate.Format(domain.DeliveryDateLayout)
	return order, nil
}

func collectOrders(rows *sql.Rows) ([]domain.Order, error) {
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	return orders, nil
}

func pageBounds(page domain.Page) (int, int) {
	limit, offset := page.Limit, page.Offset
	if limit <= 0 {
		limit = domain.DefaultPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

var _ domain.OrderRepository = (*orderRepository)(nil)
