package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

const (
	opTimeout = 5 * time.Second

	orderColumns = `id, seller_id, buyer_id, status, total_amount, credit_used, payment_status,
	price_override_approved, notes, is_deleted, version, created_by, updated_by, created_at, updated_at`
)

type orderRepository struct {
	q querier
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO b2b_orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,FALSE,0,$10,$11,$12,$13)
	`,
		order.ID, order.SellerID, order.BuyerID, string(order.Status),
		order.TotalAmount, order.CreditUsed, string(order.PaymentStatus),
		order.PriceOverrideApproved, order.Notes,
		order.CreatedBy, order.UpdatedBy, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", order.ID, domain.ErrVersionConflict)
		}
		return fmt.Errorf("insert order: %w", classify(ctx, err))
	}

	return r.saveItems(ctx, order)
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	return r.get(ctx, id, "")
}

// GetForUpdate берёт строковую блокировку заказа до конца транзакции.
func (r *orderRepository) GetForUpdate(ctx context.Context, id string) (domain.Order, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *orderRepository) get(ctx context.Context, id, suffix string) (domain.Order, error) {
	order, err := scanOrder(r.q.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM b2b_orders
		WHERE id = $1 AND NOT is_deleted`+suffix, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", classify(ctx, err))
	}

	items, err := r.loadItems(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

// Save обновляет заказ с проверкой версии и синхронизирует позиции.
func (r *orderRepository) Save(ctx context.Context, order domain.Order) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE b2b_orders
		SET status = $1,
		    total_amount = $2,
		    credit_used = $3,
		    payment_status = $4,
		    price_override_approved = $5,
		    notes = $6,
		    is_deleted = $7,
		    updated_by = $8,
		    updated_at = $9,
		    version = version + 1
		WHERE id = $10
		  AND version = $11
		  AND NOT is_deleted
	`,
		string(order.Status), order.TotalAmount, order.CreditUsed, string(order.PaymentStatus),
		order.PriceOverrideApproved, order.Notes, order.Deleted,
		order.UpdatedBy, order.UpdatedAt, order.ID, order.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", classify(ctx, err))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := r.exists(ctx, order.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrOrderNotFound
		}
		return fmt.Errorf("order %s: %w", order.ID, domain.ErrVersionConflict)
	}

	return r.saveItems(ctx, order)
}

func (r *orderRepository) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]domain.Order, error) {
	return r.list(ctx, "buyer_id", buyerID, limit)
}

func (r *orderRepository) ListBySeller(ctx context.Context, sellerID string, limit int) ([]domain.Order, error) {
	return r.list(ctx, "seller_id", sellerID, limit)
}

func (r *orderRepository) list(ctx context.Context, column, value string, limit int) ([]domain.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM b2b_orders
		WHERE ` + column + ` = $1 AND NOT is_deleted
		ORDER BY created_at DESC, id DESC
	`
	args := []any{value}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	_ = rows.Close()

	// Позиции читаем после закрытия курсора: в транзакции одно соединение.
	for i := range orders {
		items, err := r.loadItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func (r *orderRepository) saveItems(ctx context.Context, order domain.Order) error {
	for _, item := range order.Items {
		if _, err := r.q.ExecContext(ctx, `
			INSERT INTO b2b_order_items (
				id, order_id, batch_id, quantity_ordered, quantity_delivered, unit_price, is_deleted, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (id) DO UPDATE
			SET quantity_delivered = EXCLUDED.quantity_delivered,
			    is_deleted = EXCLUDED.is_deleted
		`,
			item.ID, order.ID, item.BatchID, item.QuantityOrdered, item.QuantityDelivered,
			item.UnitPrice, item.Deleted, item.CreatedAt,
		); err != nil {
			return fmt.Errorf("save order item %s: %w", item.ID, classify(ctx, err))
		}
	}
	return nil
}

func (r *orderRepository) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, batch_id, quantity_ordered, quantity_delivered, unit_price, is_deleted, created_at
		FROM b2b_order_items
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(
			&item.ID, &item.BatchID, &item.QuantityOrdered, &item.QuantityDelivered,
			&item.UnitPrice, &item.Deleted, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return items, nil
}

func (r *orderRepository) exists(ctx context.Context, orderID string) (bool, error) {
	var id string
	err := r.q.QueryRowContext(ctx, `SELECT id FROM b2b_orders WHERE id = $1 AND NOT is_deleted`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order         domain.Order
		status        string
		paymentStatus string
	)
	if err := row.Scan(
		&order.ID, &order.SellerID, &order.BuyerID, &status,
		&order.TotalAmount, &order.CreditUsed, &paymentStatus,
		&order.PriceOverrideApproved, &order.Notes, &order.Deleted, &order.Version,
		&order.CreatedBy, &order.UpdatedBy, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
