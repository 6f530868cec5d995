package repository

import (
	"context"

	orderdomain "github.com/smallbiznis/creditledger/internal/order/domain"
	"gorm.io/gorm"
)

const orderColumns = `id, account_id, external_order_id, product_id, status, checkout_id,
	 subscription_id, credits, amount, currency, paid_at, created_at`

type repo struct{}

func Provide() orderdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, order *orderdomain.Order) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, external_order_id) DO NOTHING`,
		order.ID,
		order.AccountID,
		order.ExternalOrderID,
		order.ProductID,
		order.Status,
		order.CheckoutID,
		order.SubscriptionID,
		order.Credits,
		order.Amount,
		order.Currency,
		order.PaidAt,
		order.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindCompleted(ctx context.Context, db *gorm.DB, accountID, externalOrderID string) (*orderdomain.Order, error) {
	return findOne(ctx, db,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE account_id = ? AND external_order_id = ? AND status = ?`,
		accountID, externalOrderID, orderdomain.StatusCompleted,
	)
}

func (r *repo) FindCompletedByCheckout(ctx context.Context, db *gorm.DB, accountID, checkoutID string) (*orderdomain.Order, error) {
	return findOne(ctx, db,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE account_id = ? AND checkout_id = ? AND status = ?
		 ORDER BY created_at ASC
		 LIMIT 1`,
		accountID, checkoutID, orderdomain.StatusCompleted,
	)
}

func (r *repo) FindAnyCompleted(ctx context.Context, db *gorm.DB, externalOrderID string) (*orderdomain.Order, error) {
	return findOne(ctx, db,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE external_order_id = ? AND status = ?
		 ORDER BY created_at ASC
		 LIMIT 1`,
		externalOrderID, orderdomain.StatusCompleted,
	)
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID string) ([]orderdomain.Order, error) {
	var orders []orderdomain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM orders WHERE account_id = ?
		 ORDER BY paid_at ASC, id ASC`,
		accountID,
	).Scan(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func findOne(ctx context.Context, db *gorm.DB, sql string, args ...any) (*orderdomain.Order, error) {
	var order orderdomain.Order
	if err := db.WithContext(ctx).Raw(sql, args...).Scan(&order).Error; err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, nil
	}
	return &order, nil
}
