package repository

import (
	"context"
	"time"

	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"gorm.io/gorm"
)

const transactionColumns = `id, account_id, type, transaction_number, order_ref, amount, expires_at,
	 task_id, event_type, subscription_id, metadata, created_at`

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, tx *ledgerdomain.Transaction) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions (`+transactionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		tx.ID,
		tx.AccountID,
		string(tx.Type),
		tx.TransactionNumber,
		tx.OrderRef,
		tx.Amount,
		tx.ExpiresAt,
		tx.TaskID,
		tx.EventType,
		tx.SubscriptionID,
		tx.Metadata,
		tx.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) AdjustBalance(ctx context.Context, db *gorm.DB, accountID string, delta int64, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO account_profiles (account_id, credit_balance, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE
		 SET credit_balance = account_profiles.credit_balance + excluded.credit_balance,
		     updated_at = excluded.updated_at`,
		accountID,
		delta,
		at,
		at,
	).Error
}

func (r *repo) SetBalance(ctx context.Context, db *gorm.DB, accountID string, balance int64, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO account_profiles (account_id, credit_balance, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE
		 SET credit_balance = excluded.credit_balance,
		     updated_at = excluded.updated_at`,
		accountID,
		balance,
		at,
		at,
	).Error
}

func (r *repo) GetBalance(ctx context.Context, db *gorm.DB, accountID string) (int64, bool, error) {
	var profile ledgerdomain.AccountProfile
	err := db.WithContext(ctx).Raw(
		`SELECT account_id, credit_balance, created_at, updated_at
		 FROM account_profiles WHERE account_id = ?`,
		accountID,
	).Scan(&profile).Error
	if err != nil {
		return 0, false, err
	}
	if profile.AccountID == "" {
		return 0, false, nil
	}
	return profile.CreditBalance, true, nil
}

func (r *repo) SumActive(ctx context.Context, db *gorm.DB, accountID string, at time.Time) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM credit_transactions
		 WHERE account_id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		accountID,
		at,
	).Scan(&total).Error
	return total, err
}

func (r *repo) FindByTask(ctx context.Context, db *gorm.DB, accountID, taskID string) (*ledgerdomain.Transaction, error) {
	return r.findOne(ctx, db,
		`SELECT `+transactionColumns+`
		 FROM credit_transactions
		 WHERE account_id = ? AND task_id = ?
		 LIMIT 1`,
		accountID, taskID,
	)
}

func (r *repo) FindByOrderRef(ctx context.Context, db *gorm.DB, accountID, orderRef string, types []ledgerdomain.TransactionType) (*ledgerdomain.Transaction, error) {
	return r.findOne(ctx, db,
		`SELECT `+transactionColumns+`
		 FROM credit_transactions
		 WHERE account_id = ? AND order_ref = ? AND type IN ?
		 ORDER BY created_at ASC
		 LIMIT 1`,
		accountID, orderRef, typeStrings(types),
	)
}

func (r *repo) FindRecentByAmount(ctx context.Context, db *gorm.DB, accountID string, txType ledgerdomain.TransactionType, amount int64, since time.Time) (*ledgerdomain.Transaction, error) {
	return r.findOne(ctx, db,
		`SELECT `+transactionColumns+`
		 FROM credit_transactions
		 WHERE account_id = ? AND type = ? AND amount = ? AND created_at >= ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		accountID, string(txType), amount, since,
	)
}

func (r *repo) FindInRange(ctx context.Context, db *gorm.DB, filter ledgerdomain.RangeFilter) (*ledgerdomain.Transaction, error) {
	query := db.WithContext(ctx).
		Table("credit_transactions").
		Select(transactionColumns).
		Where("account_id = ? AND type IN ? AND created_at >= ? AND created_at < ?",
			filter.AccountID, typeStrings(filter.Types), filter.From, filter.To)
	if filter.SubscriptionID != nil {
		query = query.Where("subscription_id = ?", *filter.SubscriptionID)
	}

	var tx ledgerdomain.Transaction
	if err := query.Order("created_at ASC").Limit(1).Scan(&tx).Error; err != nil {
		return nil, err
	}
	if tx.ID == 0 {
		return nil, nil
	}
	return &tx, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, accountID string, limit int, before *ledgerdomain.ListCursor) ([]ledgerdomain.Transaction, error) {
	query := db.WithContext(ctx).
		Table("credit_transactions").
		Select(transactionColumns).
		Where("account_id = ?", accountID)
	if before != nil {
		query = query.Where("(created_at < ? OR (created_at = ? AND id < ?))",
			before.CreatedAt, before.CreatedAt, before.ID)
	}

	var items []ledgerdomain.Transaction
	err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListAccountIDs(ctx context.Context, db *gorm.DB) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Raw(
		`SELECT account_id FROM credit_transactions
		 UNION
		 SELECT account_id FROM account_profiles
		 ORDER BY account_id`,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, sql string, args ...any) (*ledgerdomain.Transaction, error) {
	var tx ledgerdomain.Transaction
	if err := db.WithContext(ctx).Raw(sql, args...).Scan(&tx).Error; err != nil {
		return nil, err
	}
	if tx.ID == 0 {
		return nil, nil
	}
	return &tx, nil
}

func typeStrings(types []ledgerdomain.TransactionType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}
