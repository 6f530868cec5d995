package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, account_id, plan, product_id, status, start_at, end_at, external_id,
	 credits, grant_schedule, last_granted_at, created_at, updated_at`

var liveStatuses = []string{
	string(subscriptiondomain.StatusActive),
	string(subscriptiondomain.StatusExpiring),
}

var paidPlans = []string{
	string(subscriptiondomain.PlanMonthly),
	string(subscriptiondomain.PlanYearly),
}

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, external_id) DO NOTHING`,
		subscription.ID,
		subscription.AccountID,
		string(subscription.Plan),
		subscription.ProductID,
		string(subscription.Status),
		subscription.StartAt,
		subscription.EndAt,
		subscription.ExternalID,
		subscription.Credits,
		string(subscription.GrantSchedule),
		subscription.LastGrantedAt,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return findOne(ctx, db,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`,
		id,
	)
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, accountID, externalID string) (*subscriptiondomain.Subscription, error) {
	return findOne(ctx, db,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions WHERE account_id = ? AND external_id = ?`,
		accountID, externalID,
	)
}

func (r *repo) FindAnyByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*subscriptiondomain.Subscription, error) {
	return findOne(ctx, db,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions WHERE external_id = ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		externalID,
	)
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID string) ([]subscriptiondomain.Subscription, error) {
	return findMany(ctx, db,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions WHERE account_id = ?
		 ORDER BY created_at ASC, id ASC`,
		accountID,
	)
}

func (r *repo) ListLivePaid(ctx context.Context, db *gorm.DB, accountID string, at time.Time) ([]subscriptiondomain.Subscription, error) {
	return findMany(ctx, db,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE account_id = ? AND status IN ? AND plan IN ? AND start_at <= ? AND end_at > ?
		 ORDER BY created_at ASC, id ASC`,
		accountID, liveStatuses, paidPlans, at, at,
	)
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to subscriptiondomain.Status, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), at, id, string(from),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) UpdateEndAt(ctx context.Context, db *gorm.DB, id snowflake.ID, endAt, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET end_at = ?, updated_at = ? WHERE id = ?`,
		endAt, at, id,
	).Error
}

func (r *repo) MarkGranted(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET last_granted_at = ?, updated_at = ? WHERE id = ?`,
		at, at, id,
	).Error
}

func (r *repo) ListPendingDue(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	return findMany(ctx, db,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = ? AND start_at <= ?
		 ORDER BY start_at ASC, id ASC
		 LIMIT ?`,
		string(subscriptiondomain.StatusPending), at, limit,
	)
}

func (r *repo) ListEnded(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	return findMany(ctx, db,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status IN ? AND end_at < ?
		 ORDER BY end_at ASC, id ASC
		 LIMIT ?`,
		liveStatuses, at, limit,
	)
}

// ListMonthlyGrantable skips rows already granted in at's calendar month so
// successive batches advance past them.
func (r *repo) ListMonthlyGrantable(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	at = at.UTC()
	monthStart := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	return findMany(ctx, db,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE plan = ? AND grant_schedule = ? AND status IN ? AND start_at <= ? AND end_at > ?
		   AND (last_granted_at IS NULL OR last_granted_at < ?)
		 ORDER BY start_at ASC, id ASC
		 LIMIT ?`,
		string(subscriptiondomain.PlanYearly), string(subscriptiondomain.GrantMonthly), liveStatuses, at, at, monthStart, limit,
	)
}

func findOne(ctx context.Context, db *gorm.DB, sql string, args ...any) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	if err := db.WithContext(ctx).Raw(sql, args...).Scan(&subscription).Error; err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func findMany(ctx context.Context, db *gorm.DB, sql string, args ...any) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	if err := db.WithContext(ctx).Raw(sql, args...).Scan(&subscriptions).Error; err != nil {
		return nil, err
	}
	return subscriptions, nil
}
