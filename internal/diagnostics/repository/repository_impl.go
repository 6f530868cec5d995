package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	diagnosticsdomain "github.com/smallbiznis/creditledger/internal/diagnostics/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() diagnosticsdomain.Repository {
	return &repo{}
}

const grantTypes = `'purchase', 'monthly_renewal', 'upgrade_bonus', 'transfer', 'fix'`

func (r *repo) SubscriptionCounts(ctx context.Context, db *gorm.DB) ([]diagnosticsdomain.StatusPlanCount, error) {
	var rows []diagnosticsdomain.StatusPlanCount
	err := db.WithContext(ctx).Raw(
		`SELECT status, plan, COUNT(*) AS count
		 FROM subscriptions
		 GROUP BY status, plan
		 ORDER BY status, plan`,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) LedgerTotals(ctx context.Context, db *gorm.DB) ([]diagnosticsdomain.TypeTotal, error) {
	var rows []diagnosticsdomain.TypeTotal
	err := db.WithContext(ctx).Raw(
		`SELECT type, COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count
		 FROM credit_transactions
		 GROUP BY type
		 ORDER BY type`,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) BalanceTotals(ctx context.Context, db *gorm.DB) (diagnosticsdomain.BalanceTotals, error) {
	var totals diagnosticsdomain.BalanceTotals
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS accounts, COALESCE(SUM(credit_balance), 0) AS total
		 FROM account_profiles`,
	).Scan(&totals).Error
	return totals, err
}

func (r *repo) BalanceMismatches(ctx context.Context, db *gorm.DB, accountID string, at time.Time) ([]diagnosticsdomain.BalanceRow, error) {
	filter, args := accountFilter("account_id", accountID)
	query := `SELECT l.account_id, COALESCE(p.credit_balance, 0) AS cached, l.ledger
		 FROM (
			SELECT account_id,
			       COALESCE(SUM(CASE WHEN expires_at IS NULL OR expires_at > ? THEN amount ELSE 0 END), 0) AS ledger
			FROM credit_transactions
			WHERE 1 = 1` + filter + `
			GROUP BY account_id
		 ) l
		 LEFT JOIN account_profiles p ON p.account_id = l.account_id
		 WHERE COALESCE(p.credit_balance, 0) <> l.ledger
		 ORDER BY l.account_id`

	var rows []diagnosticsdomain.BalanceRow
	err := db.WithContext(ctx).Raw(query, append([]any{at}, args...)...).Scan(&rows).Error
	return rows, err
}

func (r *repo) NegativeBalances(ctx context.Context, db *gorm.DB, accountID string) ([]diagnosticsdomain.BalanceRow, error) {
	filter, args := accountFilter("account_id", accountID)
	var rows []diagnosticsdomain.BalanceRow
	err := db.WithContext(ctx).Raw(
		`SELECT account_id, credit_balance AS cached
		 FROM account_profiles
		 WHERE credit_balance < 0`+filter+`
		 ORDER BY account_id`,
		args...,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) MultipleActivePaid(ctx context.Context, db *gorm.DB, accountID string) ([]diagnosticsdomain.PlanCountRow, error) {
	filter, args := accountFilter("account_id", accountID)
	var rows []diagnosticsdomain.PlanCountRow
	err := db.WithContext(ctx).Raw(
		`SELECT account_id, plan, COUNT(*) AS count
		 FROM subscriptions
		 WHERE status IN ('active', 'expiring') AND plan IN ('monthly', 'yearly')`+filter+`
		 GROUP BY account_id, plan
		 HAVING COUNT(*) > 1
		 ORDER BY account_id, plan`,
		args...,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) MissingGrants(ctx context.Context, db *gorm.DB, accountID string, subscriptionID *snowflake.ID) ([]diagnosticsdomain.MissingGrantRow, error) {
	filter, args := accountFilter("o.account_id", accountID)
	if subscriptionID != nil {
		filter += ` AND o.subscription_id = ?`
		args = append(args, *subscriptionID)
	}
	var rows []diagnosticsdomain.MissingGrantRow
	err := db.WithContext(ctx).Raw(
		`SELECT o.account_id, o.external_order_id, o.product_id, o.subscription_id, o.credits
		 FROM orders o
		 WHERE o.status = 'completed' AND o.credits > 0`+filter+`
		   AND NOT EXISTS (
			SELECT 1 FROM credit_transactions t
			WHERE t.account_id = o.account_id
			  AND t.order_ref = o.external_order_id
			  AND t.type IN (`+grantTypes+`)
		   )
		 ORDER BY o.paid_at, o.id`,
		args...,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) StalePending(ctx context.Context, db *gorm.DB, accountID string, before time.Time) ([]diagnosticsdomain.PendingRow, error) {
	filter, args := accountFilter("account_id", accountID)
	var rows []diagnosticsdomain.PendingRow
	err := db.WithContext(ctx).Raw(
		`SELECT account_id, external_id, start_at
		 FROM subscriptions
		 WHERE status = 'pending' AND start_at < ?`+filter+`
		 ORDER BY start_at`,
		append([]any{before}, args...)...,
	).Scan(&rows).Error
	return rows, err
}

func accountFilter(column, accountID string) (string, []any) {
	if accountID == "" {
		return "", nil
	}
	return " AND " + column + " = ?", []any{accountID}
}
