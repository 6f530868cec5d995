package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	"gorm.io/gorm"
)

// Repository runs the cross-table aggregates. An empty accountID scans
// every account.
type Repository interface {
	SubscriptionCounts(ctx context.Context, db *gorm.DB) ([]StatusPlanCount, error)
	LedgerTotals(ctx context.Context, db *gorm.DB) ([]TypeTotal, error)
	BalanceTotals(ctx context.Context, db *gorm.DB) (BalanceTotals, error)
	BalanceMismatches(ctx context.Context, db *gorm.DB, accountID string, at time.Time) ([]BalanceRow, error)
	NegativeBalances(ctx context.Context, db *gorm.DB, accountID string) ([]BalanceRow, error)
	MultipleActivePaid(ctx context.Context, db *gorm.DB, accountID string) ([]PlanCountRow, error)
	MissingGrants(ctx context.Context, db *gorm.DB, accountID string, subscriptionID *snowflake.ID) ([]MissingGrantRow, error)
	StalePending(ctx context.Context, db *gorm.DB, accountID string, before time.Time) ([]PendingRow, error)
}

type Service interface {
	Summary(ctx context.Context) (Summary, error)
	Anomalies(ctx context.Context, req AnomalyRequest) ([]Anomaly, error)
	Events(ctx context.Context, req paymentdomain.ListEventsRequest) ([]paymentdomain.EventRecord, error)
	AccountReport(ctx context.Context, accountID string) (AccountReport, error)
	// Statement renders the account's ledger as a PDF document.
	Statement(ctx context.Context, accountID string) ([]byte, error)
	Repair(ctx context.Context, req RepairRequest) (RepairResult, error)
	Resync(ctx context.Context, accountID string) (ledgerdomain.ResyncResult, error)
}

var (
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrAccountNotFound      = errors.New("account_not_found")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrRepairInProgress     = errors.New("repair_in_progress")
)
