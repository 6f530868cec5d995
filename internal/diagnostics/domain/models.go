// Package domain holds read-only audit views over the ledger, subscription
// and order tables, plus the operator repair contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	orderdomain "github.com/smallbiznis/creditledger/internal/order/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
)

type AnomalyKind string

const (
	// cached balance differs from the sum of live transactions
	AnomalyBalanceMismatch AnomalyKind = "balance_mismatch"

	// more than one live subscription of the same paid plan
	AnomalyMultipleActivePaid AnomalyKind = "multiple_active_paid"

	// completed order whose credits never reached the ledger
	AnomalyMissingGrant AnomalyKind = "missing_grant"

	// pending subscription past its start that was never activated
	AnomalyStalePending AnomalyKind = "stale_pending"

	AnomalyNegativeBalance AnomalyKind = "negative_balance"
)

type Anomaly struct {
	Kind      AnomalyKind `json:"kind"`
	AccountID string      `json:"account_id"`
	Reference string      `json:"reference,omitempty"`
	Expected  *int64      `json:"expected,omitempty"`
	Actual    *int64      `json:"actual,omitempty"`
	Detail    string      `json:"detail"`
}

type Summary struct {
	SubscriptionsByStatus map[string]int64 `json:"subscriptions_by_status"`
	SubscriptionsByPlan   map[string]int64 `json:"subscriptions_by_plan"`
	LedgerTotals          map[string]int64 `json:"ledger_totals"`
	LedgerCounts          map[string]int64 `json:"ledger_counts"`
	Accounts              int64            `json:"accounts"`
	TotalCachedBalance    int64            `json:"total_cached_balance"`
	AnomalyCount          int              `json:"anomaly_count"`
	GeneratedAt           time.Time        `json:"generated_at"`
}

type AccountReport struct {
	AccountID     string                            `json:"account_id"`
	CachedBalance int64                             `json:"cached_balance"`
	LedgerBalance int64                             `json:"ledger_balance"`
	Subscriptions []subscriptiondomain.Subscription `json:"subscriptions"`
	Orders        []orderdomain.Order               `json:"orders"`
	Transactions  []ledgerdomain.Transaction        `json:"transactions"`
	Anomalies     []Anomaly                         `json:"anomalies"`
}

type AnomalyRequest struct {
	AccountID string
}

type RepairRequest struct {
	AccountID string `json:"account_id"`
	// SubscriptionID narrows the repair to one external subscription id.
	SubscriptionID string `json:"subscription_id,omitempty"`
}

type Fix struct {
	OrderID           string        `json:"order_id"`
	SubscriptionID    *snowflake.ID `json:"subscription_id,omitempty"`
	Credits           int64         `json:"credits"`
	TransactionNumber string        `json:"transaction_number"`
}

type RepairResult struct {
	AccountID string                    `json:"account_id"`
	Fixes     []Fix                     `json:"fixes"`
	Resync    ledgerdomain.ResyncResult `json:"resync"`
}

// Row shapes returned by the aggregate queries.

type StatusPlanCount struct {
	Status string
	Plan   string
	Count  int64
}

type TypeTotal struct {
	Type  string
	Total int64
	Count int64
}

type BalanceTotals struct {
	Accounts int64
	Total    int64
}

type BalanceRow struct {
	AccountID string
	Cached    int64
	Ledger    int64
}

type PlanCountRow struct {
	AccountID string
	Plan      string
	Count     int64
}

type MissingGrantRow struct {
	AccountID       string
	ExternalOrderID string
	ProductID       string
	SubscriptionID  *snowflake.ID
	Credits         int64
}

type PendingRow struct {
	AccountID  string
	ExternalID string
	StartAt    time.Time
}
