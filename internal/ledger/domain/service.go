package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
)

type AppendRequest struct {
	AccountID      string
	Type           TransactionType
	Amount         int64
	OrderRef       string
	ExpiresAt      *time.Time
	TaskID         string
	EventType      string
	SubscriptionID *snowflake.ID
	Metadata       map[string]any
}

type AppendResult struct {
	Transaction Transaction
	Balance     int64
}

type ListRequest struct {
	AccountID string
	PageToken string
	PageSize  int32
}

type ListResponse struct {
	pagination.PageInfo
	Transactions []Transaction `json:"transactions"`
}

type ResyncResult struct {
	AccountID string `json:"account_id"`
	Before    int64  `json:"before"`
	After     int64  `json:"after"`
	Drift     int64  `json:"drift"`
}

// Service appends to the ledger and keeps the cached balance in step.
type Service interface {
	Append(ctx context.Context, req AppendRequest) (AppendResult, error)
	Balance(ctx context.Context, accountID string) (int64, error)
	ActiveSum(ctx context.Context, accountID string) (int64, error)
	FindByTask(ctx context.Context, accountID, taskID string) (*Transaction, error)
	FindPurchaseForOrder(ctx context.Context, accountID, orderRef string) (*Transaction, error)
	FindReversal(ctx context.Context, accountID string, txType TransactionType, orderRef string) (*Transaction, error)
	FindRecentPurchase(ctx context.Context, accountID string, amount int64, window time.Duration) (*Transaction, error)
	HasTransactionInMonth(ctx context.Context, accountID string, types []TransactionType, subscriptionID *snowflake.ID, at time.Time) (bool, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	Resync(ctx context.Context, accountID string) (ResyncResult, error)
	AccountIDs(ctx context.Context) ([]string, error)
}

var (
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidType          = errors.New("invalid_transaction_type")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrDuplicateTransaction = errors.New("duplicate_transaction")
	ErrAccountNotFound      = errors.New("account_not_found")
)

// MonthBounds returns the UTC calendar month containing at as [start, end).
func MonthBounds(at time.Time) (time.Time, time.Time) {
	at = at.UTC()
	start := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
