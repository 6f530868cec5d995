package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// RangeFilter narrows a transaction lookup to types and a creation window.
type RangeFilter struct {
	AccountID      string
	Types          []TransactionType
	SubscriptionID *snowflake.ID
	From           time.Time
	To             time.Time
}

type ListCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type Repository interface {
	// Insert reports false when a unique key (transaction number or
	// account/task pair) already holds a row.
	Insert(ctx context.Context, db *gorm.DB, tx *Transaction) (bool, error)
	AdjustBalance(ctx context.Context, db *gorm.DB, accountID string, delta int64, at time.Time) error
	SetBalance(ctx context.Context, db *gorm.DB, accountID string, balance int64, at time.Time) error
	GetBalance(ctx context.Context, db *gorm.DB, accountID string) (int64, bool, error)
	SumActive(ctx context.Context, db *gorm.DB, accountID string, at time.Time) (int64, error)
	FindByTask(ctx context.Context, db *gorm.DB, accountID, taskID string) (*Transaction, error)
	FindByOrderRef(ctx context.Context, db *gorm.DB, accountID, orderRef string, types []TransactionType) (*Transaction, error)
	FindRecentByAmount(ctx context.Context, db *gorm.DB, accountID string, txType TransactionType, amount int64, since time.Time) (*Transaction, error)
	FindInRange(ctx context.Context, db *gorm.DB, filter RangeFilter) (*Transaction, error)
	List(ctx context.Context, db *gorm.DB, accountID string, limit int, before *ListCursor) ([]Transaction, error)
	ListAccountIDs(ctx context.Context, db *gorm.DB) ([]string, error)
}
