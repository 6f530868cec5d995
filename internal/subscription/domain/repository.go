package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, accountID, externalID string) (*Subscription, error)
	FindAnyByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Subscription, error)
	ListByAccount(ctx context.Context, db *gorm.DB, accountID string) ([]Subscription, error)
	ListLivePaid(ctx context.Context, db *gorm.DB, accountID string, at time.Time) ([]Subscription, error)
	// UpdateStatus only applies while the row still holds from.
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, at time.Time) (bool, error)
	UpdateEndAt(ctx context.Context, db *gorm.DB, id snowflake.ID, endAt, at time.Time) error
	MarkGranted(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	ListPendingDue(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]Subscription, error)
	ListEnded(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]Subscription, error)
	ListMonthlyGrantable(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]Subscription, error)
}
