// Package domain holds order rows. Orders exist for idempotency and audit
// only; the ledger is authoritative for balances.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const StatusCompleted = "completed"

type Order struct {
	ID              snowflake.ID        `gorm:"primaryKey" json:"id"`
	AccountID       string              `gorm:"type:text;not null" json:"account_id"`
	ExternalOrderID string              `gorm:"type:text;not null" json:"external_order_id"`
	ProductID       string              `gorm:"type:text;not null" json:"product_id"`
	Status          string              `gorm:"type:text;not null" json:"status"`
	CheckoutID      *string             `gorm:"type:text" json:"checkout_id,omitempty"`
	SubscriptionID  *snowflake.ID       `json:"subscription_id,omitempty"`
	Credits         int64               `gorm:"not null" json:"credits"`
	Amount          decimal.NullDecimal `gorm:"type:numeric(18,4)" json:"amount"`
	Currency        *string             `gorm:"type:text" json:"currency,omitempty"`
	PaidAt          time.Time           `gorm:"not null" json:"paid_at"`
	CreatedAt       time.Time           `gorm:"not null" json:"created_at"`
}

func (Order) TableName() string { return "orders" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, order *Order) (bool, error)
	FindCompleted(ctx context.Context, db *gorm.DB, accountID, externalOrderID string) (*Order, error)
	FindCompletedByCheckout(ctx context.Context, db *gorm.DB, accountID, checkoutID string) (*Order, error)
	FindAnyCompleted(ctx context.Context, db *gorm.DB, externalOrderID string) (*Order, error)
	ListByAccount(ctx context.Context, db *gorm.DB, accountID string) ([]Order, error)
}

type CreateRequest struct {
	AccountID       string
	ExternalOrderID string
	ProductID       string
	CheckoutID      string
	SubscriptionID  *snowflake.ID
	Credits         int64
	Amount          *decimal.Decimal
	Currency        string
	PaidAt          time.Time
}

type Service interface {
	// Create reports false when the order id is already recorded for the account.
	Create(ctx context.Context, req CreateRequest) (Order, bool, error)
	FindCompleted(ctx context.Context, accountID, externalOrderID string) (*Order, error)
	FindCompletedByCheckout(ctx context.Context, accountID, checkoutID string) (*Order, error)
	FindAnyCompleted(ctx context.Context, externalOrderID string) (*Order, error)
	ListByAccount(ctx context.Context, accountID string) ([]Order, error)
}

var (
	ErrInvalidAccount = errors.New("invalid_account")
	ErrInvalidOrderID = errors.New("invalid_order_id")
	ErrInvalidProduct = errors.New("invalid_product")
)
