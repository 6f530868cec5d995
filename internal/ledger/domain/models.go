// Package domain holds the credit ledger models. Transactions are append-only;
// the cached account balance is derived from them.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TransactionType string

const (
	TypePurchase       TransactionType = "purchase"
	TypeMonthlyRenewal TransactionType = "monthly_renewal"
	TypeUpgradeBonus   TransactionType = "upgrade_bonus"
	TypeTransfer       TransactionType = "transfer"
	TypeUsage          TransactionType = "usage"
	TypeRefund         TransactionType = "refund"
	TypeDispute        TransactionType = "dispute"
	TypeFix            TransactionType = "fix"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TypePurchase, TypeMonthlyRenewal, TypeUpgradeBonus, TypeTransfer,
		TypeUsage, TypeRefund, TypeDispute, TypeFix:
		return true
	default:
		return false
	}
}

// Transaction is one immutable credit movement. Amount is signed.
type Transaction struct {
	ID                snowflake.ID    `gorm:"primaryKey" json:"id"`
	AccountID         string          `gorm:"type:text;not null;index" json:"account_id"`
	Type              TransactionType `gorm:"type:text;not null" json:"type"`
	TransactionNumber string          `gorm:"type:text;not null;uniqueIndex" json:"transaction_number"`
	OrderRef          *string         `gorm:"type:text" json:"order_ref,omitempty"`
	Amount            int64           `gorm:"not null" json:"amount"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	TaskID            *string         `gorm:"type:text" json:"task_id,omitempty"`
	EventType         *string         `gorm:"type:text" json:"event_type,omitempty"`
	SubscriptionID    *snowflake.ID   `json:"subscription_id,omitempty"`
	Metadata          datatypes.JSON  `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt         time.Time       `gorm:"not null" json:"created_at"`
}

func (Transaction) TableName() string { return "credit_transactions" }

// ActiveAt reports whether the transaction still counts toward the balance.
func (t Transaction) ActiveAt(at time.Time) bool {
	return t.ExpiresAt == nil || t.ExpiresAt.After(at)
}

// AccountProfile carries the cached balance for an account.
type AccountProfile struct {
	AccountID     string    `gorm:"primaryKey;type:text" json:"account_id"`
	CreditBalance int64     `gorm:"not null" json:"credit_balance"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (AccountProfile) TableName() string { return "account_profiles" }
