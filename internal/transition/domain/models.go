package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Event is the handler-facing view of a normalized payment event.
type Event struct {
	Type           string
	AccountID      string
	ProductID      string
	OrderID        string
	CheckoutID     string
	SubscriptionID string
	ReferenceID    string
	Amount         *decimal.Decimal
	Currency       string
	OccurredAt     time.Time
}

// Outcome reports what a handler did. Applied is false for replays and
// deliberate no-ops.
type Outcome struct {
	Kind              Kind         `json:"kind,omitempty"`
	Applied           bool         `json:"applied"`
	Credits           int64        `json:"credits"`
	Balance           int64        `json:"balance"`
	SubscriptionID    snowflake.ID `json:"subscription_id,omitempty"`
	TransactionNumber string       `json:"transaction_number,omitempty"`
	Message           string       `json:"message,omitempty"`
}

type ReversalKind string

const (
	ReversalRefund  ReversalKind = "refund"
	ReversalDispute ReversalKind = "dispute"
)

// SweepResult summarizes one scheduler pass.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

var (
	ErrMissingAccount         = errors.New("missing_account")
	ErrMissingSubscriptionRef = errors.New("missing_subscription_reference")
	ErrPlanMismatch           = errors.New("plan_mismatch")
)
