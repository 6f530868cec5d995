package domain

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditledger/internal/idempotency"
	transitiondomain "github.com/smallbiznis/creditledger/internal/transition/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	EventCheckoutCompleted     = "checkout.completed"
	EventSubscriptionActive    = "subscription.active"
	EventSubscriptionPaid      = "subscription.paid"
	EventSubscriptionCancelled = "subscription.cancelled"
	EventSubscriptionExpired   = "subscription.expired"
	EventSubscriptionUpdate    = "subscription.update"
	EventSubscriptionTrialing  = "subscription.trialing"
	EventRefundCreated         = "refund.created"
	EventDisputeCreated        = "dispute.created"
)

var knownEvents = map[string]struct{}{
	EventCheckoutCompleted:     {},
	EventSubscriptionActive:    {},
	EventSubscriptionPaid:      {},
	EventSubscriptionCancelled: {},
	EventSubscriptionExpired:   {},
	EventSubscriptionUpdate:    {},
	EventSubscriptionTrialing:  {},
	EventRefundCreated:         {},
	EventDisputeCreated:        {},
}

// NormalizeEventType lowercases the type and folds the processor's US
// spelling of "canceled".
func NormalizeEventType(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "subscription.canceled" {
		return EventSubscriptionCancelled
	}
	return value
}

func IsKnownEvent(eventType string) bool {
	_, ok := knownEvents[eventType]
	return ok
}

// Outcome is the journal status of one delivery.
type Outcome string

const (
	OutcomeReceived  Outcome = "received"
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// EventRecord is one row of the webhook journal. The journal is audit only.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	AccountID       string         `json:"account_id,omitempty"`
	ProductID       string         `json:"product_id,omitempty"`
	ExternalOrderID string         `json:"external_order_id,omitempty"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Outcome         Outcome        `json:"outcome" gorm:"type:text;not null"`
	Error           *string        `json:"error,omitempty"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
}

func (EventRecord) TableName() string { return "webhook_events" }

// PaymentEvent is the canonical event produced by a processor adapter.
type PaymentEvent struct {
	ID             string
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
	RawPayload     []byte
}

// TransitionEvent converts the canonical event into the handler view.
func (e PaymentEvent) TransitionEvent() transitiondomain.Event {
	return transitiondomain.Event{
		Type:           e.Type,
		AccountID:      e.AccountID,
		ProductID:      e.ProductID,
		OrderID:        e.OrderID,
		CheckoutID:     e.CheckoutID,
		SubscriptionID: e.SubscriptionID,
		ReferenceID:    e.ReferenceID,
		Amount:         e.Amount,
		Currency:       e.Currency,
		OccurredAt:     e.OccurredAt,
	}
}

// Adapter verifies and decodes one processor's webhook deliveries.
type Adapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

// Result is reported back to the processor on a 200.
type Result struct {
	EventType  string                    `json:"event_type"`
	Status     Outcome                   `json:"status"`
	Message    string                    `json:"message"`
	Transition *transitiondomain.Outcome `json:"transition,omitempty"`
	Evidence   *idempotency.Evidence     `json:"evidence,omitempty"`
}

type ListEventsRequest struct {
	EventType string
	AccountID string
	Limit     int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *EventRecord) error
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome Outcome, errMsg *string, processedAt time.Time) error
	ListRecent(ctx context.Context, db *gorm.DB, req ListEventsRequest) ([]EventRecord, error)
}

type Service interface {
	// Ingest verifies, parses and applies one raw webhook delivery.
	Ingest(ctx context.Context, payload []byte, headers http.Header) (Result, error)
	ProcessEvent(ctx context.Context, event *PaymentEvent) (Result, error)
	ListEvents(ctx context.Context, req ListEventsRequest) ([]EventRecord, error)
}
