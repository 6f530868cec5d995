package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type CreateRequest struct {
	AccountID     string
	Plan          Plan
	ProductID     string
	Status        Status
	StartAt       time.Time
	EndAt         time.Time
	ExternalID    string
	Credits       int64
	GrantSchedule GrantSchedule
	Granted       bool
}

type TransitionReason string

const (
	ReasonUpgrade    TransitionReason = "upgrade"
	ReasonDowngrade  TransitionReason = "downgrade"
	ReasonCancel     TransitionReason = "cancel"
	ReasonRefund     TransitionReason = "refund"
	ReasonDispute    TransitionReason = "dispute"
	ReasonActivation TransitionReason = "activation"
	ReasonEnded      TransitionReason = "period_ended"
	ReasonRepair     TransitionReason = "repair"
)

type Service interface {
	// Create reports false with the existing row when the external id is taken.
	Create(ctx context.Context, req CreateRequest) (Subscription, bool, error)
	GetByID(ctx context.Context, id snowflake.ID) (Subscription, error)
	FindByExternalID(ctx context.Context, accountID, externalID string) (*Subscription, error)
	FindAnyByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	ListByAccount(ctx context.Context, accountID string) ([]Subscription, error)
	ListLivePaid(ctx context.Context, accountID string) ([]Subscription, error)
	Transition(ctx context.Context, id snowflake.ID, target Status, reason TransitionReason) (Subscription, error)
	ExtendPeriod(ctx context.Context, id snowflake.ID, endAt time.Time) error
	MarkGranted(ctx context.Context, id snowflake.ID, at time.Time) error
	ListPendingDue(ctx context.Context, at time.Time, limit int) ([]Subscription, error)
	ListEnded(ctx context.Context, at time.Time, limit int) ([]Subscription, error)
	ListMonthlyGrantable(ctx context.Context, at time.Time, limit int) ([]Subscription, error)
}

var (
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidPlan          = errors.New("invalid_plan")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrInvalidExternalID    = errors.New("invalid_external_id")
	ErrInvalidPeriod        = errors.New("invalid_period")
	ErrInvalidTransition    = errors.New("invalid_status_transition")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrConcurrentTransition = errors.New("concurrent_status_transition")
)
