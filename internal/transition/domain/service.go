package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
)

// Service applies classified subscription transitions and runs the periodic
// sweeps that complete deferred ones.
type Service interface {
	// Apply classifies ev against the account's live paid subscriptions and
	// runs the matching handler. RENEWAL is acknowledged without effect.
	Apply(ctx context.Context, ev Event, plan config.Plan) (Outcome, error)
	HandleNew(ctx context.Context, ev Event, plan config.Plan) (Outcome, error)
	HandleUpgrade(ctx context.Context, ev Event, plan config.Plan, current subscriptiondomain.Subscription) (Outcome, error)
	HandleDowngrade(ctx context.Context, ev Event, plan config.Plan, current subscriptiondomain.Subscription) (Outcome, error)
	HandleRenewal(ctx context.Context, ev Event, plan config.Plan, sub subscriptiondomain.Subscription) (Outcome, error)
	HandleCancel(ctx context.Context, ev Event) (Outcome, error)
	HandleReversal(ctx context.Context, ev Event, kind ReversalKind, plan config.Plan) (Outcome, error)

	ActivatePending(ctx context.Context, limit int) (SweepResult, error)
	DistributeYearly(ctx context.Context, limit int) (SweepResult, error)
	ExpireEnded(ctx context.Context, grace time.Duration, limit int) (SweepResult, error)
}

var ErrInvalidClassification = errors.New("invalid_subscription_transition")
