package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	orderdomain "github.com/smallbiznis/creditledger/internal/order/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	transitiondomain "github.com/smallbiznis/creditledger/internal/transition/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Params struct {
	fx.In

	Log             *zap.Logger
	Clock           clock.Clock
	Catalog         *config.CatalogHolder
	LedgerSvc       ledgerdomain.Service
	OrderSvc        orderdomain.Service
	SubscriptionSvc subscriptiondomain.Service
}

type Service struct {
	log             *zap.Logger
	clock           clock.Clock
	catalog         *config.CatalogHolder
	ledgerSvc       ledgerdomain.Service
	orderSvc        orderdomain.Service
	subscriptionSvc subscriptiondomain.Service
}

func NewService(p Params) transitiondomain.Service {
	return &Service{
		log:             p.Log.Named("transition.service"),
		clock:           p.Clock,
		catalog:         p.Catalog,
		ledgerSvc:       p.LedgerSvc,
		orderSvc:        p.OrderSvc,
		subscriptionSvc: p.SubscriptionSvc,
	}
}

func (s *Service) Apply(ctx context.Context, ev transitiondomain.Event, plan config.Plan) (transitiondomain.Outcome, error) {
	if strings.TrimSpace(ev.AccountID) == "" {
		return transitiondomain.Outcome{}, transitiondomain.ErrMissingAccount
	}

	live, err := s.subscriptionSvc.ListLivePaid(ctx, ev.AccountID)
	if err != nil {
		return transitiondomain.Outcome{}, err
	}
	classification := transitiondomain.Classify(live, subscriptiondomain.Plan(plan.Kind), s.clock.Now())

	log := s.eventLogger(ctx, ev).With(zap.String("transition", string(classification.Kind)))
	log.Info("transition_classified", zap.String("reason", classification.Reason))

	switch classification.Kind {
	case transitiondomain.KindNew:
		return s.HandleNew(ctx, ev, plan)
	case transitiondomain.KindUpgrade:
		return s.HandleUpgrade(ctx, ev, plan, *classification.Current)
	case transitiondomain.KindDowngrade:
		return s.HandleDowngrade(ctx, ev, plan, *classification.Current)
	case transitiondomain.KindRenewal:
		// renewals are granted by the dedicated renewal event only
		return transitiondomain.Outcome{
			Kind:           transitiondomain.KindRenewal,
			SubscriptionID: classification.Current.ID,
			Message:        "renewal_deferred",
		}, nil
	default:
		return transitiondomain.Outcome{Kind: transitiondomain.KindInvalid, Message: classification.Reason},
			fmt.Errorf("%w: %s", transitiondomain.ErrInvalidClassification, classification.Reason)
	}
}

func (s *Service) HandleNew(ctx context.Context, ev transitiondomain.Event, plan config.Plan) (transitiondomain.Outcome, error) {
	now := s.clock.Now()
	subPlan := subscriptiondomain.Plan(plan.Kind)
	externalID := externalSubscriptionID(ev)
	if externalID == "" {
		return transitiondomain.Outcome{}, transitiondomain.ErrMissingSubscriptionRef
	}

	endAt := subPlan.Term(now)
	amount := plan.Credits
	schedule := subscriptiondomain.GrantUpfront
	var expiresAt *time.Time

	switch subPlan {
	case subscriptiondomain.PlanMonthly:
		expiresAt = &endAt
	case subscriptiondomain.PlanYearly:
		amount = plan.Recurring()
		schedule = subscriptiondomain.GrantMonthly
	case subscriptiondomain.PlanOnetime:
		cycleEnd, err := s.paidCycleEnd(ctx, ev.AccountID)
		if err != nil {
			return transitiondomain.Outcome{}, err
		}
		expiresAt = cycleEnd
	}

	sub, created, err := s.subscriptionSvc.Create(ctx, subscriptiondomain.CreateRequest{
		AccountID:     ev.AccountID,
		Plan:          subPlan,
		ProductID:     plan.ProductID,
		Status:        subscriptiondomain.StatusActive,
		StartAt:       now,
		EndAt:         endAt,
		ExternalID:    externalID,
		Credits:       plan.Credits,
		GrantSchedule: schedule,
		Granted:       true,
	})
	if err != nil {
		return transitiondomain.Outcome{}, err
	}
	if !created {
		return s.replayed(ctx, ev, transitiondomain.KindNew, sub), nil
	}

	tx, err := s.grantAndRecord(ctx, ev, plan, sub, ledgerdomain.AppendRequest{
		AccountID:      ev.AccountID,
		Type:           ledgerdomain.TypePurchase,
		Amount:         amount,
		OrderRef:       ev.OrderID,
		ExpiresAt:      expiresAt,
		EventType:      ev.Type,
		SubscriptionID: &sub.ID,
		Metadata: map[string]any{
			"transition": string(transitiondomain.KindNew),
			"product_id": plan.ProductID,
			"plan":       plan.Kind,
		},
	})
	if err != nil {
		return transitiondomain.Outcome{}, err
	}

	return transitiondomain.Outcome{
		Kind:              transitiondomain.KindNew,
		Applied:           true,
		Credits:           amount,
		Balance:           tx.Balance,
		SubscriptionID:    sub.ID,
		TransactionNumber: tx.Transaction.TransactionNumber,
	}, nil
}

// HandleUpgrade replaces a live monthly plan with a yearly one. The full
// yearly allotment lands on top of the existing balance; the unused monthly
// remainder is forfeited.
func (s *Service) HandleUpgrade(
	ctx context.Context,
	ev transitiondomain.Event,
	plan config.Plan,
	current subscriptiondomain.Subscription,
) (transitiondomain.Outcome, error) {
	if plan.Kind != config.PlanKindYearly || current.Plan != subscriptiondomain.PlanMonthly {
		return transitiondomain.Outcome{}, transitiondomain.ErrPlanMismatch
	}
	externalID := externalSubscriptionID(ev)
	if externalID == "" {
		return transitiondomain.Outcome{}, transitiondomain.ErrMissingSubscriptionRef
	}

	now := s.clock.Now()
	balanceBefore, err := s.ledgerSvc.Balance(ctx, ev.AccountID)
	if err != nil {
		return transitiondomain.Outcome{}, err
	}

	yearly, created, err := s.subscriptionSvc.Create(ctx, subscriptiondomain.CreateRequest{
		AccountID:     ev.AccountID,
		Plan:          subscriptiondomain.PlanYearly,
		ProductID:     plan.ProductID,
		Status:        subscriptiondomain.StatusActive,
		StartAt:       now,
		ExternalID:    externalID,
		Credits:       plan.Credits,
		GrantSchedule: subscriptiondomain.GrantUpfront,
		Granted:       true,
	})
	if err != nil {
		return transitiondomain.Outcome{}, err
	}
	if !created {
		return s.replayed(ctx, ev, transitiondomain.KindUpgrade, yearly), nil
	}

	if _, err := s.subscriptionSvc.Transition(ctx, current.ID, subscriptiondomain.StatusCancelled, subscriptiondomain.ReasonUpgrade); err != nil {
		return transitiondomain.Outcome{}, err
	}

	tx, err := s.grantAndRecord(ctx, ev, plan, yearly, ledgerdomain.AppendRequest{
		AccountID:      ev.AccountID,
		Type:           ledgerdomain.TypePurchase,
		Amount:         plan.Credits,
		OrderRef:       ev.OrderID,
		EventType:      ev.Type,
		SubscriptionID: &yearly.ID,
		Metadata: map[string]any{
			"transition":            string(transitiondomain.KindUpgrade),
			"product_id":            plan.ProductID,
			"previous_subscription": current.ID.String(),
			"balance_before":        balanceBefore,
		},
	})
	if err != nil {
		return transitiondomain.Outcome{}, err
	}

	return transitiondomain.Outcome{
		Kind:              transitiondomain.KindUpgrade,
		Applied:           true,
		Credits:           plan.Credits,
		Balance:           tx.Balance,
		SubscriptionID:    yearly.ID,
		TransactionNumber: tx.Transaction.TransactionNumber,
	}, nil
}

// HandleDowngrade schedules a monthly plan to start the day after the yearly
// period ends. No credits move until the activation sweep runs. A second
// monthly checkout while one is already scheduled is not applied.
func (s *Service) HandleDowngrade(
	ctx context.Context,
	ev transitiondomain.Event,
	plan config.Plan,
	current subscriptiondomain.Subscription,
) (transitiondomain.Outcome, error) {
	if plan.Kind != config.PlanKindMonthly || current.Plan != subscriptiondomain.PlanYearly {
		return transitiondomain.Outcome{}, transitiondomain.ErrPlanMismatch
	}
	externalID := externalSubscriptionID(ev)
	if externalID == "" {
		return transitiondomain.Outcome{}, transitiondomain.ErrMissingSubscriptionRef
	}

	// one scheduled monthly per account; the yearly stays live while expiring
	existing, err := s.subscriptionSvc.ListByAccount(ctx, ev.AccountID)
	if err != nil {
		return transitiondomain.Outcome{}, err
	}
	for _, sub := range existing {
		if sub.Status != subscriptiondomain.StatusPending || sub.Plan != subscriptiondomain.PlanMonthly {
			continue
		}
		if sub.ExternalID == externalID {
			return s.replayed(ctx, ev, transitiondomain.KindDowngrade, sub), nil
		}
		s.eventLogger(ctx, ev).Warn("downgrade_already_scheduled",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("rejected_subscription", externalID),
		)
		return transitiondomain.Outcome{Kind: transitiondomain.KindDowngrade, SubscriptionID: sub.ID, Message: "downgrade_already_scheduled"}, nil
	}

	monthlyStart := current.EndAt.AddDate(0, 0, 1)
	pending, created, err := s.subscriptionSvc.Create(ctx, subscriptiondomain.CreateRequest{
		AccountID:  ev.AccountID,
		Plan:       subscriptiondomain.PlanMonthly,
		ProductID:  plan.ProductID,
		Status:     subscriptiondomain.StatusPending,
		StartAt:    monthlyStart,
		ExternalID: externalID,
		Credits:    plan.Credits,
	})
	if err != nil {
		return transitiondomain.Outcome{}, err
	}
	if !created {
		return s.replayed(ctx, ev, transitiondomain.KindDowngrade, pending), nil
	}

	if _, err := s.subscriptionSvc.Transition(ctx, current.ID, subscriptiondomain.StatusExpiring, subscriptiondomain.ReasonDowngrade); err != nil {
		return transitiondomain.Outcome{}, err
	}

	tx, err := s.grantAndRecord(ctx, ev, config.Plan{ProductID: plan.ProductID}, pending, ledgerdomain.AppendRequest{
		AccountID:      ev.AccountID,
		Type:           ledgerdomain.TypeTransfer,
		Amount:         0,
		OrderRef:       ev.OrderID,
		EventType:      ev.Type,
		SubscriptionID: &pending.ID,
		Metadata: map[string]any{
			"transition":           string(transitiondomain.KindDowngrade),
			"product_id":           plan.ProductID,
			"yearly_subscription":  current.ID.String(),
			"monthly_activates_at": monthlyStart.Format(time.RFC3339),
		},
	})
	if err != nil {
		return transitiondomain.Outcome{}, err
	}

	return transitiondomain.Outcome{
		Kind:              transitiondomain.KindDowngrade,
		Applied:           true,
		Balance:           tx.Balance,
		SubscriptionID:    pending.ID,
		TransactionNumber: tx.Transaction.TransactionNumber,
	}, nil
}

// grantAndRecord appends the ledger transaction and writes the order row
// concurrently. A failure of either leaves a missing_grant anomaly that the
// repair endpoint can settle; the subscription row already blocks replays.
func (s *Service) grantAndRecord(
	ctx context.Context,
	ev transitiondomain.Event,
	plan config.Plan,
	sub subscriptiondomain.Subscription,
	req ledgerdomain.AppendRequest,
) (ledgerdomain.AppendResult, error) {
	var result ledgerdomain.AppendResult
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		res, err := s.ledgerSvc.Append(gctx, req)
		result = res
		return err
	})
	if ev.OrderID != "" {
		group.Go(func() error {
			return s.recordOrder(gctx, ev, plan, sub, req.Amount)
		})
	}

	if err := group.Wait(); err != nil {
		s.eventLogger(ctx, ev).Error("transition_write_failed",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err),
		)
		return ledgerdomain.AppendResult{}, err
	}
	return result, nil
}

func (s *Service) recordOrder(ctx context.Context, ev transitiondomain.Event, plan config.Plan, sub subscriptiondomain.Subscription, credits int64) error {
	if ev.OrderID == "" {
		return nil
	}
	_, _, err := s.orderSvc.Create(ctx, orderdomain.CreateRequest{
		AccountID:       ev.AccountID,
		ExternalOrderID: ev.OrderID,
		ProductID:       firstNonEmpty(plan.ProductID, ev.ProductID),
		CheckoutID:      ev.CheckoutID,
		SubscriptionID:  &sub.ID,
		Credits:         credits,
		Amount:          ev.Amount,
		Currency:        ev.Currency,
		PaidAt:          ev.OccurredAt,
	})
	return err
}

func (s *Service) replayed(ctx context.Context, ev transitiondomain.Event, kind transitiondomain.Kind, sub subscriptiondomain.Subscription) transitiondomain.Outcome {
	s.eventLogger(ctx, ev).Info("transition_replay_ignored",
		zap.String("transition", string(kind)),
		zap.String("subscription_id", sub.ID.String()),
	)
	return transitiondomain.Outcome{Kind: kind, SubscriptionID: sub.ID, Message: "already_applied"}
}

// paidCycleEnd returns the latest period end among live paid plans, or nil.
func (s *Service) paidCycleEnd(ctx context.Context, accountID string) (*time.Time, error) {
	live, err := s.subscriptionSvc.ListLivePaid(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var latest *time.Time
	for i := range live {
		if latest == nil || live[i].EndAt.After(*latest) {
			end := live[i].EndAt
			latest = &end
		}
	}
	return latest, nil
}

func (s *Service) eventLogger(ctx context.Context, ev transitiondomain.Event) *zap.Logger {
	return logger.WithAccount(logger.WithContext(ctx, s.log), ev.AccountID).With(
		zap.String("event_type", ev.Type),
		zap.String("order_id", ev.OrderID),
		zap.String("subscription_external_id", ev.SubscriptionID),
	)
}

func (s *Service) planFor(sub subscriptiondomain.Subscription) (config.Plan, bool) {
	if s.catalog == nil {
		return config.Plan{}, false
	}
	plan, err := s.catalog.Get().Lookup(sub.ProductID)
	if errors.Is(err, config.ErrUnknownProduct) {
		return s.catalog.Get().FirstOfKind(string(sub.Plan))
	}
	return plan, err == nil
}

func externalSubscriptionID(ev transitiondomain.Event) string {
	if id := strings.TrimSpace(ev.SubscriptionID); id != "" {
		return id
	}
	if id := strings.TrimSpace(ev.OrderID); id != "" {
		return subscriptiondomain.OnetimeExternalID(id)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
