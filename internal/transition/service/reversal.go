package service

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/creditledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	transitiondomain "github.com/smallbiznis/creditledger/internal/transition/domain"
	"go.uber.org/zap"
)

// HandleCancel marks the referenced subscription cancelled. Processor-side
// expiry lands here too. Credits already granted stay spendable until they
// expire.
func (s *Service) HandleCancel(ctx context.Context, ev transitiondomain.Event) (transitiondomain.Outcome, error) {
	const target = subscriptiondomain.StatusCancelled

	log := s.eventLogger(ctx, ev)
	sub, err := s.lookupSubscription(ctx, ev)
	if err != nil {
		return transitiondomain.Outcome{}, err
	}
	if sub == nil {
		log.Warn("cancel_subscription_not_found")
		return transitiondomain.Outcome{Message: "subscription_not_found"}, nil
	}
	if sub.Status == target {
		return transitiondomain.Outcome{SubscriptionID: sub.ID, Message: "already_cancelled"}, nil
	}

	updated, err := s.subscriptionSvc.Transition(ctx, sub.ID, target, subscriptiondomain.ReasonCancel)
	if errors.Is(err, subscriptiondomain.ErrInvalidTransition) {
		log.Warn("cancel_transition_rejected",
			zap.String("status", string(sub.Status)),
			zap.String("target", string(target)),
			zap.Error(err),
		)
		return transitiondomain.Outcome{SubscriptionID: sub.ID, Message: "transition_rejected"}, nil
	}
	if err != nil {
		return transitiondomain.Outcome{}, err
	}
	return transitiondomain.Outcome{Applied: true, SubscriptionID: updated.ID, Message: "cancelled"}, nil
}

// HandleReversal appends a negative transaction for the plan's credit value.
// The balance is not clamped and may go negative.
func (s *Service) HandleReversal(
	ctx context.Context,
	ev transitiondomain.Event,
	kind transitiondomain.ReversalKind,
	plan config.Plan,
) (transitiondomain.Outcome, error) {
	if strings.TrimSpace(ev.AccountID) == "" {
		return transitiondomain.Outcome{}, transitiondomain.ErrMissingAccount
	}

	txType := ledgerdomain.TypeRefund
	target := subscriptiondomain.StatusCancelled
	reason := subscriptiondomain.ReasonRefund
	if kind == transitiondomain.ReversalDispute {
		txType = ledgerdomain.TypeDispute
		target = subscriptiondomain.StatusDisputed
		reason = subscriptiondomain.ReasonDispute
	}

	log := s.eventLogger(ctx, ev).With(zap.String("reversal", string(kind)))
	orderRef := firstNonEmpty(ev.OrderID, ev.ReferenceID)
	if orderRef != "" {
		existing, err := s.ledgerSvc.FindReversal(ctx, ev.AccountID, txType, orderRef)
		if err != nil {
			return transitiondomain.Outcome{}, err
		}
		if existing != nil {
			log.Info("reversal_already_applied", zap.String("transaction_number", existing.TransactionNumber))
			return transitiondomain.Outcome{Message: "already_applied", TransactionNumber: existing.TransactionNumber}, nil
		}
	}

	sub, err := s.lookupSubscription(ctx, ev)
	if err != nil {
		return transitiondomain.Outcome{}, err
	}

	req := ledgerdomain.AppendRequest{
		AccountID: ev.AccountID,
		Type:      txType,
		Amount:    -plan.Credits,
		OrderRef:  orderRef,
		EventType: ev.Type,
		Metadata: map[string]any{
			"transition":   string(kind),
			"product_id":   plan.ProductID,
			"reference_id": ev.ReferenceID,
		},
	}
	if sub != nil {
		req.SubscriptionID = &sub.ID
	}
	res, err := s.ledgerSvc.Append(ctx, req)
	if err != nil {
		return transitiondomain.Outcome{}, err
	}

	outcome := transitiondomain.Outcome{
		Applied:           true,
		Credits:           -plan.Credits,
		Balance:           res.Balance,
		TransactionNumber: res.Transaction.TransactionNumber,
	}
	if sub == nil {
		return outcome, nil
	}
	outcome.SubscriptionID = sub.ID

	if _, err := s.subscriptionSvc.Transition(ctx, sub.ID, target, reason); err != nil {
		if !errors.Is(err, subscriptiondomain.ErrInvalidTransition) {
			return transitiondomain.Outcome{}, err
		}
		log.Warn("reversal_transition_rejected", zap.String("status", string(sub.Status)), zap.Error(err))
	}
	return outcome, nil
}

func (s *Service) lookupSubscription(ctx context.Context, ev transitiondomain.Event) (*subscriptiondomain.Subscription, error) {
	externalID := strings.TrimSpace(ev.SubscriptionID)
	if externalID == "" {
		return nil, nil
	}
	if ev.AccountID != "" {
		return s.subscriptionSvc.FindByExternalID(ctx, ev.AccountID, externalID)
	}
	return s.subscriptionSvc.FindAnyByExternalID(ctx, externalID)
}
