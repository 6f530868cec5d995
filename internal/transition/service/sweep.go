package service

import (
	"context"
	"time"

	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	transitiondomain "github.com/smallbiznis/creditledger/internal/transition/domain"
	"go.uber.org/zap"
)

var sliceTypes = []ledgerdomain.TransactionType{ledgerdomain.TypePurchase, ledgerdomain.TypeMonthlyRenewal}

// ActivatePending flips due pending subscriptions to active and grants their
// first monthly allotment. The grant is skipped when this month already has
// one for the subscription, so a crash between grant and flip is safe.
func (s *Service) ActivatePending(ctx context.Context, limit int) (transitiondomain.SweepResult, error) {
	now := s.clock.Now()
	due, err := s.subscriptionSvc.ListPendingDue(ctx, now, limit)
	if err != nil {
		return transitiondomain.SweepResult{}, err
	}

	result := transitiondomain.SweepResult{Scanned: len(due)}
	for _, sub := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := s.activate(ctx, sub, now); err != nil {
			result.Failed++
			continue
		}
		result.Processed++
	}
	return result, nil
}

func (s *Service) activate(ctx context.Context, sub subscriptiondomain.Subscription, now time.Time) error {
	log := logger.WithAccount(logger.WithContext(ctx, s.log), sub.AccountID).With(zap.String("subscription_id", sub.ID.String()))

	granted, err := s.ledgerSvc.HasTransactionInMonth(ctx, sub.AccountID, sliceTypes, &sub.ID, now)
	if err != nil {
		log.Error("activation_grant_check_failed", zap.Error(err))
		return err
	}

	if !granted {
		amount := sub.Credits
		if plan, ok := s.planFor(sub); ok {
			amount = plan.Recurring()
		}
		expiresAt := sub.EndAt
		if _, err := s.ledgerSvc.Append(ctx, ledgerdomain.AppendRequest{
			AccountID:      sub.AccountID,
			Type:           ledgerdomain.TypeMonthlyRenewal,
			Amount:         amount,
			ExpiresAt:      &expiresAt,
			EventType:      "activation_sweep",
			SubscriptionID: &sub.ID,
			Metadata:       map[string]any{"transition": "activation", "product_id": sub.ProductID},
		}); err != nil {
			log.Error("activation_grant_failed", zap.Error(err))
			return err
		}
	}

	if _, err := s.subscriptionSvc.Transition(ctx, sub.ID, subscriptiondomain.StatusActive, subscriptiondomain.ReasonActivation); err != nil {
		log.Error("activation_transition_failed", zap.Error(err))
		return err
	}
	if err := s.subscriptionSvc.MarkGranted(ctx, sub.ID, now); err != nil {
		log.Warn("activation_mark_granted_failed", zap.Error(err))
	}
	log.Info("subscription_activated", zap.Bool("granted", !granted))
	return nil
}

// DistributeYearly grants one monthly slice per calendar month to yearly
// subscriptions on the monthly grant schedule.
func (s *Service) DistributeYearly(ctx context.Context, limit int) (transitiondomain.SweepResult, error) {
	now := s.clock.Now()
	subs, err := s.subscriptionSvc.ListMonthlyGrantable(ctx, now, limit)
	if err != nil {
		return transitiondomain.SweepResult{}, err
	}

	result := transitiondomain.SweepResult{Scanned: len(subs)}
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		log := logger.WithAccount(logger.WithContext(ctx, s.log), sub.AccountID).With(zap.String("subscription_id", sub.ID.String()))

		granted, err := s.ledgerSvc.HasTransactionInMonth(ctx, sub.AccountID, sliceTypes, &sub.ID, now)
		if err != nil {
			log.Error("distribution_check_failed", zap.Error(err))
			result.Failed++
			continue
		}
		if granted {
			if err := s.subscriptionSvc.MarkGranted(ctx, sub.ID, now); err != nil {
				log.Warn("distribution_mark_granted_failed", zap.Error(err))
			}
			result.Skipped++
			continue
		}

		amount := sub.Credits / 12
		if plan, ok := s.planFor(sub); ok {
			amount = plan.Recurring()
		}
		if amount <= 0 {
			if err := s.subscriptionSvc.MarkGranted(ctx, sub.ID, now); err != nil {
				log.Warn("distribution_mark_granted_failed", zap.Error(err))
			}
			result.Skipped++
			continue
		}
		if _, err := s.ledgerSvc.Append(ctx, ledgerdomain.AppendRequest{
			AccountID:      sub.AccountID,
			Type:           ledgerdomain.TypeMonthlyRenewal,
			Amount:         amount,
			EventType:      "yearly_distribution",
			SubscriptionID: &sub.ID,
			Metadata:       map[string]any{"transition": "distribution", "product_id": sub.ProductID},
		}); err != nil {
			log.Error("distribution_grant_failed", zap.Error(err))
			result.Failed++
			continue
		}
		if err := s.subscriptionSvc.MarkGranted(ctx, sub.ID, now); err != nil {
			log.Warn("distribution_mark_granted_failed", zap.Error(err))
		}
		result.Processed++
	}
	return result, nil
}

// ExpireEnded moves live subscriptions whose period ended more than grace ago
// to expired.
func (s *Service) ExpireEnded(ctx context.Context, grace time.Duration, limit int) (transitiondomain.SweepResult, error) {
	cutoff := s.clock.Now().Add(-grace)
	subs, err := s.subscriptionSvc.ListEnded(ctx, cutoff, limit)
	if err != nil {
		return transitiondomain.SweepResult{}, err
	}

	result := transitiondomain.SweepResult{Scanned: len(subs)}
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := s.subscriptionSvc.Transition(ctx, sub.ID, subscriptiondomain.StatusExpired, subscriptiondomain.ReasonEnded); err != nil {
			s.log.Error("expire_transition_failed",
				zap.String("account_id", sub.AccountID),
				zap.String("subscription_id", sub.ID.String()),
				zap.Error(err),
			)
			result.Failed++
			continue
		}
		result.Processed++
	}
	return result, nil
}
