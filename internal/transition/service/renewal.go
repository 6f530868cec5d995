package service

import (
	"context"
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	transitiondomain "github.com/smallbiznis/creditledger/internal/transition/domain"
	"go.uber.org/zap"
)

var renewalTypes = []ledgerdomain.TransactionType{ledgerdomain.TypeMonthlyRenewal}

// HandleRenewal extends a live subscription by one term and grants the
// recurring allotment, at most once per calendar month per account. A yearly
// plan with more than a month left on its period is not extended again.
func (s *Service) HandleRenewal(
	ctx context.Context,
	ev transitiondomain.Event,
	plan config.Plan,
	sub subscriptiondomain.Subscription,
) (transitiondomain.Outcome, error) {
	log := s.eventLogger(ctx, ev).With(zap.String("subscription_id", sub.ID.String()))
	if !sub.Status.Live() {
		log.Warn("renewal_skipped_not_live", zap.String("status", string(sub.Status)))
		return transitiondomain.Outcome{Kind: transitiondomain.KindRenewal, SubscriptionID: sub.ID, Message: "subscription_not_live"}, nil
	}

	now := s.clock.Now()
	base := sub.EndAt
	if base.Before(now) {
		base = now
	}
	newEnd := sub.Plan.Term(base)

	if sub.Plan == subscriptiondomain.PlanYearly && sub.GrantSchedule == subscriptiondomain.GrantMonthly {
		// monthly slices of a yearly plan come from the distribution job
		if !sub.EndAt.Before(now.AddDate(0, 1, 0)) {
			log.Info("renewal_period_already_extended", zap.Time("end_at", sub.EndAt))
			return transitiondomain.Outcome{Kind: transitiondomain.KindRenewal, SubscriptionID: sub.ID, Message: "period_already_extended"}, nil
		}
		if err := s.subscriptionSvc.ExtendPeriod(ctx, sub.ID, newEnd); err != nil {
			return transitiondomain.Outcome{}, err
		}
		if err := s.recordOrder(ctx, ev, plan, sub, 0); err != nil {
			return transitiondomain.Outcome{}, err
		}
		log.Info("renewal_period_extended", zap.Time("end_at", newEnd))
		return transitiondomain.Outcome{Kind: transitiondomain.KindRenewal, Applied: true, SubscriptionID: sub.ID, Message: "period_extended"}, nil
	}

	renewed, err := s.ledgerSvc.HasTransactionInMonth(ctx, ev.AccountID, renewalTypes, nil, now)
	if err != nil {
		return transitiondomain.Outcome{}, err
	}
	if renewed {
		log.Info("renewal_already_granted_this_month")
		return transitiondomain.Outcome{Kind: transitiondomain.KindRenewal, SubscriptionID: sub.ID, Message: "already_renewed_this_month"}, nil
	}

	if err := s.subscriptionSvc.ExtendPeriod(ctx, sub.ID, newEnd); err != nil {
		return transitiondomain.Outcome{}, err
	}

	amount := plan.Credits
	var expiresAt *time.Time
	if sub.Plan == subscriptiondomain.PlanMonthly {
		amount = plan.Recurring()
		next := NextAnchor(sub.StartAt, now)
		expiresAt = &next
	}

	tx, err := s.grantAndRecord(ctx, ev, plan, sub, ledgerdomain.AppendRequest{
		AccountID:      ev.AccountID,
		Type:           ledgerdomain.TypeMonthlyRenewal,
		Amount:         amount,
		OrderRef:       ev.OrderID,
		ExpiresAt:      expiresAt,
		EventType:      ev.Type,
		SubscriptionID: &sub.ID,
		Metadata: map[string]any{
			"transition": string(transitiondomain.KindRenewal),
			"product_id": plan.ProductID,
			"end_at":     newEnd.Format(time.RFC3339),
		},
	})
	if err != nil {
		return transitiondomain.Outcome{}, err
	}
	if err := s.subscriptionSvc.MarkGranted(ctx, sub.ID, now); err != nil {
		log.Warn("renewal_mark_granted_failed", zap.Error(err))
	}

	return transitiondomain.Outcome{
		Kind:              transitiondomain.KindRenewal,
		Applied:           true,
		Credits:           amount,
		Balance:           tx.Balance,
		SubscriptionID:    sub.ID,
		TransactionNumber: tx.Transaction.TransactionNumber,
	}, nil
}

// NextAnchor returns the first instant after `after` that falls on anchor's
// day of month, clamped to the month length.
func NextAnchor(anchor, after time.Time) time.Time {
	anchor = anchor.UTC()
	after = after.UTC()
	for i := 0; i < 3; i++ {
		first := time.Date(after.Year(), after.Month()+time.Month(i), 1, anchor.Hour(), anchor.Minute(), anchor.Second(), 0, time.UTC)
		lastDay := first.AddDate(0, 1, -1).Day()
		day := anchor.Day()
		if day > lastDay {
			day = lastDay
		}
		candidate := first.AddDate(0, 0, day-1)
		if candidate.After(after) {
			return candidate
		}
	}
	return after.AddDate(0, 1, 0)
}
