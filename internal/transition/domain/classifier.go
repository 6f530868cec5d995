// Package domain classifies incoming plan purchases against an account's live
// paid subscriptions.
package domain

import (
	"time"

	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
)

type Kind string

const (
	KindNew       Kind = "NEW"
	KindUpgrade   Kind = "UPGRADE"
	KindDowngrade Kind = "DOWNGRADE"
	KindRenewal   Kind = "RENEWAL"
	KindInvalid   Kind = "INVALID"
)

type Classification struct {
	Kind Kind
	// Current is the live subscription the transition acts on, if any.
	Current *subscriptiondomain.Subscription
	Reason  string
}

// Classify decides which handler an incoming plan purchase belongs to.
// One-time purchases always stack as NEW.
func Classify(live []subscriptiondomain.Subscription, incoming subscriptiondomain.Plan, now time.Time) Classification {
	if !incoming.Valid() {
		return Classification{Kind: KindInvalid, Reason: "unknown_plan"}
	}
	if incoming == subscriptiondomain.PlanOnetime {
		return Classification{Kind: KindNew}
	}

	var monthly, yearly []subscriptiondomain.Subscription
	for _, sub := range live {
		if !sub.Plan.Paid() || !sub.CoversAt(now) {
			continue
		}
		switch sub.Plan {
		case subscriptiondomain.PlanMonthly:
			monthly = append(monthly, sub)
		case subscriptiondomain.PlanYearly:
			yearly = append(yearly, sub)
		}
	}

	switch {
	case len(monthly) == 0 && len(yearly) == 0:
		return Classification{Kind: KindNew}
	case len(monthly) > 1 || len(yearly) > 1 || (len(monthly) > 0 && len(yearly) > 0):
		return Classification{Kind: KindInvalid, Reason: "multiple_active_paid_subscriptions"}
	}

	if len(monthly) == 1 {
		current := monthly[0]
		if incoming == subscriptiondomain.PlanMonthly {
			return Classification{Kind: KindRenewal, Current: &current}
		}
		return Classification{Kind: KindUpgrade, Current: &current}
	}

	current := yearly[0]
	if incoming == subscriptiondomain.PlanYearly {
		return Classification{Kind: KindRenewal, Current: &current}
	}
	return Classification{Kind: KindDowngrade, Current: &current}
}
