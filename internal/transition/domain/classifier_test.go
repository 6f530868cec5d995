package domain

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	now := time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC)
	sub := func(id int64, plan subscriptiondomain.Plan, status subscriptiondomain.Status, endAt time.Time) subscriptiondomain.Subscription {
		return subscriptiondomain.Subscription{
			ID:      snowflake.ID(id),
			Plan:    plan,
			Status:  status,
			StartAt: now.AddDate(0, -1, 0),
			EndAt:   endAt,
		}
	}
	future := now.AddDate(0, 0, 10)
	past := now.AddDate(0, 0, -1)

	monthly := sub(1, subscriptiondomain.PlanMonthly, subscriptiondomain.StatusActive, future)
	yearly := sub(2, subscriptiondomain.PlanYearly, subscriptiondomain.StatusActive, future)
	expiringYearly := sub(3, subscriptiondomain.PlanYearly, subscriptiondomain.StatusExpiring, future)
	lapsedMonthly := sub(4, subscriptiondomain.PlanMonthly, subscriptiondomain.StatusActive, past)
	pack := sub(5, subscriptiondomain.PlanOnetime, subscriptiondomain.StatusActive, future)

	tests := []struct {
		name        string
		live        []subscriptiondomain.Subscription
		incoming    subscriptiondomain.Plan
		wantKind    Kind
		wantCurrent snowflake.ID
	}{
		{name: "first monthly", incoming: subscriptiondomain.PlanMonthly, wantKind: KindNew},
		{name: "first yearly", incoming: subscriptiondomain.PlanYearly, wantKind: KindNew},
		{name: "onetime stacks on monthly", live: []subscriptiondomain.Subscription{monthly}, incoming: subscriptiondomain.PlanOnetime, wantKind: KindNew},
		{name: "onetime packs do not count as paid", live: []subscriptiondomain.Subscription{pack}, incoming: subscriptiondomain.PlanMonthly, wantKind: KindNew},
		{name: "lapsed period is not live", live: []subscriptiondomain.Subscription{lapsedMonthly}, incoming: subscriptiondomain.PlanMonthly, wantKind: KindNew},
		{name: "monthly to yearly", live: []subscriptiondomain.Subscription{monthly}, incoming: subscriptiondomain.PlanYearly, wantKind: KindUpgrade, wantCurrent: 1},
		{name: "yearly to monthly", live: []subscriptiondomain.Subscription{yearly}, incoming: subscriptiondomain.PlanMonthly, wantKind: KindDowngrade, wantCurrent: 2},
		{name: "expiring yearly still classifies", live: []subscriptiondomain.Subscription{expiringYearly}, incoming: subscriptiondomain.PlanMonthly, wantKind: KindDowngrade, wantCurrent: 3},
		{name: "same monthly", live: []subscriptiondomain.Subscription{monthly}, incoming: subscriptiondomain.PlanMonthly, wantKind: KindRenewal, wantCurrent: 1},
		{name: "same yearly", live: []subscriptiondomain.Subscription{yearly}, incoming: subscriptiondomain.PlanYearly, wantKind: KindRenewal, wantCurrent: 2},
		{name: "both kinds live", live: []subscriptiondomain.Subscription{monthly, yearly}, incoming: subscriptiondomain.PlanYearly, wantKind: KindInvalid},
		{name: "two monthly live", live: []subscriptiondomain.Subscription{monthly, sub(6, subscriptiondomain.PlanMonthly, subscriptiondomain.StatusActive, future)}, incoming: subscriptiondomain.PlanMonthly, wantKind: KindInvalid},
		{name: "unknown plan", incoming: subscriptiondomain.Plan("weekly"), wantKind: KindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.live, tt.incoming, now)
			assert.Equal(t, tt.wantKind, got.Kind)
			if tt.wantCurrent == 0 {
				assert.Nil(t, got.Current)
				return
			}
			require.NotNil(t, got.Current)
			assert.Equal(t, tt.wantCurrent, got.Current.ID)
		})
	}
}
