package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/dbtest"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/creditledger/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/creditledger/internal/ledger/service"
	orderdomain "github.com/smallbiznis/creditledger/internal/order/domain"
	orderrepo "github.com/smallbiznis/creditledger/internal/order/repository"
	orderservice "github.com/smallbiznis/creditledger/internal/order/service"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/creditledger/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/creditledger/internal/subscription/service"
	transitiondomain "github.com/smallbiznis/creditledger/internal/transition/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	clock   *clock.FakeClock
	catalog config.Catalog
	ledger  ledgerdomain.Service
	orders  orderdomain.Service
	subs    subscriptiondomain.Service
	svc     transitiondomain.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := dbtest.Open(t)
	node := dbtest.Node(t)
	log := zaptest.NewLogger(t)
	clk := clock.NewFakeClock(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC))
	holder, err := config.NewStaticCatalogHolder(config.DefaultCatalog())
	require.NoError(t, err)

	f := fixture{clock: clk, catalog: holder.Get()}
	f.ledger = ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: ledgerrepo.Provide()})
	f.orders = orderservice.NewService(orderservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: orderrepo.Provide()})
	f.subs = subscriptionservice.NewService(subscriptionservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: subscriptionrepo.Provide()})
	f.svc = NewService(Params{Log: log, Clock: clk, Catalog: holder, LedgerSvc: f.ledger, OrderSvc: f.orders, SubscriptionSvc: f.subs})
	return f
}

func (f fixture) plan(t *testing.T, productID string) config.Plan {
	t.Helper()
	plan, err := f.catalog.Lookup(productID)
	require.NoError(t, err)
	return plan
}

func (f fixture) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	balance, err := f.ledger.Balance(context.Background(), accountID)
	require.NoError(t, err)
	return balance
}

func checkout(accountID, productID, orderID, subID string) transitiondomain.Event {
	return transitiondomain.Event{
		Type:           "checkout.completed",
		AccountID:      accountID,
		ProductID:      productID,
		OrderID:        orderID,
		CheckoutID:     "ch_" + orderID,
		SubscriptionID: subID,
	}
}

func TestApplyNewMonthlyGrantsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plan := f.plan(t, "prod_monthly")
	ev := checkout("acct_1", "prod_monthly", "ord_1", "sub_1")

	out, err := f.svc.Apply(ctx, ev, plan)
	require.NoError(t, err)
	require.Equal(t, transitiondomain.KindNew, out.Kind)
	require.True(t, out.Applied)
	require.EqualValues(t, 500, out.Balance)

	sub, err := f.subs.FindByExternalID(ctx, "acct_1", "sub_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	require.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	require.Equal(t, time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), sub.EndAt)

	order, err := f.orders.FindCompleted(ctx, "acct_1", "ord_1")
	require.NoError(t, err)
	require.NotNil(t, order)
	require.EqualValues(t, 500, order.Credits)

	purchase, err := f.ledger.FindPurchaseForOrder(ctx, "acct_1", "ord_1")
	require.NoError(t, err)
	require.NotNil(t, purchase.ExpiresAt)
	require.True(t, purchase.ExpiresAt.Equal(sub.EndAt))

	// the same event again reaches the handler directly
	out, err = f.svc.HandleNew(ctx, ev, plan)
	require.NoError(t, err)
	require.False(t, out.Applied)
	require.Equal(t, "already_applied", out.Message)
	require.EqualValues(t, 500, f.balance(t, "acct_1"))
}

func TestApplyUpgradeGrantsYearlyOnTop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Apply(ctx, checkout("acct_1", "prod_monthly", "ord_1", "sub_m"), f.plan(t, "prod_monthly"))
	require.NoError(t, err)

	f.clock.Advance(5 * 24 * time.Hour)
	out, err := f.svc.Apply(ctx, checkout("acct_1", "prod_yearly", "ord_2", "sub_y"), f.plan(t, "prod_yearly"))
	require.NoError(t, err)
	require.Equal(t, transitiondomain.KindUpgrade, out.Kind)
	require.EqualValues(t, 6000, out.Credits)
	require.EqualValues(t, 6500, out.Balance)

	monthly, err := f.subs.FindByExternalID(ctx, "acct_1", "sub_m")
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusCancelled, monthly.Status)

	yearly, err := f.subs.FindByExternalID(ctx, "acct_1", "sub_y")
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusActive, yearly.Status)
	require.Equal(t, subscriptiondomain.GrantUpfront, yearly.GrantSchedule)

	live, err := f.subs.ListLivePaid(ctx, "acct_1")
	require.NoError(t, err)
	require.Len(t, live, 1)

	sum, err := f.ledger.ActiveSum(ctx, "acct_1")
	require.NoError(t, err)
	require.Equal(t, f.balance(t, "acct_1"), sum)
}

func TestApplyDowngradeDefersUntilActivation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.HandleUpgrade(ctx, checkout("acct_1", "prod_yearly", "ord_0", "sub_y"), f.plan(t, "prod_yearly"), subscriptiondomain.Subscription{Plan: subscriptiondomain.PlanYearly})
	require.ErrorIs(t, err, transitiondomain.ErrPlanMismatch)

	_, err = f.svc.Apply(ctx, checkout("acct_1", "prod_yearly", "ord_1", "sub_y"), f.plan(t, "prod_yearly"))
	require.NoError(t, err)
	before := f.balance(t, "acct_1")
	require.EqualValues(t, 500, before)

	out, err := f.svc.Apply(ctx, checkout("acct_1", "prod_monthly", "ord_2", "sub_m"), f.plan(t, "prod_monthly"))
	require.NoError(t, err)
	require.Equal(t, transitiondomain.KindDowngrade, out.Kind)
	require.Equal(t, before, f.balance(t, "acct_1"))

	yearly, err := f.subs.FindByExternalID(ctx, "acct_1", "sub_y")
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusExpiring, yearly.Status)

	monthly, err := f.subs.FindByExternalID(ctx, "acct_1", "sub_m")
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusPending, monthly.Status)
	require.Equal(t, yearly.EndAt.AddDate(0, 0, 1), monthly.StartAt)

	res, err := f.svc.ActivatePending(ctx, 100)
	require.NoError(t, err)
	require.Zero(t, res.Scanned)

	f.clock.Set(monthly.StartAt.Add(time.Hour))
	res, err = f.svc.ExpireEnded(ctx, 0, 100)
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)

	res, err = f.svc.ActivatePending(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)

	monthly, err = f.subs.FindByExternalID(ctx, "acct_1", "sub_m")
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusActive, monthly.Status)
	require.Equal(t, before+500, f.balance(t, "acct_1"))

	yearly, err = f.subs.FindByExternalID(ctx, "acct_1", "sub_y")
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusExpired, yearly.Status)

	res, err = f.svc.ActivatePending(ctx, 100)
	require.NoError(t, err)
	require.Zero(t, res.Scanned)
	require.Equal(t, before+500, f.balance(t, "acct_1"))
}

func TestSecondDowngradeIsNotScheduled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Apply(ctx, checkout("acct_1", "prod_yearly", "ord_1", "sub_y"), f.plan(t, "prod_yearly"))
	require.NoError(t, err)
	out, err := f.svc.Apply(ctx, checkout("acct_1", "prod_monthly", "ord_2", "sub_m"), f.plan(t, "prod_monthly"))
	require.NoError(t, err)
	require.True(t, out.Applied)
	scheduled := out.SubscriptionID

	f.clock.Advance(24 * time.Hour)
	out, err = f.svc.Apply(ctx, checkout("acct_1", "prod_monthly", "ord_3", "sub_m2"), f.plan(t, "prod_monthly"))
	require.NoError(t, err)
	require.Equal(t, transitiondomain.KindDowngrade, out.Kind)
	require.False(t, out.Applied)
	require.Equal(t, scheduled, out.SubscriptionID)

	second, err := f.subs.FindByExternalID(ctx, "acct_1", "sub_m2")
	require.NoError(t, err)
	require.Nil(t, second)

	out, err = f.svc.Apply(ctx, checkout("acct_1", "prod_monthly", "ord_2", "sub_m"), f.plan(t, "prod_monthly"))
	require.NoError(t, err)
	require.False(t, out.Applied)
	require.Equal(t, "already_applied", out.Message)

	yearly, err := f.subs.FindByExternalID(ctx, "acct_1", "sub_y")
	require.NoError(t, err)
	before := f.balance(t, "acct_1")
	f.clock.Set(yearly.EndAt.AddDate(0, 0, 1).Add(time.Hour))
	_, err = f.svc.ExpireEnded(ctx, 0, 100)
	require.NoError(t, err)
	res, err := f.svc.ActivatePending(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	require.Equal(t, before+500, f.balance(t, "acct_1"))

	subs, err := f.subs.ListByAccount(ctx, "acct_1")
	require.NoError(t, err)
	active := 0
	for _, sub := range subs {
		if sub.Status == subscriptiondomain.StatusActive {
			active++
			require.Equal(t, "sub_m", sub.ExternalID)
		}
	}
	require.Equal(t, 1, active)
}

func TestHandleReversalDrivesBalanceNegative(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plan := f.plan(t, "prod_monthly")

	_, err := f.svc.Apply(ctx, checkout("acct_1", "prod_monthly", "ord_1", "sub_1"), plan)
	require.NoError(t, err)
	_, err = f.ledger.Append(ctx, ledgerdomain.AppendRequest{AccountID: "acct_1", Type: ledgerdomain.TypeUsage, Amount: -400, TaskID: "task_1"})
	require.NoError(t, err)

	refund := transitiondomain.Event{Type: "refund.created", AccountID: "acct_1", OrderID: "ord_1", SubscriptionID: "sub_1", ReferenceID: "ref_1"}
	out, err := f.svc.HandleReversal(ctx, refund, transitiondomain.ReversalRefund, plan)
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.EqualValues(t, -500, out.Credits)
	require.EqualValues(t, -400, out.Balance)

	sub, err := f.subs.FindByExternalID(ctx, "acct_1", "sub_1")
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusCancelled, sub.Status)

	out, err = f.svc.HandleReversal(ctx, refund, transitiondomain.ReversalRefund, plan)
	require.NoError(t, err)
	require.False(t, out.Applied)
	require.EqualValues(t, -400, f.balance(t, "acct_1"))
}

func TestHandleDisputeLocksSubscription(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plan := f.plan(t, "prod_monthly")

	_, err := f.svc.Apply(ctx, checkout("acct_1", "prod_monthly", "ord_1", "sub_1"), plan)
	require.NoError(t, err)

	dispute := transitiondomain.Event{Type: "dispute.created", AccountID: "acct_1", OrderID: "ord_1", SubscriptionID: "sub_1"}
	out, err := f.svc.HandleReversal(ctx, dispute, transitiondomain.ReversalDispute, plan)
	require.NoError(t, err)
	require.EqualValues(t, 0, out.Balance)

	sub, err := f.subs.FindByExternalID(ctx, "acct_1", "sub_1")
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusDisputed, sub.Status)

	out, err = f.svc.HandleCancel(ctx, transitiondomain.Event{Type: "subscription.canceled", AccountID: "acct_1", SubscriptionID: "sub_1"})
	require.NoError(t, err)
	require.False(t, out.Applied)
}

func TestHandleCancelKeepsCredits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Apply(ctx, checkout("acct_1", "prod_monthly", "ord_1", "sub_1"), f.plan(t, "prod_monthly"))
	require.NoError(t, err)

	// account resolved from the subscription alone
	out, err := f.svc.HandleCancel(ctx, transitiondomain.Event{Type: "subscription.canceled", SubscriptionID: "sub_1"})
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.EqualValues(t, 500, f.balance(t, "acct_1"))

	out, err = f.svc.HandleCancel(ctx, transitiondomain.Event{Type: "subscription.canceled", AccountID: "acct_1", SubscriptionID: "sub_1"})
	require.NoError(t, err)
	require.Equal(t, "already_cancelled", out.Message)

	out, err = f.svc.HandleCancel(ctx, transitiondomain.Event{Type: "subscription.canceled", AccountID: "acct_1", SubscriptionID: "sub_missing"})
	require.NoError(t, err)
	require.Equal(t, "subscription_not_found", out.Message)
}

func TestHandleExpireFromProcessorCancels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Apply(ctx, checkout("acct_1", "prod_monthly", "ord_1", "sub_1"), f.plan(t, "prod_monthly"))
	require.NoError(t, err)

	out, err := f.svc.HandleCancel(ctx, transitiondomain.Event{Type: "subscription.expired", AccountID: "acct_1", SubscriptionID: "sub_1"})
	require.NoError(t, err)
	require.True(t, out.Applied)

	sub, err := f.subs.FindByExternalID(ctx, "acct_1", "sub_1")
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusCancelled, sub.Status)
	require.EqualValues(t, 500, f.balance(t, "acct_1"))
}

func TestHandleRenewalOncePerMonth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plan := f.plan(t, "prod_monthly")

	_, err := f.svc.Apply(ctx, checkout("acct_1", "prod_monthly", "ord_1", "sub_1"), plan)
	require.NoError(t, err)
	sub, err := f.subs.FindByExternalID(ctx, "acct_1", "sub_1")
	require.NoError(t, err)

	renewal := transitiondomain.Event{Type: "subscription.paid", AccountID: "acct_1", OrderID: "ord_2", SubscriptionID: "sub_1"}
	f.clock.Set(time.Date(2026, 8, 1, 10, 5, 0, 0, time.UTC))
	out, err := f.svc.HandleRenewal(ctx, renewal, plan, *sub)
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.EqualValues(t, 1000, out.Balance)

	sub, err = f.subs.FindByExternalID(ctx, "acct_1", "sub_1")
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 9, 1, 10, 5, 0, 0, time.UTC), sub.EndAt)

	granted, err := f.ledger.FindReversal(ctx, "acct_1", ledgerdomain.TypeMonthlyRenewal, "ord_2")
	require.NoError(t, err)
	require.NotNil(t, granted)
	require.Equal(t, time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC), granted.ExpiresAt.UTC())

	f.clock.Set(time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC))
	renewal.OrderID = "ord_3"
	out, err = f.svc.HandleRenewal(ctx, renewal, plan, *sub)
	require.NoError(t, err)
	require.False(t, out.Applied)
	require.Equal(t, "already_renewed_this_month", out.Message)
	require.EqualValues(t, 1000, f.balance(t, "acct_1"))

	f.clock.Set(time.Date(2026, 9, 1, 10, 10, 0, 0, time.UTC))
	out, err = f.svc.HandleRenewal(ctx, renewal, plan, *sub)
	require.NoError(t, err)
	require.True(t, out.Applied)

	order, err := f.orders.FindCompleted(ctx, "acct_1", "ord_3")
	require.NoError(t, err)
	require.NotNil(t, order)
}

func TestHandleRenewalYearlyExtendsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plan := f.plan(t, "prod_yearly")

	_, err := f.svc.Apply(ctx, checkout("acct_1", "prod_yearly", "ord_1", "sub_y"), plan)
	require.NoError(t, err)

	f.clock.Set(time.Date(2027, 7, 1, 10, 5, 0, 0, time.UTC))
	renewal := transitiondomain.Event{Type: "subscription.paid", AccountID: "acct_1", SubscriptionID: "sub_y"}
	applied := 0
	for i := 0; i < 3; i++ {
		sub, err := f.subs.FindByExternalID(ctx, "acct_1", "sub_y")
		require.NoError(t, err)
		out, err := f.svc.HandleRenewal(ctx, renewal, plan, *sub)
		require.NoError(t, err)
		require.Equal(t, transitiondomain.KindRenewal, out.Kind)
		if out.Applied {
			applied++
		} else {
			require.Equal(t, "period_already_extended", out.Message)
		}
	}
	require.Equal(t, 1, applied)

	sub, err := f.subs.FindByExternalID(ctx, "acct_1", "sub_y")
	require.NoError(t, err)
	require.Equal(t, time.Date(2028, 7, 1, 10, 5, 0, 0, time.UTC), sub.EndAt.UTC())
	require.EqualValues(t, 500, f.balance(t, "acct_1"), "yearly renewals grant nothing outside the distribution job")
}

func TestDistributeYearlySlices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	out, err := f.svc.Apply(ctx, checkout("acct_1", "prod_yearly", "ord_1", "sub_y"), f.plan(t, "prod_yearly"))
	require.NoError(t, err)
	require.EqualValues(t, 500, out.Credits)

	res, err := f.svc.DistributeYearly(ctx, 100)
	require.NoError(t, err)
	require.Zero(t, res.Scanned, "the purchase already granted July's slice")
	require.EqualValues(t, 500, f.balance(t, "acct_1"))

	f.clock.Set(time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC))
	res, err = f.svc.DistributeYearly(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	res, err = f.svc.DistributeYearly(ctx, 100)
	require.NoError(t, err)
	require.Zero(t, res.Scanned)
	require.EqualValues(t, 1000, f.balance(t, "acct_1"))
}

func TestDistributeYearlyAdvancesPastBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	accounts := []string{"acct_1", "acct_2", "acct_3"}
	for i, acct := range accounts {
		_, err := f.svc.Apply(ctx, checkout(acct, "prod_yearly", fmt.Sprintf("ord_%d", i), fmt.Sprintf("sub_y%d", i)), f.plan(t, "prod_yearly"))
		require.NoError(t, err)
	}

	f.clock.Set(time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC))
	processed := 0
	for i := 0; i < 5; i++ {
		res, err := f.svc.DistributeYearly(ctx, 2)
		require.NoError(t, err)
		require.LessOrEqual(t, res.Scanned, 2)
		processed += res.Processed
	}
	require.Equal(t, len(accounts), processed)
	for _, acct := range accounts {
		require.EqualValues(t, 1000, f.balance(t, acct), acct)
	}

	// a slice granted outside the sweep still moves the row out of the batch
	f.clock.Set(time.Date(2026, 9, 3, 0, 0, 0, 0, time.UTC))
	sub, err := f.subs.FindByExternalID(ctx, "acct_1", "sub_y0")
	require.NoError(t, err)
	_, err = f.ledger.Append(ctx, ledgerdomain.AppendRequest{
		AccountID:      "acct_1",
		Type:           ledgerdomain.TypeMonthlyRenewal,
		Amount:         500,
		EventType:      "yearly_distribution",
		SubscriptionID: &sub.ID,
	})
	require.NoError(t, err)

	res, err := f.svc.DistributeYearly(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	for i := 0; i < 3; i++ {
		_, err = f.svc.DistributeYearly(ctx, 1)
		require.NoError(t, err)
	}
	for _, acct := range accounts {
		require.EqualValues(t, 1500, f.balance(t, acct), acct)
	}
}

func TestApplyRenewalAndInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plan := f.plan(t, "prod_monthly")

	_, err := f.svc.Apply(ctx, checkout("acct_1", "prod_monthly", "ord_1", "sub_1"), plan)
	require.NoError(t, err)

	out, err := f.svc.Apply(ctx, checkout("acct_1", "prod_monthly", "ord_2", "sub_2"), plan)
	require.NoError(t, err)
	require.Equal(t, transitiondomain.KindRenewal, out.Kind)
	require.False(t, out.Applied)
	require.EqualValues(t, 500, f.balance(t, "acct_1"))

	// a second live paid plan written behind the classifier's back
	_, _, err = f.subs.Create(ctx, subscriptiondomain.CreateRequest{AccountID: "acct_1", Plan: subscriptiondomain.PlanYearly, ProductID: "prod_yearly", ExternalID: "sub_rogue"})
	require.NoError(t, err)
	_, err = f.svc.Apply(ctx, checkout("acct_1", "prod_yearly", "ord_3", "sub_3"), f.plan(t, "prod_yearly"))
	require.ErrorIs(t, err, transitiondomain.ErrInvalidClassification)

	_, err = f.svc.Apply(ctx, transitiondomain.Event{Type: "checkout.completed"}, plan)
	require.ErrorIs(t, err, transitiondomain.ErrMissingAccount)
}

func TestOnetimeExpiresWithPaidCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	out, err := f.svc.Apply(ctx, checkout("acct_1", "prod_onetime", "ord_1", ""), f.plan(t, "prod_onetime"))
	require.NoError(t, err)
	require.Equal(t, transitiondomain.KindNew, out.Kind)
	pack, err := f.ledger.FindPurchaseForOrder(ctx, "acct_1", "ord_1")
	require.NoError(t, err)
	require.Nil(t, pack.ExpiresAt)

	_, err = f.svc.Apply(ctx, checkout("acct_1", "prod_monthly", "ord_2", "sub_m"), f.plan(t, "prod_monthly"))
	require.NoError(t, err)
	_, err = f.svc.Apply(ctx, checkout("acct_1", "prod_onetime", "ord_3", ""), f.plan(t, "prod_onetime"))
	require.NoError(t, err)
	stacked, err := f.ledger.FindPurchaseForOrder(ctx, "acct_1", "ord_3")
	require.NoError(t, err)
	require.NotNil(t, stacked.ExpiresAt)
	require.EqualValues(t, 2500, f.balance(t, "acct_1"))
}

func TestNextAnchor(t *testing.T) {
	anchor := time.Date(2026, 1, 31, 8, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 2, 28, 8, 0, 0, 0, time.UTC), NextAnchor(anchor, time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, time.Date(2026, 3, 31, 8, 0, 0, 0, time.UTC), NextAnchor(anchor, time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC)))
}
