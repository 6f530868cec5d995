package service

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/dbtest"
	"github.com/smallbiznis/creditledger/internal/kv"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/creditledger/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/creditledger/internal/ledger/service"
	providerdomain "github.com/smallbiznis/creditledger/internal/provider/domain"
	"github.com/smallbiznis/creditledger/internal/provider/mocks"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/creditledger/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/creditledger/internal/subscription/service"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	clock    *clock.FakeClock
	store    *kv.MemoryStore
	provider *mocks.MockClient
	ledger   ledgerdomain.Service
	subs     subscriptiondomain.Service
	svc      *Service
}

func testQuota() config.QuotaConfig {
	return config.QuotaConfig{
		UnitCost:          10,
		FreeLifetimeLimit: 5,
		GlobalDailyLimit:  2000,
		ResultCacheTTL:    24 * time.Hour,
		SubmitRate:        10.0 / 60.0,
		SubmitBurst:       10,
	}
}

func newFixture(t *testing.T, quota config.QuotaConfig) fixture {
	t.Helper()
	db := dbtest.Open(t)
	node := dbtest.Node(t)
	log := zaptest.NewLogger(t)
	clk := clock.NewFakeClock(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC))
	ctrl := gomock.NewController(t)

	f := fixture{
		clock:    clk,
		store:    kv.NewMemoryStore(clk),
		provider: mocks.NewMockClient(ctrl),
	}
	f.ledger = ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: ledgerrepo.Provide()})
	f.subs = subscriptionservice.NewService(subscriptionservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: subscriptionrepo.Provide()})
	f.svc = NewService(Params{
		Log:             log,
		Clock:           clk,
		Config:          config.Config{Quota: quota},
		Store:           f.store,
		Limiter:         kv.NewMemoryTokenBucket(clk.Now),
		Provider:        f.provider,
		LedgerSvc:       f.ledger,
		SubscriptionSvc: f.subs,
	}).(*Service)
	return f
}

// seedPaid gives an account a live monthly plan and a balance.
func (f fixture) seedPaid(t *testing.T, accountID string, credits int64) {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()
	_, _, err := f.subs.Create(ctx, subscriptiondomain.CreateRequest{
		AccountID:     accountID,
		Plan:          subscriptiondomain.PlanMonthly,
		ProductID:     "prod_monthly",
		Status:        subscriptiondomain.StatusActive,
		StartAt:       now,
		EndAt:         now.AddDate(0, 1, 0),
		ExternalID:    "sub_" + accountID,
		Credits:       credits,
		GrantSchedule: subscriptiondomain.GrantUpfront,
		Granted:       true,
	})
	require.NoError(t, err)
	_, err = f.ledger.Append(ctx, ledgerdomain.AppendRequest{
		AccountID: accountID,
		Type:      ledgerdomain.TypePurchase,
		Amount:    credits,
		OrderRef:  "ord_" + accountID,
	})
	require.NoError(t, err)
}

func (f fixture) expectSubmits() *atomic.Int32 {
	var n atomic.Int32
	f.provider.EXPECT().Submit(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, providerdomain.SubmitRequest) (providerdomain.Task, error) {
			return providerdomain.Task{ID: fmt.Sprintf("task_%d", n.Add(1)), Status: providerdomain.TaskProcessing}, nil
		}).AnyTimes()
	return &n
}

func (f fixture) expectSuccess() {
	f.provider.EXPECT().Status(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, taskID string) (providerdomain.Task, error) {
			return providerdomain.Task{ID: taskID, Status: providerdomain.TaskSuccess, Data: []byte(`{"images":["https://img/out.png"]}`)}, nil
		}).AnyTimes()
}

func submitReq(caller usagedomain.Caller) usagedomain.SubmitRequest {
	return usagedomain.SubmitRequest{Caller: caller, ImageURL: "https://img/in.png", HairStyle: "bob", HairColor: "black"}
}

func TestConcurrentPollsChargeOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testQuota())
	f.seedPaid(t, "acct_1", 500)
	f.expectSubmits()
	f.expectSuccess()

	caller := usagedomain.Caller{AccountID: "acct_1", SourceIP: "198.51.100.1"}
	submitted, err := f.svc.Submit(ctx, submitReq(caller))
	require.NoError(t, err)
	assert.True(t, submitted.WillDeductCredits)
	assert.False(t, submitted.RequiresSubscription)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := f.svc.Status(ctx, caller, submitted.TaskID)
			if assert.NoError(t, err) {
				assert.Equal(t, providerdomain.TaskSuccess, res.TaskStatus)
				assert.True(t, res.ShouldStopPolling)
			}
		}()
	}
	close(start)
	wg.Wait()

	page, err := f.ledger.List(ctx, ledgerdomain.ListRequest{AccountID: "acct_1", PageSize: 100})
	require.NoError(t, err)
	charges := 0
	for _, tx := range page.Transactions {
		if tx.TaskID != nil && *tx.TaskID == submitted.TaskID {
			charges++
			assert.Equal(t, int64(-10), tx.Amount)
		}
	}
	assert.Equal(t, 1, charges)

	balance, err := f.ledger.Balance(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(490), balance)

	res, err := f.svc.Status(ctx, caller, submitted.TaskID)
	require.NoError(t, err)
	require.NotNil(t, res.CreditsDeducted)
	assert.Equal(t, int64(10), *res.CreditsDeducted)
}

func TestFreeTierLifetimeBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testQuota())
	submits := f.expectSubmits()
	f.expectSuccess()

	caller := usagedomain.Caller{SourceIP: "203.0.113.7"}
	for i := 0; i < 5; i++ {
		submitted, err := f.svc.Submit(ctx, submitReq(caller))
		require.NoError(t, err, "task %d", i+1)
		assert.True(t, submitted.RequiresSubscription)
		assert.False(t, submitted.WillDeductCredits)

		for poll := 0; poll < 3; poll++ {
			res, err := f.svc.Status(ctx, caller, submitted.TaskID)
			require.NoError(t, err)
			assert.Equal(t, providerdomain.TaskSuccess, res.TaskStatus)
			assert.Nil(t, res.CreditsDeducted)
		}
	}

	_, err := f.svc.Submit(ctx, submitReq(caller))
	require.ErrorIs(t, err, usagedomain.ErrLifetimeLimit)
	assert.True(t, usagedomain.IsQuotaError(err))
	assert.EqualValues(t, 5, submits.Load())

	used, err := kv.GetInt(ctx, f.store, lifetimeKey("203.0.113.7"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), used)
	daily, err := kv.GetInt(ctx, f.store, dailyKey(f.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(5), daily)

	_, err = f.svc.PreCheck(ctx, usagedomain.Caller{SourceIP: "203.0.113.8"})
	require.NoError(t, err)
}

func TestFreeTierChargeIsMarkedPerTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testQuota())
	task := usagedomain.TaskRecord{TaskID: "task_x", SourceIP: "203.0.113.9", Tier: usagedomain.TierFree}

	first, err := f.svc.Charge(ctx, task)
	require.NoError(t, err)
	assert.True(t, first.Charged)

	again, err := f.svc.Charge(ctx, task)
	require.NoError(t, err)
	assert.True(t, again.AlreadyCharged)

	used, err := kv.GetInt(ctx, f.store, lifetimeKey("203.0.113.9"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), used)
}

func TestGlobalDailyCapRejectsFreshSource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testQuota())
	_, err := f.store.Incr(ctx, dailyKey(f.clock.Now()), 2000, dailyTTL)
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, submitReq(usagedomain.Caller{SourceIP: "192.0.2.44"}))
	require.ErrorIs(t, err, usagedomain.ErrGlobalQuotaExceeded)

	// the counter is per UTC day
	f.clock.Advance(24 * time.Hour)
	_, err = f.svc.PreCheck(ctx, usagedomain.Caller{SourceIP: "192.0.2.44"})
	require.NoError(t, err)
}

func TestTrustedNetworkBypassesCounters(t *testing.T) {
	ctx := context.Background()
	quota := testQuota()
	quota.TrustedNetworks = []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	f := newFixture(t, quota)
	_, err := f.store.Incr(ctx, dailyKey(f.clock.Now()), 2000, dailyTTL)
	require.NoError(t, err)
	_, err = f.store.Incr(ctx, lifetimeKey("10.1.2.3"), 5, 0)
	require.NoError(t, err)

	decision, err := f.svc.PreCheck(ctx, usagedomain.Caller{SourceIP: "10.1.2.3"})
	require.NoError(t, err)
	assert.Equal(t, usagedomain.TierTrusted, decision.Tier)

	_, err = f.svc.Charge(ctx, usagedomain.TaskRecord{TaskID: "task_t", SourceIP: "10.1.2.3", Tier: usagedomain.TierTrusted})
	require.NoError(t, err)
	used, err := kv.GetInt(ctx, f.store, lifetimeKey("10.1.2.3"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), used)

	_, err = f.svc.PreCheck(ctx, usagedomain.Caller{SourceIP: "172.16.0.1"})
	require.ErrorIs(t, err, usagedomain.ErrGlobalQuotaExceeded)
}

func TestPreCheckTiers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testQuota())
	f.seedPaid(t, "acct_low", 5)
	_, err := f.ledger.Append(ctx, ledgerdomain.AppendRequest{AccountID: "acct_pack", Type: ledgerdomain.TypePurchase, Amount: 100, OrderRef: "ord_pack"})
	require.NoError(t, err)

	_, err = f.svc.PreCheck(ctx, usagedomain.Caller{AccountID: "acct_low", SourceIP: "198.51.100.2"})
	require.ErrorIs(t, err, usagedomain.ErrInsufficientCredits)

	decision, err := f.svc.PreCheck(ctx, usagedomain.Caller{AccountID: "acct_pack", SourceIP: "198.51.100.3"})
	require.NoError(t, err)
	assert.Equal(t, usagedomain.TierCredits, decision.Tier)
	assert.Equal(t, int64(100), decision.Balance)

	decision, err = f.svc.PreCheck(ctx, usagedomain.Caller{AccountID: "acct_empty", SourceIP: "198.51.100.4"})
	require.NoError(t, err)
	assert.Equal(t, usagedomain.TierFree, decision.Tier)
	assert.True(t, decision.RequiresSubscription)

	_, err = f.svc.PreCheck(ctx, usagedomain.Caller{})
	require.ErrorIs(t, err, usagedomain.ErrMissingIdentity)
}

func TestCreditsTierBypassesFreeCounters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testQuota())
	f.expectSubmits()
	f.expectSuccess()
	_, err := f.ledger.Append(ctx, ledgerdomain.AppendRequest{AccountID: "acct_pack", Type: ledgerdomain.TypePurchase, Amount: 100, OrderRef: "ord_pack"})
	require.NoError(t, err)
	_, err = f.store.Incr(ctx, lifetimeKey("198.51.100.3"), 5, 0)
	require.NoError(t, err)

	caller := usagedomain.Caller{AccountID: "acct_pack", SourceIP: "198.51.100.3"}
	submitted, err := f.svc.Submit(ctx, submitReq(caller))
	require.NoError(t, err)
	assert.True(t, submitted.WillDeductCredits)

	res, err := f.svc.Status(ctx, caller, submitted.TaskID)
	require.NoError(t, err)
	require.NotNil(t, res.CreditsDeducted)
	assert.Equal(t, int64(10), *res.CreditsDeducted)
	assert.Equal(t, int64(90), *res.NewCreditBalance)

	used, err := kv.GetInt(ctx, f.store, lifetimeKey("198.51.100.3"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), used)
	daily, err := kv.GetInt(ctx, f.store, dailyKey(f.clock.Now()))
	require.NoError(t, err)
	assert.Zero(t, daily)
}

func TestSubmitRejectedByProvider(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testQuota())
	f.provider.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(providerdomain.Task{}, &providerdomain.UpstreamError{
		StatusCode: 422,
		Message:    "no face detected",
		Err:        providerdomain.ErrContentRejected,
	})

	_, err := f.svc.Submit(ctx, submitReq(usagedomain.Caller{SourceIP: "203.0.113.20"}))
	require.ErrorIs(t, err, usagedomain.ErrUpstream)
	assert.True(t, usagedomain.IsUpstreamError(err))

	used, err := kv.GetInt(ctx, f.store, lifetimeKey("203.0.113.20"))
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestSubmitThrottled(t *testing.T) {
	ctx := context.Background()
	quota := testQuota()
	quota.SubmitBurst = 2
	f := newFixture(t, quota)
	f.expectSubmits()

	caller := usagedomain.Caller{SourceIP: "203.0.113.30"}
	for i := 0; i < 2; i++ {
		_, err := f.svc.Submit(ctx, submitReq(caller))
		require.NoError(t, err)
	}
	_, err := f.svc.Submit(ctx, submitReq(caller))
	require.ErrorIs(t, err, usagedomain.ErrRateLimited)

	_, err = f.svc.Submit(ctx, usagedomain.SubmitRequest{Caller: usagedomain.Caller{SourceIP: "203.0.113.31"}})
	require.ErrorIs(t, err, usagedomain.ErrInvalidRequest)
}

func TestPollingProcessingAndTransientFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testQuota())
	f.expectSubmits()
	caller := usagedomain.Caller{SourceIP: "203.0.113.40"}
	submitted, err := f.svc.Submit(ctx, submitReq(caller))
	require.NoError(t, err)

	gomock.InOrder(
		f.provider.EXPECT().Status(gomock.Any(), submitted.TaskID).Return(providerdomain.Task{ID: submitted.TaskID, Status: providerdomain.TaskProcessing}, nil),
		f.provider.EXPECT().Status(gomock.Any(), submitted.TaskID).Return(providerdomain.Task{}, &providerdomain.UpstreamError{StatusCode: 503, Transient: true, Err: providerdomain.ErrUpstream}).Times(3),
	)

	res, err := f.svc.Status(ctx, caller, submitted.TaskID)
	require.NoError(t, err)
	assert.Equal(t, providerdomain.TaskProcessing, res.TaskStatus)
	assert.False(t, res.ShouldStopPolling)
	require.NotNil(t, res.NextPollTime)
	assert.Equal(t, f.clock.Now().Add(3*time.Second), *res.NextPollTime)

	for i := 0; i < 2; i++ {
		res, err = f.svc.Status(ctx, caller, submitted.TaskID)
		require.NoError(t, err)
		assert.Equal(t, providerdomain.TaskProcessing, res.TaskStatus)
	}
	res, err = f.svc.Status(ctx, caller, submitted.TaskID)
	require.NoError(t, err)
	assert.Equal(t, providerdomain.TaskFailed, res.TaskStatus)
	assert.True(t, res.ShouldStopPolling)

	// terminal results replay from the cache
	again, err := f.svc.Status(ctx, caller, submitted.TaskID)
	require.NoError(t, err)
	assert.Equal(t, res.TaskStatus, again.TaskStatus)
	assert.Equal(t, res.Error, again.Error)

	used, err := kv.GetInt(ctx, f.store, lifetimeKey("203.0.113.40"))
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestStatusRejectionAndOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testQuota())
	f.seedPaid(t, "acct_2", 100)
	f.expectSubmits()
	owner := usagedomain.Caller{AccountID: "acct_2", SourceIP: "198.51.100.9"}
	submitted, err := f.svc.Submit(ctx, submitReq(owner))
	require.NoError(t, err)

	_, err = f.svc.Status(ctx, usagedomain.Caller{AccountID: "acct_other", SourceIP: "198.51.100.9"}, submitted.TaskID)
	require.ErrorIs(t, err, usagedomain.ErrTaskNotFound)

	_, err = f.svc.Status(ctx, owner, "task_unknown")
	require.ErrorIs(t, err, usagedomain.ErrTaskNotFound)

	f.provider.EXPECT().Status(gomock.Any(), submitted.TaskID).Return(providerdomain.Task{}, &providerdomain.UpstreamError{StatusCode: 400, Err: providerdomain.ErrContentRejected})
	_, err = f.svc.Status(ctx, owner, submitted.TaskID)
	require.ErrorIs(t, err, usagedomain.ErrUpstream)

	balance, err := f.ledger.Balance(ctx, "acct_2")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	f.provider.EXPECT().Status(gomock.Any(), submitted.TaskID).Return(providerdomain.Task{ID: submitted.TaskID, Status: providerdomain.TaskSuccess}, nil).Times(1)
	res, err := f.svc.Status(ctx, owner, submitted.TaskID)
	require.NoError(t, err)
	require.Equal(t, providerdomain.TaskSuccess, res.TaskStatus)
	require.NotNil(t, res.NewCreditBalance)

	// a cached terminal result stays private to the task's account
	for _, stranger := range []usagedomain.Caller{
		{SourceIP: "9.9.9.9"},
		{AccountID: "acct_other", SourceIP: "198.51.100.9"},
	} {
		_, err = f.svc.Status(ctx, stranger, submitted.TaskID)
		require.ErrorIs(t, err, usagedomain.ErrTaskNotFound)
	}

	res, err = f.svc.Status(ctx, owner, submitted.TaskID)
	require.NoError(t, err)
	require.Equal(t, providerdomain.TaskSuccess, res.TaskStatus)
}

func TestFailedTaskIsNotCharged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testQuota())
	f.seedPaid(t, "acct_3", 100)
	f.expectSubmits()
	caller := usagedomain.Caller{AccountID: "acct_3", SourceIP: "198.51.100.10"}
	submitted, err := f.svc.Submit(ctx, submitReq(caller))
	require.NoError(t, err)

	f.provider.EXPECT().Status(gomock.Any(), submitted.TaskID).Return(providerdomain.Task{ID: submitted.TaskID, Status: providerdomain.TaskFailed, Error: "bad_image"}, nil).Times(1)
	res, err := f.svc.Status(ctx, caller, submitted.TaskID)
	require.NoError(t, err)
	assert.Equal(t, providerdomain.TaskFailed, res.TaskStatus)
	assert.Equal(t, "bad_image", res.Error)

	_, err = f.svc.Status(ctx, caller, submitted.TaskID)
	require.NoError(t, err)

	balance, err := f.ledger.Balance(ctx, "acct_3")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}
