package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	diagnosticsdomain "github.com/smallbiznis/creditledger/internal/diagnostics/domain"
	"github.com/smallbiznis/creditledger/internal/kv"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	orderdomain "github.com/smallbiznis/creditledger/internal/order/domain"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	stalePendingAfter = time.Hour
	reportTxLimit     = 100
	repairLockTTL     = time.Minute
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	Clock           clock.Clock
	Repo            diagnosticsdomain.Repository
	LedgerSvc       ledgerdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	OrderSvc        orderdomain.Service
	PaymentSvc      paymentdomain.Service
	Locker          *kv.Locker `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  diagnosticsdomain.Repository

	ledgerSvc  ledgerdomain.Service
	subSvc     subscriptiondomain.Service
	orderSvc   orderdomain.Service
	paymentSvc paymentdomain.Service
	locker     *kv.Locker
}

func NewService(p Params) diagnosticsdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("diagnostics.service"),
		clock: p.Clock,
		repo:  p.Repo,

		ledgerSvc:  p.LedgerSvc,
		subSvc:     p.SubscriptionSvc,
		orderSvc:   p.OrderSvc,
		paymentSvc: p.PaymentSvc,
		locker:     p.Locker,
	}
}

func (s *Service) Summary(ctx context.Context) (diagnosticsdomain.Summary, error) {
	summary := diagnosticsdomain.Summary{
		SubscriptionsByStatus: map[string]int64{},
		SubscriptionsByPlan:   map[string]int64{},
		LedgerTotals:          map[string]int64{},
		LedgerCounts:          map[string]int64{},
		GeneratedAt:           s.clock.Now().UTC(),
	}

	var (
		counts    []diagnosticsdomain.StatusPlanCount
		totals    []diagnosticsdomain.TypeTotal
		balances  diagnosticsdomain.BalanceTotals
		anomalies []diagnosticsdomain.Anomaly
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		counts, err = s.repo.SubscriptionCounts(gctx, s.db)
		return err
	})
	g.Go(func() (err error) {
		totals, err = s.repo.LedgerTotals(gctx, s.db)
		return err
	})
	g.Go(func() (err error) {
		balances, err = s.repo.BalanceTotals(gctx, s.db)
		return err
	})
	g.Go(func() (err error) {
		anomalies, err = s.Anomalies(gctx, diagnosticsdomain.AnomalyRequest{})
		return err
	})
	if err := g.Wait(); err != nil {
		return diagnosticsdomain.Summary{}, err
	}

	for _, row := range counts {
		summary.SubscriptionsByStatus[row.Status] += row.Count
		summary.SubscriptionsByPlan[row.Plan] += row.Count
	}
	for _, row := range totals {
		summary.LedgerTotals[row.Type] = row.Total
		summary.LedgerCounts[row.Type] = row.Count
	}
	summary.Accounts = balances.Accounts
	summary.TotalCachedBalance = balances.Total
	summary.AnomalyCount = len(anomalies)
	return summary, nil
}

// Anomalies runs every scan concurrently and returns the findings ordered by
// kind, then account.
func (s *Service) Anomalies(ctx context.Context, req diagnosticsdomain.AnomalyRequest) ([]diagnosticsdomain.Anomaly, error) {
	accountID := strings.TrimSpace(req.AccountID)
	now := s.clock.Now().UTC()

	var (
		mismatches []diagnosticsdomain.BalanceRow
		negatives  []diagnosticsdomain.BalanceRow
		duplicates []diagnosticsdomain.PlanCountRow
		missing    []diagnosticsdomain.MissingGrantRow
		pending    []diagnosticsdomain.PendingRow
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		mismatches, err = s.repo.BalanceMismatches(gctx, s.db, accountID, now)
		return err
	})
	g.Go(func() (err error) {
		negatives, err = s.repo.NegativeBalances(gctx, s.db, accountID)
		return err
	})
	g.Go(func() (err error) {
		duplicates, err = s.repo.MultipleActivePaid(gctx, s.db, accountID)
		return err
	})
	g.Go(func() (err error) {
		missing, err = s.repo.MissingGrants(gctx, s.db, accountID, nil)
		return err
	})
	g.Go(func() (err error) {
		pending, err = s.repo.StalePending(gctx, s.db, accountID, now.Add(-stalePendingAfter))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]diagnosticsdomain.Anomaly, 0, len(mismatches)+len(negatives)+len(duplicates)+len(missing)+len(pending))
	for _, row := range mismatches {
		out = append(out, diagnosticsdomain.Anomaly{
			Kind:      diagnosticsdomain.AnomalyBalanceMismatch,
			AccountID: row.AccountID,
			Expected:  int64Ptr(row.Ledger),
			Actual:    int64Ptr(row.Cached),
			Detail:    "cached balance differs from live ledger sum",
		})
	}
	for _, row := range duplicates {
		out = append(out, diagnosticsdomain.Anomaly{
			Kind:      diagnosticsdomain.AnomalyMultipleActivePaid,
			AccountID: row.AccountID,
			Reference: row.Plan,
			Expected:  int64Ptr(1),
			Actual:    int64Ptr(row.Count),
			Detail:    "more than one live " + row.Plan + " subscription",
		})
	}
	for _, row := range missing {
		out = append(out, diagnosticsdomain.Anomaly{
			Kind:      diagnosticsdomain.AnomalyMissingGrant,
			AccountID: row.AccountID,
			Reference: row.ExternalOrderID,
			Expected:  int64Ptr(row.Credits),
			Actual:    int64Ptr(0),
			Detail:    "completed order has no ledger grant",
		})
	}
	for _, row := range pending {
		out = append(out, diagnosticsdomain.Anomaly{
			Kind:      diagnosticsdomain.AnomalyStalePending,
			AccountID: row.AccountID,
			Reference: row.ExternalID,
			Detail:    "pending since " + row.StartAt.UTC().Format(time.RFC3339),
		})
	}
	for _, row := range negatives {
		out = append(out, diagnosticsdomain.Anomaly{
			Kind:      diagnosticsdomain.AnomalyNegativeBalance,
			AccountID: row.AccountID,
			Actual:    int64Ptr(row.Cached),
			Detail:    "cached balance below zero",
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out, nil
}

func (s *Service) Events(ctx context.Context, req paymentdomain.ListEventsRequest) ([]paymentdomain.EventRecord, error) {
	return s.paymentSvc.ListEvents(ctx, req)
}

func (s *Service) AccountReport(ctx context.Context, accountID string) (diagnosticsdomain.AccountReport, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return diagnosticsdomain.AccountReport{}, diagnosticsdomain.ErrInvalidAccount
	}

	report := diagnosticsdomain.AccountReport{AccountID: accountID}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		report.CachedBalance, err = s.ledgerSvc.Balance(gctx, accountID)
		return err
	})
	g.Go(func() (err error) {
		report.LedgerBalance, err = s.ledgerSvc.ActiveSum(gctx, accountID)
		return err
	})
	g.Go(func() (err error) {
		report.Subscriptions, err = s.subSvc.ListByAccount(gctx, accountID)
		return err
	})
	g.Go(func() (err error) {
		report.Orders, err = s.orderSvc.ListByAccount(gctx, accountID)
		return err
	})
	g.Go(func() error {
		page, err := s.ledgerSvc.List(gctx, ledgerdomain.ListRequest{AccountID: accountID, PageSize: reportTxLimit})
		report.Transactions = page.Transactions
		return err
	})
	g.Go(func() (err error) {
		report.Anomalies, err = s.Anomalies(gctx, diagnosticsdomain.AnomalyRequest{AccountID: accountID})
		return err
	})
	if err := g.Wait(); err != nil {
		return diagnosticsdomain.AccountReport{}, err
	}

	if len(report.Subscriptions) == 0 && len(report.Orders) == 0 && len(report.Transactions) == 0 && report.CachedBalance == 0 {
		return diagnosticsdomain.AccountReport{}, diagnosticsdomain.ErrAccountNotFound
	}
	return report, nil
}

// Repair re-applies completed orders whose credits never reached the ledger
// as fix transactions, then resyncs the cached balance.
func (s *Service) Repair(ctx context.Context, req diagnosticsdomain.RepairRequest) (diagnosticsdomain.RepairResult, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return diagnosticsdomain.RepairResult{}, diagnosticsdomain.ErrInvalidAccount
	}
	log := logger.WithAccount(logger.WithContext(ctx, s.log), accountID)

	if s.locker != nil {
		key := "diagnostics:repair:" + accountID
		token, ok, err := s.locker.TryLock(ctx, key, repairLockTTL)
		if err != nil {
			return diagnosticsdomain.RepairResult{}, err
		}
		if !ok {
			return diagnosticsdomain.RepairResult{}, diagnosticsdomain.ErrRepairInProgress
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
				log.Warn("diagnostics.repair.unlock_failed", zap.Error(err))
			}
		}()
	}

	var sub *subscriptiondomain.Subscription
	if externalID := strings.TrimSpace(req.SubscriptionID); externalID != "" {
		found, err := s.subSvc.FindByExternalID(ctx, accountID, externalID)
		if err != nil {
			return diagnosticsdomain.RepairResult{}, err
		}
		if found == nil {
			return diagnosticsdomain.RepairResult{}, diagnosticsdomain.ErrSubscriptionNotFound
		}
		sub = found
	}

	missing, err := s.repo.MissingGrants(ctx, s.db, accountID, subscriptionIDOf(sub))
	if err != nil {
		return diagnosticsdomain.RepairResult{}, err
	}

	result := diagnosticsdomain.RepairResult{AccountID: accountID, Fixes: []diagnosticsdomain.Fix{}}
	for _, row := range missing {
		res, err := s.ledgerSvc.Append(ctx, ledgerdomain.AppendRequest{
			AccountID:      accountID,
			Type:           ledgerdomain.TypeFix,
			Amount:         row.Credits,
			OrderRef:       row.ExternalOrderID,
			EventType:      "repair.missing_grant",
			SubscriptionID: row.SubscriptionID,
			Metadata: map[string]any{
				"reason":     string(diagnosticsdomain.AnomalyMissingGrant),
				"product_id": row.ProductID,
			},
		})
		if err != nil {
			log.Error("diagnostics.repair.fix_failed", zap.String("order_id", row.ExternalOrderID), zap.Error(err))
			return diagnosticsdomain.RepairResult{}, err
		}
		result.Fixes = append(result.Fixes, diagnosticsdomain.Fix{
			OrderID:           row.ExternalOrderID,
			SubscriptionID:    row.SubscriptionID,
			Credits:           row.Credits,
			TransactionNumber: res.Transaction.TransactionNumber,
		})
		log.Info("diagnostics.repair.fix_applied",
			zap.String("order_id", row.ExternalOrderID),
			zap.Int64("credits", row.Credits),
		)
	}

	resync, err := s.ledgerSvc.Resync(ctx, accountID)
	if err != nil {
		return diagnosticsdomain.RepairResult{}, err
	}
	result.Resync = resync
	log.Info("diagnostics.repair.completed", zap.Int("fixes", len(result.Fixes)), zap.Int64("drift", resync.Drift))
	return result, nil
}

func (s *Service) Resync(ctx context.Context, accountID string) (ledgerdomain.ResyncResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ledgerdomain.ResyncResult{}, diagnosticsdomain.ErrInvalidAccount
	}
	return s.ledgerSvc.Resync(ctx, accountID)
}

func subscriptionIDOf(sub *subscriptiondomain.Subscription) *snowflake.ID {
	if sub == nil {
		return nil
	}
	id := sub.ID
	return &id
}

func int64Ptr(v int64) *int64 {
	return &v
}
