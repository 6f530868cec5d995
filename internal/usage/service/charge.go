package service

import (
	"context"
	"errors"

	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
	"go.uber.org/zap"
)

// Charge bills a completed task exactly once. Ledger tiers are anchored on
// the unique (account, task) pair; free-tier counters on a per-task marker.
func (s *Service) Charge(ctx context.Context, task usagedomain.TaskRecord) (usagedomain.ChargeResult, error) {
	if task.TaskID == "" {
		return usagedomain.ChargeResult{}, usagedomain.ErrInvalidRequest
	}
	switch {
	case task.Tier.Charged() && task.AccountID != "":
		return s.chargeLedger(ctx, task)
	case task.Tier == usagedomain.TierFree:
		return s.debitQuota(ctx, task)
	default:
		return usagedomain.ChargeResult{}, nil
	}
}

func (s *Service) chargeLedger(ctx context.Context, task usagedomain.TaskRecord) (usagedomain.ChargeResult, error) {
	log := logger.WithAccount(logger.WithContext(ctx, s.log), task.AccountID).With(zap.String("task_id", task.TaskID))

	existing, err := s.ledgerSvc.FindByTask(ctx, task.AccountID, task.TaskID)
	if err != nil {
		return usagedomain.ChargeResult{}, err
	}
	if existing != nil {
		return s.alreadyCharged(ctx, existing)
	}

	subs, err := s.subSvc.ListLivePaid(ctx, task.AccountID)
	if err != nil {
		return usagedomain.ChargeResult{}, err
	}
	balance, err := s.ledgerSvc.Balance(ctx, task.AccountID)
	if err != nil {
		return usagedomain.ChargeResult{}, err
	}
	if len(subs) == 0 && balance <= 0 {
		return usagedomain.ChargeResult{}, usagedomain.ErrInsufficientCredits
	}

	res, err := s.ledgerSvc.Append(ctx, ledgerdomain.AppendRequest{
		AccountID: task.AccountID,
		Type:      ledgerdomain.TypeUsage,
		Amount:    -s.quota.UnitCost,
		TaskID:    task.TaskID,
		EventType: "generation.completed",
		Metadata:  map[string]any{"tier": string(task.Tier)},
	})
	if errors.Is(err, ledgerdomain.ErrDuplicateTransaction) {
		existing, err := s.ledgerSvc.FindByTask(ctx, task.AccountID, task.TaskID)
		if err != nil {
			return usagedomain.ChargeResult{}, err
		}
		if existing != nil {
			return s.alreadyCharged(ctx, existing)
		}
		return usagedomain.ChargeResult{}, ledgerdomain.ErrDuplicateTransaction
	}
	if err != nil {
		log.Error("usage.charge.failed", zap.Error(err))
		return usagedomain.ChargeResult{}, err
	}

	s.obsMetrics.RecordUsageCharge(ctx, string(task.Tier))
	log.Info("usage.charge.applied",
		zap.String("transaction_number", res.Transaction.TransactionNumber),
		zap.Int64("balance", res.Balance),
	)
	return usagedomain.ChargeResult{
		Charged:           true,
		Amount:            s.quota.UnitCost,
		Balance:           res.Balance,
		TransactionNumber: res.Transaction.TransactionNumber,
	}, nil
}

func (s *Service) alreadyCharged(ctx context.Context, tx *ledgerdomain.Transaction) (usagedomain.ChargeResult, error) {
	balance, err := s.ledgerSvc.Balance(ctx, tx.AccountID)
	if err != nil {
		return usagedomain.ChargeResult{}, err
	}
	return usagedomain.ChargeResult{
		AlreadyCharged:    true,
		Amount:            -tx.Amount,
		Balance:           balance,
		TransactionNumber: tx.TransactionNumber,
	}, nil
}

func (s *Service) debitQuota(ctx context.Context, task usagedomain.TaskRecord) (usagedomain.ChargeResult, error) {
	first, err := s.store.SetNX(ctx, quotaDebitKey(task.TaskID), []byte("1"), taskTTL)
	if err != nil {
		return usagedomain.ChargeResult{}, err
	}
	if !first {
		return usagedomain.ChargeResult{AlreadyCharged: true}, nil
	}

	log := logger.WithContext(ctx, s.log).With(zap.String("task_id", task.TaskID), zap.String("source_ip", task.SourceIP))

	lifetime, err := s.store.Incr(ctx, lifetimeKey(task.SourceIP), 1, 0)
	if err != nil {
		log.Error("usage.quota.lifetime_debit_failed", zap.Error(err))
		return usagedomain.ChargeResult{}, err
	}
	daily, err := s.store.Incr(ctx, dailyKey(s.clock.Now()), 1, dailyTTL)
	if err != nil {
		log.Error("usage.quota.daily_debit_failed", zap.Error(err))
		return usagedomain.ChargeResult{}, err
	}

	s.obsMetrics.RecordUsageCharge(ctx, string(task.Tier))
	log.Info("usage.quota.debited", zap.Int64("lifetime_used", lifetime), zap.Int64("daily_used", daily))
	return usagedomain.ChargeResult{Charged: true}, nil
}
