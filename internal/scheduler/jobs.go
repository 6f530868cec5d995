package scheduler

import (
	"context"
	"errors"

	transitiondomain "github.com/smallbiznis/creditledger/internal/transition/domain"
	"go.uber.org/zap"
)

type sweepFunc func(ctx context.Context, limit int) (transitiondomain.SweepResult, error)

func (s *Scheduler) ActivatePendingJob(ctx context.Context) error {
	return s.sweep(ctx, JobActivatePending, s.transitionSvc.ActivatePending)
}

func (s *Scheduler) DistributeYearlyJob(ctx context.Context) error {
	return s.sweep(ctx, JobDistributeYearly, s.transitionSvc.DistributeYearly)
}

func (s *Scheduler) ExpireEndedJob(ctx context.Context) error {
	return s.sweep(ctx, JobExpireEnded, func(ctx context.Context, limit int) (transitiondomain.SweepResult, error) {
		return s.transitionSvc.ExpireEnded(ctx, s.cfg.ExpireGrace, limit)
	})
}

func (s *Scheduler) sweep(ctx context.Context, job string, fn sweepFunc) error {
	ctx, run, owner := s.ensureJobRun(ctx, job, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	result, err := fn(ctx, s.cfg.BatchSize)
	run.record(result)
	s.metrics.AddBatchProcessed(job, "subscriptions", result.Processed)
	if result.Failed > 0 {
		s.logger(ctx).Warn("scheduler.sweep.partial",
			zap.String("job", job),
			zap.Int("scanned", result.Scanned),
			zap.Int("processed", result.Processed),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", result.Failed),
		)
	}
	if err != nil {
		s.logJobError(ctx, run, "scheduler.sweep.failed", "", err)
		return err
	}
	return nil
}

// ReconcileBalancesJob resyncs accounts whose cached balance no longer matches
// the sum of unexpired transactions, typically after grants expire.
func (s *Scheduler) ReconcileBalancesJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReconcileBalances, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	rows, err := s.diagnosticsRepo.BalanceMismatches(ctx, s.db, "", s.clock.Now())
	if err != nil {
		s.logJobError(ctx, run, "scheduler.reconcile.scan_failed", "", err)
		return err
	}
	if len(rows) > s.cfg.BatchSize {
		rows = rows[:s.cfg.BatchSize]
	}

	var jobErr error
	result := transitiondomain.SweepResult{Scanned: len(rows)}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			jobErr = errors.Join(jobErr, err)
			break
		}
		resynced, err := s.ledgerSvc.Resync(ctx, row.AccountID)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(ctx, run, "scheduler.reconcile.resync_failed", row.AccountID, err)
			continue
		}
		result.Processed++
		s.logger(ctx).Info("scheduler.balance.resynced",
			zap.String("account_id", row.AccountID),
			zap.Int64("before", resynced.Before),
			zap.Int64("after", resynced.After),
			zap.Int64("drift", resynced.Drift),
		)
	}
	run.record(result)
	s.metrics.AddBatchProcessed(JobReconcileBalances, "accounts", result.Processed)
	return jobErr
}
