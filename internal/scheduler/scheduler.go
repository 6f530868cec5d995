package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	diagnosticsdomain "github.com/smallbiznis/creditledger/internal/diagnostics/domain"
	"github.com/smallbiznis/creditledger/internal/kv"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	transitiondomain "github.com/smallbiznis/creditledger/internal/transition/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobActivatePending   = "activate_pending"
	JobDistributeYearly  = "distribute_yearly"
	JobExpireEnded       = "expire_ended"
	JobReconcileBalances = "reconcile_balances"

	passLockKey = "scheduler:pass"
)

var jobNames = []string{JobActivatePending, JobDistributeYearly, JobExpireEnded, JobReconcileBalances}

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	TransitionSvc   transitiondomain.Service
	LedgerSvc       ledgerdomain.Service
	DiagnosticsRepo diagnosticsdomain.Repository
	Locker          *kv.Locker                   `optional:"true"`
	Metrics         *obsmetrics.SchedulerMetrics `optional:"true"`
	Config          Config                       `optional:"true"`
}

type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	transitionSvc   transitiondomain.Service
	ledgerSvc       ledgerdomain.Service
	diagnosticsRepo diagnosticsdomain.Repository
	locker          *kv.Locker
	metrics         *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.TransitionSvc == nil || p.LedgerSvc == nil || p.DiagnosticsRepo == nil {
		return nil, ErrInvalidConfig
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Scheduler()
	}
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		genID:           p.GenID,
		clock:           p.Clock,
		transitionSvc:   p.TransitionSvc,
		ledgerSvc:       p.LedgerSvc,
		diagnosticsRepo: p.DiagnosticsRepo,
		locker:          p.Locker,
		metrics:         metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.totals.Failed == 0 {
			run.fail()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout: the next pass picks up the remainder
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every enabled job once. Only the instance holding the pass
// lease runs; others return nil immediately.
func (s *Scheduler) RunOnce(parent context.Context) error {
	release, acquired, err := s.acquirePass(parent)
	if err != nil {
		return err
	}
	if !acquired {
		s.metrics.IncBatchDeferred("pass", obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.log.Debug("scheduler.pass.deferred", zap.String("reason", obsmetrics.SchedulerBatchDeferredReasonLockHeld))
		return nil
	}
	defer release()

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobActivatePending, s.ActivatePendingJob},
		{JobDistributeYearly, s.DistributeYearlyJob},
		{JobExpireEnded, s.ExpireEndedJob},
		{JobReconcileBalances, s.ReconcileBalancesJob},
	}

	var runErr error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		runErr = errors.Join(runErr, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}
	return runErr
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)

	for {
		if runLag := time.Since(nextRun); runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) acquirePass(ctx context.Context) (func(), bool, error) {
	if s.locker == nil {
		return func() {}, true, nil
	}
	token, ok, err := s.locker.TryLock(ctx, passLockKey, s.cfg.LockTTL)
	if err != nil {
		return nil, false, fmt.Errorf("acquire scheduler lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		if err := s.locker.Release(context.Background(), passLockKey, token); err != nil {
			s.log.Warn("scheduler.lock.release_failed", zap.Error(err))
		}
	}, true, nil
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty means every job runs
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}
