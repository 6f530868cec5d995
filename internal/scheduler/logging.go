package scheduler

import (
	"context"
	"time"

	obslogger "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	transitiondomain "github.com/smallbiznis/creditledger/internal/transition/domain"
	"go.uber.org/zap"
)

// jobRun accumulates sweep counters for one job invocation. Nested calls
// within the same job share the run carried on the context.
type jobRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time
	totals    transitiondomain.SweepResult
}

type jobRunKey struct{}

func (r *jobRun) record(result transitiondomain.SweepResult) {
	if r == nil {
		return
	}
	r.totals.Scanned += result.Scanned
	r.totals.Processed += result.Processed
	r.totals.Skipped += result.Skipped
	r.totals.Failed += result.Failed
}

func (r *jobRun) fail() {
	if r != nil {
		r.totals.Failed++
	}
}

func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	return context.WithValue(ctx, jobRunKey{}, run), run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	log := s.logger(ctx).With(
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Duration("elapsed", s.clock.Now().Sub(run.startedAt)),
		zap.Int("scanned", run.totals.Scanned),
		zap.Int("processed", run.totals.Processed),
		zap.Int("skipped", run.totals.Skipped),
		zap.Int("failed", run.totals.Failed),
	)
	if run.totals.Failed > 0 {
		log.Warn("scheduler.job.finish")
		return
	}
	log.Info("scheduler.job.finish")
}

// logJobError counts err against the run and logs it with its retry class.
func (s *Scheduler) logJobError(ctx context.Context, run *jobRun, msg, accountID string, err error) {
	if err == nil {
		return
	}
	run.fail()
	log := s.logger(ctx)
	if accountID != "" {
		log = obslogger.WithAccount(log, accountID)
	}
	log.Error(msg,
		zap.String("job", run.job),
		zap.String("error_type", obsmetrics.ClassifySchedulerJobReason(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	)
}
