package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/creditledger/internal/kv"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	providerdomain "github.com/smallbiznis/creditledger/internal/provider/domain"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
	"go.uber.org/zap"
)

func (s *Service) Status(ctx context.Context, caller usagedomain.Caller, taskID string) (usagedomain.StatusResult, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return usagedomain.StatusResult{}, usagedomain.ErrInvalidRequest
	}

	record, err := s.loadTask(ctx, taskID)
	if err != nil {
		return usagedomain.StatusResult{}, err
	}
	if record.AccountID != "" && record.AccountID != strings.TrimSpace(caller.AccountID) {
		return usagedomain.StatusResult{}, usagedomain.ErrTaskNotFound
	}

	if cached, ok := s.cachedResult(ctx, taskID); ok {
		return cached, nil
	}

	log := logger.WithAccount(logger.WithContext(ctx, s.log), record.AccountID).With(zap.String("task_id", taskID))

	task, err := s.provider.Status(ctx, taskID)
	if err != nil {
		switch {
		case errors.Is(err, providerdomain.ErrTaskNotFound):
			return usagedomain.StatusResult{}, usagedomain.ErrTaskNotFound
		case providerdomain.IsTransient(err):
			return s.transientFailure(ctx, log, taskID, err)
		default:
			log.Warn("usage.poll.rejected", zap.Error(err))
			return usagedomain.StatusResult{}, fmt.Errorf("%w: %w", usagedomain.ErrUpstream, err)
		}
	}

	switch task.Status {
	case providerdomain.TaskSuccess:
		result := usagedomain.StatusResult{
			TaskStatus:        providerdomain.TaskSuccess,
			Data:              task.Data,
			ShouldStopPolling: true,
		}
		charge, err := s.Charge(ctx, record)
		switch {
		case errors.Is(err, usagedomain.ErrInsufficientCredits):
			log.Warn("usage.charge.ineligible", zap.String("tier", string(record.Tier)))
		case err != nil:
			return usagedomain.StatusResult{}, err
		case charge.Amount > 0:
			result.CreditsDeducted = &charge.Amount
			result.NewCreditBalance = &charge.Balance
		}
		return s.finish(ctx, log, taskID, result), nil
	case providerdomain.TaskFailed:
		log.Info("usage.task.failed", zap.String("error", task.Error))
		return s.finish(ctx, log, taskID, usagedomain.StatusResult{
			TaskStatus:        providerdomain.TaskFailed,
			Data:              task.Data,
			Error:             task.Error,
			ShouldStopPolling: true,
		}), nil
	default:
		return s.processing(), nil
	}
}

// transientFailure keeps the client polling until the provider has failed
// maxPollErrors times for this task, then gives up on it.
func (s *Service) transientFailure(ctx context.Context, log *zap.Logger, taskID string, cause error) (usagedomain.StatusResult, error) {
	count, err := s.store.Incr(ctx, pollErrorKey(taskID), 1, pollErrorTTL)
	if err != nil {
		return usagedomain.StatusResult{}, err
	}
	log.Warn("usage.poll.transient_error", zap.Int64("count", count), zap.Error(cause))
	if count < maxPollErrors {
		return s.processing(), nil
	}
	return s.finish(ctx, log, taskID, usagedomain.StatusResult{
		TaskStatus:        providerdomain.TaskFailed,
		Error:             "provider_unavailable",
		ShouldStopPolling: true,
	}), nil
}

func (s *Service) processing() usagedomain.StatusResult {
	next := s.clock.Now().UTC().Add(pollInterval)
	return usagedomain.StatusResult{
		TaskStatus:   providerdomain.TaskProcessing,
		NextPollTime: &next,
	}
}

// finish caches a terminal result. The first cached result wins so that
// every later poll replays the same payload.
func (s *Service) finish(ctx context.Context, log *zap.Logger, taskID string, result usagedomain.StatusResult) usagedomain.StatusResult {
	raw, err := json.Marshal(result)
	if err != nil {
		log.Warn("usage.result.encode_failed", zap.Error(err))
		return result
	}
	stored, err := s.store.SetNX(ctx, resultKey(taskID), raw, s.quota.ResultCacheTTL)
	if err != nil {
		log.Warn("usage.result.cache_failed", zap.Error(err))
		return result
	}
	if !stored {
		if cached, ok := s.cachedResult(ctx, taskID); ok {
			return cached
		}
	}
	return result
}

func (s *Service) cachedResult(ctx context.Context, taskID string) (usagedomain.StatusResult, bool) {
	raw, err := s.store.Get(ctx, resultKey(taskID))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.log.Warn("usage.result.cache_read_failed", zap.String("task_id", taskID), zap.Error(err))
		}
		return usagedomain.StatusResult{}, false
	}
	var result usagedomain.StatusResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return usagedomain.StatusResult{}, false
	}
	return result, true
}
