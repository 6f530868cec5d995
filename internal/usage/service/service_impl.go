package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/kv"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	providerdomain "github.com/smallbiznis/creditledger/internal/provider/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	taskTTL       = 24 * time.Hour
	pollErrorTTL  = time.Hour
	dailyTTL      = 48 * time.Hour
	maxPollErrors = 3
	pollInterval  = 3 * time.Second
)

type Params struct {
	fx.In

	Log             *zap.Logger
	Clock           clock.Clock
	Config          config.Config
	Store           kv.Store
	Limiter         kv.RateLimiter `optional:"true"`
	Provider        providerdomain.Client
	LedgerSvc       ledgerdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log   *zap.Logger
	clock clock.Clock
	quota config.QuotaConfig

	store      kv.Store
	limiter    kv.RateLimiter
	provider   providerdomain.Client
	ledgerSvc  ledgerdomain.Service
	subSvc     subscriptiondomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		log:   p.Log.Named("usage.service"),
		clock: p.Clock,
		quota: p.Config.Quota,

		store:      p.Store,
		limiter:    p.Limiter,
		provider:   p.Provider,
		ledgerSvc:  p.LedgerSvc,
		subSvc:     p.SubscriptionSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) PreCheck(ctx context.Context, caller usagedomain.Caller) (usagedomain.Decision, error) {
	caller, err := normalizeCaller(caller)
	if err != nil {
		return usagedomain.Decision{}, err
	}

	var balance int64
	if !caller.Anonymous() {
		subs, err := s.subSvc.ListLivePaid(ctx, caller.AccountID)
		if err != nil {
			return usagedomain.Decision{}, err
		}
		balance, err = s.ledgerSvc.Balance(ctx, caller.AccountID)
		if err != nil {
			return usagedomain.Decision{}, err
		}
		if len(subs) > 0 {
			if balance < s.quota.UnitCost {
				return usagedomain.Decision{}, s.deny(ctx, caller, usagedomain.ErrInsufficientCredits)
			}
			return usagedomain.Decision{Tier: usagedomain.TierPaid, Balance: balance, WillDeductCredits: true}, nil
		}
		if balance >= s.quota.UnitCost {
			return usagedomain.Decision{Tier: usagedomain.TierCredits, Balance: balance, WillDeductCredits: true}, nil
		}
	}

	if caller.SourceIP == "" {
		return usagedomain.Decision{}, usagedomain.ErrMissingIdentity
	}
	if s.exempt(caller.SourceIP) {
		return usagedomain.Decision{Tier: usagedomain.TierTrusted, Balance: balance}, nil
	}

	if limit := s.quota.FreeLifetimeLimit; limit > 0 {
		used, err := kv.GetInt(ctx, s.store, lifetimeKey(caller.SourceIP))
		if err != nil {
			return usagedomain.Decision{}, err
		}
		if used >= limit {
			return usagedomain.Decision{}, s.deny(ctx, caller, usagedomain.ErrLifetimeLimit)
		}
	}
	if limit := s.quota.GlobalDailyLimit; limit > 0 {
		used, err := kv.GetInt(ctx, s.store, dailyKey(s.clock.Now()))
		if err != nil {
			return usagedomain.Decision{}, err
		}
		if used >= limit {
			return usagedomain.Decision{}, s.deny(ctx, caller, usagedomain.ErrGlobalQuotaExceeded)
		}
	}

	return usagedomain.Decision{Tier: usagedomain.TierFree, Balance: balance, RequiresSubscription: true}, nil
}

func (s *Service) Submit(ctx context.Context, req usagedomain.SubmitRequest) (usagedomain.SubmitResult, error) {
	caller, err := normalizeCaller(req.Caller)
	if err != nil {
		return usagedomain.SubmitResult{}, err
	}
	imageURL := strings.TrimSpace(req.ImageURL)
	if imageURL == "" {
		return usagedomain.SubmitResult{}, usagedomain.ErrInvalidRequest
	}

	if err := s.throttle(ctx, caller); err != nil {
		return usagedomain.SubmitResult{}, err
	}

	decision, err := s.PreCheck(ctx, caller)
	if err != nil {
		return usagedomain.SubmitResult{}, err
	}

	log := logger.WithAccount(logger.WithContext(ctx, s.log), caller.AccountID)

	task, err := s.provider.Submit(ctx, providerdomain.SubmitRequest{
		ImageURL:  imageURL,
		HairStyle: strings.TrimSpace(req.HairStyle),
		HairColor: strings.TrimSpace(req.HairColor),
	})
	if err != nil {
		log.Warn("usage.task.submit_failed", zap.Error(err))
		return usagedomain.SubmitResult{}, fmt.Errorf("%w: %w", usagedomain.ErrUpstream, err)
	}
	if task.ID == "" {
		return usagedomain.SubmitResult{}, fmt.Errorf("%w: provider returned no task id", usagedomain.ErrUpstream)
	}

	record := usagedomain.TaskRecord{
		TaskID:      task.ID,
		AccountID:   caller.AccountID,
		SourceIP:    caller.SourceIP,
		Tier:        decision.Tier,
		SubmittedAt: s.clock.Now().UTC(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return usagedomain.SubmitResult{}, err
	}
	if err := s.store.Set(ctx, taskKey(task.ID), raw, taskTTL); err != nil {
		log.Error("usage.task.record_failed", zap.String("task_id", task.ID), zap.Error(err))
		return usagedomain.SubmitResult{}, err
	}

	log.Info("usage.task.submitted",
		zap.String("task_id", task.ID),
		zap.String("tier", string(decision.Tier)),
	)

	return usagedomain.SubmitResult{
		Success:              true,
		TaskID:               task.ID,
		Status:               "processing",
		WillDeductCredits:    decision.WillDeductCredits,
		RequiresSubscription: decision.RequiresSubscription,
	}, nil
}

func (s *Service) throttle(ctx context.Context, caller usagedomain.Caller) error {
	if s.limiter == nil || s.quota.SubmitRate <= 0 || s.quota.SubmitBurst <= 0 {
		return nil
	}
	source := caller.AccountID
	if source == "" {
		source = caller.SourceIP
	}
	res, err := s.limiter.Allow(ctx, submitKey(source), s.quota.SubmitRate, s.quota.SubmitBurst)
	if err != nil {
		// fail open; quota counters still apply
		s.log.Warn("usage.throttle.unavailable", zap.Error(err))
		return nil
	}
	if !res.Allowed {
		return s.deny(ctx, caller, usagedomain.ErrRateLimited)
	}
	return nil
}

func (s *Service) deny(ctx context.Context, caller usagedomain.Caller, err error) error {
	s.obsMetrics.RecordQuotaDenied(ctx, err.Error())
	logger.WithAccount(logger.WithContext(ctx, s.log), caller.AccountID).Info("usage.precheck.denied",
		zap.String("reason", err.Error()),
		zap.String("source_ip", caller.SourceIP),
	)
	return err
}

func (s *Service) exempt(sourceIP string) bool {
	if s.quota.DevBypass {
		return true
	}
	addr, err := netip.ParseAddr(sourceIP)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range s.quota.TrustedNetworks {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *Service) loadTask(ctx context.Context, taskID string) (usagedomain.TaskRecord, error) {
	raw, err := s.store.Get(ctx, taskKey(taskID))
	if errors.Is(err, kv.ErrNotFound) {
		return usagedomain.TaskRecord{}, usagedomain.ErrTaskNotFound
	}
	if err != nil {
		return usagedomain.TaskRecord{}, err
	}
	var record usagedomain.TaskRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return usagedomain.TaskRecord{}, err
	}
	return record, nil
}

func normalizeCaller(caller usagedomain.Caller) (usagedomain.Caller, error) {
	caller.AccountID = strings.TrimSpace(caller.AccountID)
	caller.SourceIP = strings.TrimSpace(caller.SourceIP)
	if caller.AccountID == "" && caller.SourceIP == "" {
		return caller, usagedomain.ErrMissingIdentity
	}
	return caller, nil
}

func taskKey(taskID string) string       { return "usage:task:" + taskID }
func resultKey(taskID string) string     { return "usage:result:" + taskID }
func pollErrorKey(taskID string) string  { return "usage:poll_errors:" + taskID }
func quotaDebitKey(taskID string) string { return "usage:quota_debited:" + taskID }
func lifetimeKey(sourceIP string) string { return "usage:free:lifetime:" + sourceIP }
func submitKey(source string) string     { return "usage:submit:" + source }

func dailyKey(at time.Time) string {
	return "usage:free:daily:" + at.UTC().Format("2006-01-02")
}

var _ usagedomain.Service = (*Service)(nil)
