package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxTransitionAttempts = 3

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  subscriptiondomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  subscriptiondomain.Repository
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateRequest) (subscriptiondomain.Subscription, bool, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return subscriptiondomain.Subscription{}, false, subscriptiondomain.ErrInvalidAccount
	}
	if !req.Plan.Valid() {
		return subscriptiondomain.Subscription{}, false, subscriptiondomain.ErrInvalidPlan
	}
	externalID := strings.TrimSpace(req.ExternalID)
	if externalID == "" {
		return subscriptiondomain.Subscription{}, false, subscriptiondomain.ErrInvalidExternalID
	}

	status := req.Status
	if status == "" {
		status = subscriptiondomain.StatusActive
	}
	if status != subscriptiondomain.StatusActive && status != subscriptiondomain.StatusPending {
		return subscriptiondomain.Subscription{}, false, subscriptiondomain.ErrInvalidStatus
	}

	now := s.clock.Now()
	startAt := req.StartAt.UTC()
	if startAt.IsZero() {
		startAt = now
	}
	endAt := req.EndAt.UTC()
	if req.EndAt.IsZero() {
		endAt = req.Plan.Term(startAt)
	}
	if !endAt.After(startAt) {
		return subscriptiondomain.Subscription{}, false, subscriptiondomain.ErrInvalidPeriod
	}

	schedule := req.GrantSchedule
	if schedule == "" {
		schedule = subscriptiondomain.GrantUpfront
	}

	subscription := subscriptiondomain.Subscription{
		ID:            s.genID.Generate(),
		AccountID:     accountID,
		Plan:          req.Plan,
		ProductID:     strings.TrimSpace(req.ProductID),
		Status:        status,
		StartAt:       startAt,
		EndAt:         endAt,
		ExternalID:    externalID,
		Credits:       req.Credits,
		GrantSchedule: schedule,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Granted {
		subscription.LastGrantedAt = &now
	}

	inserted, err := s.repo.Insert(ctx, s.db, &subscription)
	if err != nil {
		return subscriptiondomain.Subscription{}, false, err
	}
	if !inserted {
		existing, err := s.repo.FindByExternalID(ctx, s.db, accountID, externalID)
		if err != nil {
			return subscriptiondomain.Subscription{}, false, err
		}
		if existing == nil {
			return subscriptiondomain.Subscription{}, false, subscriptiondomain.ErrSubscriptionNotFound
		}
		return *existing, false, nil
	}

	logger.WithAccount(logger.WithContext(ctx, s.log), accountID).Info("subscription_created",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("plan", string(subscription.Plan)),
		zap.String("status", string(subscription.Status)),
		zap.Time("end_at", subscription.EndAt),
	)
	return subscription, true, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (subscriptiondomain.Subscription, error) {
	item, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if item == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *item, nil
}

func (s *Service) FindByExternalID(ctx context.Context, accountID, externalID string) (*subscriptiondomain.Subscription, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, nil
	}
	return s.repo.FindByExternalID(ctx, s.db, accountID, externalID)
}

func (s *Service) FindAnyByExternalID(ctx context.Context, externalID string) (*subscriptiondomain.Subscription, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, nil
	}
	return s.repo.FindAnyByExternalID(ctx, s.db, externalID)
}

func (s *Service) ListByAccount(ctx context.Context, accountID string) ([]subscriptiondomain.Subscription, error) {
	return s.repo.ListByAccount(ctx, s.db, accountID)
}

func (s *Service) ListLivePaid(ctx context.Context, accountID string) ([]subscriptiondomain.Subscription, error) {
	return s.repo.ListLivePaid(ctx, s.db, accountID, s.clock.Now())
}

// Transition moves a subscription along the status state machine using a
// compare-and-set on the current status. Same-status writes are no-ops.
func (s *Service) Transition(
	ctx context.Context,
	id snowflake.ID,
	target subscriptiondomain.Status,
	reason subscriptiondomain.TransitionReason,
) (subscriptiondomain.Subscription, error) {
	if !target.Valid() {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidStatus
	}

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		current, err := s.GetByID(ctx, id)
		if err != nil {
			return subscriptiondomain.Subscription{}, err
		}
		if current.Status == target {
			return current, nil
		}
		if !subscriptiondomain.CanTransition(current.Status, target) {
			return current, fmt.Errorf("%w: %s -> %s", subscriptiondomain.ErrInvalidTransition, current.Status, target)
		}

		now := s.clock.Now()
		applied, err := s.repo.UpdateStatus(ctx, s.db, id, current.Status, target, now)
		if err != nil {
			return subscriptiondomain.Subscription{}, err
		}
		if !applied {
			continue
		}

		logger.WithAccount(logger.WithContext(ctx, s.log), current.AccountID).Info("subscription_status_changed",
			zap.String("subscription_id", id.String()),
			zap.String("from", string(current.Status)),
			zap.String("to", string(target)),
			zap.String("reason", string(reason)),
		)
		current.Status = target
		current.UpdatedAt = now
		return current, nil
	}
	return subscriptiondomain.Subscription{}, subscriptiondomain.ErrConcurrentTransition
}

func (s *Service) ExtendPeriod(ctx context.Context, id snowflake.ID, endAt time.Time) error {
	return s.repo.UpdateEndAt(ctx, s.db, id, endAt.UTC(), s.clock.Now())
}

func (s *Service) MarkGranted(ctx context.Context, id snowflake.ID, at time.Time) error {
	return s.repo.MarkGranted(ctx, s.db, id, at.UTC())
}

func (s *Service) ListPendingDue(ctx context.Context, at time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	return s.repo.ListPendingDue(ctx, s.db, at, limit)
}

func (s *Service) ListEnded(ctx context.Context, at time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	return s.repo.ListEnded(ctx, s.db, at, limit)
}

func (s *Service) ListMonthlyGrantable(ctx context.Context, at time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	return s.repo.ListMonthlyGrantable(ctx, s.db, at, limit)
}
