package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditledger/internal/clock"
	orderdomain "github.com/smallbiznis/creditledger/internal/order/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  orderdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  orderdomain.Repository
}

func NewService(p Params) orderdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("order.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req orderdomain.CreateRequest) (orderdomain.Order, bool, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return orderdomain.Order{}, false, orderdomain.ErrInvalidAccount
	}
	orderID := strings.TrimSpace(req.ExternalOrderID)
	if orderID == "" {
		return orderdomain.Order{}, false, orderdomain.ErrInvalidOrderID
	}
	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		return orderdomain.Order{}, false, orderdomain.ErrInvalidProduct
	}

	now := s.clock.Now()
	paidAt := req.PaidAt.UTC()
	if req.PaidAt.IsZero() {
		paidAt = now
	}

	order := orderdomain.Order{
		ID:              s.genID.Generate(),
		AccountID:       accountID,
		ExternalOrderID: orderID,
		ProductID:       productID,
		Status:          orderdomain.StatusCompleted,
		CheckoutID:      optionalString(req.CheckoutID),
		SubscriptionID:  req.SubscriptionID,
		Credits:         req.Credits,
		Currency:        optionalString(strings.ToUpper(req.Currency)),
		PaidAt:          paidAt,
		CreatedAt:       now,
	}
	if req.Amount != nil {
		order.Amount = decimal.NewNullDecimal(*req.Amount)
	}

	inserted, err := s.repo.Insert(ctx, s.db, &order)
	if err != nil {
		return orderdomain.Order{}, false, err
	}
	if !inserted {
		s.log.Debug("order_already_recorded", zap.String("account_id", accountID), zap.String("external_order_id", orderID))
		return order, false, nil
	}
	return order, true, nil
}

func (s *Service) FindCompleted(ctx context.Context, accountID, externalOrderID string) (*orderdomain.Order, error) {
	if strings.TrimSpace(externalOrderID) == "" {
		return nil, nil
	}
	return s.repo.FindCompleted(ctx, s.db, accountID, externalOrderID)
}

func (s *Service) FindCompletedByCheckout(ctx context.Context, accountID, checkoutID string) (*orderdomain.Order, error) {
	if strings.TrimSpace(checkoutID) == "" {
		return nil, nil
	}
	return s.repo.FindCompletedByCheckout(ctx, s.db, accountID, checkoutID)
}

func (s *Service) FindAnyCompleted(ctx context.Context, externalOrderID string) (*orderdomain.Order, error) {
	if strings.TrimSpace(externalOrderID) == "" {
		return nil, nil
	}
	return s.repo.FindAnyCompleted(ctx, s.db, externalOrderID)
}

func (s *Service) ListByAccount(ctx context.Context, accountID string) ([]orderdomain.Order, error) {
	return s.repo.ListByAccount(ctx, s.db, accountID)
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
