package idempotency

import (
	"context"
	"errors"
	"strings"

	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	orderdomain "github.com/smallbiznis/creditledger/internal/order/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidDescriptor = errors.New("invalid_event_descriptor")

type Params struct {
	fx.In

	Log             *zap.Logger
	LedgerSvc       ledgerdomain.Service
	OrderSvc        orderdomain.Service
	SubscriptionSvc subscriptiondomain.Service
}

// Guard loads a Snapshot for an event and evaluates the checks over it.
type Guard struct {
	log             *zap.Logger
	ledgerSvc       ledgerdomain.Service
	orderSvc        orderdomain.Service
	subscriptionSvc subscriptiondomain.Service
}

func NewGuard(p Params) *Guard {
	return &Guard{
		log:             p.Log.Named("idempotency.guard"),
		ledgerSvc:       p.LedgerSvc,
		orderSvc:        p.OrderSvc,
		subscriptionSvc: p.SubscriptionSvc,
	}
}

// Check runs the full chain.
func (g *Guard) Check(ctx context.Context, d Descriptor) (Decision, error) {
	snap, err := g.load(ctx, d, true)
	if err != nil {
		return Decision{}, err
	}
	decision := Evaluate(d, snap)
	g.logDecision(ctx, d, decision)
	return decision, nil
}

// CheckOrder runs only the order-id checks.
func (g *Guard) CheckOrder(ctx context.Context, d Descriptor) (Decision, error) {
	snap, err := g.load(ctx, d, false)
	if err != nil {
		return Decision{}, err
	}
	decision := EvaluateOrder(d, snap)
	g.logDecision(ctx, d, decision)
	return decision, nil
}

func (g *Guard) load(ctx context.Context, d Descriptor, full bool) (Snapshot, error) {
	if strings.TrimSpace(d.AccountID) == "" {
		return Snapshot{}, ErrInvalidDescriptor
	}

	var snap Snapshot
	group, gctx := errgroup.WithContext(ctx)

	if d.OrderID != "" {
		group.Go(func() error {
			tx, err := g.ledgerSvc.FindPurchaseForOrder(gctx, d.AccountID, d.OrderID)
			snap.PurchaseForOrder = tx
			return err
		})
		group.Go(func() error {
			order, err := g.orderSvc.FindCompleted(gctx, d.AccountID, d.OrderID)
			snap.CompletedOrder = order
			return err
		})
	}

	if full {
		if externalID := d.ExternalSubscriptionID(); externalID != "" {
			group.Go(func() error {
				sub, err := g.subscriptionSvc.FindByExternalID(gctx, d.AccountID, externalID)
				snap.Subscription = sub
				return err
			})
		}
		if d.OrderID == "" && d.CheckoutID != "" {
			group.Go(func() error {
				order, err := g.orderSvc.FindCompletedByCheckout(gctx, d.AccountID, d.CheckoutID)
				if err != nil || order == nil {
					return err
				}
				snap.CheckoutOrder = order
				tx, err := g.ledgerSvc.FindPurchaseForOrder(gctx, d.AccountID, order.ExternalOrderID)
				snap.CheckoutPurchase = tx
				return err
			})
		}
		if d.Credits > 0 {
			group.Go(func() error {
				tx, err := g.ledgerSvc.FindRecentPurchase(gctx, d.AccountID, d.Credits, DuplicateWindow)
				snap.RecentPurchase = tx
				return err
			})
		}
	}

	if err := group.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (g *Guard) logDecision(ctx context.Context, d Descriptor, decision Decision) {
	if !decision.AlreadyApplied {
		return
	}
	logger.WithAccount(logger.WithContext(ctx, g.log), d.AccountID).Info("payment_event_already_applied",
		zap.String("check", string(decision.Evidence.Check)),
		zap.String("order_id", d.OrderID),
		zap.String("checkout_id", d.CheckoutID),
		zap.String("subscription_external_id", d.ExternalSubscriptionID()),
		zap.String("transaction_number", decision.Evidence.TransactionNumber),
	)
}
