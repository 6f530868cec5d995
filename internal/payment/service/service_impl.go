package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/idempotency"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/creditledger/internal/order/domain"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	transitiondomain "github.com/smallbiznis/creditledger/internal/transition/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Catalog         *config.CatalogHolder
	Adapter         paymentdomain.Adapter
	Repo            paymentdomain.Repository
	Guard           *idempotency.Guard
	TransitionSvc   transitiondomain.Service
	SubscriptionSvc subscriptiondomain.Service
	OrderSvc        orderdomain.Service
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	catalog         *config.CatalogHolder
	adapter         paymentdomain.Adapter
	repo            paymentdomain.Repository
	guard           *idempotency.Guard
	transitionSvc   transitiondomain.Service
	subscriptionSvc subscriptiondomain.Service
	orderSvc        orderdomain.Service
	obsMetrics      *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("payment.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		catalog:         p.Catalog,
		adapter:         p.Adapter,
		repo:            p.Repo,
		guard:           p.Guard,
		transitionSvc:   p.TransitionSvc,
		subscriptionSvc: p.SubscriptionSvc,
		orderSvc:        p.OrderSvc,
		obsMetrics:      p.ObsMetrics,
	}
}

func (s *Service) Ingest(ctx context.Context, payload []byte, headers http.Header) (paymentdomain.Result, error) {
	if len(payload) == 0 || !json.Valid(payload) {
		return paymentdomain.Result{}, paymentdomain.ErrInvalidPayload
	}
	if err := s.adapter.Verify(ctx, payload, headers); err != nil {
		logger.WithContext(ctx, s.log).Warn("payment.webhook.signature_rejected", zap.Error(err))
		return paymentdomain.Result{}, err
	}
	event, err := s.adapter.Parse(ctx, payload)
	if err != nil {
		return paymentdomain.Result{}, err
	}
	if event.RawPayload == nil {
		event.RawPayload = payload
	}
	return s.ProcessEvent(ctx, event)
}

// ProcessEvent journals the delivery, routes it, and records the outcome.
// Journal writes never block processing.
func (s *Service) ProcessEvent(ctx context.Context, event *paymentdomain.PaymentEvent) (paymentdomain.Result, error) {
	if event == nil {
		return paymentdomain.Result{}, paymentdomain.ErrInvalidPayload
	}
	event.Type = paymentdomain.NormalizeEventType(event.Type)
	if event.Type == "" {
		return paymentdomain.Result{}, paymentdomain.ErrMissingEventType
	}
	normalizeIDs(event)

	record := s.journal(ctx, event)
	result, err := s.route(ctx, event)
	result.EventType = event.Type

	outcome := result.Status
	var errMsg *string
	switch {
	case err == nil:
	case paymentdomain.IsValidationError(err), errors.Is(err, transitiondomain.ErrInvalidClassification):
		outcome = paymentdomain.OutcomeRejected
		msg := err.Error()
		errMsg = &msg
	default:
		outcome = paymentdomain.OutcomeFailed
		msg := err.Error()
		errMsg = &msg
	}
	s.finish(ctx, record, outcome, errMsg)
	s.obsMetrics.RecordPaymentEvent(ctx, event.Type, string(outcome))

	log := logger.WithAccount(logger.WithContext(ctx, s.log), event.AccountID).With(
		zap.String("event_type", event.Type),
		zap.String("order_id", event.OrderID),
		zap.String("outcome", string(outcome)),
	)
	if outcome == paymentdomain.OutcomeFailed {
		log.Error("payment.event.failed", zap.Error(err))
	} else {
		log.Info("payment.event.processed", zap.String("message", result.Message))
	}
	return result, err
}

func (s *Service) ListEvents(ctx context.Context, req paymentdomain.ListEventsRequest) ([]paymentdomain.EventRecord, error) {
	return s.repo.ListRecent(ctx, s.db, req)
}

func (s *Service) route(ctx context.Context, event *paymentdomain.PaymentEvent) (paymentdomain.Result, error) {
	switch event.Type {
	case paymentdomain.EventSubscriptionUpdate, paymentdomain.EventSubscriptionTrialing:
		return paymentdomain.Result{Status: paymentdomain.OutcomeIgnored, Message: "event_acknowledged"}, nil
	default:
		if !paymentdomain.IsKnownEvent(event.Type) {
			return paymentdomain.Result{Status: paymentdomain.OutcomeIgnored, Message: "event_ignored"}, nil
		}
	}

	if err := s.resolveAccount(ctx, event); err != nil {
		return paymentdomain.Result{}, err
	}

	switch event.Type {
	case paymentdomain.EventSubscriptionCancelled, paymentdomain.EventSubscriptionExpired:
		out, err := s.transitionSvc.HandleCancel(ctx, event.TransitionEvent())
		return transitionResult(out, err)
	}

	plan, err := s.resolvePlan(ctx, event)
	if err != nil {
		return paymentdomain.Result{}, err
	}

	switch event.Type {
	case paymentdomain.EventCheckoutCompleted, paymentdomain.EventSubscriptionActive:
		return s.applyPurchase(ctx, event, plan)
	case paymentdomain.EventSubscriptionPaid:
		return s.applyPayment(ctx, event, plan)
	case paymentdomain.EventRefundCreated:
		out, err := s.transitionSvc.HandleReversal(ctx, event.TransitionEvent(), transitiondomain.ReversalRefund, plan)
		return transitionResult(out, err)
	case paymentdomain.EventDisputeCreated:
		out, err := s.transitionSvc.HandleReversal(ctx, event.TransitionEvent(), transitiondomain.ReversalDispute, plan)
		return transitionResult(out, err)
	}
	return paymentdomain.Result{Status: paymentdomain.OutcomeIgnored, Message: "event_ignored"}, nil
}

func (s *Service) applyPurchase(ctx context.Context, event *paymentdomain.PaymentEvent, plan config.Plan) (paymentdomain.Result, error) {
	decision, err := s.guard.Check(ctx, descriptor(event, plan))
	if err != nil {
		return paymentdomain.Result{}, err
	}
	if decision.AlreadyApplied {
		return duplicate(decision), nil
	}
	out, err := s.transitionSvc.Apply(ctx, event.TransitionEvent(), plan)
	return transitionResult(out, err)
}

// applyPayment treats a payment for a known subscription as a renewal and
// anything else as a first purchase.
func (s *Service) applyPayment(ctx context.Context, event *paymentdomain.PaymentEvent, plan config.Plan) (paymentdomain.Result, error) {
	if event.SubscriptionID == "" {
		return s.applyPurchase(ctx, event, plan)
	}
	sub, err := s.subscriptionSvc.FindByExternalID(ctx, event.AccountID, event.SubscriptionID)
	if err != nil {
		return paymentdomain.Result{}, err
	}
	if sub == nil {
		return s.applyPurchase(ctx, event, plan)
	}

	decision, err := s.guard.CheckOrder(ctx, descriptor(event, plan))
	if err != nil {
		return paymentdomain.Result{}, err
	}
	if decision.AlreadyApplied {
		return duplicate(decision), nil
	}
	out, err := s.transitionSvc.HandleRenewal(ctx, event.TransitionEvent(), plan, *sub)
	return transitionResult(out, err)
}

// resolveAccount fills a missing account id from the stored subscription or
// order the event refers to.
func (s *Service) resolveAccount(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	if event.AccountID != "" {
		return nil
	}
	if event.SubscriptionID != "" {
		sub, err := s.subscriptionSvc.FindAnyByExternalID(ctx, event.SubscriptionID)
		if err != nil {
			return err
		}
		if sub != nil {
			event.AccountID = sub.AccountID
			return nil
		}
	}
	if event.OrderID != "" {
		order, err := s.orderSvc.FindAnyCompleted(ctx, event.OrderID)
		if err != nil {
			return err
		}
		if order != nil {
			event.AccountID = order.AccountID
			return nil
		}
	}
	return paymentdomain.ErrMissingAccount
}

func (s *Service) resolvePlan(ctx context.Context, event *paymentdomain.PaymentEvent) (config.Plan, error) {
	if event.ProductID == "" && event.OrderID != "" {
		order, err := s.orderSvc.FindCompleted(ctx, event.AccountID, event.OrderID)
		if err != nil {
			return config.Plan{}, err
		}
		if order != nil {
			event.ProductID = order.ProductID
		}
	}
	if event.ProductID == "" && event.SubscriptionID != "" {
		sub, err := s.subscriptionSvc.FindByExternalID(ctx, event.AccountID, event.SubscriptionID)
		if err != nil {
			return config.Plan{}, err
		}
		if sub != nil {
			event.ProductID = sub.ProductID
		}
	}
	if event.ProductID == "" {
		return config.Plan{}, paymentdomain.ErrMissingProduct
	}
	return s.catalog.Get().Lookup(event.ProductID)
}

func (s *Service) journal(ctx context.Context, event *paymentdomain.PaymentEvent) *paymentdomain.EventRecord {
	payload := event.RawPayload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = []byte("{}")
	}
	record := &paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		EventType:       event.Type,
		AccountID:       event.AccountID,
		ProductID:       event.ProductID,
		ExternalOrderID: event.OrderID,
		Payload:         datatypes.JSON(payload),
		Outcome:         paymentdomain.OutcomeReceived,
		ReceivedAt:      s.clock.Now(),
	}
	if err := s.repo.Insert(ctx, s.db, record); err != nil {
		logger.WithContext(ctx, s.log).Warn("payment.event.journal_failed", zap.Error(err))
		return nil
	}
	return record
}

func (s *Service) finish(ctx context.Context, record *paymentdomain.EventRecord, outcome paymentdomain.Outcome, errMsg *string) {
	if record == nil {
		return
	}
	if err := s.repo.MarkProcessed(ctx, s.db, record.ID, outcome, errMsg, s.clock.Now()); err != nil {
		logger.WithContext(ctx, s.log).Warn("payment.event.journal_update_failed",
			zap.String("journal_id", record.ID.String()),
			zap.Error(err),
		)
	}
}

func descriptor(event *paymentdomain.PaymentEvent, plan config.Plan) idempotency.Descriptor {
	return idempotency.Descriptor{
		AccountID:      event.AccountID,
		ProductID:      plan.ProductID,
		OrderID:        event.OrderID,
		CheckoutID:     event.CheckoutID,
		SubscriptionID: event.SubscriptionID,
		Credits:        plan.Credits,
	}
}

func duplicate(decision idempotency.Decision) paymentdomain.Result {
	return paymentdomain.Result{
		Status:   paymentdomain.OutcomeDuplicate,
		Message:  "already_processed",
		Evidence: decision.Evidence,
	}
}

func transitionResult(out transitiondomain.Outcome, err error) (paymentdomain.Result, error) {
	if err != nil {
		return paymentdomain.Result{}, err
	}
	status := paymentdomain.OutcomeApplied
	message := "processed"
	switch {
	case out.Kind == transitiondomain.KindRenewal && out.Message == "renewal_deferred":
		status = paymentdomain.OutcomeDeferred
		message = out.Message
	case !out.Applied && strings.HasPrefix(out.Message, "already_"):
		status = paymentdomain.OutcomeDuplicate
		message = out.Message
	case !out.Applied:
		status = paymentdomain.OutcomeIgnored
		message = out.Message
	}
	return paymentdomain.Result{Status: status, Message: message, Transition: &out}, nil
}

func normalizeIDs(event *paymentdomain.PaymentEvent) {
	event.AccountID = strings.TrimSpace(event.AccountID)
	event.ProductID = strings.TrimSpace(event.ProductID)
	event.OrderID = strings.TrimSpace(event.OrderID)
	event.CheckoutID = strings.TrimSpace(event.CheckoutID)
	event.SubscriptionID = strings.TrimSpace(event.SubscriptionID)
	event.ReferenceID = strings.TrimSpace(event.ReferenceID)
}
