package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/creditledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       ledgerdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       ledgerdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

// Append inserts the transaction first and only then moves the cached
// balance, so a replay that loses the insert race never touches the balance.
func (s *Service) Append(ctx context.Context, req ledgerdomain.AppendRequest) (ledgerdomain.AppendResult, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return ledgerdomain.AppendResult{}, ledgerdomain.ErrInvalidAccount
	}
	if !req.Type.Valid() {
		return ledgerdomain.AppendResult{}, ledgerdomain.ErrInvalidType
	}
	if err := validateAmount(req.Type, req.Amount); err != nil {
		return ledgerdomain.AppendResult{}, err
	}

	metadata, err := encodeMetadata(req.Metadata)
	if err != nil {
		return ledgerdomain.AppendResult{}, err
	}

	now := s.clock.Now()
	tx := ledgerdomain.Transaction{
		ID:                s.genID.Generate(),
		AccountID:         accountID,
		Type:              req.Type,
		TransactionNumber: newTransactionNumber(now),
		OrderRef:          optionalString(req.OrderRef),
		Amount:            req.Amount,
		ExpiresAt:         utcPtr(req.ExpiresAt),
		TaskID:            optionalString(req.TaskID),
		EventType:         optionalString(req.EventType),
		SubscriptionID:    req.SubscriptionID,
		Metadata:          metadata,
		CreatedAt:         now,
	}

	log := logger.WithAccount(logger.WithContext(ctx, s.log), accountID)

	inserted, err := s.repo.Insert(ctx, s.db, &tx)
	if err != nil {
		log.Error("ledger_insert_failed", zap.String("tx_type", string(tx.Type)), zap.Error(err))
		return ledgerdomain.AppendResult{}, err
	}
	if !inserted {
		log.Info("ledger_insert_skipped_duplicate",
			zap.String("tx_type", string(tx.Type)),
			zap.Stringp("task_id", tx.TaskID),
		)
		return ledgerdomain.AppendResult{}, ledgerdomain.ErrDuplicateTransaction
	}

	if tx.Amount != 0 {
		if err := s.repo.AdjustBalance(ctx, s.db, accountID, tx.Amount, now); err != nil {
			// The transaction stands; reconcile_balances repairs the cache.
			log.Error("ledger_balance_update_failed",
				zap.String("transaction_number", tx.TransactionNumber),
				zap.Int64("amount", tx.Amount),
				zap.Error(err),
			)
		}
	}

	balance, _, err := s.repo.GetBalance(ctx, s.db, accountID)
	if err != nil {
		log.Warn("ledger_balance_read_failed", zap.Error(err))
	}

	log.Info("ledger_transaction_appended",
		zap.String("transaction_number", tx.TransactionNumber),
		zap.String("tx_type", string(tx.Type)),
		zap.Int64("amount", tx.Amount),
		zap.Int64("balance", balance),
	)
	s.obsMetrics.RecordLedgerEntry(ctx, string(tx.Type), tx.Amount)

	return ledgerdomain.AppendResult{Transaction: tx, Balance: balance}, nil
}

func (s *Service) Balance(ctx context.Context, accountID string) (int64, error) {
	balance, _, err := s.repo.GetBalance(ctx, s.db, strings.TrimSpace(accountID))
	return balance, err
}

func (s *Service) ActiveSum(ctx context.Context, accountID string) (int64, error) {
	return s.repo.SumActive(ctx, s.db, strings.TrimSpace(accountID), s.clock.Now())
}

func (s *Service) FindByTask(ctx context.Context, accountID, taskID string) (*ledgerdomain.Transaction, error) {
	return s.repo.FindByTask(ctx, s.db, accountID, taskID)
}

func (s *Service) FindPurchaseForOrder(ctx context.Context, accountID, orderRef string) (*ledgerdomain.Transaction, error) {
	if strings.TrimSpace(orderRef) == "" {
		return nil, nil
	}
	return s.repo.FindByOrderRef(ctx, s.db, accountID, orderRef, []ledgerdomain.TransactionType{ledgerdomain.TypePurchase})
}

func (s *Service) FindReversal(ctx context.Context, accountID string, txType ledgerdomain.TransactionType, orderRef string) (*ledgerdomain.Transaction, error) {
	if strings.TrimSpace(orderRef) == "" {
		return nil, nil
	}
	return s.repo.FindByOrderRef(ctx, s.db, accountID, orderRef, []ledgerdomain.TransactionType{txType})
}

func (s *Service) FindRecentPurchase(ctx context.Context, accountID string, amount int64, window time.Duration) (*ledgerdomain.Transaction, error) {
	since := s.clock.Now().Add(-window)
	return s.repo.FindRecentByAmount(ctx, s.db, accountID, ledgerdomain.TypePurchase, amount, since)
}

func (s *Service) HasTransactionInMonth(
	ctx context.Context,
	accountID string,
	types []ledgerdomain.TransactionType,
	subscriptionID *snowflake.ID,
	at time.Time,
) (bool, error) {
	from, to := ledgerdomain.MonthBounds(at)
	tx, err := s.repo.FindInRange(ctx, s.db, ledgerdomain.RangeFilter{
		AccountID:      accountID,
		Types:          types,
		SubscriptionID: subscriptionID,
		From:           from,
		To:             to,
	})
	if err != nil {
		return false, err
	}
	return tx != nil, nil
}

func (s *Service) List(ctx context.Context, req ledgerdomain.ListRequest) (ledgerdomain.ListResponse, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return ledgerdomain.ListResponse{}, ledgerdomain.ErrInvalidAccount
	}

	pageSize := int(req.PageSize)
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	var before *ledgerdomain.ListCursor
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return ledgerdomain.ListResponse{}, err
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return ledgerdomain.ListResponse{}, pagination.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return ledgerdomain.ListResponse{}, pagination.ErrInvalidPageToken
		}
		before = &ledgerdomain.ListCursor{ID: id, CreatedAt: createdAt}
	}

	items, err := s.repo.List(ctx, s.db, accountID, pageSize+1, before)
	if err != nil {
		return ledgerdomain.ListResponse{}, err
	}

	page, info, err := pagination.Trim(items, pageSize, func(tx ledgerdomain.Transaction) pagination.Cursor {
		return pagination.Cursor{ID: tx.ID.String(), CreatedAt: tx.CreatedAt.UTC().Format(time.RFC3339Nano)}
	})
	if err != nil {
		return ledgerdomain.ListResponse{}, err
	}
	return ledgerdomain.ListResponse{PageInfo: info, Transactions: page}, nil
}

// Resync overwrites the cached balance with the sum of active transactions.
func (s *Service) Resync(ctx context.Context, accountID string) (ledgerdomain.ResyncResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ledgerdomain.ResyncResult{}, ledgerdomain.ErrInvalidAccount
	}

	now := s.clock.Now()
	before, _, err := s.repo.GetBalance(ctx, s.db, accountID)
	if err != nil {
		return ledgerdomain.ResyncResult{}, err
	}
	after, err := s.repo.SumActive(ctx, s.db, accountID, now)
	if err != nil {
		return ledgerdomain.ResyncResult{}, err
	}

	result := ledgerdomain.ResyncResult{AccountID: accountID, Before: before, After: after, Drift: after - before}
	if result.Drift == 0 {
		return result, nil
	}
	if err := s.repo.SetBalance(ctx, s.db, accountID, after, now); err != nil {
		return ledgerdomain.ResyncResult{}, err
	}

	logger.WithAccount(logger.WithContext(ctx, s.log), accountID).Info("ledger_balance_resynced",
		zap.Int64("before", before),
		zap.Int64("after", after),
	)
	return result, nil
}

func (s *Service) AccountIDs(ctx context.Context) ([]string, error) {
	return s.repo.ListAccountIDs(ctx, s.db)
}

func validateAmount(txType ledgerdomain.TransactionType, amount int64) error {
	switch txType {
	case ledgerdomain.TypePurchase, ledgerdomain.TypeMonthlyRenewal, ledgerdomain.TypeUpgradeBonus:
		if amount <= 0 {
			return ledgerdomain.ErrInvalidAmount
		}
	case ledgerdomain.TypeUsage, ledgerdomain.TypeRefund, ledgerdomain.TypeDispute:
		if amount >= 0 {
			return ledgerdomain.ErrInvalidAmount
		}
	}
	return nil
}

func newTransactionNumber(now time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy())
	return "txn_" + strings.ToLower(id.String())
}

func encodeMetadata(values map[string]any) (datatypes.JSON, error) {
	if len(values) == 0 {
		return datatypes.JSON("{}"), nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
