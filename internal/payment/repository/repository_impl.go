package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/payment/domain"
	"gorm.io/gorm"
)

const maxListLimit = 500

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.EventRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (
			id, event_type, account_id, product_id, external_order_id,
			payload, outcome, error, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.EventType,
		record.AccountID,
		record.ProductID,
		record.ExternalOrderID,
		record.Payload,
		record.Outcome,
		record.Error,
		record.ReceivedAt,
		record.ProcessedAt,
	).Error
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome domain.Outcome, errMsg *string, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET outcome = ?, error = ?, processed_at = ?
		 WHERE id = ?`,
		outcome,
		errMsg,
		processedAt,
		id,
	).Error
}

func (r *repo) ListRecent(ctx context.Context, db *gorm.DB, req domain.ListEventsRequest) ([]domain.EventRecord, error) {
	limit := req.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	query := db.WithContext(ctx).Model(&domain.EventRecord{})
	if req.EventType != "" {
		query = query.Where("event_type = ?", req.EventType)
	}
	if req.AccountID != "" {
		query = query.Where("account_id = ?", req.AccountID)
	}

	var items []domain.EventRecord
	if err := query.Order("received_at DESC").Order("id DESC").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
