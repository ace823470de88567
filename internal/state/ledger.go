package state

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/csiyang/ai-hero/internal/types"
)

type requestRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	UserID    string    `gorm:"column:user_id;not null;index:idx_request_user_time,priority:1"`
	CreatedAt time.Time `gorm:"not null;index:idx_request_user_time,priority:2"`
}

func (requestRow) TableName() string { return "request_records" }

// RequestLedger is the append-only log of accepted turns used for quotas.
type RequestLedger struct {
	db *gorm.DB
}

func NewRequestLedger(db *gorm.DB) *RequestLedger {
	return &RequestLedger{db: db}
}

func (l *RequestLedger) Append(ctx context.Context, userID types.UserID, at time.Time) error {
	row := requestRow{UserID: string(userID), CreatedAt: at.UTC()}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append request: %w", err)
	}
	return nil
}

func (l *RequestLedger) CountSince(ctx context.Context, userID types.UserID, since time.Time) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).
		Model(&requestRow{}).
		Where("user_id = ? AND created_at >= ?", string(userID), since.UTC()).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return n, nil
}

// Recent returns the user's latest records, newest first.
func (l *RequestLedger) Recent(ctx context.Context, userID types.UserID, limit int) ([]types.RequestRecord, error) {
	var rows []requestRow
	err := l.db.WithContext(ctx).
		Where("user_id = ?", string(userID)).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("recent requests: %w", err)
	}
	out := make([]types.RequestRecord, len(rows))
	for i, r := range rows {
		out[i] = types.RequestRecord{ID: r.ID, UserID: types.UserID(r.UserID), CreatedAt: r.CreatedAt}
	}
	return out, nil
}
