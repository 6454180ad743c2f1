package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-relay/domain/persistence"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UsageLedgerRepository implements persistence.UsageLedger
type UsageLedgerRepository struct {
	db *gorm.DB
}

var _ persistence.UsageLedger = (*UsageLedgerRepository)(nil)

func NewUsageLedgerRepository(db *gorm.DB) *UsageLedgerRepository {
	return &UsageLedgerRepository{db: db}
}

func (r *UsageLedgerRepository) getDB(ctx context.Context) *gorm.DB {
	return dbFromContext(ctx, r.db)
}

// Current returns the caller's record for now's period.
func (r *UsageLedgerRepository) Current(ctx context.Context, userID string, now time.Time) (*persistence.UsagePeriodRecord, error) {
	start, end := persistence.PeriodBounds(now)

	var record persistence.UsagePeriodRecord
	err := r.getDB(ctx).
		Where("user_id = ? AND period_start = ?", userID, start).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &persistence.UsagePeriodRecord{UserID: userID, PeriodStart: start, PeriodEnd: end}, nil
		}
		return nil, fmt.Errorf("failed to load usage period: %w", err)
	}
	return &record, nil
}

// Increment adds to the current period in a single upsert so concurrent
// completions for one user never lose an update.
func (r *UsageLedgerRepository) Increment(ctx context.Context, userID string, messages, tokens int64, now time.Time) error {
	start, end := persistence.PeriodBounds(now)

	record := persistence.UsagePeriodRecord{
		UserID:        userID,
		PeriodStart:   start,
		PeriodEnd:     end,
		MessagesCount: messages,
		TokensUsed:    tokens,
	}

	err := r.getDB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "period_start"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"messages_count": gorm.Expr("usage_periods.messages_count + ?", messages),
			"tokens_used":    gorm.Expr("usage_periods.tokens_used + ?", tokens),
			"updated_at":     now.UTC(),
		}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return nil
}
