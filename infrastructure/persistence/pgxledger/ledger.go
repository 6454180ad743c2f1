// Package pgxledger provides a usage ledger on a pgx connection pool. It
// shares the usage_periods table with the GORM repositories and is meant for
// deployments where many relay instances increment the same rows.
package pgxledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-relay/domain/persistence"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger is a PostgreSQL-backed persistence.UsageLedger.
type Ledger struct {
	pool  *pgxpool.Pool
	table string
}

var _ persistence.UsageLedger = (*Ledger)(nil)

// Option configures Ledger.
type Option func(*Ledger)

// WithTable overrides the table name (default "usage_periods").
func WithTable(name string) Option {
	return func(l *Ledger) { l.table = name }
}

func New(pool *pgxpool.Pool, opts ...Option) *Ledger {
	l := &Ledger{
		pool:  pool,
		table: persistence.UsagePeriodRecord{}.TableName(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// EnsureSchema creates the table and its unique index if they don't exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id UUID PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			period_start TIMESTAMPTZ NOT NULL,
			period_end TIMESTAMPTZ NOT NULL,
			messages_count BIGINT NOT NULL DEFAULT 0,
			tokens_used BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS ux_%[1]s_user_period ON %[1]s (user_id, period_start);
	`, l.table)
	if _, err := l.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("pgxledger: ensure schema: %w", err)
	}
	return nil
}

func (l *Ledger) Current(ctx context.Context, userID string, now time.Time) (*persistence.UsagePeriodRecord, error) {
	start, end := persistence.PeriodBounds(now)

	record := persistence.UsagePeriodRecord{UserID: userID}
	err := l.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, period_start, period_end, messages_count, tokens_used, created_at, updated_at
			FROM %s WHERE user_id = $1 AND period_start = $2`, l.table),
		userID, start,
	).Scan(&record.ID, &record.PeriodStart, &record.PeriodEnd, &record.MessagesCount,
		&record.TokensUsed, &record.CreatedAt, &record.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return &persistence.UsagePeriodRecord{UserID: userID, PeriodStart: start, PeriodEnd: end}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgxledger: current: %w", err)
	}
	record.PeriodStart = record.PeriodStart.UTC()
	record.PeriodEnd = record.PeriodEnd.UTC()
	return &record, nil
}

func (l *Ledger) Increment(ctx context.Context, userID string, messages, tokens int64, now time.Time) error {
	_, err := l.add(ctx, userID, messages, tokens, now)
	return err
}

// add upserts the period row and returns its totals after the increment.
func (l *Ledger) add(ctx context.Context, userID string, messages, tokens int64, now time.Time) (*persistence.UsagePeriodRecord, error) {
	start, end := persistence.PeriodBounds(now)
	at := now.UTC()

	record := persistence.UsagePeriodRecord{UserID: userID, PeriodStart: start, PeriodEnd: end}
	err := l.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s (id, user_id, period_start, period_end, messages_count, tokens_used, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			ON CONFLICT (user_id, period_start) DO UPDATE SET
				messages_count = %[1]s.messages_count + EXCLUDED.messages_count,
				tokens_used = %[1]s.tokens_used + EXCLUDED.tokens_used,
				updated_at = EXCLUDED.updated_at
			RETURNING id, messages_count, tokens_used, created_at, updated_at`, l.table),
		uuid.New(), userID, start, end, messages, tokens, at,
	).Scan(&record.ID, &record.MessagesCount, &record.TokensUsed, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("pgxledger: increment: %w", err)
	}
	return &record, nil
}
