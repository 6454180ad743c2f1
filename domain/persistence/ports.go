package persistence

import (
	"context"
	"errors"
	"time"

	"chat-relay/domain/quota"

	"github.com/google/uuid"
)

// UsageLedger stores per-user monthly usage.
type UsageLedger interface {
	// Current returns the record for now's period. A user without activity
	// this period gets a zero-valued record with the period bounds filled in.
	Current(ctx context.Context, userID string, now time.Time) (*UsagePeriodRecord, error)

	// Increment atomically adds to the current period, creating the row on
	// first use.
	Increment(ctx context.Context, userID string, messages, tokens int64, now time.Time) error
}

// ErrConversationNotFound is returned when a conversation does not exist or
// belongs to another user.
var ErrConversationNotFound = errors.New("conversation not found")

// MessageStore persists conversations and their messages.
type MessageStore interface {
	CreateConversation(ctx context.Context, conversation *ConversationRecord) error
	FindConversation(ctx context.Context, conversationID uuid.UUID, userID string) (*ConversationRecord, error)
	AppendMessage(ctx context.Context, message *MessageRecord) error

	// TouchConversation bumps the conversation's last-modified time. The
	// conversation must belong to userID.
	TouchConversation(ctx context.Context, conversationID uuid.UUID, userID string, at time.Time) error
	FindMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*MessageRecord, error)
}

// SubscriptionRepository resolves a caller's subscription tier.
type SubscriptionRepository interface {
	TierFor(ctx context.Context, userID string) (quota.SubscriptionTier, error)
	Save(ctx context.Context, record *SubscriptionRecord) error
}

// DatabaseManager defines the interface for database management operations
type DatabaseManager interface {
	// Connect establishes database connection
	Connect(ctx context.Context, dsn string) error

	// Close closes the database connection
	Close() error

	// Migrate runs database migrations
	Migrate() error

	// Health checks database connectivity
	Health(ctx context.Context) error
}

// TransactionManager defines interface for database transactions
type TransactionManager interface {
	// WithTransaction executes a function within a database transaction
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// PeriodBounds returns the calendar-month window containing now, in UTC.
func PeriodBounds(now time.Time) (start, end time.Time) {
	start = quota.MonthStart(now)
	return start.UTC(), quota.NextMonthStart(now).UTC()
}
