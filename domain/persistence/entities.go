package persistence

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UsagePeriodRecord is the per-user counter for one calendar month. Rows are
// created by the first increment of the month and never deleted.
type UsagePeriodRecord struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        string    `gorm:"type:varchar(255);not null;uniqueIndex:ux_usage_periods_user_period" json:"user_id"`
	PeriodStart   time.Time `gorm:"not null;uniqueIndex:ux_usage_periods_user_period" json:"period_start"`
	PeriodEnd     time.Time `gorm:"not null" json:"period_end"`
	MessagesCount int64     `gorm:"not null;default:0" json:"messages_count"`
	TokensUsed    int64     `gorm:"not null;default:0" json:"tokens_used"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ConversationRecord owns an ordered list of messages.
type ConversationRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string    `gorm:"type:varchar(255);not null;index:idx_conversations_user_updated,priority:1" json:"user_id"`
	Title     string    `gorm:"type:varchar(255)" json:"title"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"index:idx_conversations_user_updated,priority:2" json:"updated_at"`
}

// MessageRecord is one stored turn. Messages are append-only.
type MessageRecord struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID   uuid.UUID `gorm:"type:uuid;not null;index:idx_messages_conversation_created,priority:1" json:"conversation_id"`
	UserID           string    `gorm:"type:varchar(255);not null" json:"user_id"`
	Role             string    `gorm:"type:varchar(32);not null" json:"role"`
	Content          string    `gorm:"type:text;not null" json:"content"`
	Model            string    `gorm:"type:varchar(255)" json:"model"`
	PromptTokens     int64     `gorm:"default:0" json:"prompt_tokens"`
	CompletionTokens int64     `gorm:"default:0" json:"completion_tokens"`
	TotalTokens      int64     `gorm:"default:0" json:"total_tokens"`
	CreatedAt        time.Time `gorm:"autoCreateTime;index:idx_messages_conversation_created,priority:2" json:"created_at"`
}

// SubscriptionRecord is maintained by the billing collaborator and only read here.
type SubscriptionRecord struct {
	UserID           string             `gorm:"type:varchar(255);primaryKey" json:"user_id"`
	Tier             string             `gorm:"type:varchar(32);not null;default:'free'" json:"tier"`
	Status           SubscriptionStatus `gorm:"type:varchar(32);not null;default:'active'" json:"status"`
	CurrentPeriodEnd *time.Time         `json:"current_period_end,omitempty"`
	UpdatedAt        time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// Entitled reports whether the subscription currently grants its tier.
func (s *SubscriptionRecord) Entitled(now time.Time) bool {
	if s.Status != SubscriptionActive && s.Status != SubscriptionTrialing {
		return false
	}
	if s.CurrentPeriodEnd != nil && now.After(*s.CurrentPeriodEnd) {
		return false
	}
	return true
}

func (r *UsagePeriodRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

func (c *ConversationRecord) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

func (m *MessageRecord) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

func (UsagePeriodRecord) TableName() string {
	return "usage_periods"
}

func (ConversationRecord) TableName() string {
	return "conversations"
}

func (MessageRecord) TableName() string {
	return "messages"
}

func (SubscriptionRecord) TableName() string {
	return "subscriptions"
}
