package persistence

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"chat-relay/domain/persistence"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrConversationNotFound aliases the domain sentinel.
var ErrConversationNotFound = persistence.ErrConversationNotFound

// MessageRepository implements persistence.MessageStore
type MessageRepository struct {
	db *gorm.DB
}

var _ persistence.MessageStore = (*MessageRepository)(nil)

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) getDB(ctx context.Context) *gorm.DB {
	return dbFromContext(ctx, r.db)
}

func (r *MessageRepository) CreateConversation(ctx context.Context, conversation *persistence.ConversationRecord) error {
	if err := r.getDB(ctx).Create(conversation).Error; err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (r *MessageRepository) AppendMessage(ctx context.Context, message *persistence.MessageRecord) error {
	if err := r.getDB(ctx).Create(message).Error; err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (r *MessageRepository) TouchConversation(ctx context.Context, conversationID uuid.UUID, userID string, at time.Time) error {
	result := r.getDB(ctx).
		Model(&persistence.ConversationRecord{}).
		Where("id = ? AND user_id = ?", conversationID, userID).
		UpdateColumn("updated_at", at.UTC())
	if result.Error != nil {
		return fmt.Errorf("failed to touch conversation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	return nil
}

// FindMessages returns a conversation's messages oldest first. With a
// positive limit only the newest limit messages are returned.
func (r *MessageRepository) FindMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*persistence.MessageRecord, error) {
	var records []*persistence.MessageRecord
	query := r.getDB(ctx).Where("conversation_id = ?", conversationID)
	if limit <= 0 {
		if err := query.Order("created_at ASC").Find(&records).Error; err != nil {
			return nil, fmt.Errorf("failed to find messages: %w", err)
		}
		return records, nil
	}

	if err := query.Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to find messages: %w", err)
	}
	slices.Reverse(records)
	return records, nil
}

// FindConversation loads a conversation owned by userID.
func (r *MessageRepository) FindConversation(ctx context.Context, conversationID uuid.UUID, userID string) (*persistence.ConversationRecord, error) {
	var record persistence.ConversationRecord
	err := r.getDB(ctx).Where("id = ? AND user_id = ?", conversationID, userID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
		}
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}
	return &record, nil
}
