package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"chat-relay/domain/chat"

	"github.com/google/uuid"
)

const (
	MaxTurns         = 100
	MaxContentLength = 50000
)

// chatRequest is the wire shape of a relay request body.
type chatRequest struct {
	Messages       []wireTurn `json:"messages"`
	Model          string     `json:"model"`
	ConversationID *string    `json:"conversationId"`
}

type wireTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func invalid(format string, args ...interface{}) error {
	return &chat.ValidationError{Detail: fmt.Sprintf(format, args...)}
}

// ParseRequest decodes and validates a raw request body.
func ParseRequest(body []byte) (*chat.GenerationRequest, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, invalid("request body is empty")
	}

	var raw chatRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, invalid("malformed JSON body")
	}

	if len(raw.Messages) == 0 {
		return nil, invalid("messages cannot be empty")
	}
	if len(raw.Messages) > MaxTurns {
		return nil, invalid("too many messages: %d (max %d)", len(raw.Messages), MaxTurns)
	}

	turns := make([]chat.Turn, 0, len(raw.Messages))
	for i, msg := range raw.Messages {
		role := chat.Role(msg.Role)
		if !role.Valid() {
			return nil, invalid("message %d: invalid role '%s' (must be user, assistant, or system)", i, msg.Role)
		}
		if strings.TrimSpace(msg.Content) == "" {
			return nil, invalid("message %d: content cannot be empty", i)
		}
		if n := utf8.RuneCountInString(msg.Content); n > MaxContentLength {
			return nil, invalid("message %d: content too long (%d chars, max %d)", i, n, MaxContentLength)
		}
		turns = append(turns, chat.Turn{Role: role, Content: msg.Content})
	}

	if raw.Model == "" {
		return nil, invalid("model is required")
	}
	if !chat.IsKnownModel(raw.Model) {
		return nil, invalid("model %q is not supported", raw.Model)
	}

	req := &chat.GenerationRequest{Turns: turns, ModelID: raw.Model}
	if raw.ConversationID != nil && *raw.ConversationID != "" {
		id, err := uuid.Parse(*raw.ConversationID)
		if err != nil {
			return nil, invalid("conversationId must be a UUID")
		}
		req.ConversationID = &id
	}
	return req, nil
}

// titleFrom derives a conversation title from the first user turn.
func titleFrom(turns []chat.Turn) string {
	const maxTitle = 80
	for _, t := range turns {
		if t.Role != chat.RoleUser {
			continue
		}
		title := strings.Join(strings.Fields(t.Content), " ")
		if utf8.RuneCountInString(title) > maxTitle {
			title = string([]rune(title)[:maxTitle])
		}
		return title
	}
	return "New conversation"
}
