package chat

import (
	"strings"

	"github.com/google/uuid"
)

// Core chat entities independent of frameworks and vendors

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the enumerated roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerationRequest is the validated, sanitized input handed to a provider.
type GenerationRequest struct {
	Turns          []Turn     `json:"messages"`
	ModelID        string     `json:"model"`
	ConversationID *uuid.UUID `json:"conversationId,omitempty"`
}

// LastUserTurn returns the most recent user turn, if any.
func (r *GenerationRequest) LastUserTurn() (Turn, bool) {
	for i := len(r.Turns) - 1; i >= 0; i-- {
		if r.Turns[i].Role == RoleUser {
			return r.Turns[i], true
		}
	}
	return Turn{}, false
}

type TokenUsage struct {
	PromptUnits     int64 `json:"prompt_tokens"`
	CompletionUnits int64 `json:"completion_tokens"`
	TotalUnits      int64 `json:"total_tokens"`
}

// Normalize fills the total from the split when the vendor omitted it.
func (u TokenUsage) Normalize() TokenUsage {
	if u.TotalUnits == 0 && (u.PromptUnits > 0 || u.CompletionUnits > 0) {
		u.TotalUnits = u.PromptUnits + u.CompletionUnits
	}
	return u
}

type EventKind int

const (
	EventToken EventKind = iota
	EventCompleted
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventToken:
		return "token"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	}
	return "unknown"
}

// StreamEvent is one item of a provider stream. A stream carries zero or more
// token events followed by exactly one completed or failed event.
type StreamEvent struct {
	Kind     EventKind
	Text     string
	FullText string
	Usage    TokenUsage
	Err      error
}

func (e StreamEvent) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed
}

func TokenEvent(text string) StreamEvent {
	return StreamEvent{Kind: EventToken, Text: text}
}

func CompletedEvent(fullText string, usage TokenUsage) StreamEvent {
	return StreamEvent{Kind: EventCompleted, FullText: fullText, Usage: usage.Normalize()}
}

func FailedEvent(err error) StreamEvent {
	return StreamEvent{Kind: EventFailed, Err: err}
}

// Completion is the result of a non-streaming generation.
type Completion struct {
	Text  string     `json:"content"`
	Usage TokenUsage `json:"usage"`
}

// HasTrailingUserTurn reports whether the non-system turns end with a user
// turn carrying non-blank content.
func HasTrailingUserTurn(turns []Turn) bool {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleSystem {
			continue
		}
		return turns[i].Role == RoleUser && strings.TrimSpace(turns[i].Content) != ""
	}
	return false
}

type ErrorResponse struct {
	Error string `json:"error"`
}
