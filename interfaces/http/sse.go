package httpiface

import (
	"encoding/json"
	"fmt"
	"net/http"

	"chat-relay/application/relay"
	"chat-relay/domain/chat"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type tokenFrame struct {
	Token string `json:"token"`
}

type doneFrame struct {
	Done           bool            `json:"done"`
	Usage          chat.TokenUsage `json:"usage"`
	ConversationID string          `json:"conversationId,omitempty"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// sseSink writes relay events as "data: <json>\n\n" frames, flushing each.
type sseSink struct {
	c      *gin.Context
	opened bool
}

var _ relay.EventSink = (*sseSink)(nil)

func newSSESink(c *gin.Context) *sseSink {
	return &sseSink{c: c}
}

func (s *sseSink) Open() error {
	h := s.c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	s.c.Status(http.StatusOK)
	s.c.Writer.WriteHeaderNow()
	s.opened = true
	s.c.Writer.Flush()
	return s.c.Request.Context().Err()
}

func (s *sseSink) Token(text string) error {
	return s.write(tokenFrame{Token: text})
}

func (s *sseSink) Done(event relay.DoneEvent) error {
	frame := doneFrame{Done: true, Usage: event.Usage}
	if event.ConversationID != uuid.Nil {
		frame.ConversationID = event.ConversationID.String()
	}
	return s.write(frame)
}

func (s *sseSink) Error(message string) error {
	return s.write(errorFrame{Error: message})
}

func (s *sseSink) write(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}
