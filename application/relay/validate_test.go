package relay

import (
	"fmt"
	"strings"
	"testing"

	"chat-relay/domain/chat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest_Valid(t *testing.T) {
	body := `{"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"Hi"}],"model":"gpt-4o-mini","conversationId":"2f1f5b8e-8a4f-4a57-9a43-5b8f0c8b2d11"}`

	req, err := ParseRequest([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", req.ModelID)
	require.Len(t, req.Turns, 2)
	assert.Equal(t, chat.RoleSystem, req.Turns[0].Role)
	require.NotNil(t, req.ConversationID)
	assert.Equal(t, "2f1f5b8e-8a4f-4a57-9a43-5b8f0c8b2d11", req.ConversationID.String())
}

func TestParseRequest_EmptyConversationIDIsAbsent(t *testing.T) {
	req, err := ParseRequest([]byte(`{"messages":[{"role":"user","content":"Hi"}],"model":"gpt-4o","conversationId":""}`))
	require.NoError(t, err)
	assert.Nil(t, req.ConversationID)
}

func TestParseRequest_Invalid(t *testing.T) {
	tooMany := make([]string, MaxTurns+1)
	for i := range tooMany {
		tooMany[i] = `{"role":"user","content":"x"}`
	}

	tests := []struct {
		name   string
		body   string
		detail string
	}{
		{"empty body", "", "request body is empty"},
		{"malformed json", `{"messages":`, "malformed JSON body"},
		{"no messages", `{"messages":[],"model":"gpt-4o"}`, "messages cannot be empty"},
		{"too many messages", fmt.Sprintf(`{"messages":[%s],"model":"gpt-4o"}`, strings.Join(tooMany, ",")), "too many messages"},
		{"bad role", `{"messages":[{"role":"tool","content":"x"}],"model":"gpt-4o"}`, "invalid role 'tool'"},
		{"blank content", `{"messages":[{"role":"user","content":"  "}],"model":"gpt-4o"}`, "content cannot be empty"},
		{"content too long", fmt.Sprintf(`{"messages":[{"role":"user","content":"%s"}],"model":"gpt-4o"}`, strings.Repeat("a", MaxContentLength+1)), "content too long"},
		{"missing model", `{"messages":[{"role":"user","content":"x"}]}`, "model is required"},
		{"unknown model", `{"messages":[{"role":"user","content":"x"}],"model":"llama-3"}`, `model "llama-3" is not supported`},
		{"bad conversation id", `{"messages":[{"role":"user","content":"x"}],"model":"gpt-4o","conversationId":"abc"}`, "conversationId must be a UUID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tt.body))
			require.Error(t, err)

			var verr *chat.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Detail, tt.detail)
			assert.ErrorIs(t, err, chat.ErrInvalidRequest)
		})
	}
}

func TestParseRequest_ContentLimitCountsCharacters(t *testing.T) {
	content := strings.Repeat("é", MaxContentLength)
	_, err := ParseRequest([]byte(fmt.Sprintf(`{"messages":[{"role":"user","content":"%s"}],"model":"gpt-4o"}`, content)))
	assert.NoError(t, err)
}

func TestTitleFrom(t *testing.T) {
	assert.Equal(t, "Hello there", titleFrom([]chat.Turn{
		{Role: chat.RoleSystem, Content: "rules"},
		{Role: chat.RoleUser, Content: "  Hello\n\tthere "},
	}))
	assert.Equal(t, "New conversation", titleFrom([]chat.Turn{{Role: chat.RoleSystem, Content: "rules"}}))

	long := titleFrom([]chat.Turn{{Role: chat.RoleUser, Content: strings.Repeat("ж", 200)}})
	assert.Equal(t, 80, len([]rune(long)))
}
