package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chat-relay/domain/chat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan chat.StreamEvent) (tokens []string, terminal []chat.StreamEvent) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return tokens, terminal
			}
			if ev.Terminal() {
				terminal = append(terminal, ev)
			} else {
				require.Empty(t, terminal, "token after terminal event")
				tokens = append(tokens, ev.Text)
			}
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func frame(name, data string) string {
	return "event: " + name + "\ndata: " + data + "\n\n"
}

func streamServer(t *testing.T, frames ...string) (*httptest.Server, *apiRequest) {
	t.Helper()
	var got apiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, DefaultAPIVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprint(w, f)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(server.Close)
	return server, &got
}

func TestBuildRequest(t *testing.T) {
	turns := []chat.Turn{
		{Role: chat.RoleAssistant, Content: "Welcome!"},
		{Role: chat.RoleSystem, Content: "Be brief."},
		{Role: chat.RoleUser, Content: "First"},
		{Role: chat.RoleUser, Content: "Second"},
		{Role: chat.RoleAssistant, Content: "Answer"},
		{Role: chat.RoleSystem, Content: "No emoji."},
		{Role: chat.RoleUser, Content: "Third"},
	}

	system, msgs := buildRequest(turns)

	assert.Equal(t, "Be brief.\n\nNo emoji.", system)
	require.Len(t, msgs, 3)
	assert.Equal(t, message{Role: "user", Content: "First\n\nSecond"}, msgs[0])
	assert.Equal(t, message{Role: "assistant", Content: "Answer"}, msgs[1])
	assert.Equal(t, message{Role: "user", Content: "Third"}, msgs[2])
}

func TestProvider_StreamChat_Success(t *testing.T) {
	server, got := streamServer(t,
		frame("message_start", `{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":25,"output_tokens":1}}}`),
		frame("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		frame("ping", `{"type":"ping"}`),
		frame("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`),
		frame("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`),
		frame("content_block_stop", `{"type":"content_block_stop","index":0}`),
		frame("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":15}}`),
		frame("message_stop", `{"type":"message_stop"}`),
	)

	p := New("test-key", chat.ModelClaude3Haiku, WithBaseURL(server.URL))
	turns := []chat.Turn{
		{Role: chat.RoleSystem, Content: "Be brief."},
		{Role: chat.RoleUser, Content: "Hi"},
	}
	tokens, terminal := collect(t, p.StreamChat(context.Background(), turns))

	assert.Equal(t, []string{"Hel", "lo"}, tokens)
	require.Len(t, terminal, 1)
	assert.Equal(t, chat.EventCompleted, terminal[0].Kind)
	assert.Equal(t, "Hello", terminal[0].FullText)
	assert.Equal(t, chat.TokenUsage{PromptUnits: 25, CompletionUnits: 15, TotalUnits: 40}, terminal[0].Usage)

	assert.Equal(t, "Be brief.", got.System)
	assert.Equal(t, DefaultMaxTokens, got.MaxTokens)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 1)
}

func TestProvider_StreamChat_EmptyStreamCompletes(t *testing.T) {
	server, _ := streamServer(t,
		frame("message_start", `{"type":"message_start","message":{"id":"msg_2","usage":{"input_tokens":9,"output_tokens":0}}}`),
		frame("message_stop", `{"type":"message_stop"}`),
	)

	p := New("test-key", chat.ModelClaude3Haiku, WithBaseURL(server.URL))
	tokens, terminal := collect(t, p.StreamChat(context.Background(), []chat.Turn{{Role: chat.RoleUser, Content: "Hi"}}))

	assert.Empty(t, tokens)
	require.Len(t, terminal, 1)
	assert.Equal(t, chat.EventCompleted, terminal[0].Kind)
	assert.Empty(t, terminal[0].FullText)
	assert.Equal(t, chat.TokenUsage{PromptUnits: 9, TotalUnits: 9}, terminal[0].Usage)
}

func TestProvider_StreamChat_ErrorEventAfterTokens(t *testing.T) {
	server, _ := streamServer(t,
		frame("message_start", `{"type":"message_start","message":{"usage":{"input_tokens":5}}}`),
		frame("content_block_delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`),
		frame("content_block_delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`),
		frame("error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`),
	)

	p := New("test-key", chat.ModelClaude3Opus, WithBaseURL(server.URL))
	tokens, terminal := collect(t, p.StreamChat(context.Background(), []chat.Turn{{Role: chat.RoleUser, Content: "Hi"}}))

	assert.Equal(t, []string{"Hel", "lo"}, tokens)
	require.Len(t, terminal, 1)
	assert.Equal(t, chat.EventFailed, terminal[0].Kind)
	assert.ErrorIs(t, terminal[0].Err, chat.ErrProviderUnavailable)
}

func TestProvider_StreamChat_MalformedEventSkipped(t *testing.T) {
	server, _ := streamServer(t,
		frame("content_block_delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"A"}}`),
		frame("content_block_delta", `{bad json`),
		frame("content_block_delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"B"}}`),
		frame("message_stop", `{"type":"message_stop"}`),
	)

	p := New("test-key", chat.ModelClaude3Haiku, WithBaseURL(server.URL))
	tokens, terminal := collect(t, p.StreamChat(context.Background(), []chat.Turn{{Role: chat.RoleUser, Content: "Hi"}}))

	assert.Equal(t, []string{"A", "B"}, tokens)
	require.Len(t, terminal, 1)
	assert.Equal(t, chat.EventCompleted, terminal[0].Kind)
}

func TestProvider_StreamChat_AuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer server.Close()

	p := New("bad-key", chat.ModelClaude3Haiku, WithBaseURL(server.URL))
	tokens, terminal := collect(t, p.StreamChat(context.Background(), []chat.Turn{{Role: chat.RoleUser, Content: "Hi"}}))

	assert.Empty(t, tokens)
	require.Len(t, terminal, 1)
	assert.ErrorIs(t, terminal[0].Err, chat.ErrAuthFailed)
}

func TestProvider_StreamChat_RejectsWithoutUserTurn(t *testing.T) {
	p := New("test-key", chat.ModelClaude3Haiku, WithBaseURL("http://127.0.0.1:1"))
	tokens, terminal := collect(t, p.StreamChat(context.Background(), []chat.Turn{{Role: chat.RoleSystem, Content: "rules"}}))

	assert.Empty(t, tokens)
	require.Len(t, terminal, 1)
	assert.ErrorIs(t, terminal[0].Err, chat.ErrInvalidRequest)
}

func TestProvider_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		fmt.Fprint(w, `{"content":[{"type":"text","text":"Hello "},{"type":"text","text":"there"}],"usage":{"input_tokens":9,"output_tokens":3}}`)
	}))
	defer server.Close()

	p := New("test-key", chat.ModelClaude35Sonnet, WithBaseURL(server.URL))
	out, err := p.Chat(context.Background(), []chat.Turn{{Role: chat.RoleUser, Content: "Hi"}})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", out.Text)
	assert.Equal(t, chat.TokenUsage{PromptUnits: 9, CompletionUnits: 3, TotalUnits: 12}, out.Usage)
}
