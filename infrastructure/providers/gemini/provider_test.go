package gemini

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

func TestBuildRequest_WindowAndSystem(t *testing.T) {
	turns := []chat.Turn{{Role: chat.RoleSystem, Content: "Be brief."}}
	for i := 0; i < 30; i++ {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		turns = append(turns, chat.Turn{Role: role, Content: fmt.Sprintf("turn %d", i)})
	}
	turns = append(turns, chat.Turn{Role: chat.RoleUser, Content: "last"})

	req := buildRequest(turns, 20)

	require.NotNil(t, req.SystemInstruction)
	assert.Equal(t, "Be brief.", req.SystemInstruction.Parts[0].Text)
	assert.LessOrEqual(t, len(req.Contents), 20)
	assert.Equal(t, "user", req.Contents[0].Role, "window never starts on a model turn")
	assert.Equal(t, "last", req.Contents[len(req.Contents)-1].Parts[0].Text)
	for _, c := range req.Contents {
		assert.Contains(t, []string{"user", "model"}, c.Role)
	}
}

func TestBuildRequest_ShortHistoryKept(t *testing.T) {
	req := buildRequest([]chat.Turn{
		{Role: chat.RoleUser, Content: "a"},
		{Role: chat.RoleAssistant, Content: "b"},
		{Role: chat.RoleUser, Content: "c"},
	}, 20)

	require.Len(t, req.Contents, 3)
	assert.Equal(t, "model", req.Contents[1].Role)
	assert.Nil(t, req.SystemInstruction)
}

func TestProvider_StreamChat_Success(t *testing.T) {
	var got apiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-1.5-flash:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}`+"\r\n\r\n")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"totalTokenCount":6}}`+"\r\n\r\n")
	}))
	defer server.Close()

	p := New("test-key", chat.ModelGemini15Flash, WithBaseURL(server.URL))
	tokens, terminal := collect(t, p.StreamChat(context.Background(), []chat.Turn{{Role: chat.RoleUser, Content: "Hi"}}))

	assert.Equal(t, []string{"Hel", "lo"}, tokens)
	require.Len(t, terminal, 1)
	assert.Equal(t, chat.EventCompleted, terminal[0].Kind)
	assert.Equal(t, "Hello", terminal[0].FullText)
	assert.Equal(t, chat.TokenUsage{TotalUnits: 6}, terminal[0].Usage, "only the total is reported")
	require.Len(t, got.Contents, 1)
}

func TestProvider_StreamChat_EmptyStreamCompletes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	defer server.Close()

	p := New("test-key", chat.ModelGemini15Pro, WithBaseURL(server.URL))
	tokens, terminal := collect(t, p.StreamChat(context.Background(), []chat.Turn{{Role: chat.RoleUser, Content: "Hi"}}))

	assert.Empty(t, tokens)
	require.Len(t, terminal, 1)
	assert.Equal(t, chat.EventCompleted, terminal[0].Kind)
	assert.Empty(t, terminal[0].FullText)
}

func TestProvider_StreamChat_ErrorPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[{"text":"Hi"}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`+"\n\n")
	}))
	defer server.Close()

	p := New("test-key", chat.ModelGemini15Pro, WithBaseURL(server.URL))
	tokens, terminal := collect(t, p.StreamChat(context.Background(), []chat.Turn{{Role: chat.RoleUser, Content: "Hi"}}))

	assert.Equal(t, []string{"Hi"}, tokens)
	require.Len(t, terminal, 1)
	assert.ErrorIs(t, terminal[0].Err, chat.ErrRateLimited)
}

func TestProvider_StreamChat_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := New("test-key", chat.ModelGemini15Pro, WithBaseURL(server.URL))
	_, terminal := collect(t, p.StreamChat(context.Background(), []chat.Turn{{Role: chat.RoleUser, Content: "Hi"}}))

	require.Len(t, terminal, 1)
	assert.ErrorIs(t, terminal[0].Err, chat.ErrProviderUnavailable)
}

func TestProvider_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-1.5-pro:generateContent", r.URL.Path)
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"Hello"}]}}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":1,"totalTokenCount":4}}`)
	}))
	defer server.Close()

	p := New("test-key", chat.ModelGemini15Pro, WithBaseURL(server.URL))
	out, err := p.Chat(context.Background(), []chat.Turn{{Role: chat.RoleUser, Content: "Hi"}})
	require.NoError(t, err)
	assert.Equal(t, "Hello", out.Text)
	assert.Equal(t, chat.TokenUsage{TotalUnits: 4}, out.Usage)
}
