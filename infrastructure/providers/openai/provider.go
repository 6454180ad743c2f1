package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chat-relay/domain/chat"
	"chat-relay/infrastructure/providers/sse"
	"chat-relay/infrastructure/providers/upstream"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultTimeout = 120 * time.Second
)

// Provider streams chat completions from the OpenAI API for one model.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

var _ chat.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithTimeout bounds each upstream call.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func New(apiKey, model string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    DefaultBaseURL,
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Vendor() chat.Vendor { return chat.VendorOpenAI }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type apiRequest struct {
	Model         string         `json:"model"`
	Messages      []message      `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type apiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type apiError struct {
	Type    string `json:"type"`
	Code    any    `json:"code"`
	Message string `json:"message"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *apiUsage `json:"usage"`
	Error *apiError `json:"error"`
}

type apiResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Usage apiUsage `json:"usage"`
}

// buildMessages keeps the full history with system turns inline.
func buildMessages(turns []chat.Turn) []message {
	out := make([]message, 0, len(turns))
	for _, t := range turns {
		out = append(out, message{Role: string(t.Role), Content: t.Content})
	}
	return out
}

func (p *Provider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

func (p *Provider) StreamChat(ctx context.Context, turns []chat.Turn) <-chan chat.StreamEvent {
	if !chat.HasTrailingUserTurn(turns) {
		return upstream.Reject(upstream.ErrNoUserTurn)
	}

	return upstream.Stream(ctx, p.Vendor(), p.timeout, func(ctx context.Context, emit *upstream.Emitter) (chat.TokenUsage, error) {
		resp, err := upstream.PostJSON(ctx, p.httpClient, p.Vendor(), p.baseURL+"/chat/completions", p.headers(), apiRequest{
			Model:         p.model,
			Messages:      buildMessages(turns),
			Stream:        true,
			StreamOptions: &streamOptions{IncludeUsage: true},
		})
		if err != nil {
			return chat.TokenUsage{}, err
		}
		if err := upstream.MapHTTPError(p.Vendor(), resp); err != nil {
			return chat.TokenUsage{}, err
		}
		defer resp.Body.Close()

		var usage chat.TokenUsage
		reader := sse.NewReader(resp.Body)
		for {
			ev, err := reader.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return usage, fmt.Errorf("%w: stream ended before [DONE]", chat.ErrProviderUnavailable)
				}
				return usage, fmt.Errorf("stream read: %w", err)
			}
			if ev.Data == "[DONE]" {
				return usage, nil
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
				logrus.WithFields(logrus.Fields{"vendor": p.Vendor(), "model": p.model}).Debug("Skipping malformed stream chunk")
				continue
			}
			if chunk.Error != nil {
				return usage, upstream.VendorError(p.Vendor(), chunk.Error.Type, chunk.Error.Message)
			}
			for _, choice := range chunk.Choices {
				if !emit.Token(choice.Delta.Content) {
					return usage, ctx.Err()
				}
			}
			if chunk.Usage != nil {
				usage = chat.TokenUsage{
					PromptUnits:     chunk.Usage.PromptTokens,
					CompletionUnits: chunk.Usage.CompletionTokens,
					TotalUnits:      chunk.Usage.TotalTokens,
				}
			}
		}
	})
}

func (p *Provider) Chat(ctx context.Context, turns []chat.Turn) (chat.Completion, error) {
	if !chat.HasTrailingUserTurn(turns) {
		return chat.Completion{}, upstream.ErrNoUserTurn
	}

	return upstream.Call(ctx, p.Vendor(), p.timeout, func(ctx context.Context) (chat.Completion, error) {
		resp, err := upstream.PostJSON(ctx, p.httpClient, p.Vendor(), p.baseURL+"/chat/completions", p.headers(), apiRequest{
			Model:    p.model,
			Messages: buildMessages(turns),
		})
		if err != nil {
			return chat.Completion{}, err
		}
		if err := upstream.MapHTTPError(p.Vendor(), resp); err != nil {
			return chat.Completion{}, err
		}
		defer resp.Body.Close()

		var out apiResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return chat.Completion{}, fmt.Errorf("%w: decode response: %v", chat.ErrProviderUnavailable, err)
		}
		if len(out.Choices) == 0 {
			return chat.Completion{}, fmt.Errorf("%w: empty choices", chat.ErrProviderUnavailable)
		}
		return chat.Completion{
			Text: out.Choices[0].Message.Content,
			Usage: chat.TokenUsage{
				PromptUnits:     out.Usage.PromptTokens,
				CompletionUnits: out.Usage.CompletionTokens,
				TotalUnits:      out.Usage.TotalTokens,
			},
		}, nil
	})
}
