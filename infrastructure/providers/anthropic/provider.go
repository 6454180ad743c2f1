package anthropic

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
	DefaultBaseURL    = "https://api.anthropic.com/v1"
	DefaultAPIVersion = "2023-06-01"
	DefaultMaxTokens  = 4096
	DefaultTimeout    = 120 * time.Second
)

// Provider streams messages from the Anthropic Messages API for one model.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	apiVersion string
	maxTokens  int
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

// WithMaxTokens sets the completion budget sent with every request.
func WithMaxTokens(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxTokens = n
		}
	}
}

// WithAPIVersion overrides the anthropic-version header.
func WithAPIVersion(v string) Option {
	return func(p *Provider) {
		if v != "" {
			p.apiVersion = v
		}
	}
}

func New(apiKey, model string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    DefaultBaseURL,
		apiVersion: DefaultAPIVersion,
		maxTokens:  DefaultMaxTokens,
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Vendor() chat.Vendor { return chat.VendorAnthropic }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
	Stream    bool      `json:"stream,omitempty"`
}

type apiUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage apiUsage `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *apiUsage `json:"usage"`
	Error *apiError `json:"error"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage apiUsage `json:"usage"`
}

// buildRequest moves system turns into the top-level field, merges
// consecutive turns of the same role and drops anything before the first
// user turn, as the Messages API requires.
func buildRequest(turns []chat.Turn) (string, []message) {
	var system []string
	var msgs []message
	for _, t := range turns {
		if t.Role == chat.RoleSystem {
			system = append(system, t.Content)
			continue
		}
		if len(msgs) == 0 && t.Role != chat.RoleUser {
			continue
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == string(t.Role) {
			msgs[n-1].Content += "\n\n" + t.Content
			continue
		}
		msgs = append(msgs, message{Role: string(t.Role), Content: t.Content})
	}
	return strings.Join(system, "\n\n"), msgs
}

func (p *Provider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": p.apiVersion,
	}
}

func (p *Provider) newRequest(turns []chat.Turn, stream bool) apiRequest {
	system, msgs := buildRequest(turns)
	return apiRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		System:    system,
		Messages:  msgs,
		Stream:    stream,
	}
}

func (p *Provider) StreamChat(ctx context.Context, turns []chat.Turn) <-chan chat.StreamEvent {
	if !chat.HasTrailingUserTurn(turns) {
		return upstream.Reject(upstream.ErrNoUserTurn)
	}

	return upstream.Stream(ctx, p.Vendor(), p.timeout, func(ctx context.Context, emit *upstream.Emitter) (chat.TokenUsage, error) {
		resp, err := upstream.PostJSON(ctx, p.httpClient, p.Vendor(), p.baseURL+"/messages", p.headers(), p.newRequest(turns, true))
		if err != nil {
			return chat.TokenUsage{}, err
		}
		if err := upstream.MapHTTPError(p.Vendor(), resp); err != nil {
			return chat.TokenUsage{}, err
		}
		defer resp.Body.Close()

		// Input tokens arrive on message_start, output tokens on message_delta.
		var usage chat.TokenUsage
		reader := sse.NewReader(resp.Body)
		for {
			frame, err := reader.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return usage, fmt.Errorf("%w: stream ended before message_stop", chat.ErrProviderUnavailable)
				}
				return usage, fmt.Errorf("stream read: %w", err)
			}

			var ev streamEvent
			if err := json.Unmarshal([]byte(frame.Data), &ev); err != nil {
				logrus.WithFields(logrus.Fields{"vendor": p.Vendor(), "model": p.model, "event": frame.Name}).Debug("Skipping malformed stream event")
				continue
			}
			kind := ev.Type
			if kind == "" {
				kind = frame.Name
			}

			switch kind {
			case "message_start":
				if ev.Message != nil {
					usage.PromptUnits = ev.Message.Usage.InputTokens
					usage.CompletionUnits = ev.Message.Usage.OutputTokens
				}
			case "content_block_delta":
				if ev.Delta != nil && (ev.Delta.Type == "" || ev.Delta.Type == "text_delta") {
					if !emit.Token(ev.Delta.Text) {
						return usage, ctx.Err()
					}
				}
			case "message_delta":
				if ev.Usage != nil {
					usage.CompletionUnits = ev.Usage.OutputTokens
				}
			case "message_stop":
				usage.TotalUnits = usage.PromptUnits + usage.CompletionUnits
				return usage, nil
			case "error":
				if ev.Error == nil {
					return usage, fmt.Errorf("%w: unspecified stream error", chat.ErrProviderUnavailable)
				}
				return usage, upstream.VendorError(p.Vendor(), ev.Error.Type, ev.Error.Message)
			}
		}
	})
}

func (p *Provider) Chat(ctx context.Context, turns []chat.Turn) (chat.Completion, error) {
	if !chat.HasTrailingUserTurn(turns) {
		return chat.Completion{}, upstream.ErrNoUserTurn
	}

	return upstream.Call(ctx, p.Vendor(), p.timeout, func(ctx context.Context) (chat.Completion, error) {
		resp, err := upstream.PostJSON(ctx, p.httpClient, p.Vendor(), p.baseURL+"/messages", p.headers(), p.newRequest(turns, false))
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

		var text strings.Builder
		for _, block := range out.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		return chat.Completion{
			Text: text.String(),
			Usage: chat.TokenUsage{
				PromptUnits:     out.Usage.InputTokens,
				CompletionUnits: out.Usage.OutputTokens,
			},
		}, nil
	})
}
