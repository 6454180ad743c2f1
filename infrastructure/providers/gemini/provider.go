package gemini

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
	DefaultBaseURL       = "https://generativelanguage.googleapis.com/v1beta"
	DefaultHistoryWindow = 20
	DefaultTimeout       = 120 * time.Second
)

// Provider is the Gemini API adapter for one model. Only the most recent
// turns are sent upstream, and only total token counts are reported.
type Provider struct {
	apiKey        string
	model         string
	baseURL       string
	historyWindow int
	httpClient    *http.Client
	timeout       time.Duration
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

// WithHistoryWindow sets how many of the latest non-system turns are sent.
func WithHistoryWindow(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.historyWindow = n
		}
	}
}

func New(apiKey, model string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:        apiKey,
		model:         model,
		baseURL:       DefaultBaseURL,
		historyWindow: DefaultHistoryWindow,
		httpClient:    http.DefaultClient,
		timeout:       DefaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Vendor() chat.Vendor { return chat.VendorGoogle }

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type apiRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
}

type apiResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		TotalTokenCount int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (r *apiResponse) text() string {
	var b strings.Builder
	for _, c := range r.Candidates {
		for _, pt := range c.Content.Parts {
			b.WriteString(pt.Text)
		}
	}
	return b.String()
}

// buildRequest keeps the last window non-system turns and lifts system
// turns into systemInstruction. The window never starts on a model turn.
func buildRequest(turns []chat.Turn, window int) apiRequest {
	var system []string
	var history []chat.Turn
	for _, t := range turns {
		if t.Role == chat.RoleSystem {
			system = append(system, t.Content)
			continue
		}
		history = append(history, t)
	}
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	for len(history) > 0 && history[0].Role != chat.RoleUser {
		history = history[1:]
	}

	req := apiRequest{Contents: make([]content, 0, len(history))}
	for _, t := range history {
		role := "user"
		if t.Role == chat.RoleAssistant {
			role = "model"
		}
		req.Contents = append(req.Contents, content{Role: role, Parts: []part{{Text: t.Content}}})
	}
	if len(system) > 0 {
		req.SystemInstruction = &content{Parts: []part{{Text: strings.Join(system, "\n\n")}}}
	}
	return req
}

func (p *Provider) headers() map[string]string {
	return map[string]string{"x-goog-api-key": p.apiKey}
}

func (p *Provider) StreamChat(ctx context.Context, turns []chat.Turn) <-chan chat.StreamEvent {
	if !chat.HasTrailingUserTurn(turns) {
		return upstream.Reject(upstream.ErrNoUserTurn)
	}

	return upstream.Stream(ctx, p.Vendor(), p.timeout, func(ctx context.Context, emit *upstream.Emitter) (chat.TokenUsage, error) {
		url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", p.baseURL, p.model)
		resp, err := upstream.PostJSON(ctx, p.httpClient, p.Vendor(), url, p.headers(), buildRequest(turns, p.historyWindow))
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
					return usage, nil
				}
				return usage, fmt.Errorf("stream read: %w", err)
			}

			var chunk apiResponse
			if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
				logrus.WithFields(logrus.Fields{"vendor": p.Vendor(), "model": p.model}).Debug("Skipping malformed stream chunk")
				continue
			}
			if chunk.Error != nil {
				return usage, upstream.VendorError(p.Vendor(), chunk.Error.Status, chunk.Error.Message)
			}
			if !emit.Token(chunk.text()) {
				return usage, ctx.Err()
			}
			if chunk.UsageMetadata != nil && chunk.UsageMetadata.TotalTokenCount > 0 {
				usage = chat.TokenUsage{TotalUnits: chunk.UsageMetadata.TotalTokenCount}
			}
		}
	})
}

func (p *Provider) Chat(ctx context.Context, turns []chat.Turn) (chat.Completion, error) {
	if !chat.HasTrailingUserTurn(turns) {
		return chat.Completion{}, upstream.ErrNoUserTurn
	}

	return upstream.Call(ctx, p.Vendor(), p.timeout, func(ctx context.Context) (chat.Completion, error) {
		url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, p.model)
		resp, err := upstream.PostJSON(ctx, p.httpClient, p.Vendor(), url, p.headers(), buildRequest(turns, p.historyWindow))
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
		if len(out.Candidates) == 0 {
			return chat.Completion{}, fmt.Errorf("%w: empty candidates", chat.ErrProviderUnavailable)
		}

		completion := chat.Completion{Text: out.text()}
		if out.UsageMetadata != nil {
			completion.Usage.TotalUnits = out.UsageMetadata.TotalTokenCount
		}
		return completion, nil
	})
}
