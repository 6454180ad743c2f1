package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrMissingTerminal is returned when a stream ends without done or error.
var ErrMissingTerminal = errors.New("relayclient: stream ended without a terminal event")

// APIError is a non-200 response from the relay.
type APIError struct {
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relayclient: status %d: %s", e.Status, e.Message)
}

// StreamError is a terminal error event received inside an open stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "relayclient: stream failed: " + e.Message
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Messages       []Message `json:"messages"`
	Model          string    `json:"model"`
	ConversationID string    `json:"conversationId,omitempty"`
}

// Result is the outcome of a successful stream or completion.
type Result struct {
	Text           string `json:"content"`
	Model          string `json:"model,omitempty"`
	Usage          Usage  `json:"usage"`
	ConversationID string `json:"conversationId"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets the session token sent as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) post(ctx context.Context, path string, req Request, accept string) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("relayclient: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("relayclient: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("relayclient: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp, nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}

// Stream sends req to the streaming endpoint and calls onEvent for every
// event in arrival order. onEvent may be nil; an error from it abandons the
// stream. A terminal error event is returned as a *StreamError.
func (c *Client) Stream(ctx context.Context, req Request, onEvent func(Event) error) (*Result, error) {
	resp, err := c.post(ctx, "/api/chat", req, "text/event-stream")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	dec := NewDecoder()
	var text strings.Builder
	chunk := make([]byte, 4096)

	handle := func(events []Event) (*Result, error) {
		for _, ev := range events {
			if onEvent != nil {
				if err := onEvent(ev); err != nil {
					return nil, err
				}
			}
			switch ev.Kind {
			case EventToken:
				text.WriteString(ev.Token)
			case EventDone:
				return &Result{Text: text.String(), Usage: ev.Usage, ConversationID: ev.ConversationID}, nil
			case EventError:
				return nil, &StreamError{Message: ev.Message}
			}
		}
		return nil, nil
	}

	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			if result, err := handle(dec.Feed(chunk[:n])); result != nil || err != nil {
				return result, err
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				return nil, fmt.Errorf("relayclient: read stream: %w", readErr)
			}
			if result, err := handle(dec.Flush()); result != nil || err != nil {
				return result, err
			}
			return nil, ErrMissingTerminal
		}
	}
}

// Complete calls the non-streaming endpoint.
func (c *Client) Complete(ctx context.Context, req Request) (*Result, error) {
	resp, err := c.post(ctx, "/api/chat/complete", req, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("relayclient: decode response: %w", err)
	}
	return &result, nil
}
