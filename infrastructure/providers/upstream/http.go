package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chat-relay/domain/chat"
)

// NewHTTPClient returns a pooled client for upstream calls. It sets no
// overall timeout because streams are bounded by their context instead.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// PostJSON marshals body and sends it. Transport failures are reported as
// an unavailable provider.
func PostJSON(ctx context.Context, client *http.Client, vendor chat.Vendor, url string, headers map[string]string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", vendor, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", vendor, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &chat.ProviderError{Vendor: vendor, Err: fmt.Errorf("%w: %v", chat.ErrProviderUnavailable, err)}
	}
	return resp, nil
}

// MapHTTPError converts a non-2xx response into a ProviderError and closes
// the body. It returns nil for success statuses.
func MapHTTPError(vendor chat.Vendor, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()
	excerpt := strings.TrimSpace(string(body))

	var class error
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		class = chat.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		class = chat.ErrAuthFailed
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		class = chat.ErrInvalidRequest
	default:
		class = chat.ErrProviderUnavailable
	}

	return &chat.ProviderError{
		Vendor: vendor,
		Status: resp.StatusCode,
		Err:    fmt.Errorf("%w: %s", class, excerpt),
	}
}

// VendorError builds the error for a failure reported inside a stream payload.
func VendorError(vendor chat.Vendor, kind, message string) error {
	class := chat.ErrProviderUnavailable
	switch strings.ToLower(kind) {
	case "rate_limit_error", "resource_exhausted", "rate_limit_exceeded":
		class = chat.ErrRateLimited
	case "authentication_error", "permission_error", "unauthenticated", "permission_denied", "invalid_api_key":
		class = chat.ErrAuthFailed
	case "invalid_request_error", "invalid_argument":
		class = chat.ErrInvalidRequest
	}
	return &chat.ProviderError{Vendor: vendor, Err: fmt.Errorf("%w: %s: %s", class, kind, message)}
}
