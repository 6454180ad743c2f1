package chat

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	ErrUnauthenticated   = errors.New("chat: unauthenticated")
	ErrUnknownModel      = errors.New("chat: unknown model")
	ErrMissingCredential = errors.New("chat: missing vendor credential")
	ErrUpstreamProvider  = errors.New("chat: upstream provider error")
	ErrPersistence       = errors.New("chat: persistence failed")
	ErrInternal          = errors.New("chat: internal error")

	// Upstream failure classes, all wrapped by ProviderError.
	ErrRateLimited         = errors.New("chat: rate limited by provider")
	ErrAuthFailed          = errors.New("chat: provider authentication failed")
	ErrInvalidRequest      = errors.New("chat: invalid request")
	ErrProviderUnavailable = errors.New("chat: provider unavailable")
)

// RateLimitedError is returned when the per-address flood guard denies a request.
type RateLimitedError struct {
	RetryAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("chat: rate limited until %s", e.RetryAt.Format(time.RFC3339))
}

// QuotaExceededError is returned when the caller's tier ceiling is reached.
type QuotaExceededError struct {
	Tier    string
	Limit   int64
	RetryAt time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("chat: %s tier quota of %d messages exceeded until %s", e.Tier, e.Limit, e.RetryAt.Format(time.RFC3339))
}

type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return "chat: invalid request: " + e.Detail
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

type ModelForbiddenError struct {
	Tier  string
	Model string
}

func (e *ModelForbiddenError) Error() string {
	return fmt.Sprintf("chat: model %s is not available on the %s tier", e.Model, e.Tier)
}

// ProviderError wraps an upstream failure with vendor context.
type ProviderError struct {
	Vendor Vendor
	Status int
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("chat: vendor=%s status=%d: %v", e.Vendor, e.Status, e.Err)
	}
	return fmt.Sprintf("chat: vendor=%s: %v", e.Vendor, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	return []error{ErrUpstreamProvider, e.Err}
}

// PersistenceError records which post-completion effect failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("chat: persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// RetryAfter returns the instant a denied caller may retry, if err carries one.
func RetryAfter(err error) (time.Time, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAt, true
	}
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return qe.RetryAt, true
	}
	return time.Time{}, false
}
