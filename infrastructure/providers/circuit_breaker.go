package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chat-relay/domain/chat"
	"chat-relay/infrastructure/providers/upstream"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig holds configuration for circuit breaker behavior
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold uint32        `yaml:"success_threshold" json:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	MaxRequests      uint32        `yaml:"max_requests" json:"max_requests"`
}

// DefaultCircuitBreakerConfig returns sensible defaults for circuit breaker configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		MaxRequests:      3,
	}
}

// Breakers keeps one two-step circuit breaker per vendor. Streams report
// their outcome only when the terminal event arrives, so the breaker cannot
// wrap a single function call.
type Breakers struct {
	config   CircuitBreakerConfig
	breakers map[chat.Vendor]*gobreaker.TwoStepCircuitBreaker
	mutex    sync.RWMutex
}

func NewBreakers(config CircuitBreakerConfig) *Breakers {
	return &Breakers{
		config:   config,
		breakers: make(map[chat.Vendor]*gobreaker.TwoStepCircuitBreaker),
	}
}

// Wrap returns p guarded by its vendor's breaker, or p itself when breakers
// are disabled.
func (b *Breakers) Wrap(p chat.Provider) chat.Provider {
	if !b.config.Enabled {
		return p
	}
	return &CircuitBreakerProvider{provider: p, breaker: b.getOrCreateBreaker(p.Vendor())}
}

// States returns the current state of all circuit breakers for monitoring
func (b *Breakers) States() map[string]string {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	states := make(map[string]string, len(b.breakers))
	for vendor, breaker := range b.breakers {
		states[string(vendor)] = breaker.State().String()
	}
	return states
}

func (b *Breakers) getOrCreateBreaker(vendor chat.Vendor) *gobreaker.TwoStepCircuitBreaker {
	b.mutex.RLock()
	if breaker, exists := b.breakers[vendor]; exists {
		b.mutex.RUnlock()
		return breaker
	}
	b.mutex.RUnlock()

	b.mutex.Lock()
	defer b.mutex.Unlock()

	// Another goroutine may have created it while we waited.
	if breaker, exists := b.breakers[vendor]; exists {
		return breaker
	}

	threshold := b.config.FailureThreshold
	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("llm-vendor-%s", vendor),
		MaxRequests: b.config.MaxRequests,
		Interval:    0,
		Timeout:     b.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"vendor":     vendor,
				"from_state": from.String(),
				"to_state":   to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	breaker := gobreaker.NewTwoStepCircuitBreaker(settings)
	b.breakers[vendor] = breaker

	logrus.WithField("vendor", vendor).Info("Created new circuit breaker for vendor")
	return breaker
}

// CircuitBreakerProvider fails fast while its vendor's circuit is open.
type CircuitBreakerProvider struct {
	provider chat.Provider
	breaker  *gobreaker.TwoStepCircuitBreaker
}

var _ chat.Provider = (*CircuitBreakerProvider)(nil)

func (c *CircuitBreakerProvider) Vendor() chat.Vendor {
	return c.provider.Vendor()
}

func (c *CircuitBreakerProvider) StreamChat(ctx context.Context, turns []chat.Turn) <-chan chat.StreamEvent {
	done, err := c.breaker.Allow()
	if err != nil {
		return upstream.Reject(c.openError(err))
	}

	in := c.provider.StreamChat(ctx, turns)
	out := make(chan chat.StreamEvent, cap(in))
	go func() {
		defer close(out)
		reported := false
		for ev := range in {
			if ev.Terminal() && !reported {
				done(countsAsSuccess(ev.Err))
				reported = true
			}
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}
		if !reported {
			// The caller went away before the vendor answered.
			done(true)
		}
	}()
	return out
}

func (c *CircuitBreakerProvider) Chat(ctx context.Context, turns []chat.Turn) (chat.Completion, error) {
	done, err := c.breaker.Allow()
	if err != nil {
		return chat.Completion{}, c.openError(err)
	}
	out, err := c.provider.Chat(ctx, turns)
	done(countsAsSuccess(err))
	return out, err
}

func (c *CircuitBreakerProvider) openError(err error) error {
	logrus.WithFields(logrus.Fields{
		"vendor": c.provider.Vendor(),
		"state":  c.breaker.State().String(),
	}).Warn("Circuit breaker is open, failing fast")
	return &chat.ProviderError{
		Vendor: c.provider.Vendor(),
		Err:    fmt.Errorf("%w: %v", chat.ErrProviderUnavailable, err),
	}
}

// countsAsSuccess keeps caller mistakes from tripping the vendor's breaker.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, chat.ErrInvalidRequest) || errors.Is(err, context.Canceled)
}
