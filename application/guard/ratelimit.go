package guard

import (
	"context"
	"time"

	"chat-relay/domain/quota"

	"github.com/sirupsen/logrus"
)

// CounterStore keeps fixed-window request counters.
type CounterStore interface {
	// Increment counts one hit for key and returns the count within the
	// current window and when that window ends. A hit after the window ended
	// starts a new window at 1.
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error)

	// Sweep drops windows that ended before now and reports how many.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

type RateLimitConfig struct {
	Ceiling       int64
	Window        time.Duration
	SweepInterval time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Ceiling:       30,
		Window:        time.Minute,
		SweepInterval: 5 * time.Minute,
	}
}

// RateGuard is a fixed-window flood guard keyed by client address.
type RateGuard struct {
	store  CounterStore
	config RateLimitConfig
	now    func() time.Time
}

func NewRateGuard(store CounterStore, config RateLimitConfig) *RateGuard {
	defaults := DefaultRateLimitConfig()
	if config.Ceiling <= 0 {
		config.Ceiling = defaults.Ceiling
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	return &RateGuard{store: store, config: config, now: time.Now}
}

// Check counts one request from identifier. Store failures let the request
// through.
func (g *RateGuard) Check(ctx context.Context, identifier string) quota.QuotaDecision {
	now := g.now()
	count, resetAt, err := g.store.Increment(ctx, identifier, g.config.Window, now)
	if err != nil {
		logrus.WithError(err).WithField("identifier", identifier).Warn("Rate limit store unavailable, allowing request")
		return quota.QuotaDecision{
			Allowed:       true,
			Remaining:     g.config.Ceiling,
			LimitCeiling:  g.config.Ceiling,
			WindowResetAt: now.Add(g.config.Window),
		}
	}

	remaining := g.config.Ceiling - count
	if remaining < 0 {
		remaining = 0
	}
	decision := quota.QuotaDecision{
		Allowed:       count <= g.config.Ceiling,
		Remaining:     remaining,
		LimitCeiling:  g.config.Ceiling,
		WindowResetAt: resetAt,
	}
	if !decision.Allowed {
		decision.Reason = "too many requests"
	}
	return decision
}

// Run sweeps expired windows until ctx is cancelled.
func (g *RateGuard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := g.store.Sweep(ctx, g.now())
			if err != nil {
				logrus.WithError(err).Warn("Rate limit sweep failed")
				continue
			}
			if removed > 0 {
				logrus.WithField("removed", removed).Debug("Swept expired rate limit windows")
			}
		}
	}
}
