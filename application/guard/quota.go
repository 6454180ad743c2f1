package guard

import (
	"context"
	"fmt"
	"time"

	"chat-relay/domain/persistence"
	"chat-relay/domain/quota"

	"github.com/sirupsen/logrus"
)

// Evaluate decides whether a caller on tier who has used `used` messages this
// period may send one more.
func Evaluate(tier quota.SubscriptionTier, used int64, now time.Time) quota.QuotaDecision {
	cfg := quota.ConfigFor(tier)
	resetAt := quota.NextMonthStart(now)

	if cfg.MessageCeiling == quota.Unlimited {
		return quota.QuotaDecision{
			Allowed:       true,
			Remaining:     quota.Unlimited,
			LimitCeiling:  quota.Unlimited,
			WindowResetAt: resetAt,
		}
	}

	remaining := cfg.MessageCeiling - used
	if remaining < 0 {
		remaining = 0
	}
	decision := quota.QuotaDecision{
		Allowed:       used < cfg.MessageCeiling,
		Remaining:     remaining,
		LimitCeiling:  cfg.MessageCeiling,
		WindowResetAt: resetAt,
	}
	if !decision.Allowed {
		decision.Reason = fmt.Sprintf("monthly limit of %d messages reached for the %s tier", cfg.MessageCeiling, cfg.Tier)
	}
	return decision
}

// QuotaGuard looks up the caller's tier and period usage and evaluates them.
type QuotaGuard struct {
	subscriptions persistence.SubscriptionRepository
	ledger        persistence.UsageLedger
}

func NewQuotaGuard(subscriptions persistence.SubscriptionRepository, ledger persistence.UsageLedger) *QuotaGuard {
	return &QuotaGuard{subscriptions: subscriptions, ledger: ledger}
}

// QuotaStatus is the full picture behind a decision.
type QuotaStatus struct {
	Tier     quota.SubscriptionTier
	Period   *persistence.UsagePeriodRecord
	Decision quota.QuotaDecision
}

// Check resolves the caller's tier and usage. Lookup failures are returned
// so the caller can fail the request rather than grant unmetered access.
func (g *QuotaGuard) Check(ctx context.Context, userID string, now time.Time) (*QuotaStatus, error) {
	tier, err := g.subscriptions.TierFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve tier: %w", err)
	}

	period, err := g.ledger.Current(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("load usage period: %w", err)
	}

	decision := Evaluate(tier, period.MessagesCount, now)
	logrus.WithFields(logrus.Fields{
		"user_id":   userID,
		"tier":      tier,
		"used":      period.MessagesCount,
		"allowed":   decision.Allowed,
		"remaining": decision.Remaining,
	}).Debug("Quota evaluated")

	return &QuotaStatus{Tier: tier, Period: period, Decision: decision}, nil
}
