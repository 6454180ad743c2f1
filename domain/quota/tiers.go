package quota

import "chat-relay/domain/chat"

// Unlimited marks a ceiling or remaining count with no bound.
const Unlimited int64 = -1

type SubscriptionTier string

const (
	TierFree       SubscriptionTier = "free"
	TierPro        SubscriptionTier = "pro"
	TierEnterprise SubscriptionTier = "enterprise"
)

type Feature string

const (
	FeatureHistory     Feature = "history"
	FeatureLongContext Feature = "long_context"
	FeaturePriority    Feature = "priority"
	FeatureSSO         Feature = "sso"
)

// TierConfig is the static policy attached to a subscription tier.
type TierConfig struct {
	Tier           SubscriptionTier
	MessageCeiling int64
	AllowedModels  []string
	Features       []Feature
}

var tierTable = map[SubscriptionTier]TierConfig{
	TierFree: {
		Tier:           TierFree,
		MessageCeiling: 50,
		AllowedModels: []string{
			chat.ModelGPT4oMini,
			chat.ModelGPT35Turbo,
			chat.ModelClaude3Haiku,
			chat.ModelGemini15Flash,
		},
		Features: []Feature{FeatureHistory},
	},
	TierPro: {
		Tier:           TierPro,
		MessageCeiling: 1000,
		AllowedModels:  chat.KnownModels(),
		Features:       []Feature{FeatureHistory, FeatureLongContext, FeaturePriority},
	},
	TierEnterprise: {
		Tier:           TierEnterprise,
		MessageCeiling: Unlimited,
		AllowedModels:  chat.KnownModels(),
		Features:       []Feature{FeatureHistory, FeatureLongContext, FeaturePriority, FeatureSSO},
	},
}

// ParseTier maps a stored tier name to a tier, falling back to free.
func ParseTier(name string) SubscriptionTier {
	t := SubscriptionTier(name)
	if _, ok := tierTable[t]; ok {
		return t
	}
	return TierFree
}

// ConfigFor returns the policy for tier. Unknown tiers get the free policy.
func ConfigFor(tier SubscriptionTier) TierConfig {
	if cfg, ok := tierTable[tier]; ok {
		return cfg
	}
	return tierTable[TierFree]
}

// AllowsModel reports whether the tier may use modelID.
func (c TierConfig) AllowsModel(modelID string) bool {
	for _, m := range c.AllowedModels {
		if m == modelID {
			return true
		}
	}
	return false
}

func (c TierConfig) HasFeature(f Feature) bool {
	for _, have := range c.Features {
		if have == f {
			return true
		}
	}
	return false
}
