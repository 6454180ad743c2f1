package chat

import (
	"fmt"
	"strings"
)

type Vendor string

const (
	VendorOpenAI    Vendor = "openai"
	VendorAnthropic Vendor = "anthropic"
	VendorGoogle    Vendor = "google"
)

type modelFamily struct {
	prefix string
	vendor Vendor
}

// families is matched in order against the lowercased model identifier.
var families = []modelFamily{
	{prefix: "gpt-", vendor: VendorOpenAI},
	{prefix: "o1-", vendor: VendorOpenAI},
	{prefix: "claude-", vendor: VendorAnthropic},
	{prefix: "gemini-", vendor: VendorGoogle},
}

// Model identifiers accepted by the relay.
const (
	ModelGPT4o          = "gpt-4o"
	ModelGPT4oMini      = "gpt-4o-mini"
	ModelGPT4Turbo      = "gpt-4-turbo"
	ModelGPT35Turbo     = "gpt-3.5-turbo"
	ModelClaude35Sonnet = "claude-3-5-sonnet-20241022"
	ModelClaude3Opus    = "claude-3-opus-20240229"
	ModelClaude3Haiku   = "claude-3-haiku-20240307"
	ModelGemini15Pro    = "gemini-1.5-pro"
	ModelGemini15Flash  = "gemini-1.5-flash"
)

var catalog = []string{
	ModelGPT4o,
	ModelGPT4oMini,
	ModelGPT4Turbo,
	ModelGPT35Turbo,
	ModelClaude35Sonnet,
	ModelClaude3Opus,
	ModelClaude3Haiku,
	ModelGemini15Pro,
	ModelGemini15Flash,
}

// KnownModels returns a copy of the model catalog.
func KnownModels() []string {
	out := make([]string, len(catalog))
	copy(out, catalog)
	return out
}

// IsKnownModel reports whether modelID is in the catalog.
func IsKnownModel(modelID string) bool {
	for _, m := range catalog {
		if m == modelID {
			return true
		}
	}
	return false
}

// ResolveVendor maps a model identifier to its vendor by family prefix.
// There is no default vendor: unmatched identifiers fail with ErrUnknownModel.
func ResolveVendor(modelID string) (Vendor, error) {
	id := strings.ToLower(strings.TrimSpace(modelID))
	for _, f := range families {
		if strings.HasPrefix(id, f.prefix) {
			return f.vendor, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
}
