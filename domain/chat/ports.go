package chat

import "context"

// Provider abstracts one upstream LLM vendor.
type Provider interface {
	Vendor() Vendor

	// StreamChat starts a streaming generation. The returned channel yields
	// token events, then one terminal event, then closes. Cancelling ctx
	// abandons the upstream call and closes the channel.
	StreamChat(ctx context.Context, turns []Turn) <-chan StreamEvent

	// Chat is the non-streaming path.
	Chat(ctx context.Context, turns []Turn) (Completion, error)
}

// ProviderFactory hands out a provider for a model identifier.
type ProviderFactory interface {
	ProviderFor(modelID string) (Provider, error)
}
