package providers

import (
	"fmt"
	"net/http"
	"time"

	"chat-relay/domain/chat"
	"chat-relay/infrastructure/providers/anthropic"
	"chat-relay/infrastructure/providers/gemini"
	"chat-relay/infrastructure/providers/openai"
	"chat-relay/infrastructure/providers/upstream"
)

// VendorConfig carries the credential and tuning for one vendor.
type VendorConfig struct {
	APIKey        string
	BaseURL       string
	Timeout       time.Duration
	MaxTokens     int
	APIVersion    string
	HistoryWindow int
}

type FactoryConfig struct {
	OpenAI         VendorConfig
	Anthropic      VendorConfig
	Gemini         VendorConfig
	CircuitBreaker CircuitBreakerConfig
}

// Factory builds model-bound adapters that share one HTTP client and one
// breaker per vendor.
type Factory struct {
	config     FactoryConfig
	httpClient *http.Client
	breakers   *Breakers
}

var _ chat.ProviderFactory = (*Factory)(nil)

func NewFactory(config FactoryConfig) *Factory {
	return &Factory{
		config:     config,
		httpClient: upstream.NewHTTPClient(),
		breakers:   NewBreakers(config.CircuitBreaker),
	}
}

// WithHTTPClient replaces the shared upstream client.
func (f *Factory) WithHTTPClient(c *http.Client) *Factory {
	f.httpClient = c
	return f
}

// ProviderFor resolves modelID to its vendor and builds the adapter.
func (f *Factory) ProviderFor(modelID string) (chat.Provider, error) {
	vendor, err := chat.ResolveVendor(modelID)
	if err != nil {
		return nil, err
	}
	return f.CreateProvider(vendor, modelID)
}

// CreateProvider builds the adapter for vendor. A vendor without a
// configured key fails here, before any network call.
func (f *Factory) CreateProvider(vendor chat.Vendor, modelID string) (chat.Provider, error) {
	var p chat.Provider
	switch vendor {
	case chat.VendorOpenAI:
		cfg := f.config.OpenAI
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: %s", chat.ErrMissingCredential, vendor)
		}
		p = openai.New(cfg.APIKey, modelID,
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithHTTPClient(f.httpClient),
			openai.WithTimeout(cfg.Timeout),
		)
	case chat.VendorAnthropic:
		cfg := f.config.Anthropic
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: %s", chat.ErrMissingCredential, vendor)
		}
		p = anthropic.New(cfg.APIKey, modelID,
			anthropic.WithBaseURL(cfg.BaseURL),
			anthropic.WithHTTPClient(f.httpClient),
			anthropic.WithTimeout(cfg.Timeout),
			anthropic.WithMaxTokens(cfg.MaxTokens),
			anthropic.WithAPIVersion(cfg.APIVersion),
		)
	case chat.VendorGoogle:
		cfg := f.config.Gemini
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: %s", chat.ErrMissingCredential, vendor)
		}
		p = gemini.New(cfg.APIKey, modelID,
			gemini.WithBaseURL(cfg.BaseURL),
			gemini.WithHTTPClient(f.httpClient),
			gemini.WithTimeout(cfg.Timeout),
			gemini.WithHistoryWindow(cfg.HistoryWindow),
		)
	default:
		return nil, fmt.Errorf("%w: vendor %q", chat.ErrUnknownModel, vendor)
	}
	return f.breakers.Wrap(p), nil
}

// CircuitStates reports breaker state per vendor for health checks.
func (f *Factory) CircuitStates() map[string]string {
	return f.breakers.States()
}
