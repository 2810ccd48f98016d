package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Failure kinds surfaced by every provider; callers match them with errors.Is.
var (
	ErrRateLimited     = errors.New("ai provider rate limited")
	ErrPaymentRequired = errors.New("ai provider payment required")
	ErrUpstream        = errors.New("ai provider failure")
	ErrNotConfigured   = errors.New("ai provider not configured")
)

const (
	ProviderOpenAICompat = "openai-compat"
	ProviderGemini       = "gemini"
	ProviderAnthropic    = "anthropic"
	ProviderOllama       = "ollama"
)

const (
	DefaultOpenAICompatBaseURL = "https://ai.gateway.lovable.dev/v1"
	DefaultOpenAICompatModel   = "google/gemini-2.5-flash"
	DefaultGeminiModel         = "gemini-2.5-flash"
	DefaultAnthropicModel      = "claude-sonnet-4-5"
	DefaultOllamaModel         = "llava"
)

// Request is one generation call. ImageURL is optional and may be a
// data URL or an http(s) URL.
type Request struct {
	System   string
	Prompt   string
	ImageURL string
}

// Generator produces a text reply for a (possibly multimodal) request.
// OpenAI-compatible gateways, Gemini, Anthropic and Ollama implement it.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// NewGenerator builds the configured provider. A missing credential for a
// provider that requires one yields ErrNotConfigured.
func NewGenerator(cfg Config) (Generator, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderOpenAICompat
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	model := strings.TrimSpace(cfg.Model)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	switch provider {
	case ProviderOpenAICompat:
		if apiKey == "" {
			return nil, fmt.Errorf("%w: openai-compat api key required", ErrNotConfigured)
		}
		baseURL := cfg.BaseURL
		if strings.TrimSpace(baseURL) == "" {
			baseURL = DefaultOpenAICompatBaseURL
		}
		if model == "" {
			model = DefaultOpenAICompatModel
		}
		g := NewOpenAICompatGenerator(baseURL, apiKey, model)
		g.httpClient.Timeout = timeout
		return g, nil
	case ProviderGemini:
		if apiKey == "" {
			return nil, fmt.Errorf("%w: gemini api key required", ErrNotConfigured)
		}
		if model == "" {
			model = DefaultGeminiModel
		}
		return NewGeminiGenerator(apiKey, model), nil
	case ProviderAnthropic:
		if apiKey == "" {
			return nil, fmt.Errorf("%w: anthropic api key required", ErrNotConfigured)
		}
		if model == "" {
			model = DefaultAnthropicModel
		}
		return NewAnthropicGenerator(apiKey, model, cfg.BaseURL), nil
	case ProviderOllama:
		if model == "" {
			model = DefaultOllamaModel
		}
		g := NewOllamaGenerator(cfg.BaseURL, model)
		g.httpClient.Timeout = timeout
		return g, nil
	default:
		return nil, fmt.Errorf("unsupported inference provider %q", cfg.Provider)
	}
}

// classifyStatus maps an upstream HTTP status to a failure kind.
func classifyStatus(provider string, status int, detail string) error {
	var kind error
	switch status {
	case http.StatusTooManyRequests:
		kind = ErrRateLimited
	case http.StatusPaymentRequired, http.StatusUnauthorized, http.StatusForbidden:
		kind = ErrPaymentRequired
	default:
		kind = ErrUpstream
	}
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return fmt.Errorf("%w: %s api error: status %d", kind, provider, status)
	}
	return fmt.Errorf("%w: %s api error: status %d: %s", kind, provider, status, detail)
}
