// Package oracle answers player questions through the configured AI provider.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/park285/blackstories-bot/internal/domain"
)

var (
	ErrNoActiveProvider    = errors.New("no active ai provider configured")
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrProviderRejected    = errors.New("ai provider rejected request")
)

// RejectedError is a request the provider refused. Model is set when the
// refusal names a missing model.
type RejectedError struct {
	Provider domain.AIProvider
	Model    string
	Status   int
}

func (e *RejectedError) Error() string {
	switch {
	case e.Model != "":
		return fmt.Sprintf("%s: model %q not found", e.Provider, e.Model)
	case e.Status != 0:
		return fmt.Sprintf("%s rejected request: status=%d", e.Provider, e.Status)
	default:
		return fmt.Sprintf("unknown ai provider %q", e.Provider)
	}
}

func (e *RejectedError) Unwrap() error { return ErrProviderRejected }

// ConfigStore yields the active provider configuration, nil when none.
type ConfigStore interface {
	ActiveAIConfig(ctx context.Context) (*domain.AIConfig, error)
}

const (
	defaultOpenAIBase  = "https://api.openai.com/v1"
	defaultOpenAIModel = "gpt-4o"
	openAITemperature  = 0.7

	defaultOllamaBase  = "http://localhost:11434"
	defaultOllamaModel = "llama3"

	// EmptyReply stands in for a completion without content.
	EmptyReply = "Sem resposta da IA."
)

type Oracle struct {
	store ConfigStore
	http  *fasthttp.Client

	openAIBase string
}

type Option func(*Oracle)

// WithHTTPClient replaces the fasthttp client used for provider calls.
func WithHTTPClient(c *fasthttp.Client) Option {
	return func(o *Oracle) { o.http = c }
}

// WithOpenAIBase points the hosted provider at another endpoint, used when the
// config row leaves BaseURL empty.
func WithOpenAIBase(base string) Option {
	return func(o *Oracle) { o.openAIBase = base }
}

func New(store ConfigStore, opts ...Option) *Oracle {
	o := &Oracle{
		store:      store,
		http:       &fasthttp.Client{MaxConnsPerHost: 16},
		openAIBase: defaultOpenAIBase,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Active returns the current configuration. It is read on every call.
func (o *Oracle) Active(ctx context.Context) (*domain.AIConfig, error) {
	cfg, err := o.store.ActiveAIConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ai config: %w", err)
	}
	if cfg == nil {
		return nil, ErrNoActiveProvider
	}
	return cfg, nil
}

// Generate reads the active configuration and asks its provider.
func (o *Oracle) Generate(ctx context.Context, system, user string) (string, error) {
	cfg, err := o.Active(ctx)
	if err != nil {
		return "", err
	}
	return o.GenerateWith(ctx, cfg, system, user)
}

func (o *Oracle) GenerateWith(ctx context.Context, cfg *domain.AIConfig, system, user string) (string, error) {
	if cfg == nil {
		return "", ErrNoActiveProvider
	}
	msgs := []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
	switch cfg.Provider {
	case domain.ProviderChatGPT:
		return o.openAI(ctx, cfg, msgs)
	case domain.ProviderOllama:
		return o.ollama(ctx, cfg, msgs)
	default:
		return "", &RejectedError{Provider: cfg.Provider}
	}
}

func baseOr(base, fallback string) string {
	b := strings.TrimSpace(base)
	if b == "" {
		b = fallback
	}
	return strings.TrimRight(b, "/")
}

func modelOr(model, fallback string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return fallback
}
