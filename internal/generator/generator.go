package generator

import (
	"context"
	"fmt"

	"github.com/codefionn/chatrelay/internal/config"
	"github.com/codefionn/chatrelay/internal/session"
)

// Chunk is the canonical form every upstream fragment is normalized
// into. Text carries visible output; Thinking carries the model's
// reasoning channel when the upstream exposes one. Downstream code
// never sees raw upstream payload shapes.
type Chunk struct {
	Text     string
	Thinking string
}

// Client streams completions from an upstream text generator. The
// callback is invoked once per normalized fragment, in arrival order;
// returning an error from it aborts the stream.
type Client interface {
	// ModelName returns the default model this client targets
	ModelName() string

	// Stream opens a streaming completion for the given history.
	// model overrides the default when non-empty.
	Stream(ctx context.Context, history []session.Message, model string, fn func(Chunk) error) error
}

// ConnectError marks a failure before any fragment was received, so
// callers can tell connect-phase failures from interrupted streams.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("upstream connect failed: %v", e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// New creates the generator client selected by the configuration
func New(cfg *config.Config) (Client, error) {
	switch cfg.UpstreamProvider {
	case config.ProviderOllama:
		return NewOllamaClient(cfg.UpstreamURL, cfg.Model, cfg.ConnectTimeout(), cfg.RequestTimeout()), nil
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg.UpstreamAPIKey, cfg.UpstreamURL, cfg.Model)
	case config.ProviderAnthropic:
		return NewAnthropicClient(cfg.UpstreamAPIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown upstream provider %q", cfg.UpstreamProvider)
	}
}
