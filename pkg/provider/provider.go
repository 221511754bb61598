package provider

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"llmrelay/pkg/config"
	provideranthropic "llmrelay/pkg/provider/anthropic"
	providerollama "llmrelay/pkg/provider/ollama"
	provideropenai "llmrelay/pkg/provider/openai"
	providertypes "llmrelay/pkg/provider/types"
)

// Client issues one completion request to exactly one vendor. Expected
// failures come back as a classified Result, never as a panic.
type Client interface {
	Complete(ctx context.Context, req providertypes.Request, timeout time.Duration) providertypes.Result
}

// HealthChecker is implemented by clients that can probe vendor reachability.
type HealthChecker interface {
	Health(ctx context.Context) error
}

var supported = []string{"anthropic", "ollama", "openai", "xai"}

// Supported lists the provider names New accepts.
func Supported() []string {
	return slices.Clone(supported)
}

// New resolves the configured vendor once at startup.
func New(cfg config.ProviderConfig) (Client, error) {
	providerID := cfg.Name
	if providerID == "" {
		providerID = "openai"
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", providerID, "model", cfg.ResolvedModel())

	switch providerID {
	case "openai", "xai":
		return provideropenai.New(providerID, cfg)
	case "anthropic":
		return provideranthropic.New(cfg)
	case "ollama":
		return providerollama.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}
