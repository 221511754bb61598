package openai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"llmrelay/pkg/config"
	providertypes "llmrelay/pkg/provider/types"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Chat-completions compatible vendors served by this client.
var defaultBaseURLs = map[string]string{
	"openai": "https://api.openai.com/v1",
	"xai":    "https://api.x.ai/v1",
}

// Client talks to an OpenAI compatible chat completions endpoint.
type Client struct {
	client      osdk.Client
	vendor      string
	model       string
	maxTokens   int
	temperature float64
}

// New builds a client for vendor ("openai" or "xai"). The SDK's own retries
// are disabled; callers decide whether to retry a classified failure.
func New(vendor string, cfg config.ProviderConfig) (*Client, error) {
	vendor = strings.ToLower(strings.TrimSpace(vendor))
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		var ok bool
		baseURL, ok = defaultBaseURLs[vendor]
		if !ok {
			return nil, fmt.Errorf("no default base url for vendor %q", vendor)
		}
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required for provider %s", vendor)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}

	return &Client{
		client:      osdk.NewClient(opts...),
		vendor:      vendor,
		model:       cfg.ResolvedModel(),
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// Health lists models to confirm the endpoint and key are usable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, 10*time.Second)
	defer cancel()
	log := providerLogger(c.vendor).With("operation", "health")
	startedAt := time.Now()
	log.Debug("provider request started")

	if _, err := c.client.Models.List(ctx); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}

func (c *Client) Complete(ctx context.Context, req providertypes.Request, timeout time.Duration) providertypes.Result {
	attemptCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	log := providerLogger(c.vendor).With("operation", "complete", "relay_id", req.RelayID)
	startedAt := time.Now()

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := osdk.ChatCompletionNewParams{
		Model:    osdk.ChatModel(model),
		Messages: []osdk.ChatCompletionMessageParamUnion{osdk.UserMessage(req.Prompt)},
	}
	if maxTokens > 0 {
		params.MaxTokens = osdk.Int(int64(maxTokens))
	}
	if c.temperature > 0 {
		params.Temperature = osdk.Float(c.temperature)
	}
	log.Debug("provider request started", "model", model, "prompt_length", len(req.Prompt))

	var httpResp *http.Response
	completion, err := c.client.Chat.Completions.New(attemptCtx, params, option.WithResponseInto(&httpResp))
	if err != nil {
		failure := providertypes.FromError(ctx, httpResp, err)
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "kind", failure.Kind, "error", err)
		return providertypes.Fail(failure)
	}

	if completion == nil || len(completion.Choices) == 0 {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no choices")
		return providertypes.Fail(providertypes.InvalidResponse("completion returned no choices"))
	}

	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no output text")
		return providertypes.Fail(providertypes.InvalidResponse("completion returned no text"))
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	meta := providertypes.Metadata{Provider: c.vendor, Model: model}
	usage := providertypes.TokenUsage{
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
		TotalTokens:  completion.Usage.TotalTokens,
	}
	if !usage.IsZero() {
		meta.Usage = &usage
	}

	return providertypes.Success(text, meta)
}

func providerLogger(vendor string) *slog.Logger {
	return slog.Default().With("component", "provider."+vendor)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, timeout)
}
