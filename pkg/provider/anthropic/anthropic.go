package anthropic

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"llmrelay/pkg/config"
	providertypes "llmrelay/pkg/provider/types"

	asdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 1000

// Client calls the Anthropic messages API.
type Client struct {
	client      asdk.Client
	model       string
	maxTokens   int
	temperature float64
}

func New(cfg config.ProviderConfig) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required for provider anthropic")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Client{
		client:      asdk.NewClient(opts...),
		model:       cfg.ResolvedModel(),
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// Health lists one model page to confirm the key is accepted.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	log := providerLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("provider request started")

	if _, err := c.client.Models.List(ctx, asdk.ModelListParams{Limit: asdk.Int(1)}); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}

func (c *Client) Complete(ctx context.Context, req providertypes.Request, timeout time.Duration) providertypes.Result {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	log := providerLogger().With("operation", "complete", "relay_id", req.RelayID)
	startedAt := time.Now()

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := asdk.MessageNewParams{
		Model:     asdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  []asdk.MessageParam{asdk.NewUserMessage(asdk.NewTextBlock(req.Prompt))},
	}
	if c.temperature > 0 {
		params.Temperature = asdk.Float(c.temperature)
	}
	log.Debug("provider request started", "model", model, "prompt_length", len(req.Prompt))

	var httpResp *http.Response
	message, err := c.client.Messages.New(attemptCtx, params, option.WithResponseInto(&httpResp))
	if err != nil {
		failure := providertypes.FromError(ctx, httpResp, err)
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "kind", failure.Kind, "error", err)
		return providertypes.Fail(failure)
	}

	text := strings.TrimSpace(textContent(message))
	if text == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no text blocks")
		return providertypes.Fail(providertypes.InvalidResponse("message contained no text blocks"))
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text), "stop_reason", message.StopReason)

	meta := providertypes.Metadata{Provider: "anthropic", Model: model}
	usage := providertypes.TokenUsage{
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
		TotalTokens:  message.Usage.InputTokens + message.Usage.OutputTokens,
	}
	if !usage.IsZero() {
		meta.Usage = &usage
	}

	return providertypes.Success(text, meta)
}

// textContent joins the text blocks of a response in order.
func textContent(message *asdk.Message) string {
	if message == nil {
		return ""
	}

	var b strings.Builder
	for _, block := range message.Content {
		if block.Type != "text" {
			continue
		}
		b.WriteString(block.Text)
	}

	return b.String()
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.anthropic")
}
