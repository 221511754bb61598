package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"llmrelay/pkg/config"
	providertypes "llmrelay/pkg/provider/types"

	"github.com/ollama/ollama/api"
)

const defaultHost = "http://127.0.0.1:11434"

// Client calls a local or remote Ollama server's chat endpoint.
type Client struct {
	client      *api.Client
	model       string
	maxTokens   int
	temperature float64
}

func New(cfg config.ProviderConfig) (*Client, error) {
	host := strings.TrimSpace(cfg.BaseURL)
	if host == "" {
		host = defaultHost
	}
	baseURL, err := parseHost(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host: %w", err)
	}

	return &Client{
		client:      api.NewClient(baseURL, &http.Client{Transport: statusTransport{base: http.DefaultTransport}}),
		model:       cfg.ResolvedModel(),
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// parseHost accepts host:port as well as full URLs.
func parseHost(host string) (*url.URL, error) {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}

	return url.Parse(host)
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Heartbeat(ctx); err != nil {
		providerLogger().Debug("provider request failed", "operation", "health", "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}

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

	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: []api.Message{{Role: "user", Content: req.Prompt}},
		Stream:   new(bool),
		Options:  map[string]any{},
	}
	if maxTokens > 0 {
		chatReq.Options["num_predict"] = maxTokens
	}
	if c.temperature > 0 {
		chatReq.Options["temperature"] = c.temperature
	}
	log.Debug("provider request started", "model", model, "prompt_length", len(req.Prompt))

	status := new(atomic.Int32)
	attemptCtx = context.WithValue(attemptCtx, statusKey{}, status)

	var chatResp api.ChatResponse
	err := c.client.Chat(attemptCtx, chatReq, func(resp api.ChatResponse) error {
		chatResp.Message.Content += resp.Message.Content
		chatResp.Done = resp.Done
		chatResp.Metrics = resp.Metrics
		return nil
	})
	if err != nil {
		failure := classify(ctx, int(status.Load()), err)
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "kind", failure.Kind, "error", err)
		return providertypes.Fail(failure)
	}

	text := strings.TrimSpace(chatResp.Message.Content)
	if text == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no output text")
		return providertypes.Fail(providertypes.InvalidResponse("chat returned no text"))
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	meta := providertypes.Metadata{Provider: "ollama", Model: model}
	usage := providertypes.TokenUsage{
		InputTokens:  int64(chatResp.PromptEvalCount),
		OutputTokens: int64(chatResp.EvalCount),
		TotalTokens:  int64(chatResp.PromptEvalCount + chatResp.EvalCount),
	}
	if !usage.IsZero() {
		meta.Usage = &usage
	}

	return providertypes.Success(text, meta)
}

// classify maps Ollama errors onto the shared taxonomy. status is the HTTP
// status of the chat response, 0 when none arrived.
func classify(ctx context.Context, status int, err error) *providertypes.Failure {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode > 0 {
		return providertypes.FromStatus(statusErr.StatusCode, nil, statusErr.Error())
	}

	switch {
	case status >= http.StatusBadRequest:
		// Error status with a body the client could not decode.
		return providertypes.FromStatus(status, nil, err.Error())
	case status >= http.StatusOK && status < http.StatusMultipleChoices && !transportFault(ctx, err):
		// Undecodable lines, oversized lines and error fields in a 2xx stream.
		return providertypes.InvalidResponse(fmt.Sprintf("status %d: %v", status, err))
	}

	return providertypes.FromError(ctx, nil, err)
}

// transportFault reports errors raised by the connection or the caller's
// context rather than by the response payload.
func transportFault(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

type statusKey struct{}

// statusTransport stores each response status in the *atomic.Int32 carried by
// the request context, since api.Client does not expose the response.
type statusTransport struct {
	base http.RoundTripper
}

func (t statusTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(r)
	if resp != nil {
		if status, ok := r.Context().Value(statusKey{}).(*atomic.Int32); ok {
			status.Store(int32(resp.StatusCode))
		}
	}

	return resp, err
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.ollama")
}
