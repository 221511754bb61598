package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"llmrelay/pkg/channel"
	"llmrelay/pkg/config"

	"github.com/mymmrac/telego"
	"golang.org/x/sync/errgroup"
)

const channelName = "telegram"
const messagePreviewLimit = 240
const (
	typingRefreshInterval = 4 * time.Second
	typingCallTimeout     = 3 * time.Second
)

const (
	defaultMaxConcurrent = 8
	defaultRetryDelay    = time.Second
)

// Adapter bridges Telegram updates into relays and sends replies back through
// the Bot API. It receives updates over a webhook or by long polling.
type Adapter struct {
	cfg           config.TelegramConfig
	bot           *telego.Bot
	allowFrom     map[string]struct{}
	maxConcurrent int
	retryDelay    time.Duration
	log           *slog.Logger
}

// Option customizes an Adapter.
type Option func(*adapterOptions)

type adapterOptions struct {
	httpClient    *http.Client
	maxConcurrent int
	retryDelay    time.Duration
}

// WithHTTPClient routes Bot API calls through client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *adapterOptions) { o.httpClient = client }
}

// WithMaxConcurrent caps the relays running at once in polling mode.
func WithMaxConcurrent(n int) Option {
	return func(o *adapterOptions) { o.maxConcurrent = n }
}

// WithRetryDelay sets the wait before the single delivery retry.
func WithRetryDelay(delay time.Duration) Option {
	return func(o *adapterOptions) { o.retryDelay = delay }
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger, opts ...Option) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	options := adapterOptions{maxConcurrent: defaultMaxConcurrent, retryDelay: defaultRetryDelay}
	for _, opt := range opts {
		opt(&options)
	}

	var botOpts []telego.BotOption
	if server := strings.TrimRight(strings.TrimSpace(cfg.APIServer), "/"); server != "" {
		botOpts = append(botOpts, telego.WithAPIServer(server))
	}
	switch {
	case options.httpClient != nil:
		botOpts = append(botOpts, telego.WithHTTPClient(options.httpClient))
	case strings.TrimSpace(cfg.Proxy) != "":
		proxyURL, err := url.Parse(strings.TrimSpace(cfg.Proxy))
		if err != nil {
			return nil, fmt.Errorf("invalid telegram proxy %q: %w", cfg.Proxy, err)
		}
		botOpts = append(botOpts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(token, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return &Adapter{
		cfg:           cfg,
		bot:           bot,
		allowFrom:     allowFromSet(cfg.AllowFrom),
		maxConcurrent: max(options.maxConcurrent, 1),
		retryDelay:    options.retryDelay,
		log:           log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in bus metadata and logs.
func (a *Adapter) Name() string {
	return channelName
}

// WebhookPath is the gateway route Telegram posts updates to. It is empty in
// polling mode.
func (a *Adapter) WebhookPath() string {
	if a.cfg.Mode == config.TelegramModePolling {
		return ""
	}
	return a.cfg.WebhookPath
}

// Run blocks until ctx is done. In polling mode it pulls updates with
// getUpdates and relays each one on a bounded worker group; in webhook mode
// updates arrive through WebhookHandler instead.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	if a.cfg.Mode != config.TelegramModePolling {
		a.log.Info("Telegram channel started", "mode", config.TelegramModeWebhook, "path", a.cfg.WebhookPath)
		<-ctx.Done()
		return nil
	}

	updates, err := a.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started", "mode", config.TelegramModePolling, "max_concurrent", a.maxConcurrent)

	var group errgroup.Group
	group.SetLimit(a.maxConcurrent)
	defer func() {
		_ = group.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			inbound, ok := a.accept(update)
			if !ok {
				continue
			}
			group.Go(func() error {
				handler(ctx, inbound, a)
				return nil
			})
		}
	}
}

// RegisterWebhook points Telegram at webhookURL, attaching the configured
// secret token.
func (a *Adapter) RegisterWebhook(ctx context.Context, webhookURL string) error {
	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL == "" {
		return errors.New("webhook url is required")
	}

	err := a.bot.SetWebhook(ctx, &telego.SetWebhookParams{
		URL:         webhookURL,
		SecretToken: a.cfg.WebhookSecret,
	})
	if err != nil {
		return fmt.Errorf("set telegram webhook: %w", err)
	}

	a.log.Info("Webhook registered", "url", webhookURL)
	return nil
}

// DeleteWebhook removes the registered webhook so long polling can be used.
func (a *Adapter) DeleteWebhook(ctx context.Context) error {
	if err := a.bot.DeleteWebhook(ctx, &telego.DeleteWebhookParams{}); err != nil {
		return fmt.Errorf("delete telegram webhook: %w", err)
	}

	a.log.Info("Webhook deleted")
	return nil
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return string([]rune(trimmed)[:messagePreviewLimit]) + "..."
}
