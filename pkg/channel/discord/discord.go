package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"llmrelay/pkg/bus"
	"llmrelay/pkg/channel"
	"llmrelay/pkg/config"

	"github.com/bwmarrin/discordgo"
)

const (
	channelName = "discord"

	maxReplyRunes         = 1900
	truncationSuffix      = "\n\n...[truncated]"
	typingRefreshInterval = 8 * time.Second
	typingCallTimeout     = 5 * time.Second
	defaultRetryDelay     = time.Second

	askCommand    = "!ask"
	healthCommand = "!health"
	healthReply   = "Bot is running."
)

// Adapter relays Discord direct messages, bot mentions, and !ask commands.
type Adapter struct {
	cfg        config.DiscordConfig
	session    *discordgo.Session
	allowFrom  map[string]struct{}
	retryDelay time.Duration
	log        *slog.Logger
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithHTTPClient routes REST calls through client.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) { a.session.Client = client }
}

// WithRetryDelay sets the wait before the single delivery retry.
func WithRetryDelay(delay time.Duration) Option {
	return func(a *Adapter) { a.retryDelay = delay }
}

func NewAdapter(cfg config.DiscordConfig, log *slog.Logger, opts ...Option) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.discord.token is required")
	}
	if log == nil {
		log = slog.Default()
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("initialize discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	session.ShouldRetryOnRateLimit = false
	session.MaxRestRetries = 0

	adapter := &Adapter{
		cfg:        cfg,
		session:    session,
		allowFrom:  allowFromSet(cfg.AllowFrom),
		retryDelay: defaultRetryDelay,
		log:        log.With("component", "channel.discord"),
	}
	for _, opt := range opts {
		opt(adapter)
	}

	return adapter, nil
}

func (a *Adapter) Name() string {
	return channelName
}

// Run opens the gateway connection and relays messages until ctx is done.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	remove := a.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		a.onMessage(ctx, botUserID(s), m.Message, handler)
	})
	defer remove()

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	defer func() {
		if err := a.session.Close(); err != nil {
			a.log.Warn("Failed to close discord session", "error", err)
		}
	}()

	a.log.Info("Discord channel started", "bot_id", botUserID(a.session))
	<-ctx.Done()
	return nil
}

func (a *Adapter) onMessage(ctx context.Context, botID string, m *discordgo.Message, handler channel.Handler) {
	if m == nil || m.Author == nil || m.Author.Bot || m.Author.ID == botID {
		return
	}
	if !a.senderAllowed(m.Author.ID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", m.Author.ID)
		return
	}

	if strings.TrimSpace(m.Content) == healthCommand {
		if err := a.Send(ctx, bus.OutboundMessage{Channel: channelName, ChatID: m.ChannelID, ReplyTo: m.ID, Content: healthReply}); err != nil {
			a.log.Warn("Failed to answer health command", "error", err)
		}
		return
	}

	prompt, ok := promptFor(botID, m)
	if !ok {
		return
	}

	inbound := bus.InboundMessage{
		Channel:    channelName,
		UpdateID:   m.ID,
		SenderID:   m.Author.ID,
		ChatID:     m.ChannelID,
		MessageID:  m.ID,
		Content:    prompt,
		ReceivedAt: time.Now().UTC(),
		Metadata:   map[string]string{"username": m.Author.Username},
	}
	if m.GuildID != "" {
		inbound.Metadata["guild_id"] = m.GuildID
	}

	a.log.Info("Received message", "chat_id", inbound.ChatID, "sender_id", inbound.SenderID, "guild_id", m.GuildID)
	handler(ctx, inbound, a)
}

// promptFor extracts the prompt from a direct message, a message mentioning
// the bot, or an !ask command. Other guild chatter yields false.
func promptFor(botID string, m *discordgo.Message) (string, bool) {
	content := strings.TrimSpace(m.Content)

	if rest, ok := strings.CutPrefix(content, askCommand); ok && (rest == "" || rest[0] == ' ' || rest[0] == '\n') {
		prompt := strings.TrimSpace(rest)
		return prompt, prompt != ""
	}

	switch {
	case m.GuildID == "":
	case botID != "" && mentions(m.Mentions, botID):
		content = stripMention(content, botID)
	default:
		return "", false
	}

	return content, content != ""
}

func mentions(users []*discordgo.User, id string) bool {
	for _, user := range users {
		if user != nil && user.ID == id {
			return true
		}
	}
	return false
}

func stripMention(content, botID string) string {
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	return strings.TrimSpace(content)
}

func botUserID(s *discordgo.Session) string {
	if s == nil || s.State == nil || s.State.User == nil {
		return ""
	}
	return s.State.User.ID
}

func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

func allowFromSet(allowFrom []string) map[string]struct{} {
	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return nil
	}
	return allowed
}
