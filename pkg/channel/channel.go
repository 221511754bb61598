package channel

import (
	"context"
	"net/http"

	"llmrelay/pkg/bus"
)

// Sender delivers one reply back to the chat platform.
type Sender interface {
	Send(ctx context.Context, reply bus.OutboundMessage) error
}

// TypingNotifier is implemented by senders that can show a typing indicator.
// The returned func stops the indicator.
type TypingNotifier interface {
	StartTyping(ctx context.Context, chatID string) func()
}

// Handler runs one relay for an inbound message, replying through sender.
type Handler func(ctx context.Context, msg bus.InboundMessage, sender Sender)

// Adapter bridges one external transport (for example Telegram) into the relay.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}

// WebhookAdapter is implemented by adapters that receive updates over HTTP.
type WebhookAdapter interface {
	Adapter
	WebhookPath() string
	WebhookHandler(Handler) http.Handler
}
