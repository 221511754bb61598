package bus

import "time"

// InboundMessage is one channel update reduced to the fields a relay needs.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	UpdateID   string            `json:"update_id,omitempty"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	MessageID  string            `json:"message_id,omitempty"`
	Content    string            `json:"content"`
	ReceivedAt time.Time         `json:"received_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is the single reply a relay hands to a channel sender.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	// ReplyTo is the platform message id being answered, when known.
	ReplyTo string `json:"reply_to,omitempty"`
	Content string `json:"content"`
}
