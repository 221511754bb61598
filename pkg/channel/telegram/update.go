package telegram

import (
	"strconv"
	"strings"
	"time"

	"llmrelay/pkg/bus"

	"github.com/mymmrac/telego"
)

// inboundFromUpdate picks the message, or failing that the edited message,
// out of an update. Updates without text or sent by bots yield false.
func inboundFromUpdate(update telego.Update) (bus.InboundMessage, bool) {
	message := update.Message
	edited := false
	if message == nil || strings.TrimSpace(message.Text) == "" {
		message = update.EditedMessage
		edited = true
	}
	if message == nil || strings.TrimSpace(message.Text) == "" {
		return bus.InboundMessage{}, false
	}
	if message.From != nil && message.From.IsBot {
		return bus.InboundMessage{}, false
	}

	inbound := bus.InboundMessage{
		Channel:    channelName,
		UpdateID:   strconv.Itoa(update.UpdateID),
		ChatID:     strconv.FormatInt(message.Chat.ID, 10),
		MessageID:  strconv.Itoa(message.MessageID),
		Content:    message.Text,
		ReceivedAt: time.Now().UTC(),
		Metadata: map[string]string{
			"chat_type": message.Chat.Type,
		},
	}
	if message.From != nil {
		inbound.SenderID = strconv.FormatInt(message.From.ID, 10)
		if message.From.Username != "" {
			inbound.Metadata["username"] = message.From.Username
		}
	}
	if edited {
		inbound.Metadata["edited"] = "true"
	}

	return inbound, true
}

// accept converts an update and applies the sender allow list.
func (a *Adapter) accept(update telego.Update) (bus.InboundMessage, bool) {
	inbound, ok := inboundFromUpdate(update)
	if !ok {
		a.log.Debug("Ignoring update without text message", "update_id", update.UpdateID)
		return bus.InboundMessage{}, false
	}
	if !a.senderAllowed(inbound.SenderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", inbound.SenderID)
		return bus.InboundMessage{}, false
	}

	a.log.Info("Received message", "chat_id", inbound.ChatID, "sender_id", inbound.SenderID, "update_id", inbound.UpdateID, "content", previewText(inbound.Content))
	return inbound, true
}
