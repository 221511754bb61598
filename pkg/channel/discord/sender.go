package discord

import (
	"context"
	"errors"
	"net/http"
	"time"

	"llmrelay/pkg/bus"
	"llmrelay/pkg/channel"

	"github.com/bwmarrin/discordgo"
)

// Send posts reply to the channel, threaded under the inbound message when
// ReplyTo is set. Transient failures are retried once.
func (a *Adapter) Send(ctx context.Context, reply bus.OutboundMessage) error {
	if reply.ChatID == "" {
		return &channel.DeliveryError{Channel: channelName, Permanent: true, Err: errors.New("missing channel id")}
	}
	content := truncateReply(reply.Content)

	return channel.DeliverWithRetry(ctx, a.retryDelay, func(ctx context.Context) error {
		var err error
		if reply.ReplyTo != "" {
			ref := &discordgo.MessageReference{MessageID: reply.ReplyTo, ChannelID: reply.ChatID}
			_, err = a.session.ChannelMessageSendReply(reply.ChatID, content, ref, discordgo.WithContext(ctx))
		} else {
			_, err = a.session.ChannelMessageSend(reply.ChatID, content, discordgo.WithContext(ctx))
		}
		if err != nil {
			deliveryErr := classifySendError(reply.ChatID, err)
			a.log.Warn("Failed to send discord message", "chat_id", reply.ChatID, "permanent", deliveryErr.Permanent, "error", err)
			return deliveryErr
		}
		return nil
	})
}

func classifySendError(chatID string, err error) *channel.DeliveryError {
	deliveryErr := &channel.DeliveryError{Channel: channelName, ChatID: chatID, Err: err}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		deliveryErr.StatusCode = restErr.Response.StatusCode
		switch restErr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			deliveryErr.Permanent = true
		}
	}

	return deliveryErr
}

// truncateReply keeps replies under the message length limit, marking cut text.
func truncateReply(text string) string {
	runes := []rune(text)
	if len(runes) <= maxReplyRunes {
		return text
	}

	return string(runes[:maxReplyRunes]) + truncationSuffix
}

// StartTyping shows the typing indicator until the returned func is called.
// Indicator calls run in the background, each bounded by typingCallTimeout.
func (a *Adapter) StartTyping(ctx context.Context, chatID string) func() {
	typingCtx, cancel := context.WithCancel(ctx)

	sendTyping := func() {
		callCtx, callCancel := context.WithTimeout(typingCtx, typingCallTimeout)
		defer callCancel()

		if err := a.session.ChannelTyping(chatID, discordgo.WithContext(callCtx)); err != nil && typingCtx.Err() == nil {
			a.log.Debug("Failed to send typing indicator", "chat_id", chatID, "error", err)
		}
	}

	go func() {
		sendTyping()

		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()

	return cancel
}
