package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"llmrelay/pkg/bus"
	"llmrelay/pkg/channel"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"
)

const maxMessageRunes = 4096

// Send delivers reply as a Telegram message threaded under the inbound
// message. Transient failures are retried once.
func (a *Adapter) Send(ctx context.Context, reply bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(reply.ChatID), 10, 64)
	if err != nil {
		return &channel.DeliveryError{Channel: channelName, ChatID: reply.ChatID, Permanent: true, Err: fmt.Errorf("invalid chat id: %w", err)}
	}

	params := tu.Message(tu.ID(chatID), truncateRunes(reply.Content, maxMessageRunes))
	if messageID, err := strconv.Atoi(strings.TrimSpace(reply.ReplyTo)); err == nil && messageID > 0 {
		params.ReplyParameters = &telego.ReplyParameters{
			MessageID:                messageID,
			AllowSendingWithoutReply: true,
		}
	}

	a.log.Info("Sending message", "chat_id", reply.ChatID, "content", previewText(params.Text))

	return channel.DeliverWithRetry(ctx, a.retryDelay, func(ctx context.Context) error {
		if _, err := a.bot.SendMessage(ctx, params); err != nil {
			deliveryErr := classifySendError(reply.ChatID, err)
			a.log.Warn("Failed to send telegram message", "chat_id", reply.ChatID, "permanent", deliveryErr.Permanent, "error", err)
			return deliveryErr
		}
		return nil
	})
}

// classifySendError marks Bot API rejections of the request itself as
// permanent. Rate limits, server errors and network failures stay transient.
func classifySendError(chatID string, err error) *channel.DeliveryError {
	deliveryErr := &channel.DeliveryError{Channel: channelName, ChatID: chatID, Err: err}

	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		deliveryErr.StatusCode = apiErr.ErrorCode
		switch apiErr.ErrorCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			deliveryErr.Permanent = true
		}
	}

	return deliveryErr
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}

	return string(runes[:limit])
}

// StartTyping sends a typing action in the background and refreshes it
// periodically until the returned func is called. Each action is bounded by
// typingCallTimeout so a stalled Bot API never holds up the caller.
func (a *Adapter) StartTyping(ctx context.Context, chatID string) func() {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return func() {}
	}

	typingCtx, cancel := context.WithCancel(ctx)

	sendTyping := func() {
		callCtx, callCancel := context.WithTimeout(typingCtx, typingCallTimeout)
		defer callCancel()

		if err := a.bot.SendChatAction(callCtx, tu.ChatAction(tu.ID(id), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
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
