package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"llmrelay/pkg/bus"
	"llmrelay/pkg/channel"
	"llmrelay/pkg/config"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
)

const testToken = "123456:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

type apiCall struct {
	Method string
	Body   map[string]any
}

// fakeBotAPI answers Bot API calls with scripted JSON bodies keyed by method.
type fakeBotAPI struct {
	mu        sync.Mutex
	calls     []apiCall
	responses map[string][]string
	delays    map[string]time.Duration
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := path.Base(r.URL.Path)
	body := map[string]any{}
	raw, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: method, Body: body})
	response := `{"ok":true,"result":true}`
	if queued := f.responses[method]; len(queued) > 0 {
		response = queued[0]
		if len(queued) > 1 {
			f.responses[method] = queued[1:]
		}
	}
	delay := f.delays[method]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, response)
}

func (f *fakeBotAPI) callsTo(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []apiCall
	for _, call := range f.calls {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

// waitForCalls polls until method has been called at least n times.
func (f *fakeBotAPI) waitForCalls(t *testing.T, method string, n int) []apiCall {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		calls := f.callsTo(method)
		if len(calls) >= n {
			return calls
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s calls = %d, want %d", method, len(calls), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

const sentMessage = `{"ok":true,"result":{"message_id":99,"date":1700000000,"chat":{"id":123,"type":"private"},"text":"ok"}}`

func newTestAdapter(t *testing.T, cfg config.TelegramConfig, api *fakeBotAPI) *Adapter {
	t.Helper()

	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	cfg.Token = testToken
	cfg.APIServer = server.URL
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhook"
	}

	adapter, err := NewAdapter(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithHTTPClient(server.Client()),
		WithRetryDelay(time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	return adapter
}

func TestNewAdapterRequiresToken(t *testing.T) {
	if _, err := NewAdapter(config.TelegramConfig{}, nil); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestAllowFromSet(t *testing.T) {
	allowed := allowFromSet([]string{" 123 ", "", "456", "123"})
	if len(allowed) != 2 {
		t.Fatalf("allowFromSet len = %d, want 2", len(allowed))
	}
	if _, ok := allowed["123"]; !ok {
		t.Fatal("allowFromSet missing 123")
	}
	if _, ok := allowed["456"]; !ok {
		t.Fatal("allowFromSet missing 456")
	}
}

func TestSenderAllowed(t *testing.T) {
	adapter := &Adapter{allowFrom: map[string]struct{}{"1": {}}}
	if !adapter.senderAllowed("1") {
		t.Fatal("expected sender 1 to be allowed")
	}
	if adapter.senderAllowed("2") {
		t.Fatal("expected sender 2 to be denied")
	}

	adapter.allowFrom = nil
	if !adapter.senderAllowed("any") {
		t.Fatal("expected sender to be allowed when allowlist empty")
	}
}

func TestPreviewText(t *testing.T) {
	short := " hello "
	if got := previewText(short); got != "hello" {
		t.Fatalf("previewText short = %q, want %q", got, "hello")
	}

	long := strings.Repeat("é", messagePreviewLimit+20)
	got := previewText(long)
	if n := len([]rune(got)); n != messagePreviewLimit+3 {
		t.Fatalf("previewText long runes = %d, want %d", n, messagePreviewLimit+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("previewText long = %q, want ellipsis suffix", got)
	}
}

func TestInboundFromUpdate(t *testing.T) {
	tests := []struct {
		name    string
		update  telego.Update
		ok      bool
		content string
		edited  bool
	}{
		{
			name: "message",
			update: telego.Update{UpdateID: 1, Message: &telego.Message{
				MessageID: 10, Text: "hello", Chat: telego.Chat{ID: 123, Type: "private"}, From: &telego.User{ID: 42},
			}},
			ok:      true,
			content: "hello",
		},
		{
			name: "edited message",
			update: telego.Update{UpdateID: 2, EditedMessage: &telego.Message{
				MessageID: 11, Text: "fixed", Chat: telego.Chat{ID: 123}, From: &telego.User{ID: 42},
			}},
			ok:      true,
			content: "fixed",
			edited:  true,
		},
		{
			name: "message without text",
			update: telego.Update{UpdateID: 3, Message: &telego.Message{
				MessageID: 12, Chat: telego.Chat{ID: 123}, From: &telego.User{ID: 42},
			}},
		},
		{
			name: "bot sender",
			update: telego.Update{UpdateID: 4, Message: &telego.Message{
				MessageID: 13, Text: "beep", Chat: telego.Chat{ID: 123}, From: &telego.User{ID: 7, IsBot: true},
			}},
		},
		{
			name:   "no message",
			update: telego.Update{UpdateID: 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := inboundFromUpdate(tt.update)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if got.Content != tt.content || got.ChatID != "123" || got.SenderID != "42" || got.Channel != "telegram" {
				t.Fatalf("inbound = %+v", got)
			}
			if got.UpdateID == "" || got.MessageID == "" {
				t.Fatalf("inbound ids missing: %+v", got)
			}
			if (got.Metadata["edited"] == "true") != tt.edited {
				t.Fatalf("edited metadata = %q, want %v", got.Metadata["edited"], tt.edited)
			}
		})
	}
}

func postUpdate(t *testing.T, handler http.Handler, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

type capturedRelay struct {
	mu   sync.Mutex
	msgs []bus.InboundMessage
}

func (c *capturedRelay) handle(_ context.Context, msg bus.InboundMessage, _ channel.Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func TestWebhookHandlerRelaysTextMessage(t *testing.T) {
	adapter := newTestAdapter(t, config.TelegramConfig{}, &fakeBotAPI{})
	relay := &capturedRelay{}

	rec := postUpdate(t, adapter.WebhookHandler(relay.handle),
		`{"update_id":1,"message":{"message_id":5,"date":1,"chat":{"id":123,"type":"private"},"from":{"id":42,"is_bot":false,"first_name":"A"},"text":"hello"}}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"ok":true}` {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if len(relay.msgs) != 1 || relay.msgs[0].Content != "hello" || relay.msgs[0].ChatID != "123" || relay.msgs[0].MessageID != "5" {
		t.Fatalf("relayed = %+v", relay.msgs)
	}
}

func TestWebhookHandlerRelayOutlivesCanceledRequest(t *testing.T) {
	api := &fakeBotAPI{responses: map[string][]string{"sendMessage": {sentMessage}}}
	adapter := newTestAdapter(t, config.TelegramConfig{}, api)

	var sendErr error
	handler := adapter.WebhookHandler(func(ctx context.Context, msg bus.InboundMessage, sender channel.Sender) {
		if ctx.Err() != nil {
			t.Errorf("relay context done: %v", ctx.Err())
		}
		sendErr = sender.Send(ctx, bus.OutboundMessage{ChatID: msg.ChatID, ReplyTo: msg.MessageID, Content: "late reply"})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(
		`{"update_id":1,"message":{"message_id":5,"date":1,"chat":{"id":123,"type":"private"},"from":{"id":42,"is_bot":false,"first_name":"A"},"text":"hello"}}`,
	)).WithContext(ctx)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if sendErr != nil {
		t.Fatalf("Send() error = %v", sendErr)
	}
	sent := api.callsTo("sendMessage")
	if len(sent) != 1 || sent[0].Body["text"] != "late reply" {
		t.Fatalf("sendMessage calls = %+v", sent)
	}
}

func TestWebhookHandlerAcknowledgesUnusableUpdates(t *testing.T) {
	adapter := newTestAdapter(t, config.TelegramConfig{AllowFrom: []string{"1"}}, &fakeBotAPI{})
	relay := &capturedRelay{}
	handler := adapter.WebhookHandler(relay.handle)

	for _, body := range []string{
		`{"update_id":1}`,
		`{"update_id":2,"message":{"message_id":5,"date":1,"chat":{"id":123,"type":"private"},"from":{"id":1,"is_bot":false,"first_name":"A"}}}`,
		`{"update_id":3,"message":{"message_id":6,"date":1,"chat":{"id":123,"type":"private"},"from":{"id":42,"is_bot":false,"first_name":"B"},"text":"not allowed"}}`,
	} {
		if rec := postUpdate(t, handler, body, nil); rec.Code != http.StatusOK {
			t.Fatalf("status = %d for %s, want 200", rec.Code, body)
		}
	}
	if len(relay.msgs) != 0 {
		t.Fatalf("relayed = %+v, want none", relay.msgs)
	}
}

func TestWebhookHandlerRejectsBadRequests(t *testing.T) {
	adapter := newTestAdapter(t, config.TelegramConfig{WebhookSecret: "s3cret"}, &fakeBotAPI{})
	relay := &capturedRelay{}
	handler := adapter.WebhookHandler(relay.handle)
	authorized := http.Header{secretTokenHeader: []string{"s3cret"}}

	if rec := postUpdate(t, handler, `{not json`, authorized); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed status = %d, want 400", rec.Code)
	}
	if rec := postUpdate(t, handler, `{"update_id":1}`, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing secret status = %d, want 401", rec.Code)
	}
	if rec := postUpdate(t, handler, `{"update_id":1}`, http.Header{secretTokenHeader: []string{"wrong"}}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret status = %d, want 401", rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d, want 405", rec.Code)
	}

	oversized := `{"update_id":1,"message":{"text":"` + strings.Repeat("a", maxWebhookBody) + `"}}`
	if rec := postUpdate(t, handler, oversized, authorized); rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized status = %d, want 400", rec.Code)
	}
	if len(relay.msgs) != 0 {
		t.Fatalf("relayed = %+v, want none", relay.msgs)
	}
}

func TestSendRepliesToInboundMessage(t *testing.T) {
	api := &fakeBotAPI{responses: map[string][]string{"sendMessage": {sentMessage}}}
	adapter := newTestAdapter(t, config.TelegramConfig{}, api)

	if err := adapter.Send(context.Background(), bus.OutboundMessage{Channel: "telegram", ChatID: "123", ReplyTo: "5", Content: "hi there"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	calls := api.callsTo("sendMessage")
	if len(calls) != 1 {
		t.Fatalf("sendMessage calls = %d, want 1", len(calls))
	}
	body := calls[0].Body
	if body["text"] != "hi there" || body["chat_id"] != float64(123) {
		t.Fatalf("sendMessage body = %v", body)
	}
	replyParams, ok := body["reply_parameters"].(map[string]any)
	if !ok || replyParams["message_id"] != float64(5) || replyParams["allow_sending_without_reply"] != true {
		t.Fatalf("reply_parameters = %v", body["reply_parameters"])
	}
}

func TestSendTruncatesLongReplies(t *testing.T) {
	api := &fakeBotAPI{responses: map[string][]string{"sendMessage": {sentMessage}}}
	adapter := newTestAdapter(t, config.TelegramConfig{}, api)

	if err := adapter.Send(context.Background(), bus.OutboundMessage{ChatID: "123", Content: strings.Repeat("ж", maxMessageRunes+10)}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	text, _ := api.callsTo("sendMessage")[0].Body["text"].(string)
	if n := len([]rune(text)); n != maxMessageRunes {
		t.Fatalf("sent runes = %d, want %d", n, maxMessageRunes)
	}
}

func TestSendRetriesTransientFailureOnce(t *testing.T) {
	api := &fakeBotAPI{responses: map[string][]string{"sendMessage": {
		`{"ok":false,"error_code":500,"description":"Internal Server Error"}`,
		sentMessage,
	}}}
	adapter := newTestAdapter(t, config.TelegramConfig{}, api)

	if err := adapter.Send(context.Background(), bus.OutboundMessage{ChatID: "123", Content: "hi"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if n := len(api.callsTo("sendMessage")); n != 2 {
		t.Fatalf("sendMessage calls = %d, want 2", n)
	}
}

func TestSendDoesNotRetryPermanentFailure(t *testing.T) {
	api := &fakeBotAPI{responses: map[string][]string{"sendMessage": {
		`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`,
	}}}
	adapter := newTestAdapter(t, config.TelegramConfig{}, api)

	err := adapter.Send(context.Background(), bus.OutboundMessage{ChatID: "123", Content: "hi"})
	if !channel.IsPermanentDelivery(err) {
		t.Fatalf("Send() error = %v, want permanent delivery error", err)
	}
	var deliveryErr *channel.DeliveryError
	if !errors.As(err, &deliveryErr) || deliveryErr.StatusCode != http.StatusForbidden {
		t.Fatalf("delivery error = %+v", deliveryErr)
	}
	if n := len(api.callsTo("sendMessage")); n != 1 {
		t.Fatalf("sendMessage calls = %d, want 1", n)
	}
}

func TestSendRejectsNonNumericChat(t *testing.T) {
	adapter := newTestAdapter(t, config.TelegramConfig{}, &fakeBotAPI{})

	if err := adapter.Send(context.Background(), bus.OutboundMessage{ChatID: "abc", Content: "hi"}); !channel.IsPermanentDelivery(err) {
		t.Fatalf("Send() error = %v, want permanent delivery error", err)
	}
}

func TestClassifySendError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{name: "bad request", err: &telegoapi.Error{ErrorCode: 400, Description: "Bad Request: chat not found"}, permanent: true},
		{name: "not found", err: &telegoapi.Error{ErrorCode: 404}, permanent: true},
		{name: "rate limited", err: &telegoapi.Error{ErrorCode: 429}},
		{name: "server error", err: &telegoapi.Error{ErrorCode: 502}},
		{name: "network", err: errors.New("connection reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifySendError("1", tt.err).Permanent; got != tt.permanent {
				t.Fatalf("permanent = %v, want %v", got, tt.permanent)
			}
		})
	}
}

func TestStartTypingSendsChatAction(t *testing.T) {
	api := &fakeBotAPI{}
	adapter := newTestAdapter(t, config.TelegramConfig{}, api)

	stop := adapter.StartTyping(context.Background(), "123")
	defer stop()

	calls := api.waitForCalls(t, "sendChatAction", 1)
	if calls[0].Body["action"] != "typing" || calls[0].Body["chat_id"] != float64(123) {
		t.Fatalf("sendChatAction calls = %+v", calls)
	}
}

func TestStartTypingDoesNotWaitForStalledAPI(t *testing.T) {
	api := &fakeBotAPI{delays: map[string]time.Duration{"sendChatAction": 3 * time.Second}}
	adapter := newTestAdapter(t, config.TelegramConfig{}, api)

	startedAt := time.Now()
	stop := adapter.StartTyping(context.WithoutCancel(context.Background()), "123")
	elapsed := time.Since(startedAt)
	defer stop()

	if elapsed > 500*time.Millisecond {
		t.Fatalf("StartTyping() blocked for %v", elapsed)
	}
	api.waitForCalls(t, "sendChatAction", 1)
}

func TestRegisterWebhookSendsSecret(t *testing.T) {
	api := &fakeBotAPI{}
	adapter := newTestAdapter(t, config.TelegramConfig{WebhookSecret: "s3cret"}, api)

	if err := adapter.RegisterWebhook(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty url")
	}
	if err := adapter.RegisterWebhook(context.Background(), "https://relay.example.com/webhook"); err != nil {
		t.Fatalf("RegisterWebhook() error = %v", err)
	}

	calls := api.callsTo("setWebhook")
	if len(calls) != 1 {
		t.Fatalf("setWebhook calls = %d, want 1", len(calls))
	}
	if calls[0].Body["url"] != "https://relay.example.com/webhook" || calls[0].Body["secret_token"] != "s3cret" {
		t.Fatalf("setWebhook body = %v", calls[0].Body)
	}

	if err := adapter.DeleteWebhook(context.Background()); err != nil {
		t.Fatalf("DeleteWebhook() error = %v", err)
	}
	if n := len(api.callsTo("deleteWebhook")); n != 1 {
		t.Fatalf("deleteWebhook calls = %d, want 1", n)
	}
}

func TestRegisterWebhookReportsRejection(t *testing.T) {
	api := &fakeBotAPI{responses: map[string][]string{"setWebhook": {`{"ok":false,"error_code":400,"description":"Bad Request: bad webhook"}`}}}
	adapter := newTestAdapter(t, config.TelegramConfig{}, api)

	if err := adapter.RegisterWebhook(context.Background(), "http://insecure"); err == nil {
		t.Fatal("expected error when Telegram rejects the webhook")
	}
}

func TestRunWebhookModeBlocksUntilCanceled(t *testing.T) {
	adapter := newTestAdapter(t, config.TelegramConfig{Mode: config.TelegramModeWebhook}, &fakeBotAPI{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- adapter.Run(ctx, func(context.Context, bus.InboundMessage, channel.Sender) {}) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
