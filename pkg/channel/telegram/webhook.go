package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"llmrelay/pkg/channel"

	"github.com/mymmrac/telego"
)

const (
	secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"
	maxWebhookBody    = 1 << 20
)

// WebhookHandler accepts Telegram update POSTs and runs one relay per usable
// message before acknowledging. The relay outlives a dropped connection.
func (a *Adapter) WebhookHandler(handler channel.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			respondJSON(w, http.StatusMethodNotAllowed, map[string]any{"ok": false, "error": "method not allowed"})
			return
		}
		if !a.secretMatches(r.Header.Get(secretTokenHeader)) {
			a.log.Warn("Rejected webhook with bad secret token", "remote_addr", r.RemoteAddr)
			respondJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
			return
		}

		var update telego.Update
		decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err := decoder.Decode(&update); err != nil {
			a.log.Warn("Rejected malformed webhook payload", "error", err)
			respondJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid update payload"})
			return
		}

		if inbound, ok := a.accept(update); ok {
			handler(context.WithoutCancel(r.Context()), inbound, a)
		}

		respondJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
}

func (a *Adapter) secretMatches(got string) bool {
	want := a.cfg.WebhookSecret
	if want == "" {
		return true
	}

	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
