package telegram

import (
	"context"
	"encoding/json"
	"net/http"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// UpdateHandler consumes screened Bot API updates. *Poller implements it.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, u Update)
}

// WebhookHandler serves Telegram webhook deliveries. A wrong secret gets
// 403. Malformed bodies are acknowledged and dropped so Telegram stops
// redelivering them. Updates are processed off the request goroutine;
// Telegram only needs the 200.
func WebhookHandler(secret string, h UpdateHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret != "" && r.Header.Get(secretHeader) != secret {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		var u Update
		if err := json.NewDecoder(r.Body).Decode(&u); err == nil {
			go h.HandleUpdate(context.WithoutCancel(r.Context()), u)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
}
