package alfred

import "context"

type ctxKey int

const chatIDKey ctxKey = iota

// WithChatID tags ctx with the chat a turn belongs to. Tools that act on
// the originating conversation (scheduling, outbound messages) read it
// back with ChatIDFrom.
func WithChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, chatIDKey, chatID)
}

// ChatIDFrom returns the chat ID carried by ctx, or "" when the turn has
// no chat origin (scheduled runs without a stored chat, daemon events).
func ChatIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(chatIDKey).(string)
	return id
}
