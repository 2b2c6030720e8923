// Package chatqueue serializes conversation turns. Each chat runs at most
// one turn at a time; messages arriving mid-turn queue up and are either
// absorbed into the running turn or carried into the next one.
package chatqueue

import (
	"log/slog"
	"sync"

	alfred "github.com/0xcha05/alfred"
)

// Queue tracks the active turn and pending messages per chat.
type Queue struct {
	mu     sync.Mutex
	chats  map[string]*chatState
	logger *slog.Logger
}

type chatState struct {
	active  bool
	pending []alfred.IncomingMessage
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		chats:  make(map[string]*chatState),
		logger: alfred.NopLogger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Begin claims the chat's turn for msg. It returns true when the caller now
// owns the turn and should process the message; false when another turn is
// running and the message was queued behind it.
func (q *Queue) Begin(chatID string, msg alfred.IncomingMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.chats[chatID]
	if st == nil {
		st = &chatState{}
		q.chats[chatID] = st
	}
	if st.active {
		st.pending = append(st.pending, msg)
		q.logger.Debug("message queued behind active turn",
			"chat_id", chatID, "pending", len(st.pending))
		return false
	}
	st.active = true
	return true
}

// Drain hands the turn owner everything that queued up since the turn
// started, in arrival order. Each message is returned exactly once.
func (q *Queue) Drain(chatID string) []alfred.IncomingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.chats[chatID]
	if st == nil || len(st.pending) == 0 {
		return nil
	}
	out := st.pending
	st.pending = nil
	return out
}

// Finish ends the chat's turn. If messages arrived too late to be absorbed,
// they are returned and the turn stays held so the caller rolls straight
// into processing them; a nil return means the turn was released.
func (q *Queue) Finish(chatID string) []alfred.IncomingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.chats[chatID]
	if st == nil {
		return nil
	}
	if len(st.pending) > 0 {
		out := st.pending
		st.pending = nil
		return out
	}
	delete(q.chats, chatID)
	return nil
}

// Active reports whether a turn is running for the chat.
func (q *Queue) Active(chatID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.chats[chatID]
	return st != nil && st.active
}

// Pending reports how many messages are queued behind the chat's turn.
func (q *Queue) Pending(chatID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.chats[chatID]
	if st == nil {
		return 0
	}
	return len(st.pending)
}
