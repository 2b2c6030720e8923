package alfred

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event is the unit of traffic on the bus. Source and Type are free-form
// strings ("chat", "schedule", "daemon:macbook", ...); new emitters need no
// central registration.
type Event struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent fills in the ID and timestamp.
func NewEvent(source, eventType string, payload, evCtx map[string]any) Event {
	return Event{
		ID:        NewShortID(),
		Source:    source,
		Type:      eventType,
		Payload:   payload,
		Context:   evCtx,
		Timestamp: time.Now(),
	}
}

// EventHandler processes one event. Handlers run on their own goroutines;
// a panic or error in one never reaches the dispatch worker or siblings.
type EventHandler func(ctx context.Context, ev Event)

// Bus is an in-process pub/sub spine. Publish never blocks: the queue is
// bounded and overflow drops the oldest queued event, reported through the
// drop hook so it can be audited.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]EventHandler // key "source:type", either side may be "*"
	globals  []EventHandler

	queue  chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	onDrop func(Event)
	logger *slog.Logger

	startOnce sync.Once
	closeOnce sync.Once
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the structured logger for dispatch diagnostics.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// WithQueueSize sets the bounded queue length (default 256).
func WithQueueSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan Event, n)
		}
	}
}

// WithDropHandler is called with each event dropped on overflow.
func WithDropHandler(fn func(Event)) BusOption {
	return func(b *Bus) { b.onDrop = fn }
}

// NewBus creates a stopped bus; call Start to begin dispatching.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		handlers: make(map[string][]EventHandler),
		queue:    make(chan Event, 256),
		done:     make(chan struct{}),
		logger:   NopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for events matching source and eventType.
// Either side may be "*": "schedule"+"tick", "daemon:macbook"+"*", "*"+"message".
func (b *Bus) Subscribe(source, eventType string, h EventHandler) {
	key := source + ":" + eventType
	b.mu.Lock()
	b.handlers[key] = append(b.handlers[key], h)
	b.mu.Unlock()
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h EventHandler) {
	b.mu.Lock()
	b.globals = append(b.globals, h)
	b.mu.Unlock()
}

// Publish enqueues ev without blocking. On a full queue the oldest event is
// dropped to make room; losing stale events beats stalling an emitter.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = NewShortID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for {
		select {
		case b.queue <- ev:
			return
		default:
		}
		select {
		case old := <-b.queue:
			b.logger.Warn("event queue full, dropping oldest",
				"dropped_id", old.ID, "dropped_source", old.Source, "dropped_type", old.Type)
			if b.onDrop != nil {
				b.onDrop(old)
			}
		default:
			// Queue drained by the worker between our two selects; retry.
		}
	}
}

// Start launches the single dispatch worker. Handlers receive ctx.
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.run(ctx)
	})
}

// Close stops the worker after draining the queue.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
	})
}

func (b *Bus) run(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ctx, ev)
		case <-b.done:
			// Drain what's already queued, then stop.
			for {
				select {
				case ev := <-b.queue:
					b.dispatch(ctx, ev)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch fans the event out to every matching handler. Each handler runs
// on its own goroutine: a slow brain turn must not delay a heartbeat.
func (b *Bus) dispatch(ctx context.Context, ev Event) {
	b.mu.Lock()
	var matched []EventHandler
	for _, key := range []string{
		ev.Source + ":" + ev.Type,
		ev.Source + ":*",
		"*:" + ev.Type,
	} {
		matched = append(matched, b.handlers[key]...)
	}
	matched = append(matched, b.globals...)
	b.mu.Unlock()

	if len(matched) == 0 {
		b.logger.Debug("no handlers for event", "source", ev.Source, "type", ev.Type)
		return
	}
	for _, h := range matched {
		go b.safeHandle(ctx, h, ev)
	}
}

func (b *Bus) safeHandle(ctx context.Context, h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"source", ev.Source, "type", ev.Type, "panic", r)
		}
	}()
	h(ctx, ev)
}
