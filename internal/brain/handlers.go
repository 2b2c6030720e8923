package brain

import (
	"context"
	"strings"

	alfred "github.com/0xcha05/alfred"
)

// scheduledPrefix marks a turn prompt that came from the scheduler. The
// marker survives the chat queue, so a tick queued behind an operator turn
// is still rendered as a scheduled report when its turn comes.
const scheduledPrefix = "[SCHEDULED TASK: "

// Register subscribes the brain's handlers on the bus: operator messages,
// scheduler ticks, and everything daemons push up.
func (b *Brain) Register(bus *alfred.Bus) {
	bus.Subscribe("chat", "message", b.HandleChatMessage)
	bus.Subscribe("schedule", "tick", b.HandleScheduleTick)
	bus.SubscribeAll(b.handleDaemonEvent)
}

// HandleChatMessage claims the chat's turn for an operator message and
// processes it plus everything that queues up behind it.
func (b *Brain) HandleChatMessage(ctx context.Context, ev alfred.Event) {
	msg := incomingFromEvent(ev)
	if msg.ChatID == "" || strings.TrimSpace(msg.Text) == "" {
		return
	}
	if !b.queue.Begin(msg.ChatID, msg) {
		b.logger.Debug("turn in flight, message queued", "chat_id", msg.ChatID)
		return
	}
	b.process(ctx, msg)
}

// HandleScheduleTick turns a due task into a turn. Tick prompts share the
// chat queue with operator messages, so a tick never interleaves with a
// conversation already in progress.
func (b *Brain) HandleScheduleTick(ctx context.Context, ev alfred.Event) {
	chatID, _ := ev.Context["chat_id"].(string)
	if chatID == "" {
		b.logger.Warn("scheduled tick has no chat_id", "event_id", ev.ID)
		return
	}
	name, _ := ev.Payload["task_name"].(string)
	if name == "" {
		name = "Scheduled task"
	}
	action, _ := ev.Payload["action"].(string)

	msg := alfred.IncomingMessage{ChatID: chatID, Text: scheduledPrefix + name + "] " + action}
	if !b.queue.Begin(chatID, msg) {
		return
	}
	b.process(ctx, msg)
}

// handleDaemonEvent audits everything daemons push and pages the operator
// on high severity. Daemon traffic never reaches the model directly.
func (b *Brain) handleDaemonEvent(ctx context.Context, ev alfred.Event) {
	if !strings.HasPrefix(ev.Source, "daemon:") {
		return
	}
	b.audit.Record("daemon_event", ev.Source, ev.Type, ev.Payload)

	severity, _ := ev.Payload["severity"].(string)
	if !strings.EqualFold(severity, "high") && !strings.EqualFold(severity, "critical") {
		return
	}
	chatID, _ := ev.Context["chat_id"].(string)
	if chatID == "" {
		chatID = b.operatorChat
	}
	if chatID == "" {
		b.logger.Warn("high severity alert with nowhere to send it",
			"source", ev.Source, "type", ev.Type)
		return
	}

	message, _ := ev.Payload["message"].(string)
	if message == "" {
		message = ev.Type
	}
	daemon := strings.TrimPrefix(ev.Source, "daemon:")
	if _, err := b.frontend.Send(ctx, chatID, "🚨 *"+daemon+"*: "+ev.Type+"\n\n"+message); err != nil {
		b.logger.Error("alert notification failed", "chat_id", chatID, "error", err)
	}
}

// process runs the turn for msg and then keeps the chat's turn until the
// queue is empty, so queued messages run strictly in arrival order.
func (b *Brain) process(ctx context.Context, first alfred.IncomingMessage) {
	chatID := first.ChatID
	batch := []alfred.IncomingMessage{first}
	for len(batch) > 0 {
		for _, msg := range batch {
			if name, action, ok := scheduledTask(msg.Text); ok {
				b.scheduleTurn(ctx, chatID, name, action)
			} else {
				b.chatTurn(ctx, msg)
			}
		}
		batch = b.queue.Finish(chatID)
	}
}

// chatTurn answers one operator message.
func (b *Brain) chatTurn(ctx context.Context, msg alfred.IncomingMessage) {
	chatID := msg.ChatID
	if err := b.frontend.SendTyping(ctx, chatID); err != nil {
		b.logger.Debug("typing indicator failed", "chat_id", chatID, "error", err)
	}

	res := b.Turn(ctx, chatID, msg.Text, chatHistoryWindow)

	b.appendTranscript(chatID, "user", msg.Text, messageMeta(msg))
	for _, m := range res.Absorbed {
		b.appendTranscript(chatID, "user", m.Text, messageMeta(m))
	}

	if res.AskedUser {
		// The question was already sent by the tool; record it so the next
		// turn's history connects the answer back to it.
		b.appendTranscript(chatID, "assistant", res.Question, nil)
		return
	}

	reply := res.Response
	if reply == "" {
		if res.ToolsRun > 0 {
			reply = "Done."
		} else {
			reply = "I'm not sure how to help."
		}
	}
	b.appendTranscript(chatID, "assistant", reply, nil)

	if _, err := b.frontend.Send(ctx, chatID, reply); err != nil {
		b.logger.Error("reply send failed", "chat_id", chatID, "error", err)
	}
}

// scheduleTurn runs a scheduled task's action and reports to the task's
// chat. A silent result sends nothing; the transcript still records the run.
func (b *Brain) scheduleTurn(ctx context.Context, chatID, name, action string) {
	res := b.Turn(ctx, chatID, scheduledPrefix+name+"] "+action, scheduleHistoryWindow)

	b.appendTranscript(chatID, "system", "[Scheduled: "+name+"] "+action, map[string]any{"task": name})
	for _, m := range res.Absorbed {
		b.appendTranscript(chatID, "user", m.Text, messageMeta(m))
	}

	if res.AskedUser {
		b.appendTranscript(chatID, "assistant", res.Question, nil)
		return
	}
	if res.Response == "" {
		b.logger.Info("scheduled task finished silently", "task", name, "chat_id", chatID)
		return
	}
	b.appendTranscript(chatID, "assistant", res.Response, nil)

	if _, err := b.frontend.Send(ctx, chatID, "📅 *"+name+"*\n\n"+res.Response); err != nil {
		b.logger.Error("scheduled report send failed", "chat_id", chatID, "task", name, "error", err)
	}
}

func (b *Brain) appendTranscript(chatID, role, content string, meta map[string]any) {
	if strings.TrimSpace(content) == "" {
		return
	}
	if err := b.transcript.Append(chatID, role, content, meta); err != nil {
		b.logger.Warn("transcript append failed", "chat_id", chatID, "role", role, "error", err)
	}
}

// messageMeta keeps enough provenance on a transcript row to trace it back
// to the chat provider's message.
func messageMeta(msg alfred.IncomingMessage) map[string]any {
	meta := make(map[string]any, 2)
	if msg.ID != "" {
		meta["message_id"] = msg.ID
	}
	if msg.UserID != "" {
		meta["user_id"] = msg.UserID
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// scheduledTask recognizes a scheduler prompt and splits it back into task
// name and action.
func scheduledTask(text string) (name, action string, ok bool) {
	if !strings.HasPrefix(text, scheduledPrefix) {
		return "", "", false
	}
	rest := text[len(scheduledPrefix):]
	i := strings.Index(rest, "]")
	if i < 0 {
		return "", "", false
	}
	return rest[:i], strings.TrimSpace(rest[i+1:]), true
}

func incomingFromEvent(ev alfred.Event) alfred.IncomingMessage {
	msg := alfred.IncomingMessage{}
	if v, ok := ev.Context["chat_id"].(string); ok {
		msg.ChatID = v
	}
	if v, ok := ev.Context["user_id"].(string); ok {
		msg.UserID = v
	}
	if v, ok := ev.Context["message_id"].(string); ok {
		msg.ID = v
	}
	if v, ok := ev.Context["username"].(string); ok {
		msg.Username = v
	}
	if v, ok := ev.Payload["text"].(string); ok {
		msg.Text = v
	}
	return msg
}
