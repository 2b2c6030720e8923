// Package alfred is a single-operator control plane: a personal assistant
// brain that drives a fleet of remote daemons from a chat surface.
//
// The operator talks to Prime through a chat frontend (Telegram). Inbound
// messages become events on a shared [Bus]; an LLM agent loop consumes them,
// calls tools from a data-driven catalog, and routes machine-bound tools to
// remote daemons over a persistent length-prefixed TCP connection. Scheduled
// tasks wake the same loop. All durable state is plain files on disk.
//
// # Core Interfaces
//
// The root package defines the contracts the rest of the module implements:
//
//   - [Provider] — LLM backend (chat, tool calling)
//   - [Frontend] — outbound chat surface (send, edit, files, confirmations)
//   - [Tool] — pluggable capability for LLM function calling
//   - [Bus] — pub/sub event spine connecting frontends, daemons, and schedules
//
// # Layout
//
// Providers: provider/anthropic. Frontends: frontend/telegram.
// Tools: tools/machine, tools/browser, tools/web, tools/schedule,
// tools/chat, tools/workspace.
//
// The control plane internals live under internal/: wire (frame codec),
// registry (daemon fleet), server (TCP listener + command multiplexer),
// brain (agent loop), chatqueue (per-chat serialization), scheduler,
// workspace, transcript, patterns, audit, localexec, httpapi, and app
// (the service container). cmd/prime and cmd/daemon are the two binaries.
package alfred
