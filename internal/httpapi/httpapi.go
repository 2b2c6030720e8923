// Package httpapi serves the operator endpoints: fleet inspection, direct
// command execution, daemon-to-daemon file transfer, and the chat
// provider webhook. It is a thin JSON layer over the registry and the
// command mux; everything here is also reachable through chat.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	alfred "github.com/0xcha05/alfred"
	"github.com/0xcha05/alfred/internal/audit"
	"github.com/0xcha05/alfred/internal/patterns"
	"github.com/0xcha05/alfred/internal/registry"
	"github.com/0xcha05/alfred/internal/server"
	"github.com/0xcha05/alfred/internal/wire"
)

const (
	maxBodyBytes = 1 << 20

	// muxGrace is added to a command's own timeout so a slow daemon gets
	// to report its result before the mux gives up.
	muxGrace = 10 * time.Second
)

// Commander is the slice of the command mux this package needs.
type Commander interface {
	Send(ctx context.Context, daemonID, cmdType string, params map[string]any, timeout time.Duration) (map[string]any, error)
	Ping(ctx context.Context, daemonID string) (time.Duration, error)
	Info() server.ConnectionInfo
}

// API holds the operator endpoint handlers.
type API struct {
	registry *registry.Registry
	remote   Commander
	audit    *audit.Sink
	patterns *patterns.Store
	webhook  http.Handler
	logger   *slog.Logger
	version  string
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithAudit exposes the audit sink at /api/audit/recent.
func WithAudit(s *audit.Sink) Option {
	return func(a *API) { a.audit = s }
}

// WithPatterns exposes pattern suggestions at /api/patterns/suggestions.
func WithPatterns(p *patterns.Store) Option {
	return func(a *API) { a.patterns = p }
}

// WithWebhook mounts the chat provider webhook at /api/telegram/webhook.
func WithWebhook(h http.Handler) Option {
	return func(a *API) { a.webhook = h }
}

// WithVersion sets the version string reported by /health.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// New creates the API. Call Handler for the routable mux.
func New(reg *registry.Registry, remote Commander, opts ...Option) *API {
	a := &API{
		registry: reg,
		remote:   remote,
		logger:   alfred.NopLogger,
		version:  "dev",
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the operator mux. Literal routes win over the {id}
// captures, so /api/daemon/list never resolves as a daemon lookup.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /api/daemon/list", a.handleDaemonList)
	mux.HandleFunc("GET /api/daemon/soul", a.handleDaemonSoul)
	mux.HandleFunc("GET /api/daemon/connection-info", a.handleConnectionInfo)
	mux.HandleFunc("GET /api/daemon/by-name/{name}", a.handleDaemonByName)
	mux.HandleFunc("GET /api/daemon/{id}", a.handleDaemonGet)
	mux.HandleFunc("POST /api/daemon/{id}/execute", a.handleExecute)
	mux.HandleFunc("POST /api/daemon/{id}/ping", a.handlePing)
	mux.HandleFunc("POST /api/transfer", a.handleTransfer)
	mux.HandleFunc("GET /api/audit/recent", a.handleAuditRecent)
	mux.HandleFunc("GET /api/patterns/suggestions", a.handleSuggestions)
	if a.webhook != nil {
		mux.Handle("POST /api/telegram/webhook", a.webhook)
	}
	return mux
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": a.version})
}

func (a *API) handleDaemonList(w http.ResponseWriter, r *http.Request) {
	daemons := a.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{"daemons": daemons, "count": len(daemons)})
}

func (a *API) handleDaemonGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	handle, ok := a.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown daemon: "+id)
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

func (a *API) handleDaemonByName(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	handle, ok := a.registry.GetByName(name)
	if !ok {
		writeError(w, http.StatusNotFound, "no daemon named "+name)
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

func (a *API) handleDaemonSoul(w http.ResponseWriter, r *http.Request) {
	handle, ok := a.registry.GetSoul()
	if !ok {
		writeError(w, http.StatusNotFound, "no soul daemon connected")
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

func (a *API) handleConnectionInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.remote.Info())
}

type executeRequest struct {
	Command          string `json:"command"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	Timeout          int    `json:"timeout,omitempty"` // seconds
	UseSudo          bool   `json:"use_sudo,omitempty"`
}

func (a *API) handleExecute(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("id")
	handle, isLocal, err := a.registry.Resolve(target)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if isLocal {
		writeError(w, http.StatusBadRequest, "execute targets a daemon; prime runs commands only through chat")
		return
	}

	var req executeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	params := map[string]any{"command": req.Command}
	if req.WorkingDirectory != "" {
		params["working_directory"] = req.WorkingDirectory
	}
	if req.UseSudo {
		params["use_sudo"] = true
	}
	timeout := server.DefaultCommandTimeout
	if req.Timeout > 0 {
		params["timeout"] = req.Timeout
		timeout = time.Duration(req.Timeout) * time.Second
	}

	a.logger.Info("operator execute", "daemon", handle.Name, "command", req.Command)
	result, err := a.remote.Send(r.Context(), handle.DaemonID, wire.CmdShell, params, timeout+muxGrace)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handlePing(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	handle, ok := a.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown daemon: "+id)
		return
	}

	// healthy is heartbeat freshness; the live ping adds latency on top.
	resp := map[string]any{
		"daemon_id": handle.DaemonID,
		"name":      handle.Name,
		"last_seen": handle.LastSeen,
		"healthy":   handle.Healthy(),
	}
	if latency, err := a.remote.Ping(r.Context(), handle.DaemonID); err != nil {
		resp["error"] = err.Error()
	} else {
		resp["latency_ms"] = float64(latency.Microseconds()) / 1000.0
	}
	writeJSON(w, http.StatusOK, resp)
}

type transferRequest struct {
	SourceDaemon string `json:"source_daemon"`
	SourcePath   string `json:"source_path"`
	DestDaemon   string `json:"dest_daemon"`
	DestPath     string `json:"dest_path"`
}

// handleTransfer relays one file between daemons through prime: read_file
// on the source, write_file on the destination. Files above the frame
// limit do not fit this path.
func (a *API) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SourceDaemon == "" || req.SourcePath == "" || req.DestDaemon == "" || req.DestPath == "" {
		writeError(w, http.StatusBadRequest, "source_daemon, source_path, dest_daemon and dest_path are required")
		return
	}

	src, srcLocal, err := a.registry.Resolve(req.SourceDaemon)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	dst, dstLocal, err := a.registry.Resolve(req.DestDaemon)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if srcLocal || dstLocal {
		writeError(w, http.StatusBadRequest, "transfer runs daemon to daemon")
		return
	}

	read, err := a.remote.Send(r.Context(), src.DaemonID, wire.CmdReadFile, map[string]any{"path": req.SourcePath}, 0)
	if err != nil {
		writeError(w, statusFor(err), "read from "+src.Name+": "+err.Error())
		return
	}
	if ok, _ := read["success"].(bool); !ok {
		msg, _ := read["error"].(string)
		writeError(w, http.StatusBadGateway, "read from "+src.Name+": "+msg)
		return
	}
	content, _ := read["content"].(string)

	write, err := a.remote.Send(r.Context(), dst.DaemonID, wire.CmdWriteFile,
		map[string]any{"path": req.DestPath, "content": content}, 0)
	if err != nil {
		writeError(w, statusFor(err), "write to "+dst.Name+": "+err.Error())
		return
	}
	if ok, _ := write["success"].(bool); !ok {
		msg, _ := write["error"].(string)
		writeError(w, http.StatusBadGateway, "write to "+dst.Name+": "+msg)
		return
	}

	a.logger.Info("file transferred",
		"source", src.Name, "source_path", req.SourcePath,
		"dest", dst.Name, "dest_path", req.DestPath, "bytes", len(content))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"source_daemon": src.DaemonID,
		"dest_daemon":   dst.DaemonID,
		"bytes":         len(content),
	})
}

func (a *API) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	if a.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit sink not configured")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries := a.audit.Recent(limit)
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (a *API) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	if a.patterns == nil {
		writeError(w, http.StatusServiceUnavailable, "pattern store not configured")
		return
	}
	suggestions := a.patterns.Suggestions()
	if suggestions == nil {
		suggestions = []patterns.Suggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions, "count": len(suggestions)})
}

// statusFor maps mux errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, alfred.ErrDaemonNotConnected):
		return http.StatusNotFound
	case errors.Is(err, alfred.ErrCommandTimedOut):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.New("failed to read request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("invalid JSON: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
