// Package registry tracks the daemon fleet. It is pure bookkeeping: handles
// are data, connections live in the transport server, and the two meet only
// through daemon IDs. One mutex guards everything; nothing does I/O while
// holding it, and every read hands out copies.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	alfred "github.com/0xcha05/alfred"
	"github.com/0xcha05/alfred/internal/wire"
)

// Handle is the registry's view of one connected daemon. It carries no
// connection reference so handle snapshots can roam freely through prompts,
// tool schemas, and HTTP responses.
type Handle struct {
	DaemonID     string    `json:"daemon_id"`
	Name         string    `json:"name"`
	Hostname     string    `json:"hostname"`
	Capabilities []string  `json:"capabilities"`
	IsSoul       bool      `json:"is_soul_daemon"`
	RootPath     string    `json:"alfred_root,omitempty"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastSeen     time.Time `json:"last_seen"`

	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	ActiveTasks   int     `json:"active_tasks"`
}

// healthyWindow is how recently a daemon must have been seen to count as
// healthy for ping endpoints and the system prompt.
const healthyWindow = 2 * time.Minute

// Healthy reports whether the daemon heartbeated recently.
func (h Handle) Healthy() bool {
	return time.Since(h.LastSeen) < healthyWindow
}

// Registry is the authoritative list of connected daemons.
type Registry struct {
	mu              sync.Mutex
	registrationKey string
	hostname        string
	logger          *slog.Logger

	daemons map[string]*Handle // daemon_id → handle
	nextID  int
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithHostname overrides the local hostname used by Resolve.
func WithHostname(name string) Option {
	return func(r *Registry) { r.hostname = name }
}

// New creates a registry that accepts registrations bearing key.
func New(registrationKey string, opts ...Option) *Registry {
	r := &Registry{
		registrationKey: registrationKey,
		daemons:         make(map[string]*Handle),
		nextID:          1,
		logger:          alfred.NopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.hostname == "" {
		r.hostname, _ = os.Hostname()
	}
	return r
}

// Register admits a daemon. The wrong key is rejected with ErrInvalidKey.
// A name collision with a live daemon evicts the older handle: the daemon
// re-registering after a crash must win over its own stale connection.
// The evicted ID is returned so the caller can tear down that connection.
func (r *Registry) Register(reg wire.Registration, remoteAddr string) (Handle, string, error) {
	if reg.RegistrationKey != r.registrationKey {
		return Handle{}, "", alfred.ErrInvalidKey
	}
	if strings.TrimSpace(reg.Name) == "" {
		return Handle{}, "", fmt.Errorf("registration has no name")
	}

	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted string
	for id, h := range r.daemons {
		if strings.EqualFold(h.Name, reg.Name) {
			evicted = id
			delete(r.daemons, id)
			break
		}
	}

	h := &Handle{
		DaemonID:     fmt.Sprintf("daemon-%04d", r.nextID),
		Name:         reg.Name,
		Hostname:     reg.Hostname,
		Capabilities: append([]string(nil), reg.Capabilities...),
		IsSoul:       reg.IsSoulDaemon,
		RootPath:     reg.AlfredRoot,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		LastSeen:     now,
	}
	r.nextID++
	r.daemons[h.DaemonID] = h

	r.logger.Info("daemon registered",
		"daemon_id", h.DaemonID, "name", h.Name, "hostname", h.Hostname,
		"soul", h.IsSoul, "evicted", evicted)
	return *h, evicted, nil
}

// Unregister removes a daemon. It is safe to call twice.
func (r *Registry) Unregister(daemonID string) {
	r.mu.Lock()
	h, ok := r.daemons[daemonID]
	if ok {
		delete(r.daemons, daemonID)
	}
	r.mu.Unlock()
	if ok {
		r.logger.Info("daemon unregistered", "daemon_id", daemonID, "name", h.Name)
	}
}

// Get returns the handle for daemonID.
func (r *Registry) Get(daemonID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.daemons[daemonID]; ok {
		return *h, true
	}
	return Handle{}, false
}

// GetByName matches case-insensitively.
func (r *Registry) GetByName(name string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.daemons {
		if strings.EqualFold(h.Name, name) {
			return *h, true
		}
	}
	return Handle{}, false
}

// GetSoul returns the soul daemon, if one is connected.
func (r *Registry) GetSoul() (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.daemons {
		if h.IsSoul {
			return *h, true
		}
	}
	return Handle{}, false
}

// List returns all handles sorted by daemon ID.
func (r *Registry) List() []Handle {
	r.mu.Lock()
	out := make([]Handle, 0, len(r.daemons))
	for _, h := range r.daemons {
		out = append(out, *h)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DaemonID < out[j].DaemonID })
	return out
}

// Snapshot is List under a name that reads right at call sites that feed
// prompts and tool schemas.
func (r *Registry) Snapshot() []Handle { return r.List() }

// localAliases all resolve to the Prime host itself.
var localAliases = map[string]bool{
	"prime": true,
	"local": true,
	"self":  true,
	"this":  true,
}

// Resolve maps an operator-supplied machine name to a daemon handle or the
// local sentinel. Accepted forms: a literal daemon ID, a daemon name
// (case-insensitive), or a local alias (prime/local/self/this/hostname).
func (r *Registry) Resolve(nameOrID string) (Handle, bool, error) {
	trimmed := strings.TrimSpace(nameOrID)
	lower := strings.ToLower(trimmed)
	if localAliases[lower] || strings.EqualFold(trimmed, r.hostname) {
		return Handle{}, true, nil
	}
	if strings.HasPrefix(trimmed, "daemon-") {
		if h, ok := r.Get(trimmed); ok {
			return h, false, nil
		}
		return Handle{}, false, fmt.Errorf("daemon %q: %w (connected: %s)",
			trimmed, alfred.ErrDaemonNotConnected, r.connectedNames())
	}
	if h, ok := r.GetByName(trimmed); ok {
		return h, false, nil
	}
	return Handle{}, false, fmt.Errorf("machine %q: %w (connected: %s)",
		trimmed, alfred.ErrDaemonNotConnected, r.connectedNames())
}

// UpdateHeartbeat refreshes liveness and the resource gauges.
func (r *Registry) UpdateHeartbeat(daemonID string, hb wire.Heartbeat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.daemons[daemonID]
	if !ok {
		return
	}
	h.LastSeen = time.Now()
	h.CPUPercent = hb.CPUPercent
	h.MemoryPercent = hb.MemoryPercent
	h.DiskPercent = hb.DiskPercent
	h.ActiveTasks = hb.ActiveTasks
}

// Hostname returns the local hostname used for alias resolution.
func (r *Registry) Hostname() string { return r.hostname }

func (r *Registry) connectedNames() string {
	r.mu.Lock()
	names := make([]string, 0, len(r.daemons))
	for _, h := range r.daemons {
		names = append(names, h.Name)
	}
	r.mu.Unlock()
	if len(names) == 0 {
		return "none"
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
