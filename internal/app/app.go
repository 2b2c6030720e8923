// Package app assembles and runs the control plane. Construction order,
// bus subscriptions, listeners, and teardown live here; everything stateful
// lives in its own package and this one only wires.
package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	alfred "github.com/0xcha05/alfred"
	"github.com/0xcha05/alfred/frontend/telegram"
	"github.com/0xcha05/alfred/internal/audit"
	"github.com/0xcha05/alfred/internal/brain"
	"github.com/0xcha05/alfred/internal/chatqueue"
	"github.com/0xcha05/alfred/internal/config"
	"github.com/0xcha05/alfred/internal/httpapi"
	"github.com/0xcha05/alfred/internal/localexec"
	"github.com/0xcha05/alfred/internal/patterns"
	"github.com/0xcha05/alfred/internal/registry"
	"github.com/0xcha05/alfred/internal/scheduler"
	"github.com/0xcha05/alfred/internal/server"
	"github.com/0xcha05/alfred/internal/transcript"
	"github.com/0xcha05/alfred/internal/workspace"
	"github.com/0xcha05/alfred/tools/browser"
	chattool "github.com/0xcha05/alfred/tools/chat"
	"github.com/0xcha05/alfred/tools/machine"
	scheduletool "github.com/0xcha05/alfred/tools/schedule"
	"github.com/0xcha05/alfred/tools/web"
	workspacetool "github.com/0xcha05/alfred/tools/workspace"
)

// shutdownTimeout bounds the HTTP drain on exit.
const shutdownTimeout = 10 * time.Second

// Deps holds what main constructs itself: the model provider (wrapped with
// observability there, never here) and an optional tool wrapper applied to
// every tool as it is registered.
type Deps struct {
	Provider alfred.Provider
	WrapTool func(alfred.Tool) alfred.Tool
	Version  string
}

// App is the assembled control plane.
type App struct {
	cfg     config.Config
	version string

	bus         *alfred.Bus
	audit       *audit.Sink
	registry    *registry.Registry
	server      *server.Server
	transcripts *transcript.Store
	patterns    *patterns.Store
	workspaces  *workspace.Manager
	scheduler   *scheduler.Scheduler
	brain       *brain.Brain
	client      *telegram.Client
	poller      *telegram.Poller
	httpSrv     *http.Server
}

// New wires the application. Order matters: the audit sink exists before
// anything that records into it, the registry before the transport server,
// the stores before the brain, and the HTTP layer last since it only
// exposes the rest.
func New(cfg config.Config, deps Deps) (*App, error) {
	if deps.Provider == nil {
		return nil, fmt.Errorf("app: no model provider")
	}
	if cfg.Telegram.Token == "" {
		return nil, fmt.Errorf("app: TELEGRAM_BOT_TOKEN is not set")
	}
	if cfg.Fleet.RegistrationKey == "" {
		return nil, fmt.Errorf("app: DAEMON_REGISTRATION_KEY is not set")
	}
	if cfg.Telegram.Mode == "webhook" && cfg.Telegram.WebhookURL == "" {
		return nil, fmt.Errorf("app: webhook mode needs TELEGRAM_WEBHOOK_URL")
	}
	if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("app: state dir: %w", err)
	}

	a := &App{cfg: cfg, version: deps.Version}
	if a.version == "" {
		a.version = "dev"
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var err error
	if a.audit, err = audit.New(filepath.Join(cfg.State.Dir, "audit"), audit.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("app: audit sink: %w", err)
	}

	a.bus = alfred.NewBus(
		alfred.WithBusLogger(logger),
		alfred.WithDropHandler(func(ev alfred.Event) {
			a.audit.Record("bus", "bus", "event_dropped", map[string]any{
				"event_id": ev.ID, "source": ev.Source, "type": ev.Type,
			})
		}))

	a.registry = registry.New(cfg.Fleet.RegistrationKey, registry.WithLogger(logger))

	operatorChat := firstAllowedChat(cfg)
	serverOpts := []server.Option{
		server.WithLogger(logger),
		server.WithAuditor(a.audit),
		server.WithOperatorChat(operatorChat),
	}
	if cfg.Fleet.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.Fleet.TLSCertFile, cfg.Fleet.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("app: tls keypair: %w", err)
		}
		serverOpts = append(serverOpts, server.WithTLS(&tls.Config{Certificates: []tls.Certificate{cert}}))
	}
	a.server = server.New(a.registry, a.bus, serverOpts...)

	if a.transcripts, err = transcript.New(filepath.Join(cfg.State.Dir, "transcripts"), transcript.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("app: transcript store: %w", err)
	}
	if a.patterns, err = patterns.New(filepath.Join(cfg.State.Dir, "patterns.json"), patterns.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("app: pattern store: %w", err)
	}
	if a.workspaces, err = workspace.New(filepath.Join(cfg.State.Dir, "workspaces"), workspace.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("app: workspace manager: %w", err)
	}
	if a.scheduler, err = scheduler.New(filepath.Join(cfg.State.Dir, "scheduled_tasks.json"), a.bus); err != nil {
		return nil, fmt.Errorf("app: scheduler: %w", err)
	}

	a.client = telegram.NewClient(cfg.Telegram.Token, telegram.WithLogger(logger))
	a.poller = telegram.NewPoller(a.client, a.bus,
		telegram.AllowUsers(cfg.Telegram.AllowedUsers()...),
		telegram.WithStateDir(cfg.State.Dir),
		telegram.WithAuditor(a.audit))

	wrap := deps.WrapTool
	if wrap == nil {
		wrap = func(t alfred.Tool) alfred.Tool { return t }
	}
	tools := alfred.NewToolRegistry()
	tools.Add(wrap(machine.New(a.registry, a.server, localexec.New(localexec.WithLogger(logger)))))
	tools.Add(wrap(browser.New(a.registry, a.server)))
	tools.Add(wrap(scheduletool.New(a.scheduler)))
	tools.Add(wrap(web.New(cfg.Search.BraveAPIKey, web.WithLogger(logger))))
	tools.Add(wrap(chattool.New(a.client)))
	tools.Add(wrap(workspacetool.New(a.workspaces)))

	a.brain = brain.New(deps.Provider, tools, a.registry, a.transcripts, a.client,
		brain.WithLogger(logger),
		brain.WithQueue(chatqueue.New(chatqueue.WithLogger(logger))),
		brain.WithPatterns(a.patterns),
		brain.WithAuditor(a.audit),
		brain.WithOperatorChat(operatorChat))
	a.brain.Register(a.bus)

	apiOpts := []httpapi.Option{
		httpapi.WithLogger(logger),
		httpapi.WithAudit(a.audit),
		httpapi.WithPatterns(a.patterns),
		httpapi.WithVersion(a.version),
	}
	if cfg.Telegram.Mode == "webhook" {
		apiOpts = append(apiOpts, httpapi.WithWebhook(
			telegram.WebhookHandler(cfg.Telegram.WebhookSecret, a.poller)))
	}
	api := httpapi.New(a.registry, a.server, apiOpts...)

	a.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      api.Handler(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	return a, nil
}

// Run brings everything up, blocks until ctx ends or a listener dies, then
// tears down in reverse order. A context cancelled by a signal is a clean
// exit and returns nil.
func (a *App) Run(ctx context.Context) error {
	a.bus.Start(ctx)

	daemonAddr := fmt.Sprintf(":%d", a.cfg.Fleet.Port)
	if err := a.server.Start(ctx, daemonAddr); err != nil {
		return err
	}

	go a.scheduler.Run(ctx)

	errCh := make(chan error, 2)
	go func() {
		log.Printf(" [http] operator API on %s", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	switch a.cfg.Telegram.Mode {
	case "webhook":
		if err := a.client.SetWebhook(ctx, a.cfg.Telegram.WebhookURL, a.cfg.Telegram.WebhookSecret); err != nil {
			a.shutdown()
			return fmt.Errorf("set webhook: %w", err)
		}
		log.Printf(" [telegram] webhook mode, updates to %s", a.cfg.Telegram.WebhookURL)
	default:
		go func() {
			if err := a.poller.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("telegram poller: %w", err)
			}
		}()
	}

	log.Printf(" [prime] up: daemons on %s, version %s", daemonAddr, a.version)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	log.Println(" [prime] shutting down")
	a.shutdown()
	return runErr
}

// RunWithSignal wraps Run with OS signal handling for graceful shutdown.
func (a *App) RunWithSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

// shutdown drains the HTTP server, closes daemon connections, and stops the
// bus after it has dispatched what is already queued.
func (a *App) shutdown() {
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutCtx); err != nil {
		log.Printf(" [http] shutdown: %v", err)
	}
	a.server.Close()
	a.bus.Close()
	log.Println(" [prime] stopped")
}

// firstAllowedChat picks the operator's chat for alerts that arrive with no
// chat of their own. In a private Telegram chat the chat ID equals the user
// ID, so the first allow-listed user is the operator.
func firstAllowedChat(cfg config.Config) string {
	ids := cfg.Telegram.AllowedUsers()
	if len(ids) == 0 {
		return ""
	}
	return strconv.FormatInt(ids[0], 10)
}
