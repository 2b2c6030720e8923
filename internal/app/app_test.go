package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	alfred "github.com/0xcha05/alfred"
	"github.com/0xcha05/alfred/internal/config"
)

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }
func (stubProvider) Chat(_ context.Context, _ alfred.ChatRequest) (alfred.ChatResponse, error) {
	return alfred.ChatResponse{}, nil
}
func (stubProvider) ChatWithTools(_ context.Context, _ alfred.ChatRequest, _ []alfred.ToolDefinition) (alfred.ChatResponse, error) {
	return alfred.ChatResponse{}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Telegram.Token = "12345:TEST"
	cfg.Telegram.AllowedUserIDs = "42,99"
	cfg.Fleet.RegistrationKey = "fleet-secret"
	cfg.State.Dir = t.TempDir()
	return cfg
}

func TestNewCreatesStateTree(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, Deps{Provider: stubProvider{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.version != "dev" {
		t.Errorf("version = %q, want dev default", a.version)
	}
	for _, sub := range []string{"audit", "transcripts", "workspaces"} {
		if _, err := os.Stat(filepath.Join(cfg.State.Dir, sub)); err != nil {
			t.Errorf("state subdir %s missing: %v", sub, err)
		}
	}
}

func TestNewValidation(t *testing.T) {
	base := testConfig(t)

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		deps    Deps
		wantErr string
	}{
		{
			name:    "missing provider",
			mutate:  func(*config.Config) {},
			deps:    Deps{},
			wantErr: "no model provider",
		},
		{
			name:    "missing token",
			mutate:  func(c *config.Config) { c.Telegram.Token = "" },
			deps:    Deps{Provider: stubProvider{}},
			wantErr: "TELEGRAM_BOT_TOKEN",
		},
		{
			name:    "missing registration key",
			mutate:  func(c *config.Config) { c.Fleet.RegistrationKey = "" },
			deps:    Deps{Provider: stubProvider{}},
			wantErr: "DAEMON_REGISTRATION_KEY",
		},
		{
			name: "webhook mode without url",
			mutate: func(c *config.Config) {
				c.Telegram.Mode = "webhook"
				c.Telegram.WebhookURL = ""
			},
			deps:    Deps{Provider: stubProvider{}},
			wantErr: "TELEGRAM_WEBHOOK_URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if _, err := New(cfg, tt.deps); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("New error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewRejectsBadTLSKeypair(t *testing.T) {
	cfg := testConfig(t)
	cfg.Fleet.TLSCertFile = filepath.Join(cfg.State.Dir, "cert.pem")
	cfg.Fleet.TLSKeyFile = filepath.Join(cfg.State.Dir, "key.pem")
	for _, p := range []string{cfg.Fleet.TLSCertFile, cfg.Fleet.TLSKeyFile} {
		if err := os.WriteFile(p, []byte("not a pem"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := New(cfg, Deps{Provider: stubProvider{}}); err == nil || !strings.Contains(err.Error(), "tls keypair") {
		t.Fatalf("New error = %v, want tls keypair failure", err)
	}
}

func TestFirstAllowedChat(t *testing.T) {
	cfg := testConfig(t)
	if got := firstAllowedChat(cfg); got != "42" {
		t.Errorf("firstAllowedChat = %q, want 42", got)
	}
	cfg.Telegram.AllowedUserIDs = ""
	if got := firstAllowedChat(cfg); got != "" {
		t.Errorf("firstAllowedChat with empty allow-list = %q, want empty", got)
	}
}
