package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Telegram TelegramConfig `toml:"telegram"`
	LLM      LLMConfig      `toml:"llm"`
	Search   SearchConfig   `toml:"search"`
	HTTP     HTTPConfig     `toml:"http"`
	Fleet    FleetConfig    `toml:"fleet"`
	State    StateConfig    `toml:"state"`
	Observer ObserverConfig `toml:"observer"`
}

type TelegramConfig struct {
	Token          string `toml:"token"`
	Mode           string `toml:"mode"` // "polling" or "webhook"
	WebhookSecret  string `toml:"webhook_secret"`
	WebhookURL     string `toml:"webhook_url"`
	AllowedUserIDs string `toml:"allowed_user_ids"` // comma-separated
}

type LLMConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
	RPM    int    `toml:"rpm"` // 0 = unlimited
	TPM    int    `toml:"tpm"` // 0 = unlimited
}

type SearchConfig struct {
	BraveAPIKey string `toml:"brave_api_key"`
}

type HTTPConfig struct {
	Port int `toml:"port"`
}

// FleetConfig covers the daemon-facing listener on the prime side.
type FleetConfig struct {
	Port            int    `toml:"port"`
	RegistrationKey string `toml:"registration_key"`
	TLSCertFile     string `toml:"tls_cert_file"`
	TLSKeyFile      string `toml:"tls_key_file"`
}

type StateConfig struct {
	Dir string `toml:"dir"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// AllowedUsers parses the comma-separated allow list into user IDs.
// Blank entries and non-numbers are skipped.
func (t TelegramConfig) AllowedUsers() []int64 {
	var ids []int64
	for _, part := range strings.Split(t.AllowedUserIDs, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// TLSEnabled reports whether the fleet listener should serve TLS.
func (f FleetConfig) TLSEnabled() bool {
	return f.TLSCertFile != "" && f.TLSKeyFile != ""
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Telegram: TelegramConfig{Mode: "polling"},
		LLM:      LLMConfig{Model: "claude-sonnet-4-20250514"},
		HTTP:     HTTPConfig{Port: 8765},
		Fleet:    FleetConfig{Port: 50051},
		State:    StateConfig{Dir: "./state"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "alfred.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_MODE"); v != "" {
		cfg.Telegram.Mode = v
	}
	if v := os.Getenv("TELEGRAM_WEBHOOK_SECRET"); v != "" {
		cfg.Telegram.WebhookSecret = v
	}
	if v := os.Getenv("TELEGRAM_WEBHOOK_URL"); v != "" {
		cfg.Telegram.WebhookURL = v
	}
	if v := os.Getenv("TELEGRAM_ALLOWED_USER_IDS"); v != "" {
		cfg.Telegram.AllowedUserIDs = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("ANTHROPIC_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LLM.RPM = n
		}
	}
	if v := os.Getenv("ANTHROPIC_TPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LLM.TPM = n
		}
	}
	if v := os.Getenv("BRAVE_API_KEY"); v != "" {
		cfg.Search.BraveAPIKey = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = port
		}
	}
	if v := os.Getenv("DAEMON_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Fleet.Port = port
		}
	}
	if v := os.Getenv("DAEMON_REGISTRATION_KEY"); v != "" {
		cfg.Fleet.RegistrationKey = v
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		cfg.Fleet.TLSCertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		cfg.Fleet.TLSKeyFile = v
	}
	if v := os.Getenv("STATE_DIR"); v != "" {
		cfg.State.Dir = v
	}
	if os.Getenv("OBSERVER_ENABLED") == "true" || os.Getenv("OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

// Worker is the configuration for the daemon binary.
type Worker struct {
	PrimeAddr       string   `toml:"prime_addr"`
	Name            string   `toml:"name"`
	RegistrationKey string   `toml:"registration_key"`
	IsSoul          bool     `toml:"is_soul"`
	AlfredRoot      string   `toml:"alfred_root"`
	Capabilities    []string `toml:"capabilities"`
	UseTLS          bool     `toml:"use_tls"`
	TLSInsecure     bool     `toml:"tls_insecure"` // skip cert verification (self-signed primes)
}

// DefaultWorker returns a Worker config with defaults applied.
func DefaultWorker() Worker {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "daemon"
	}
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Worker{
		PrimeAddr:    "localhost:50051",
		Name:         hostname,
		Capabilities: []string{"shell", "files"},
		AlfredRoot:   home + "/alfred",
	}
}

// LoadWorker reads daemon config: defaults -> TOML file -> env vars (env wins).
func LoadWorker(path string) Worker {
	cfg := DefaultWorker()

	if path == "" {
		path = "daemon.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("PRIME_ADDR"); v != "" {
		cfg.PrimeAddr = v
	}
	if v := os.Getenv("DAEMON_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("DAEMON_REGISTRATION_KEY"); v != "" {
		cfg.RegistrationKey = v
	}
	if v := os.Getenv("DAEMON_IS_SOUL"); v == "true" || v == "1" {
		cfg.IsSoul = true
	}
	if v := os.Getenv("ALFRED_ROOT"); v != "" {
		cfg.AlfredRoot = v
	}
	if v := os.Getenv("DAEMON_CAPABILITIES"); v != "" {
		var caps []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				caps = append(caps, part)
			}
		}
		cfg.Capabilities = caps
	}
	if v := os.Getenv("DAEMON_USE_TLS"); v == "true" || v == "1" {
		cfg.UseTLS = true
	}
	if v := os.Getenv("DAEMON_TLS_INSECURE"); v == "true" || v == "1" {
		cfg.TLSInsecure = true
	}

	return cfg
}
