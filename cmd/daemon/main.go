// Command daemon runs on a worker machine. It dials out to Prime,
// registers, and executes whatever the control plane sends: shell
// commands, file operations, pings. It needs no inbound ports.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/0xcha05/alfred/internal/config"
	"github.com/0xcha05/alfred/internal/daemon"
)

func main() {
	_ = godotenv.Load(".env")

	cfg := config.LoadWorker(os.Getenv("ALFRED_DAEMON_CONFIG"))
	if cfg.RegistrationKey == "" {
		log.Fatal(" [daemon] DAEMON_REGISTRATION_KEY is not set")
	}

	var tlsCfg *tls.Config
	if cfg.UseTLS {
		tlsCfg = &tls.Config{InsecureSkipVerify: cfg.TLSInsecure}
	}

	client := daemon.New(daemon.Config{
		PrimeAddr:       cfg.PrimeAddr,
		Name:            cfg.Name,
		RegistrationKey: cfg.RegistrationKey,
		Capabilities:    cfg.Capabilities,
		IsSoul:          cfg.IsSoul,
		AlfredRoot:      cfg.AlfredRoot,
		TLS:             tlsCfg,
	}, daemon.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf(" [daemon] %s connecting to %s (tls=%v)", cfg.Name, cfg.PrimeAddr, cfg.UseTLS)
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf(" [daemon] %v", err)
	}
	log.Println(" [daemon] stopped")
}
