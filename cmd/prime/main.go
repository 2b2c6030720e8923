// Command prime runs the control plane: the Telegram brain, the daemon
// fleet listener, the scheduler, and the operator HTTP API.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	alfred "github.com/0xcha05/alfred"
	"github.com/0xcha05/alfred/internal/app"
	"github.com/0xcha05/alfred/internal/config"
	"github.com/0xcha05/alfred/observer"
	"github.com/0xcha05/alfred/provider/anthropic"
)

// version is stamped by the build (-ldflags "-X main.version=…").
var version = "dev"

func main() {
	_ = godotenv.Load(".env")

	// 1. Load config
	cfg := config.Load(os.Getenv("ALFRED_CONFIG"))

	// 2. Model provider, instrumented when the observer is enabled,
	// rate limited when the config caps it
	deps := app.Deps{
		Provider: anthropic.New(cfg.LLM.APIKey, cfg.LLM.Model),
		Version:  version,
	}
	if cfg.Observer.Enabled {
		inst, stop, err := observer.Init(context.Background(), observerPricing(cfg))
		if err != nil {
			log.Fatalf(" [prime] observer init: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := stop(ctx); err != nil {
				log.Printf(" [prime] observer shutdown: %v", err)
			}
		}()
		deps.Provider = observer.WrapProvider(deps.Provider, cfg.LLM.Model, inst)
		deps.WrapTool = func(t alfred.Tool) alfred.Tool { return observer.WrapTool(t, inst) }
	}
	if limits := rateLimits(cfg); len(limits) > 0 {
		deps.Provider = alfred.WithRateLimit(deps.Provider, limits...)
	}

	// 3. Assemble and run
	a, err := app.New(cfg, deps)
	if err != nil {
		log.Fatalf(" [prime] %v", err)
	}
	if err := a.RunWithSignal(); err != nil {
		log.Fatalf(" [prime] %v", err)
	}
}

// rateLimits translates the [llm] rpm/tpm caps into provider options.
func rateLimits(cfg config.Config) []alfred.RateLimitOption {
	var limits []alfred.RateLimitOption
	if cfg.LLM.RPM > 0 {
		limits = append(limits, alfred.RPM(cfg.LLM.RPM))
	}
	if cfg.LLM.TPM > 0 {
		limits = append(limits, alfred.TPM(cfg.LLM.TPM))
	}
	return limits
}

// observerPricing maps the [observer.pricing] table onto the observer's
// pricing type.
func observerPricing(cfg config.Config) map[string]observer.ModelPricing {
	if len(cfg.Observer.Pricing) == 0 {
		return nil
	}
	out := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
	for model, p := range cfg.Observer.Pricing {
		out[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
	}
	return out
}
