// Command server boots the authorization and credit core and keeps it
// running until terminated. The core itself has no HTTP surface — the
// host process embedding it owns routing, CORS, and request-id
// plumbing — so this entrypoint does the minimum a host needs to do:
// construct the core once, hold it open, and shut it down cleanly.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ocx/authcore/internal/bootstrap"
	"github.com/ocx/authcore/internal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("OCX_CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("server: config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("server: bootstrap failed", "error", err)
		os.Exit(1)
	}

	logger.Info("authcore ready", "env", cfg.Env)

	<-ctx.Done()
	logger.Info("server: shutting down")
	core.Shutdown()
}
