// Command discoded is the discode bridge daemon. It connects local agent
// CLIs running in terminal windows to chat channels, one channel per agent
// instance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/discode-sh/discode/internal/config"
	"github.com/discode-sh/discode/internal/daemon"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	level, parseErr := zerolog.ParseLevel(os.Getenv("DISCODE_LOG_LEVEL"))
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv("DISCODE_LOG_FORMAT") == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	store, err := config.NewStore("")
	if err != nil {
		return err
	}
	cfg, err := store.Load()
	if err != nil {
		return err
	}

	// Whoever holds the hook server port is the daemon.
	if daemon.PortBusy(cfg.Port()) {
		return fmt.Errorf("port %d already in use, another daemon is running", cfg.Port())
	}

	app, err := daemon.NewApp(cfg)
	if err != nil {
		return err
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().
		Str("platform", cfg.Platform()).
		Str("runtime", cfg.Runtime()).
		Int("port", cfg.Port()).
		Msg("discoded starting")

	return app.Run(ctx)
}
