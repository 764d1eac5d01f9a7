package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openstrato/openstrato/cmd/strato/commands"
	"github.com/openstrato/openstrato/pkg/telemetry"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupLogging()

	// Create context that cancels on interrupt signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Received interrupt signal, shutting down...")
		cancel()
	}()

	code := 0
	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		if ec, ok := commands.ExitCode(err); ok {
			// Status exit codes (plan has changes, apply was partial)
			// carry no error message of their own.
			code = ec
		} else {
			log.Error().Err(err).Msg("Command execution failed")
			code = 1
		}
	}
	cancel()
	os.Exit(code)
}

// setupLogging configures the process logger. LOG_LEVEL overrides the
// default info level.
func setupLogging() {
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		// Unparseable LOG_LEVEL; fall back to info rather than dying
		// before the CLI can print anything.
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		logger.Warn().Err(err).Msg("Invalid LOG_LEVEL, using info")
	}
	log.Logger = logger
}
