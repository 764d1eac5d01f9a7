package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger from config. It returns a plain
// zerolog.Logger so components take it by value and derive their own
// child loggers with With().
func NewLogger(cfg LoggingConfig) (zerolog.Logger, error) {
	out, err := openLogOutput(cfg.Output)
	if err != nil {
		return zerolog.Nop(), err
	}

	var w io.Writer = out
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		level, err = zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	lc := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.WithCaller {
		lc = lc.Caller()
	}
	return lc.Logger(), nil
}

func openLogOutput(target string) (io.Writer, error) {
	switch target {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	default:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return f, nil
	}
}
