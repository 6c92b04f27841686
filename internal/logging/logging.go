// Package logging builds the zerolog loggers used by the binaries.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"scrutiny-go/internal/config"
)

// New creates a logger from cfg. Unknown levels fall back to info and an
// output file that cannot be opened falls back to stdout.
func New(cfg config.LoggingConfig) zerolog.Logger {
	return zerolog.New(writer(cfg)).Level(level(cfg.Level)).With().Timestamp().Logger()
}

// Global installs a logger built from cfg as the zerolog default and returns it.
func Global(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	l := New(cfg)
	log.Logger = l
	return l
}

func level(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func writer(cfg config.LoggingConfig) io.Writer {
	var w io.Writer
	switch cfg.Output {
	case "stdout", "":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			w = os.Stdout
		} else {
			w = f
		}
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	return w
}
