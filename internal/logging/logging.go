// Package logging provides the zerolog-based global logger used across
// the server and CLI.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string
	// Format is the output format: json or console.
	Format string
	// Output is the writer for log output. Defaults to os.Stderr.
	Output io.Writer
}

var (
	log zerolog.Logger
	mu  sync.RWMutex
)

func init() {
	initLogger(Config{Level: "info", Format: "console"})
}

// Init configures the global logger. Safe to call more than once;
// subsequent calls reconfigure.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	initLogger(cfg)
}

func initLogger(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	out := cfg.Output
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: time.Kitchen}
	}

	log = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Logger returns the configured global logger. The pointer is required:
// zerolog's level methods have pointer receivers.
func Logger() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return &log
}

// Trace starts a trace-level log event.
func Trace() *zerolog.Event { return Logger().Trace() }

// Debug starts a debug-level log event.
func Debug() *zerolog.Event { return Logger().Debug() }

// Info starts an info-level log event.
func Info() *zerolog.Event { return Logger().Info() }

// Warn starts a warn-level log event.
func Warn() *zerolog.Event { return Logger().Warn() }

// Error starts an error-level log event.
func Error() *zerolog.Event { return Logger().Error() }

// Fatal starts a fatal-level log event; the program exits after Msg.
func Fatal() *zerolog.Event { return Logger().Fatal() }
