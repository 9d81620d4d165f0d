// Package logging configures the process-wide slog logger and hands out
// module-scoped children.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config selects level, handler format and output stream.
type Config struct {
	Level     string
	Format    string // text | json
	Output    string // stdout | stderr
	AddSource bool
}

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
)

// Init installs the default logger. Calling it again replaces the logger.
func Init(cfg Config) *slog.Logger {
	var out io.Writer = os.Stderr
	if strings.EqualFold(cfg.Output, "stdout") {
		out = os.Stdout
	}
	return InitWriter(cfg, out)
}

// InitWriter is Init with an explicit destination.
func InitWriter(cfg Config, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler.WithAttrs([]slog.Attr{
		slog.String("service", "bytesophos"),
	}))

	mu.Lock()
	defaultLogger = logger
	mu.Unlock()

	slog.SetDefault(logger)
	return logger
}

// Logger returns the default logger, initializing a stderr text logger on
// first use.
func Logger() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l != nil {
		return l
	}
	return Init(Config{Level: "info"})
}

// NewModuleLogger returns a child logger tagged with module and component.
func NewModuleLogger(module, component string) *slog.Logger {
	return Logger().With(
		slog.String("module", module),
		slog.String("component", component),
	)
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
