package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sawpanic/liqradar/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup configures the global zerolog logger. The returned closer flushes
// the rotating log file, if one is configured.
func Setup(cfg config.LoggingConfig) (io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	console := consoleWriter(cfg.Format, os.Stderr)

	var closer io.Closer = nopCloser{}
	out := console
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		closer = rotator
		// File output is always JSON.
		out = zerolog.MultiLevelWriter(console, rotator)
	}

	zlog.Logger = zerolog.New(out).With().Timestamp().Logger()
	return closer, nil
}

// ParseLevel maps a config level name to a zerolog level.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

func consoleWriter(format string, f *os.File) io.Writer {
	switch format {
	case "json":
		return f
	case "console":
		return zerolog.ConsoleWriter{Out: f, TimeFormat: "15:04:05"}
	default:
		if term.IsTerminal(int(f.Fd())) {
			return zerolog.ConsoleWriter{Out: f, TimeFormat: "15:04:05"}
		}
		return f
	}
}

// Component returns a child of the global logger tagged with name.
func Component(name string) zerolog.Logger {
	return zlog.With().Str("component", name).Logger()
}
