package reqstats

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a stderr logger with the given level string.
// Returns the logger and the LevelVar so the level can be updated at runtime.
func NewLogger(level string) (*slog.Logger, *slog.LevelVar) {
	return newTextLogger(os.Stderr, level)
}

// NewLoggerFromConfig creates the logger described by cfg. When a log file
// is configured, output goes to a size-rotated file and the returned closer
// releases it; otherwise the closer is a no-op.
func NewLoggerFromConfig(cfg *Config) (*slog.Logger, *slog.LevelVar, io.Closer) {
	if cfg.LogFile.Path == "" {
		logger, levelVar := NewLogger(cfg.Global.LogLevel)
		return logger, levelVar, nopCloser{}
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile.Path,
		MaxSize:    cfg.LogFile.MaxSizeMB,
		MaxBackups: cfg.LogFile.MaxBackups,
		MaxAge:     cfg.LogFile.MaxAgeDays,
		Compress:   cfg.LogFile.Compress,
	}
	logger, levelVar := newTextLogger(rotator, cfg.Global.LogLevel)
	return logger, levelVar, rotator
}

func newTextLogger(w io.Writer, level string) (*slog.Logger, *slog.LevelVar) {
	levelVar := &slog.LevelVar{}
	levelVar.Set(ParseLogLevel(level))
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelVar}))
	return logger, levelVar
}

// ParseLogLevel converts a log level string to slog.Level.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
