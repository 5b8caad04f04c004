package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Config selects the handler and level.
type Config struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// DefaultConfig logs JSON at info.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json"}
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// New builds a logger writing to w with sensitive attributes redacted.
func New(cfg Config, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: Redact,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	case "", "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	return slog.New(handler), nil
}

// Redact is a slog ReplaceAttr hook.
func Redact(_ []string, a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		v := a.Value.String()
		if masked := MaskSensitiveValue(a.Key, v); masked != v {
			return slog.String(a.Key, masked)
		}
		if a.Key == slog.MessageKey {
			return a
		}
		if masked := MaskSensitivePatterns(v); masked != v {
			return slog.String(a.Key, masked)
		}
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, MaskSensitivePatterns(err.Error()))
		}
		if IsSensitiveField(a.Key) {
			return slog.String(a.Key, MaskedValue)
		}
	}
	return a
}
