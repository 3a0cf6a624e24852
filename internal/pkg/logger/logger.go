package logger

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// Format selects output encoding of the root handler.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// New builds root logger writing to w. Records are passed through
// ContextHandler, so attributes put into context with WithAttrs are logged too.
func New(w io.Writer, level slog.Level, format Format) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: ReplaceAttr,
	}

	var handler slog.Handler
	switch format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(NewContextHandler(handler))
}

// ParseLevel accepts either level name (debug, info, warn, error)
// or numeric slog level value.
func ParseLevel(s string) (slog.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return slog.LevelInfo, nil
	}

	if n, err := strconv.Atoi(s); err == nil {
		return slog.Level(n), nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("parse log level %q: %w", s, err)
	}

	return level, nil
}

// Discard returns logger dropping every record. Used mostly by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
