package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogLogger forwards whatsmeow's printf-style logs to slog.
type slogLogger struct {
	module string
	min    slog.Level
	attrs  []any
}

// NewSlogLogger returns a whatsmeow logger writing to the default slog logger
// with a "module" attribute. Messages below level (DEBUG, INFO, WARN, ERROR;
// default WARN) are discarded. attrs are extra key/value pairs.
func NewSlogLogger(module, level string, attrs ...any) waLog.Logger {
	return &slogLogger{module: module, min: parseLevel(level), attrs: attrs}
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func (l *slogLogger) log(level slog.Level, msg string, args []any) {
	if level < l.min {
		return
	}
	logger := slog.Default()
	if !logger.Enabled(context.Background(), level) {
		return
	}
	attrs := append([]any{"module", l.module}, l.attrs...)
	logger.Log(context.Background(), level, "whatsmeow: "+fmt.Sprintf(msg, args...), attrs...)
}

func (l *slogLogger) Errorf(msg string, args ...any) { l.log(slog.LevelError, msg, args) }
func (l *slogLogger) Warnf(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args) }
func (l *slogLogger) Infof(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args) }
func (l *slogLogger) Debugf(msg string, args ...any) { l.log(slog.LevelDebug, msg, args) }

func (l *slogLogger) Sub(module string) waLog.Logger {
	return &slogLogger{module: l.module + "/" + module, min: l.min, attrs: l.attrs}
}
