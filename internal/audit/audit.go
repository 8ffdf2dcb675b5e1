// Package audit writes structured records of security-relevant node events:
// rejected secrets and client operations that change stored files.
package audit

import (
	"github.com/rs/zerolog"
)

// Results.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultOK      = "ok"
	ResultFailed  = "failed"
)

// File operations.
const (
	OpUpload     = "upload"
	OpChunkPush  = "chunk_push"
	OpDelete     = "delete"
	OpReactivate = "reactivate"
)

// Logger emits audit events with event_type set for filtering.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger wraps logger. A zero zerolog.Logger discards everything.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// LogAuth records a shared-secret check on path.
func (l *Logger) LogAuth(method, path, result, sourceIP string) {
	level := zerolog.DebugLevel
	if result == ResultDenied {
		level = zerolog.WarnLevel
	}
	l.logger.WithLevel(level).
		Str("event_type", "auth").
		Str("method", method).
		Str("path", path).
		Str("result", result).
		Str("source_ip", sourceIP).
		Msg("authentication event")
}

// LogFileOp records a client or peer operation on fileID.
func (l *Logger) LogFileOp(op, fileID, result, details, sourceIP string) {
	level := zerolog.InfoLevel
	if result != ResultOK {
		level = zerolog.WarnLevel
	}
	event := l.logger.WithLevel(level).
		Str("event_type", "file_operation").
		Str("operation", op).
		Str("result", result).
		Str("source_ip", sourceIP)
	if fileID != "" {
		event = event.Str("file_id", fileID)
	}
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("file operation")
}
