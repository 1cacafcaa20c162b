package log

import "strings"

// Level defines the severity of a log event. Levels are ordered; an event is
// emitted only when its level is at or above the logger's configured level.
type Level int8

const (
	// DebugLevel carries diagnostic detail: dropped datagrams, retransmits,
	// per-tick bookkeeping. Wire-level transient failures log here.
	DebugLevel Level = iota + 1

	// InfoLevel tracks normal lifecycle: startup, peer connects, chunk
	// activation, shutdown.
	InfoLevel

	// WarnLevel signals recoverable trouble: stale clients, generator
	// retries, storage decode misses.
	WarnLevel

	// ErrorLevel signals failed operations that tear something down but
	// leave the server running, such as a peer socket error.
	ErrorLevel

	// FatalLevel is for unrecoverable failures; the caller is expected to
	// terminate after emitting one.
	FatalLevel
)

// String returns the uppercase name of the level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a case-insensitive level name to a Level.
// Unrecognized input falls back to InfoLevel so a bad config value cannot
// silence the log entirely.
func ParseLevel(levelStr string) Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	}
	return InfoLevel
}
