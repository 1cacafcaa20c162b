// Package log provides the structured logging used across the voxbrix server:
// a fluent, level-filtered JSON logger with a pluggable appender chain.
package log

import (
	"sync"
	"time"
)

// GameLogger is the concrete logger. It filters by level, stamps events with
// time and level, and writes the finished line to every attached appender.
type GameLogger struct {
	mu        sync.RWMutex
	level     Level
	appenders []LogAppender
	pool      sync.Pool
}

// NewLogger builds a logger from cfg. Invalid or nil configs fall back to a
// console logger at InfoLevel.
func NewLogger(cfg *LogCfg) *GameLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	l := &GameLogger{level: cfg.LogLevel}
	l.pool.New = func() any {
		e := newEvent(l)
		e.Reset()
		return e
	}
	if cfg.ConsoleAppender {
		l.appenders = append(l.appenders, NewConsoleAppender())
	}
	if cfg.FileAppender && cfg.LogPath != "" {
		if fa, err := NewFileAppender(cfg.LogPath, cfg.FileSplitMB); err == nil {
			l.appenders = append(l.appenders, fa)
		}
	}
	if len(l.appenders) == 0 {
		l.appenders = append(l.appenders, NewConsoleAppender())
	}
	return l
}

// AddAppender attaches an extra appender to the chain.
func (l *GameLogger) AddAppender(appender LogAppender) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appenders = append(l.appenders, appender)
}

// SetLevel changes the minimum emitted level at runtime.
func (l *GameLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *GameLogger) event(level Level) *LogEvent {
	l.mu.RLock()
	min := l.level
	l.mu.RUnlock()
	if level < min {
		return nil
	}
	e := l.pool.Get().(*LogEvent)
	e.level = level
	now := time.Now()
	e.key("ts")
	e.buf.WriteByte('"')
	e.buf.WriteString(now.Format("2006-01-02 15:04:05.000"))
	e.buf.WriteByte('"')
	e.key("level")
	appendJSONString(e.buf, level.String())
	return e
}

// Debug starts a debug-level event.
func (l *GameLogger) Debug() *LogEvent { return l.event(DebugLevel) }

// Info starts an info-level event.
func (l *GameLogger) Info() *LogEvent { return l.event(InfoLevel) }

// Warn starts a warn-level event.
func (l *GameLogger) Warn() *LogEvent { return l.event(WarnLevel) }

// Error starts an error-level event.
func (l *GameLogger) Error() *LogEvent { return l.event(ErrorLevel) }

// Fatal starts a fatal-level event. Emitting it does not call os.Exit; the
// caller decides how to die.
func (l *GameLogger) Fatal() *LogEvent { return l.event(FatalLevel) }

// onEventEnd routes a finished event to the appenders and recycles it.
func (l *GameLogger) onEventEnd(e *LogEvent) {
	l.mu.RLock()
	for _, a := range l.appenders {
		_, _ = a.Write(e.buf.Bytes())
	}
	l.mu.RUnlock()
	e.Reset()
	l.pool.Put(e)
}

// Refresh flushes every appender.
func (l *GameLogger) Refresh() {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, a := range l.appenders {
		_ = a.Refresh()
	}
}

// Close flushes and closes every appender.
func (l *GameLogger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.appenders {
		_ = a.Close()
	}
	l.appenders = nil
}

var _defaultLogger = NewLogger(getDefaultCfg())

// Initialize configures the package-level default logger. Call once at
// startup before any goroutine logs.
func Initialize(cfg *LogCfg) error {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	SetDefaultLogger(NewLogger(cfg))
	return nil
}

// SetDefaultLogger replaces the default logger used by the package-level
// helpers.
func SetDefaultLogger(logger *GameLogger) {
	_defaultLogger = logger
}

// Default returns the package-level default logger.
func Default() *GameLogger { return _defaultLogger }

// Debug starts a debug-level event on the default logger.
func Debug() *LogEvent { return _defaultLogger.Debug() }

// Info starts an info-level event on the default logger.
func Info() *LogEvent { return _defaultLogger.Info() }

// Warn starts a warn-level event on the default logger.
func Warn() *LogEvent { return _defaultLogger.Warn() }

// Error starts an error-level event on the default logger.
func Error() *LogEvent { return _defaultLogger.Error() }

// Fatal starts a fatal-level event on the default logger.
func Fatal() *LogEvent { return _defaultLogger.Fatal() }

// Close flushes and closes the default logger.
func Close() { _defaultLogger.Close() }
