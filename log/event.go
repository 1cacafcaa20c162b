package log

import (
	"bytes"
	"strconv"
	"time"
)

// LogEvent is one structured log entry under construction. It accumulates
// key-value pairs into a JSON object through a fluent API and is finalized by
// Msg. A nil *LogEvent is a valid no-op receiver, which is how events below
// the configured level cost nothing beyond the level check.
type LogEvent struct {
	buf    *bytes.Buffer
	logger *GameLogger
	level  Level
}

// newEvent obtains an event with a pre-grown buffer.
func newEvent(l *GameLogger) *LogEvent {
	e := &LogEvent{
		logger: l,
		level:  DebugLevel,
		buf:    &bytes.Buffer{},
	}
	e.buf.Grow(512)
	return e
}

// Reset clears accumulated state so the event can be reused from the pool.
// Oversized buffers are not retained at full capacity.
func (e *LogEvent) Reset() {
	e.buf.Reset()
	e.level = DebugLevel
	e.buf.WriteByte('{')
}

func (e *LogEvent) key(k string) {
	if b := e.buf.Bytes(); len(b) > 0 && b[len(b)-1] != '{' {
		e.buf.WriteByte(',')
	}
	appendJSONString(e.buf, k)
	e.buf.WriteByte(':')
}

// Str appends a string field.
func (e *LogEvent) Str(k, v string) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	appendJSONString(e.buf, v)
	return e
}

// Int appends an int field.
func (e *LogEvent) Int(k string, v int) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.Itoa(v))
	return e
}

// Int32 appends an int32 field.
func (e *LogEvent) Int32(k string, v int32) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatInt(int64(v), 10))
	return e
}

// Uint16 appends a uint16 field.
func (e *LogEvent) Uint16(k string, v uint16) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatUint(uint64(v), 10))
	return e
}

// Uint32 appends a uint32 field.
func (e *LogEvent) Uint32(k string, v uint32) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatUint(uint64(v), 10))
	return e
}

// Uint64 appends a uint64 field.
func (e *LogEvent) Uint64(k string, v uint64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatUint(v, 10))
	return e
}

// Float64 appends a float field.
func (e *LogEvent) Float64(k string, v float64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	return e
}

// Bool appends a bool field.
func (e *LogEvent) Bool(k string, v bool) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatBool(v))
	return e
}

// Dur appends a duration field in milliseconds.
func (e *LogEvent) Dur(k string, v time.Duration) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatFloat(float64(v)/float64(time.Millisecond), 'f', 3, 64))
	return e
}

// Err appends an error field under the key "error". A nil error appends
// nothing.
func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil || err == nil {
		return e
	}
	e.key("error")
	appendJSONString(e.buf, err.Error())
	return e
}

// Msg finalizes the event with a message field and hands it to the logger's
// appender chain. The event must not be used afterwards.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	e.key("msg")
	appendJSONString(e.buf, msg)
	e.buf.WriteByte('}')
	e.buf.WriteByte('\n')
	e.logger.onEventEnd(e)
}

// appendJSONString writes v as a JSON string, escaping as needed. The fast
// path copies bytes directly when no escaping is required.
func appendJSONString(buf *bytes.Buffer, v string) {
	buf.WriteByte('"')
	start := 0
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c >= 0x20 && c != '"' && c != '\\' {
			continue
		}
		buf.WriteString(v[start:i])
		switch c {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			const hex = "0123456789abcdef"
			buf.WriteString(`\u00`)
			buf.WriteByte(hex[c>>4])
			buf.WriteByte(hex[c&0xf])
		}
		start = i + 1
	}
	buf.WriteString(v[start:])
	buf.WriteByte('"')
}
