package log

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureAppender collects written lines for inspection.
type captureAppender struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureAppender) Write(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, string(buf))
	return len(buf), nil
}

func (c *captureAppender) Refresh() error { return nil }
func (c *captureAppender) Close() error   { return nil }

func newCaptureLogger(level Level) (*GameLogger, *captureAppender) {
	l := NewLogger(&LogCfg{LogLevel: level})
	cap := &captureAppender{}
	l.appenders = []LogAppender{cap}
	return l, cap
}

func TestEventFieldsAreValidJSON(t *testing.T) {
	l, cap := newCaptureLogger(DebugLevel)

	l.Info().
		Str("peer", `quoted "name"`).
		Int("channel", 3).
		Uint64("snapshot", 42).
		Bool("reliable", true).
		Dur("elapsed", 1500*time.Microsecond).
		Err(errors.New("boom")).
		Msg("hello")

	require.Len(t, cap.lines, 1)
	line := cap.lines[0]
	assert.True(t, strings.HasSuffix(line, "\n"))

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &m))
	assert.Equal(t, "INFO", m["level"])
	assert.Equal(t, `quoted "name"`, m["peer"])
	assert.Equal(t, float64(3), m["channel"])
	assert.Equal(t, float64(42), m["snapshot"])
	assert.Equal(t, true, m["reliable"])
	assert.Equal(t, "boom", m["error"])
	assert.Equal(t, "hello", m["msg"])
}

func TestLevelFiltering(t *testing.T) {
	l, cap := newCaptureLogger(WarnLevel)

	l.Debug().Str("k", "v").Msg("dropped")
	l.Info().Msg("dropped too")
	l.Warn().Msg("kept")
	l.Error().Msg("kept")

	assert.Len(t, cap.lines, 2)
}

func TestNilEventChainIsSafe(t *testing.T) {
	l, cap := newCaptureLogger(ErrorLevel)

	// Every fluent call on the nil event returned by a filtered level must
	// be a no-op.
	l.Debug().Str("a", "b").Int("c", 1).Err(errors.New("x")).Msg("nope")
	assert.Empty(t, cap.lines)
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"Warn", WarnLevel},
		{"error", ErrorLevel},
		{"FATAL", FatalLevel},
		{"bogus", InfoLevel},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ParseLevel(c.in), c.in)
	}
}

func TestFileAppenderRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")

	fa, err := NewFileAppender(path, 1)
	require.NoError(t, err)

	// Write more than 1MB to force a rotation.
	line := []byte(strings.Repeat("x", 1024) + "\n")
	for i := 0; i < 1100; i++ {
		_, err := fa.Write(line)
		require.NoError(t, err)
	}
	require.NoError(t, fa.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 2, "expected rotated file next to active file")
}

func TestCfgValidate(t *testing.T) {
	bad := &LogCfg{LogLevel: InfoLevel}
	assert.Error(t, bad.Validate(), "no appenders")

	bad = &LogCfg{LogLevel: InfoLevel, FileAppender: true}
	assert.Error(t, bad.Validate(), "file appender without path")

	good := &LogCfg{LogLevel: DebugLevel, ConsoleAppender: true}
	assert.NoError(t, good.Validate())
}
