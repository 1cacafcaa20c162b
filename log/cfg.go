package log

import "fmt"

// LogCfg configures the logger. Decoded from the server config file via
// mapstructure.
type LogCfg struct {
	// LogPath is the target file for the file appender. Relative and
	// absolute paths are accepted; parent directories are created.
	LogPath string `mapstructure:"path"`

	// LogLevel is the minimum emitted level.
	LogLevel Level `mapstructure:"level"`

	// FileSplitMB rotates the log file once it grows past this many
	// megabytes. Zero disables rotation.
	FileSplitMB int `mapstructure:"splitMB"`

	// FileAppender enables file output.
	FileAppender bool `mapstructure:"fileAppender"`

	// ConsoleAppender enables stdout output.
	ConsoleAppender bool `mapstructure:"consoleAppender"`
}

func getDefaultCfg() *LogCfg {
	return &LogCfg{
		LogLevel:        InfoLevel,
		ConsoleAppender: true,
	}
}

// GetName returns the configuration key of this section.
func (c *LogCfg) GetName() string { return "log" }

// Defaults fills unset fields.
func (c *LogCfg) Defaults() {
	if c.LogLevel == 0 {
		c.LogLevel = InfoLevel
	}
	if !c.FileAppender && !c.ConsoleAppender {
		c.ConsoleAppender = true
	}
}

// Validate checks the configuration for contradictions.
func (c *LogCfg) Validate() error {
	if c.LogLevel < DebugLevel || c.LogLevel > FatalLevel {
		return fmt.Errorf("invalid log level %d", c.LogLevel)
	}
	if c.FileAppender && c.LogPath == "" {
		return fmt.Errorf("file appender enabled but path is empty")
	}
	if c.FileSplitMB < 0 {
		return fmt.Errorf("splitMB must not be negative")
	}
	if !c.FileAppender && !c.ConsoleAppender {
		return fmt.Errorf("at least one appender must be enabled")
	}
	return nil
}
