package storage

import "errors"

// Cfg configures the persistent store.
type Cfg struct {
	// Path is the sqlite database file.
	Path string `mapstructure:"path"`

	// WriteQueueSize bounds the writer queue; enqueuers block when it is
	// full.
	WriteQueueSize int `mapstructure:"writeQueueSize"`
}

// GetName returns the configuration key of this section.
func (c *Cfg) GetName() string { return "storage" }

// Validate checks the configuration.
func (c *Cfg) Validate() error {
	if c.Path == "" {
		return errors.New("path must not be empty")
	}
	if c.WriteQueueSize <= 0 {
		return errors.New("writeQueueSize must be positive")
	}
	return nil
}

// Defaults fills unset fields.
func (c *Cfg) Defaults() {
	if c.WriteQueueSize == 0 {
		c.WriteQueueSize = 1024
	}
}
