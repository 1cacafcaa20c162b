package loop

import (
	"errors"
	"time"
)

// Cfg configures the tick loop.
type Cfg struct {
	// TickInterval is the fixed simulation period.
	TickInterval time.Duration `mapstructure:"tickInterval"`

	// ViewRadius is the chunk view radius granted to every player.
	ViewRadius int32 `mapstructure:"viewRadius"`

	// EventQueueSize buffers player and lifecycle events between the
	// session goroutines and the loop.
	EventQueueSize int `mapstructure:"eventQueueSize"`

	// ChunkQueueSize buffers reliable chunk-data sends per player.
	ChunkQueueSize int `mapstructure:"chunkQueueSize"`
}

// GetName returns the configuration key of this section.
func (c *Cfg) GetName() string { return "loop" }

// Validate checks the configuration.
func (c *Cfg) Validate() error {
	if c.TickInterval <= 0 {
		return errors.New("tickInterval must be positive")
	}
	if c.ViewRadius <= 0 {
		return errors.New("viewRadius must be positive")
	}
	return nil
}

// Defaults fills unset fields.
func (c *Cfg) Defaults() {
	if c.TickInterval == 0 {
		c.TickInterval = 50 * time.Millisecond
	}
	if c.ViewRadius == 0 {
		c.ViewRadius = 4
	}
	if c.EventQueueSize == 0 {
		c.EventQueueSize = 1024
	}
	if c.ChunkQueueSize == 0 {
		c.ChunkQueueSize = 4096
	}
}
