package gen

import (
	"errors"
	"time"
)

// Backend selector values.
const (
	BackendFlat = "flat"
	BackendWasm = "wasm"
)

// Cfg configures the generation pipeline.
type Cfg struct {
	// Backend selects "flat" or "wasm".
	Backend string `mapstructure:"backend"`

	// ModulePath is the wasm generator module; wasm backend only.
	ModulePath string `mapstructure:"modulePath"`

	// Seed and Phase are passed to every generate_chunk call.
	Seed  int64  `mapstructure:"seed"`
	Phase uint32 `mapstructure:"phase"`

	// SurfaceY is the flat backend's surface level in global blocks.
	SurfaceY int32 `mapstructure:"surfaceY"`

	// MemoryLimitPages caps the sandbox memory in 64KiB wasm pages;
	// 0 means the runtime default.
	MemoryLimitPages uint32 `mapstructure:"memoryLimitPages"`

	// CallTimeout bounds the CPU time of one generation call.
	CallTimeout time.Duration `mapstructure:"callTimeout"`

	// RatePerSecond paces generation calls so a player sprinting across
	// the world cannot saturate the worker thread.
	RatePerSecond int `mapstructure:"ratePerSecond"`

	// MaxAttempts bounds retries of a failed generation before the chunk
	// is parked in Loading.
	MaxAttempts int `mapstructure:"maxAttempts"`

	// BaseBackoff is the first retry delay; it doubles per attempt.
	BaseBackoff time.Duration `mapstructure:"baseBackoff"`
}

// GetName returns the configuration key of this section.
func (c *Cfg) GetName() string { return "gen" }

// Validate checks the configuration.
func (c *Cfg) Validate() error {
	switch c.Backend {
	case BackendFlat:
	case BackendWasm:
		if c.ModulePath == "" {
			return errors.New("modulePath must be set for the wasm backend")
		}
	default:
		return errors.New("backend must be \"flat\" or \"wasm\"")
	}
	if c.RatePerSecond <= 0 {
		return errors.New("ratePerSecond must be positive")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("maxAttempts must be positive")
	}
	return nil
}

// Defaults fills unset fields.
func (c *Cfg) Defaults() {
	if c.Backend == "" {
		c.Backend = BackendFlat
	}
	if c.RatePerSecond == 0 {
		c.RatePerSecond = 256
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = 50 * time.Millisecond
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = time.Second
	}
}
