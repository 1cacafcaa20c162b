package server

import (
	"errors"
	"time"
)

// Cfg configures the session layer between the transport and the loop.
type Cfg struct {
	// KeyPath is the server's long-term signing key file; generated on
	// first start when absent.
	KeyPath string `mapstructure:"keyPath"`

	// AuthTimeout bounds the whole init/register/login exchange of one
	// connection.
	AuthTimeout time.Duration `mapstructure:"authTimeout"`
}

// GetName returns the configuration key of this section.
func (c *Cfg) GetName() string { return "server" }

// Validate checks the configuration.
func (c *Cfg) Validate() error {
	if c.KeyPath == "" {
		return errors.New("keyPath must not be empty")
	}
	if c.AuthTimeout <= 0 {
		return errors.New("authTimeout must be positive")
	}
	return nil
}

// Defaults fills unset fields.
func (c *Cfg) Defaults() {
	if c.AuthTimeout == 0 {
		c.AuthTimeout = 10 * time.Second
	}
}
