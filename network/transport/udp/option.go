package udp

import (
	"errors"
	"fmt"
	"time"
)

// ServerCfg configures the server-side transport.
type ServerCfg struct {
	// Addr is the UDP address to listen on, e.g. "0.0.0.0:12000".
	Addr string `mapstructure:"addr"`

	// MaxPeers bounds the number of simultaneously connected peers.
	MaxPeers int `mapstructure:"maxPeers"`

	// InboundQueueSize is the per-peer buffer of decrypted datagrams
	// between the multiplexer and the peer's receiver.
	InboundQueueSize int `mapstructure:"inboundQueueSize"`

	// OutboundQueueSize is the shared buffer between per-peer senders and
	// the multiplexer's socket writer.
	OutboundQueueSize int `mapstructure:"outboundQueueSize"`

	// AcceptQueueSize buffers freshly handshaken peers until the upper
	// layer picks them up.
	AcceptQueueSize int `mapstructure:"acceptQueueSize"`

	// RecvRateLimit caps decrypted datagrams per second per peer; bursts
	// up to RecvRateBurst are allowed. Datagrams beyond the budget are
	// dropped, which the reliability layer absorbs by retransmission.
	RecvRateLimit int `mapstructure:"recvRateLimit"`
	RecvRateBurst int `mapstructure:"recvRateBurst"`

	// IdleTimeout evicts a peer once no authenticated datagram has
	// arrived from it for this long.
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`

	Reliable ReliableCfg `mapstructure:"reliable"`
}

// GetName returns the configuration key of this section.
func (c *ServerCfg) GetName() string { return "udp_server" }

// Validate checks the configuration.
func (c *ServerCfg) Validate() error {
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if c.MaxPeers <= 0 {
		return errors.New("maxPeers must be positive")
	}
	if c.RecvRateLimit <= 0 || c.RecvRateBurst <= 0 {
		return errors.New("recvRateLimit and recvRateBurst must be positive")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("idleTimeout must be positive")
	}
	return c.Reliable.Validate()
}

// Defaults fills unset fields with production defaults.
func (c *ServerCfg) Defaults() {
	if c.MaxPeers == 0 {
		c.MaxPeers = 256
	}
	if c.InboundQueueSize == 0 {
		c.InboundQueueSize = 256
	}
	if c.OutboundQueueSize == 0 {
		c.OutboundQueueSize = 1024
	}
	if c.AcceptQueueSize == 0 {
		c.AcceptQueueSize = 16
	}
	if c.RecvRateLimit == 0 {
		c.RecvRateLimit = 4096
	}
	if c.RecvRateBurst == 0 {
		c.RecvRateBurst = 512
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 20 * time.Second
	}
	c.Reliable.Defaults()
}

// ClientCfg configures the client-side transport.
type ClientCfg struct {
	// Addr is the server address to connect to.
	Addr string `mapstructure:"addr"`

	// ConnectTimeout bounds the wait for the server's ACCEPT.
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`

	// InboundQueueSize buffers decrypted datagrams between the read loop
	// and the receiver.
	InboundQueueSize int `mapstructure:"inboundQueueSize"`

	// PingInterval is how often a keep-alive PING goes out when nothing
	// else has been sent.
	PingInterval time.Duration `mapstructure:"pingInterval"`

	// IdleTimeout closes the connection once nothing authenticated has
	// arrived from the server for this long.
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`

	Reliable ReliableCfg `mapstructure:"reliable"`
}

// GetName returns the configuration key of this section.
func (c *ClientCfg) GetName() string { return "udp_client" }

// Validate checks the configuration.
func (c *ClientCfg) Validate() error {
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connectTimeout must be positive")
	}
	if c.PingInterval <= 0 || c.IdleTimeout <= c.PingInterval {
		return errors.New("idleTimeout must exceed pingInterval")
	}
	return c.Reliable.Validate()
}

// Defaults fills unset fields.
func (c *ClientCfg) Defaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.InboundQueueSize == 0 {
		c.InboundQueueSize = 256
	}
	if c.PingInterval == 0 {
		c.PingInterval = 5 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 20 * time.Second
	}
	c.Reliable.Defaults()
}

// ReliableCfg tunes the stop-and-wait reliability engine.
type ReliableCfg struct {
	// RetryInterval is how long a reliable datagram waits for its ack
	// before being resent.
	RetryInterval time.Duration `mapstructure:"retryInterval"`

	// MaxRetries bounds resends of one datagram before the connection is
	// declared dead.
	MaxRetries int `mapstructure:"maxRetries"`
}

// Validate checks the configuration.
func (c *ReliableCfg) Validate() error {
	if c.RetryInterval <= 0 {
		return fmt.Errorf("retryInterval must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("maxRetries must be positive")
	}
	return nil
}

// Defaults fills unset fields. The 1-second retry window is part of the
// protocol's time budget.
func (c *ReliableCfg) Defaults() {
	if c.RetryInterval == 0 {
		c.RetryInterval = time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 16
	}
}
