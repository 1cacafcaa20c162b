package udp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/voxbrix/voxbrix/network/protocol"
)

// The tests in this package drive the full client/server transport over an
// in-memory datagram network that can drop packets and move a client to a
// new source address.

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type memDatagram struct {
	data []byte
	from net.Addr
}

// memHub is the server-side socket. Clients attach to it and exchange
// datagrams with configurable loss in either direction.
type memHub struct {
	in chan memDatagram

	mu      sync.Mutex
	inboxes map[string]chan []byte
	// dropToClient decides whether a server-to-client datagram is lost.
	dropToClient func(data []byte) bool

	closed    chan struct{}
	closeOnce sync.Once
}

func newMemHub() *memHub {
	return &memHub{
		in:      make(chan memDatagram, 1024),
		inboxes: make(map[string]chan []byte),
		closed:  make(chan struct{}),
	}
}

func (h *memHub) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case d := <-h.in:
		n := copy(p, d.data)
		return n, d.from, nil
	case <-h.closed:
		return 0, nil, net.ErrClosed
	}
}

func (h *memHub) WriteTo(p []byte, addr net.Addr) (int, error) {
	h.mu.Lock()
	drop := h.dropToClient
	inbox := h.inboxes[addr.String()]
	h.mu.Unlock()
	if inbox == nil {
		return 0, errors.New("no route to " + addr.String())
	}
	if drop != nil && drop(p) {
		return len(p), nil
	}
	data := make([]byte, len(p))
	copy(data, p)
	select {
	case inbox <- data:
	default:
	}
	return len(p), nil
}

func (h *memHub) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	return nil
}

func (h *memHub) LocalAddr() net.Addr              { return memAddr("server") }
func (h *memHub) SetDeadline(time.Time) error      { return nil }
func (h *memHub) SetReadDeadline(time.Time) error  { return nil }
func (h *memHub) SetWriteDeadline(time.Time) error { return nil }

func (h *memHub) setDropToClient(f func(data []byte) bool) {
	h.mu.Lock()
	h.dropToClient = f
	h.mu.Unlock()
}

// memClient is the client-side socket, an io.ReadWriteCloser whose source
// address can change mid-connection.
type memClient struct {
	hub   *memHub
	inbox chan []byte

	mu           sync.Mutex
	addr         memAddr
	dropToServer func(data []byte) bool

	closed    chan struct{}
	closeOnce sync.Once
}

func (h *memHub) attach(addr string) *memClient {
	c := &memClient{
		hub:    h,
		inbox:  make(chan []byte, 1024),
		addr:   memAddr(addr),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.inboxes[addr] = c.inbox
	h.mu.Unlock()
	return c
}

// migrate moves the client to a new source address, keeping the same inbox
// reachable at both addresses like a NAT rebinding would.
func (c *memClient) migrate(addr string) {
	c.mu.Lock()
	c.addr = memAddr(addr)
	c.mu.Unlock()
	c.hub.mu.Lock()
	c.hub.inboxes[addr] = c.inbox
	c.hub.mu.Unlock()
}

func (c *memClient) setDropToServer(f func(data []byte) bool) {
	c.mu.Lock()
	c.dropToServer = f
	c.mu.Unlock()
}

func (c *memClient) Read(p []byte) (int, error) {
	select {
	case data := <-c.inbox:
		return copy(p, data), nil
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *memClient) Write(p []byte) (int, error) {
	c.mu.Lock()
	from := c.addr
	drop := c.dropToServer
	c.mu.Unlock()
	if drop != nil && drop(p) {
		return len(p), nil
	}
	data := make([]byte, len(p))
	copy(data, p)
	select {
	case c.hub.in <- memDatagram{data: data, from: from}:
	case <-c.closed:
		return 0, net.ErrClosed
	}
	return len(p), nil
}

func (c *memClient) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// kindOf extracts the datagram kind from a raw frame, for loss filters that
// must not touch the handshake.
func kindOf(data []byte) protocol.Kind {
	_, kind, _, err := protocol.ParseHeader(data)
	if err != nil {
		return protocol.Kind(255)
	}
	return kind
}

func testReliableCfg() ReliableCfg {
	return ReliableCfg{RetryInterval: 20 * time.Millisecond, MaxRetries: 100}
}

func testServerCfg() *ServerCfg {
	cfg := &ServerCfg{Addr: "mem", Reliable: testReliableCfg()}
	cfg.Defaults()
	return cfg
}

func testClientCfg() *ClientCfg {
	cfg := &ClientCfg{Addr: "mem", Reliable: testReliableCfg()}
	cfg.Defaults()
	return cfg
}

// dialPair spins up a server on a fresh hub and connects one client.
func dialPair(ctx context.Context, clientAddr string) (*Server, *Peer, *Conn, *memHub, *memClient, error) {
	hub := newMemHub()
	srv, err := NewServer(testServerCfg())
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	srv.StartWith(hub)

	mc := hub.attach(clientAddr)
	conn, err := connect(ctx, testClientCfg(), mc)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	peer, err := srv.Accept(ctx)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	return srv, peer, conn, hub, mc, nil
}
