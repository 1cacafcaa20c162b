package udp

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/voxbrix/voxbrix/log"
	"github.com/voxbrix/voxbrix/metrics"
	"github.com/voxbrix/voxbrix/network/protocol"
	"github.com/voxbrix/voxbrix/network/secure"
)

// Conn is an established client-side connection.
type Conn struct {
	rw        io.ReadWriteCloser
	link      *link
	sender    *Sender
	receiver  *Receiver
	serverKey []byte
	localKey  []byte
	id        protocol.PeerID
}

// Dial connects to the server at cfg.Addr and performs the CONNECT/ACCEPT
// handshake.
func Dial(ctx context.Context, cfg *ClientCfg) (*Conn, error) {
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("udp client config: %w", err)
	}
	rw, err := net.Dial("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	conn, err := connect(ctx, cfg, rw)
	if err != nil {
		_ = rw.Close()
		return nil, err
	}
	return conn, nil
}

// connect runs the handshake and wires the read loop over an arbitrary
// datagram pipe. Tests drive it with an in-memory pipe.
func connect(ctx context.Context, cfg *ClientCfg, rw io.ReadWriteCloser) (*Conn, error) {
	keypair, err := secure.GenerateKeypair()
	if err != nil {
		return nil, err
	}

	frame := protocol.AppendHeader(make([]byte, 0, protocol.MaxPacketSize), protocol.NewPeerID, protocol.Connect)
	frame = append(frame, keypair.PublicBytes()...)
	if _, err := rw.Write(frame); err != nil {
		return nil, fmt.Errorf("send connect: %w", err)
	}

	// One raw-read goroutine serves both the handshake wait and the
	// steady-state demultiplexer.
	raw := make(chan []byte, 64)
	go func() {
		defer close(raw)
		buf := make([]byte, protocol.MaxPacketSize+64)
		for {
			n, err := rw.Read(buf)
			if err != nil {
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			raw <- data
		}
	}()

	serverKey, id, err := awaitAccept(ctx, cfg.ConnectTimeout, raw)
	if err != nil {
		return nil, err
	}

	cipher, err := keypair.SessionCipher(serverKey)
	if err != nil {
		return nil, err
	}

	l := newLink(id, cipher, directWriter{rw: rw}, cfg.InboundQueueSize, cfg.Reliable)
	c := &Conn{
		rw:        rw,
		link:      l,
		sender:    newSender(l),
		receiver:  newReceiver(l),
		serverKey: serverKey,
		localKey:  keypair.PublicBytes(),
		id:        id,
	}
	go c.demux(raw)
	go c.keepalive(cfg.PingInterval, cfg.IdleTimeout)

	log.Info().Uint64("peer", uint64(id)).Msg("connected")
	return c, nil
}

// keepalive sends PING when the outbound side has been quiet for a full
// interval and closes the connection once the server has been silent past
// the idle timeout.
func (c *Conn) keepalive(ping, idle time.Duration) {
	t := time.NewTicker(ping)
	defer t.Stop()
	for {
		select {
		case <-c.link.closed:
			return
		case <-t.C:
			if c.link.sinceRecv() > idle {
				log.Warn().Msg("server idle timeout, closing connection")
				c.link.close()
				return
			}
			if c.link.sinceSent() >= ping {
				if err := c.sender.Ping(); err != nil {
					return
				}
			}
		}
	}
}

// awaitAccept waits for the server's ACCEPT within the connect timeout and
// returns the server ephemeral key and the assigned peer id.
func awaitAccept(ctx context.Context, timeout time.Duration, raw <-chan []byte) ([]byte, protocol.PeerID, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case data, ok := <-raw:
			if !ok {
				return nil, 0, ErrClosed
			}
			sender, kind, body, err := protocol.ParseHeader(data)
			if err != nil || sender != protocol.ServerPeerID || kind != protocol.Accept {
				continue
			}
			if len(body) < protocol.KeyLength+1 {
				continue
			}
			serverKey := body[:protocol.KeyLength]
			id, _, err := protocol.ReadUvarint(body[protocol.KeyLength:])
			if err != nil || protocol.PeerID(id) < protocol.FirstClientPeerID {
				continue
			}
			return serverKey, protocol.PeerID(id), nil
		case <-timer.C:
			return nil, 0, fmt.Errorf("handshake: no ACCEPT within %s", timeout)
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// demux routes decrypted datagrams from the raw channel into the ack and
// inbound queues.
func (c *Conn) demux(raw <-chan []byte) {
	defer c.link.close()
	for data := range raw {
		sender, kind, body, err := protocol.ParseHeader(data)
		if err != nil {
			log.Debug().Err(err).Msg("malformed datagram, dropping")
			continue
		}
		if sender != protocol.ServerPeerID {
			continue
		}
		metrics.IncrCounter(metrics.GroupTransport, metrics.NameDatagramsInTotal, 1)

		if !kind.IsSealed() {
			// A late duplicate ACCEPT.
			continue
		}
		plain, err := c.link.cipher.Open(body)
		if err != nil {
			metrics.IncrCounter(metrics.GroupTransport, metrics.NameAuthFailTotal, 1)
			log.Debug().Err(err).Str("kind", kind.String()).Msg("dropping unauthenticated datagram")
			continue
		}
		c.link.touchRecv()

		switch kind {
		case protocol.Acknowledge:
			seq, _, err := protocol.ReadUvarint(plain)
			if err != nil {
				continue
			}
			select {
			case c.link.acks <- protocol.Sequence(seq):
			default:
			}
		default:
			select {
			case c.link.inbound <- inPacket{kind: kind, body: plain}:
			default:
				metrics.IncrCounter(metrics.GroupTransport, metrics.NameDatagramsDropTotal, 1)
			}
		}
	}
}

// Sender returns the outbound half of the session.
func (c *Conn) Sender() *Sender { return c.sender }

// Receiver returns the inbound half of the session.
func (c *Conn) Receiver() *Receiver { return c.receiver }

// ServerKey returns the server's ephemeral public key from the handshake,
// for verification against the server's long-term signing key.
func (c *Conn) ServerKey() []byte { return c.serverKey }

// LocalKey returns this side's ephemeral public key from the handshake;
// login signs it with the account key to prove possession.
func (c *Conn) LocalKey() []byte { return c.localKey }

// PeerID returns the id the server assigned to this connection.
func (c *Conn) PeerID() protocol.PeerID { return c.id }

// Close tears the connection down.
func (c *Conn) Close() error {
	c.link.close()
	return c.rw.Close()
}

// directWriter writes datagrams straight to the underlying socket.
type directWriter struct {
	rw io.Writer
}

func (w directWriter) writeDatagram(data []byte) error {
	if len(data) > protocol.MaxPacketSize {
		return protocol.ErrOversize
	}
	metrics.IncrCounter(metrics.GroupTransport, metrics.NameDatagramsOutTotal, 1)
	_, err := w.rw.Write(data)
	return err
}
