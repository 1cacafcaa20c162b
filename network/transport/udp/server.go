package udp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/voxbrix/voxbrix/log"
	"github.com/voxbrix/voxbrix/metrics"
	"github.com/voxbrix/voxbrix/network/protocol"
	"github.com/voxbrix/voxbrix/network/secure"
)

// Server owns the listening socket and multiplexes datagrams across peers:
// inbound by sender id into per-peer queues, outbound serialized through a
// single writer that resolves each peer's current address at send time.
type Server struct {
	cfg *ServerCfg

	pc net.PacketConn

	mu    sync.RWMutex
	slots []*serverPeer
	free  []int

	out    chan outDatagram
	accept chan *Peer

	closed    chan struct{}
	closeOnce sync.Once
}

// outDatagram is one pre-framed datagram queued by a per-peer sender.
type outDatagram struct {
	id   protocol.PeerID
	data []byte
	res  chan error
}

// serverPeer is the multiplexer's view of one connection.
type serverPeer struct {
	id        protocol.PeerID
	addr      atomic.Pointer[net.Addr]
	link      *link
	limiter   *rate.Limiter
	serverKey []byte
	clientKey []byte
	gone      atomic.Bool
}

// Peer is an accepted connection handed to the upper layer.
type Peer struct {
	p        *serverPeer
	srv      *Server
	sender   *Sender
	receiver *Receiver
}

// NewServer builds a server transport from cfg.
func NewServer(cfg *ServerCfg) (*Server, error) {
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("udp server config: %w", err)
	}
	return &Server{
		cfg:    cfg,
		out:    make(chan outDatagram, cfg.OutboundQueueSize),
		accept: make(chan *Peer, cfg.AcceptQueueSize),
		closed: make(chan struct{}),
	}, nil
}

// Start opens the UDP socket and launches the read and write loops.
func (s *Server) Start() error {
	pc, err := net.ListenPacket("udp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.StartWith(pc)
	log.Info().Str("addr", pc.LocalAddr().String()).Msg("udp transport listening")
	return nil
}

// StartWith launches the loops over an externally provided socket.
func (s *Server) StartWith(pc net.PacketConn) {
	s.pc = pc
	go s.readLoop()
	go s.writeLoop()
	go s.sweepIdle()
}

// sweepIdle evicts peers that have sent nothing authenticated for the
// configured idle timeout.
func (s *Server) sweepIdle() {
	t := time.NewTicker(s.cfg.IdleTimeout / 4)
	defer t.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-t.C:
			var stale []*serverPeer
			s.mu.RLock()
			for _, p := range s.slots {
				if p != nil && p.link.sinceRecv() > s.cfg.IdleTimeout {
					stale = append(stale, p)
				}
			}
			s.mu.RUnlock()
			for _, p := range stale {
				log.Info().Uint64("peer", uint64(p.id)).Msg("peer idle timeout")
				p.gone.Store(true)
				s.evict(p)
			}
		}
	}
}

// LocalAddr returns the bound socket address.
func (s *Server) LocalAddr() net.Addr { return s.pc.LocalAddr() }

// Accept blocks until the next handshaken peer is available.
func (s *Server) Accept(ctx context.Context) (*Peer, error) {
	select {
	case p := <-s.accept:
		return p, nil
	case <-s.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop closes the socket and releases every peer.
func (s *Server) Stop() error {
	s.closeOnce.Do(func() { close(s.closed) })
	var err error
	if s.pc != nil {
		err = s.pc.Close()
	}
	s.mu.Lock()
	for _, p := range s.slots {
		if p != nil {
			p.link.close()
		}
	}
	s.slots = nil
	s.free = nil
	s.mu.Unlock()
	return err
}

// lookup returns the live peer for an id, or nil.
func (s *Server) lookup(id protocol.PeerID) *serverPeer {
	if id < protocol.FirstClientPeerID {
		return nil
	}
	idx := int(id - protocol.FirstClientPeerID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx >= len(s.slots) {
		return nil
	}
	return s.slots[idx]
}

// evict releases a peer's slot for reuse and closes its link.
func (s *Server) evict(p *serverPeer) {
	s.mu.Lock()
	idx := int(p.id - protocol.FirstClientPeerID)
	if idx < len(s.slots) && s.slots[idx] == p {
		s.slots[idx] = nil
		s.free = append(s.free, idx)
	}
	s.mu.Unlock()
	p.link.close()
	metrics.UpdateGauge(metrics.GroupTransport, metrics.NamePeersLive, float64(s.livePeers()))
	log.Info().Uint64("peer", uint64(p.id)).Msg("peer evicted")
}

func (s *Server) livePeers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.slots {
		if p != nil {
			n++
		}
	}
	return n
}

// readLoop demultiplexes every inbound datagram.
func (s *Server) readLoop() {
	buf := make([]byte, protocol.MaxPacketSize+64)
	for {
		n, addr, err := s.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closed:
			default:
				log.Error().Err(err).Msg("udp read failed, stopping transport")
				_ = s.Stop()
			}
			return
		}
		metrics.IncrCounter(metrics.GroupTransport, metrics.NameDatagramsInTotal, 1)
		s.handleDatagram(buf[:n], addr)
	}
}

func (s *Server) handleDatagram(data []byte, addr net.Addr) {
	sender, kind, body, err := protocol.ParseHeader(data)
	if err != nil {
		log.Debug().Err(err).Msg("malformed datagram, dropping")
		return
	}

	if sender == protocol.NewPeerID {
		if kind == protocol.Connect && len(body) == protocol.KeyLength {
			s.handleConnect(body, addr)
		}
		return
	}

	p := s.lookup(sender)
	if p == nil {
		return
	}
	if p.gone.Load() {
		s.evict(p)
		return
	}
	if !p.limiter.Allow() {
		metrics.IncrCounter(metrics.GroupTransport, metrics.NameDatagramsDropTotal, 1)
		return
	}
	if !kind.IsSealed() {
		return
	}

	plain, err := p.link.cipher.Open(body)
	if err != nil {
		metrics.IncrCounter(metrics.GroupTransport, metrics.NameAuthFailTotal, 1)
		log.Debug().Err(err).Uint64("peer", uint64(sender)).Str("kind", kind.String()).
			Msg("dropping unauthenticated datagram")
		return
	}
	p.link.touchRecv()

	switch kind {
	case protocol.Acknowledge:
		seq, _, err := protocol.ReadUvarint(plain)
		if err != nil {
			return
		}
		select {
		case p.link.acks <- protocol.Sequence(seq):
		default:
		}
		s.updateAddr(p, addr)

	case protocol.Reliable, protocol.ReliableSplit:
		s.forward(p, kind, plain)
		// Address migration: only authenticated reliable traffic moves
		// the stored peer address.
		s.updateAddr(p, addr)

	case protocol.Disconnect:
		s.forward(p, kind, plain)
		p.gone.Store(true)
		s.evict(p)

	default:
		s.forward(p, kind, plain)
	}
}

func (s *Server) forward(p *serverPeer, kind protocol.Kind, plain []byte) {
	select {
	case p.link.inbound <- inPacket{kind: kind, body: plain}:
	default:
		// Receiver is not draining; unreliable traffic is droppable and
		// reliable traffic will be retransmitted.
		metrics.IncrCounter(metrics.GroupTransport, metrics.NameDatagramsDropTotal, 1)
	}
}

func (s *Server) updateAddr(p *serverPeer, addr net.Addr) {
	cur := p.addr.Load()
	if cur != nil && (*cur).String() == addr.String() {
		return
	}
	p.addr.Store(&addr)
	if cur != nil {
		metrics.IncrCounter(metrics.GroupTransport, metrics.NamePeerMigrationsTotal, 1)
		log.Info().
			Uint64("peer", uint64(p.id)).
			Str("from", (*cur).String()).
			Str("to", addr.String()).
			Msg("peer address migrated")
	}
}

// handleConnect allocates a peer slot, answers with ACCEPT and queues the
// new peer for the upper layer.
func (s *Server) handleConnect(clientKey []byte, addr net.Addr) {
	keypair, err := secure.GenerateKeypair()
	if err != nil {
		log.Error().Err(err).Msg("handshake key generation failed")
		return
	}
	cipher, err := keypair.SessionCipher(clientKey)
	if err != nil {
		log.Debug().Err(err).Msg("rejecting connect with invalid key")
		return
	}

	s.mu.Lock()
	var idx int
	switch {
	case len(s.free) > 0:
		idx = s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
	case len(s.slots) < s.cfg.MaxPeers:
		idx = len(s.slots)
		s.slots = append(s.slots, nil)
	default:
		s.mu.Unlock()
		log.Warn().Str("addr", addr.String()).Msg("peer table full, dropping connect")
		return
	}
	id := protocol.FirstClientPeerID + protocol.PeerID(idx)

	p := &serverPeer{
		id:        id,
		limiter:   rate.NewLimiter(rate.Limit(s.cfg.RecvRateLimit), s.cfg.RecvRateBurst),
		serverKey: keypair.PublicBytes(),
		clientKey: append([]byte(nil), clientKey...),
	}
	p.link = newLink(protocol.ServerPeerID, cipher, &peerWriter{srv: s, id: id}, s.cfg.InboundQueueSize, s.cfg.Reliable)
	p.addr.Store(&addr)
	s.slots[idx] = p
	s.mu.Unlock()

	peer := &Peer{
		p:        p,
		srv:      s,
		sender:   newSender(p.link),
		receiver: newReceiver(p.link),
	}

	select {
	case s.accept <- peer:
	default:
		// Nobody is accepting; roll the slot back.
		s.mu.Lock()
		s.slots[idx] = nil
		s.free = append(s.free, idx)
		s.mu.Unlock()
		log.Warn().Str("addr", addr.String()).Msg("accept queue full, dropping connect")
		return
	}

	frame := protocol.AppendHeader(make([]byte, 0, protocol.MaxPacketSize), protocol.ServerPeerID, protocol.Accept)
	frame = append(frame, p.serverKey...)
	frame = protocol.AppendUvarint(frame, uint64(id))
	if _, err := s.pc.WriteTo(frame, addr); err != nil {
		log.Error().Err(err).Msg("send accept failed")
	}

	metrics.UpdateGauge(metrics.GroupTransport, metrics.NamePeersLive, float64(s.livePeers()))
	log.Info().Uint64("peer", uint64(id)).Str("addr", addr.String()).Msg("peer connected")
}

// writeLoop serializes all outbound datagrams through the socket, resolving
// each peer's current address at send time.
func (s *Server) writeLoop() {
	for {
		select {
		case od := <-s.out:
			var err error
			if p := s.lookup(od.id); p != nil {
				addr := p.addr.Load()
				metrics.IncrCounter(metrics.GroupTransport, metrics.NameDatagramsOutTotal, 1)
				_, err = s.pc.WriteTo(od.data, *addr)
			} else {
				err = ErrClosed
			}
			if od.res != nil {
				od.res <- err
			}
		case <-s.closed:
			return
		}
	}
}

// peerWriter enqueues a pre-framed datagram for one peer into the shared
// outbound queue and waits for the send report.
type peerWriter struct {
	srv *Server
	id  protocol.PeerID
}

func (w *peerWriter) writeDatagram(data []byte) error {
	if len(data) > protocol.MaxPacketSize {
		return protocol.ErrOversize
	}
	res := make(chan error, 1)
	select {
	case w.srv.out <- outDatagram{id: w.id, data: data, res: res}:
	case <-w.srv.closed:
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-w.srv.closed:
		return ErrClosed
	}
}

// ID returns the assigned peer id.
func (p *Peer) ID() protocol.PeerID { return p.p.id }

// Sender returns the outbound half of the session.
func (p *Peer) Sender() *Sender { return p.sender }

// Receiver returns the inbound half of the session.
func (p *Peer) Receiver() *Receiver { return p.receiver }

// ServerKey returns the server's ephemeral public key for this connection;
// the application layer signs it with the long-term key.
func (p *Peer) ServerKey() []byte { return p.p.serverKey }

// ClientKey returns the client's ephemeral public key from the handshake;
// login verifies the client's signature over it.
func (p *Peer) ClientKey() []byte { return p.p.clientKey }

// Addr returns the peer's current observed address.
func (p *Peer) Addr() net.Addr { return *p.p.addr.Load() }

// Close releases the peer: its link stops and its id becomes reusable.
func (p *Peer) Close() {
	p.p.gone.Store(true)
	p.srv.evict(p.p)
}
