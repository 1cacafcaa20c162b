// Package udp implements the voxbrix datagram transport: encrypted framing,
// fragmentation and reassembly, stop-and-wait reliable streams, the
// server-side connection multiplexer and the split sender/receiver session
// API exposed to the game layer.
package udp

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxbrix/voxbrix/network/protocol"
	"github.com/voxbrix/voxbrix/network/secure"
	"github.com/voxbrix/voxbrix/utils/pool"
)

// Errors surfaced by the session API.
var (
	// ErrClosed is returned once the connection has been torn down.
	ErrClosed = errors.New("connection closed")
	// ErrTimeout is returned when a reliable send exhausts its retry
	// budget; the connection is no longer usable.
	ErrTimeout = errors.New("reliable send timed out")
	// ErrDisconnected is returned by Recv after the remote side announced
	// orderly teardown.
	ErrDisconnected = errors.New("peer disconnected")
	// ErrTooLarge is returned for messages beyond MaxMessageSize.
	ErrTooLarge = errors.New("message too large")
)

// MaxMessageSize bounds one application message before fragmentation.
const MaxMessageSize = 1 << 20

// inPacket is one decrypted datagram handed from the demultiplexing read
// loop to a receiver. body is the plaintext for sealed kinds.
type inPacket struct {
	kind protocol.Kind
	body []byte
}

// datagramWriter abstracts the outbound socket path: the client writes
// directly, a server-side peer enqueues into the multiplexer.
type datagramWriter interface {
	writeDatagram(data []byte) error
}

// plainPool recycles plaintext scratch buffers used while building sealed
// frames.
var plainPool = pool.NewPool("udp_plaintext", func() any {
	b := make([]byte, 0, protocol.MaxPacketSize)
	return &b
})

// link is the state shared by the sender and receiver halves of one
// connection.
type link struct {
	localID protocol.PeerID
	cipher  *secure.Cipher
	writer  datagramWriter

	inbound chan inPacket
	acks    chan protocol.Sequence

	rel ReliableCfg

	// Unix nanos of the last authenticated datagram in either direction,
	// for keepalive and idle eviction.
	lastRecv atomic.Int64
	lastSent atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
}

func newLink(localID protocol.PeerID, cipher *secure.Cipher, writer datagramWriter, inboundSize int, rel ReliableCfg) *link {
	l := &link{
		localID: localID,
		cipher:  cipher,
		writer:  writer,
		inbound: make(chan inPacket, inboundSize),
		acks:    make(chan protocol.Sequence, 16),
		rel:     rel,
		closed:  make(chan struct{}),
	}
	now := time.Now().UnixNano()
	l.lastRecv.Store(now)
	l.lastSent.Store(now)
	return l
}

func (l *link) touchRecv() { l.lastRecv.Store(time.Now().UnixNano()) }

func (l *link) sinceRecv() time.Duration {
	return time.Duration(time.Now().UnixNano() - l.lastRecv.Load())
}

func (l *link) sinceSent() time.Duration {
	return time.Duration(time.Now().UnixNano() - l.lastSent.Load())
}

func (l *link) close() {
	l.closeOnce.Do(func() { close(l.closed) })
}

func (l *link) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// sealFrame builds a complete datagram: header in the clear, body sealed
// with the session cipher.
func (l *link) sealFrame(kind protocol.Kind, plaintext []byte) []byte {
	frame := protocol.AppendHeader(make([]byte, 0, protocol.MaxPacketSize), l.localID, kind)
	return l.cipher.Seal(frame, plaintext)
}

// sendSealed seals and writes one datagram.
func (l *link) sendSealed(kind protocol.Kind, plaintext []byte) error {
	err := l.writer.writeDatagram(l.sealFrame(kind, plaintext))
	if err == nil {
		l.lastSent.Store(time.Now().UnixNano())
	}
	return err
}

// sendAck acknowledges a reliable sequence. Acks may be sent any number of
// times for the same sequence.
func (l *link) sendAck(seq protocol.Sequence) error {
	bp := plainPool.Get().(*[]byte)
	plain := protocol.AppendUvarint((*bp)[:0], uint64(seq))
	err := l.sendSealed(protocol.Acknowledge, plain)
	*bp = plain[:0]
	plainPool.Put(bp)
	return err
}
