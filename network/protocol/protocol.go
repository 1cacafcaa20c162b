// Package protocol defines the datagram wire format shared by the server and
// the client: packet kinds, size limits, varint primitives and the
// header/body framing that the session cipher seals.
//
// Datagram layout (little-endian, unsigned varints):
//
//	sender_id   varint  (0 = new, 1 = server, >=2 = assigned peer)
//	packet_kind u8
//	body        bytes   (sealed for every kind except CONNECT and ACCEPT)
package protocol

import (
	"errors"
	"fmt"
)

// Kind enumerates packet kinds on the wire. The numeric values are the
// protocol; do not reorder.
type Kind uint8

const (
	// Connect opens a handshake; body is the client ephemeral public key.
	Connect Kind = iota
	// Accept answers Connect; body is the server ephemeral key and the
	// assigned peer id.
	Accept
	// Acknowledge confirms receipt of a reliable sequence.
	Acknowledge
	// Disconnect announces orderly teardown.
	Disconnect
	// Ping keeps an idle connection alive.
	Ping
	// Unreliable carries one fire-and-forget message.
	Unreliable
	// UnreliableSplitStart is the first shard of an oversized unreliable
	// message; it carries the split id and total shard count.
	UnreliableSplitStart
	// UnreliableSplit is a follow-up shard carrying its index.
	UnreliableSplit
	// Reliable carries an ordered message, or the final shard of one.
	Reliable
	// ReliableSplit is a non-final shard of an ordered message.
	ReliableSplit

	kindCount
)

// String returns the kind's wire name.
func (k Kind) String() string {
	switch k {
	case Connect:
		return "CONNECT"
	case Accept:
		return "ACCEPT"
	case Acknowledge:
		return "ACKNOWLEDGE"
	case Disconnect:
		return "DISCONNECT"
	case Ping:
		return "PING"
	case Unreliable:
		return "UNRELIABLE"
	case UnreliableSplitStart:
		return "UNRELIABLE_SPLIT_START"
	case UnreliableSplit:
		return "UNRELIABLE_SPLIT"
	case Reliable:
		return "RELIABLE"
	case ReliableSplit:
		return "RELIABLE_SPLIT"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Valid reports whether k is a known wire kind.
func (k Kind) Valid() bool { return k < kindCount }

// IsSealed reports whether the body of this kind is authenticated-encrypted
// with the session cipher. Connect and Accept bootstrap the cipher and travel
// in the clear.
func (k Kind) IsSealed() bool { return k != Connect && k != Accept }

// PeerID identifies a live connection. The server reserves ServerPeerID;
// NewPeerID marks a datagram from a peer that has not been assigned yet.
type PeerID uint64

const (
	// NewPeerID is the pseudo-id of an unassigned peer.
	NewPeerID PeerID = 0
	// ServerPeerID is the fixed id of the server.
	ServerPeerID PeerID = 1
	// FirstClientPeerID is the lowest id the server assigns.
	FirstClientPeerID PeerID = 2
)

// Channel is a logical stream within a connection. Reliable sequences and
// unreliable reassembly buffers are tracked per channel.
type Channel uint64

// BaseChannel carries the handshake and login exchange.
const BaseChannel Channel = 0

// Sequence is the 16-bit wrapping counter of a reliable stream.
type Sequence uint16

const (
	// MaxPacketSize bounds a whole datagram so the worst case fits one
	// IPv4 MTU with headroom.
	MaxPacketSize = 508

	// MaxDataSize bounds the user payload of a single datagram after all
	// framing, sealing and per-kind varints.
	MaxDataSize = 460

	// KeyLength is the length of an ephemeral public key on the wire
	// (compressed SEC1 point).
	KeyLength = 33

	// SealOverhead is the counter prefix plus the authentication tag the
	// cipher adds to a sealed body.
	SealOverhead = 8 + 16
)

// Errors returned by the framing layer. Wire-level transient conditions map
// onto these and are dropped by callers.
var (
	ErrShortDatagram = errors.New("datagram too short")
	ErrBadVarint     = errors.New("malformed varint")
	ErrUnknownKind   = errors.New("unknown packet kind")
	ErrOversize      = errors.New("payload exceeds datagram bounds")
)

// AppendHeader appends the sender id and kind to buf and returns the
// extended slice.
func AppendHeader(buf []byte, sender PeerID, kind Kind) []byte {
	buf = AppendUvarint(buf, uint64(sender))
	return append(buf, byte(kind))
}

// ParseHeader splits a datagram into sender id, kind and body.
func ParseHeader(data []byte) (PeerID, Kind, []byte, error) {
	sender, rest, err := ReadUvarint(data)
	if err != nil {
		return 0, 0, nil, err
	}
	if len(rest) < 1 {
		return 0, 0, nil, ErrShortDatagram
	}
	kind := Kind(rest[0])
	if !kind.Valid() {
		return 0, 0, nil, ErrUnknownKind
	}
	return PeerID(sender), kind, rest[1:], nil
}
