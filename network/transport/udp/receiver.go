package udp

import (
	"context"
	"fmt"

	"github.com/voxbrix/voxbrix/log"
	"github.com/voxbrix/voxbrix/network/protocol"
)

// Message is one decoded, possibly reassembled application message.
type Message struct {
	Channel protocol.Channel
	Data    []byte
}

// Receiver is the inbound half of a session. Recv yields application
// messages in the order the transport guarantees them: FIFO on the reliable
// stream, best-effort for unreliable traffic.
type Receiver struct {
	l *link

	// Reliable stream state: next expected sequence and the accumulation
	// buffer of an in-progress split.
	expected   protocol.Sequence
	relBuf     []byte
	relChannel protocol.Channel
	relActive  bool

	// Unreliable reassembly, one in-progress split per channel. A new
	// split id on the same channel abandons the previous assembly.
	splits map[protocol.Channel]*splitAssembly
}

type splitAssembly struct {
	id     uint64
	count  int
	shards [][]byte
	seen   int
}

func newReceiver(l *link) *Receiver {
	return &Receiver{
		l:      l,
		splits: make(map[protocol.Channel]*splitAssembly),
	}
}

// Recv blocks until the next complete message, the context is canceled, or
// the connection ends. Dropping the surrounding goroutine between calls is
// safe; no message is lost by cancellation between polls.
func (r *Receiver) Recv(ctx context.Context) (Message, error) {
	for {
		select {
		case pkt, ok := <-r.l.inbound:
			if !ok {
				return Message{}, ErrClosed
			}
			msg, complete, err := r.process(pkt)
			if err != nil {
				return Message{}, err
			}
			if complete {
				return msg, nil
			}
		case <-r.l.closed:
			// Drain queued datagrams before reporting closure so a
			// final DISCONNECT is not lost to the race with teardown.
			select {
			case pkt, ok := <-r.l.inbound:
				if !ok {
					return Message{}, ErrClosed
				}
				msg, complete, err := r.process(pkt)
				if err != nil {
					return Message{}, err
				}
				if complete {
					return msg, nil
				}
			default:
				return Message{}, ErrClosed
			}
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// process consumes one decrypted datagram and reports whether it completed a
// message.
func (r *Receiver) process(pkt inPacket) (Message, bool, error) {
	switch pkt.kind {
	case protocol.Unreliable:
		channel, payload, err := splitChannel(pkt.body)
		if err != nil {
			return Message{}, false, nil
		}
		return Message{Channel: channel, Data: payload}, true, nil

	case protocol.UnreliableSplitStart, protocol.UnreliableSplit:
		return r.processUnreliableSplit(pkt)

	case protocol.Reliable, protocol.ReliableSplit:
		return r.processReliable(pkt)

	case protocol.Ping:
		return Message{}, false, nil

	case protocol.Disconnect:
		r.l.close()
		return Message{}, false, ErrDisconnected

	default:
		// Connect/Accept/Acknowledge never reach the receiver.
		log.Debug().Str("kind", pkt.kind.String()).Msg("unexpected kind in receiver, dropping")
		return Message{}, false, nil
	}
}

func (r *Receiver) processUnreliableSplit(pkt inPacket) (Message, bool, error) {
	channel, rest, err := splitChannel(pkt.body)
	if err != nil {
		return Message{}, false, nil
	}
	id, rest, err := protocol.ReadUvarint(rest)
	if err != nil {
		return Message{}, false, nil
	}

	asm := r.splits[channel]

	if pkt.kind == protocol.UnreliableSplitStart {
		count, payload, err := protocol.ReadUvarint(rest)
		if err != nil || count == 0 || count > MaxMessageSize/protocol.MaxDataSize+1 {
			return Message{}, false, nil
		}
		// A new split id resets any partial assembly on this channel.
		asm = &splitAssembly{
			id:     id,
			count:  int(count),
			shards: make([][]byte, count),
		}
		r.splits[channel] = asm
		asm.shards[0] = payload
		asm.seen = 1
		return r.finishSplit(channel, asm)
	}

	index, payload, err := protocol.ReadUvarint(rest)
	if err != nil {
		return Message{}, false, nil
	}
	if asm == nil || asm.id != id {
		// Shard of an unknown or abandoned split.
		return Message{}, false, nil
	}
	if index >= uint64(asm.count) || asm.shards[index] != nil {
		return Message{}, false, nil
	}
	asm.shards[index] = payload
	asm.seen++
	return r.finishSplit(channel, asm)
}

// finishSplit concatenates the shards in index order once all are present.
func (r *Receiver) finishSplit(channel protocol.Channel, asm *splitAssembly) (Message, bool, error) {
	if asm.seen < asm.count {
		return Message{}, false, nil
	}
	delete(r.splits, channel)
	size := 0
	for _, s := range asm.shards {
		size += len(s)
	}
	data := make([]byte, 0, size)
	for _, s := range asm.shards {
		data = append(data, s...)
	}
	return Message{Channel: channel, Data: data}, true, nil
}

func (r *Receiver) processReliable(pkt inPacket) (Message, bool, error) {
	channel, rest, err := splitChannel(pkt.body)
	if err != nil {
		return Message{}, false, nil
	}
	seqRaw, payload, err := protocol.ReadUvarint(rest)
	if err != nil {
		return Message{}, false, nil
	}
	seq := protocol.Sequence(seqRaw)

	// Ack every reliable datagram, in order or not: the sender keeps
	// retransmitting until it hears the ack, so duplicates must be
	// re-acked.
	if err := r.l.sendAck(seq); err != nil {
		return Message{}, false, fmt.Errorf("send ack: %w", err)
	}

	if seq != r.expected {
		// Duplicate or future datagram; drop after re-acking.
		return Message{}, false, nil
	}
	r.expected++

	if pkt.kind == protocol.ReliableSplit {
		if r.relActive && channel != r.relChannel {
			log.Debug().
				Uint64("channel", uint64(channel)).
				Uint64("inProgress", uint64(r.relChannel)).
				Msg("reliable split channel mismatch, dropping shard")
			return Message{}, false, nil
		}
		if !r.relActive {
			r.relActive = true
			r.relChannel = channel
			r.relBuf = r.relBuf[:0]
		}
		if len(r.relBuf)+len(payload) > MaxMessageSize {
			log.Warn().
				Int("size", len(r.relBuf)+len(payload)).
				Msg("reliable assembly exceeds message size bound, closing connection")
			r.l.close()
			return Message{}, false, ErrTooLarge
		}
		r.relBuf = append(r.relBuf, payload...)
		return Message{}, false, nil
	}

	// Final (or only) shard: flush the accumulated buffer with this
	// payload appended.
	if r.relActive {
		if channel != r.relChannel {
			log.Debug().
				Uint64("channel", uint64(channel)).
				Uint64("inProgress", uint64(r.relChannel)).
				Msg("reliable final shard channel mismatch, dropping assembly")
			r.relActive = false
			return Message{}, false, nil
		}
		if len(r.relBuf)+len(payload) > MaxMessageSize {
			log.Warn().
				Int("size", len(r.relBuf)+len(payload)).
				Msg("reliable assembly exceeds message size bound, closing connection")
			r.l.close()
			return Message{}, false, ErrTooLarge
		}
		data := make([]byte, 0, len(r.relBuf)+len(payload))
		data = append(data, r.relBuf...)
		data = append(data, payload...)
		r.relActive = false
		return Message{Channel: channel, Data: data}, true, nil
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return Message{Channel: channel, Data: out}, true, nil
}

// splitChannel reads the leading channel varint off a plaintext body.
func splitChannel(body []byte) (protocol.Channel, []byte, error) {
	channel, rest, err := protocol.ReadUvarint(body)
	if err != nil {
		return 0, nil, err
	}
	return protocol.Channel(channel), rest, nil
}
