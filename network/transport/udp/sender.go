package udp

import (
	"context"
	"sync"
	"time"

	"github.com/voxbrix/voxbrix/log"
	"github.com/voxbrix/voxbrix/metrics"
	"github.com/voxbrix/voxbrix/network/protocol"
)

// Sender is the outbound half of a session. It can be split into an
// unreliable-only and a reliable-only half so each can be owned by a
// different task without contention.
type Sender struct {
	u UnreliableSender
	r ReliableSender
}

func newSender(l *link) *Sender {
	s := &Sender{
		u: UnreliableSender{l: l},
		r: ReliableSender{l: l, gate: make(chan struct{}, 1)},
	}
	s.r.gate <- struct{}{}
	return s
}

// SendUnreliable sends one fire-and-forget message on the given channel.
func (s *Sender) SendUnreliable(channel protocol.Channel, data []byte) error {
	return s.u.Send(channel, data)
}

// SendReliable sends one message on the ordered reliable stream, blocking
// until every datagram of it has been acknowledged.
func (s *Sender) SendReliable(ctx context.Context, channel protocol.Channel, data []byte) error {
	return s.r.Send(ctx, channel, data)
}

// WaitComplete blocks until the ack of the last issued reliable sequence has
// arrived; used at shutdown to flush a disconnect.
func (s *Sender) WaitComplete(ctx context.Context) error {
	return s.r.WaitComplete(ctx)
}

// Ping sends a keep-alive datagram.
func (s *Sender) Ping() error { return s.u.Ping() }

// Disconnect flushes the reliable stream and announces orderly teardown.
func (s *Sender) Disconnect(ctx context.Context) error {
	if err := s.r.WaitComplete(ctx); err != nil {
		return err
	}
	return s.u.l.sendSealed(protocol.Disconnect, nil)
}

// Split hands out the two independent halves. The Sender must not be used
// directly afterwards.
func (s *Sender) Split() (*UnreliableSender, *ReliableSender) {
	return &s.u, &s.r
}

// UnreliableSender sends fire-and-forget messages, fragmenting oversized
// ones into numbered shards under a rolling split id.
type UnreliableSender struct {
	l       *link
	mu      sync.Mutex
	splitID uint16
	pingSeq uint16
}

// Send transmits one message. Messages up to MaxDataSize travel as a single
// UNRELIABLE datagram; larger ones are split. Loss of any shard silently
// loses the whole message.
func (u *UnreliableSender) Send(channel protocol.Channel, data []byte) error {
	if len(data) > MaxMessageSize {
		return ErrTooLarge
	}
	if u.l.isClosed() {
		return ErrClosed
	}
	if len(data) <= protocol.MaxDataSize {
		bp := plainPool.Get().(*[]byte)
		plain := protocol.AppendUvarint((*bp)[:0], uint64(channel))
		plain = append(plain, data...)
		err := u.l.sendSealed(protocol.Unreliable, plain)
		*bp = plain[:0]
		plainPool.Put(bp)
		return err
	}
	return u.sendSplit(channel, data)
}

func (u *UnreliableSender) sendSplit(channel protocol.Channel, data []byte) error {
	u.mu.Lock()
	u.splitID++
	id := uint64(u.splitID)
	u.mu.Unlock()

	count := (len(data) + protocol.MaxDataSize - 1) / protocol.MaxDataSize
	for i := 0; i < count; i++ {
		start := i * protocol.MaxDataSize
		end := start + protocol.MaxDataSize
		if end > len(data) {
			end = len(data)
		}

		bp := plainPool.Get().(*[]byte)
		plain := protocol.AppendUvarint((*bp)[:0], uint64(channel))
		plain = protocol.AppendUvarint(plain, id)
		kind := protocol.UnreliableSplit
		if i == 0 {
			// The first shard announces the shard count instead of
			// its index.
			kind = protocol.UnreliableSplitStart
			plain = protocol.AppendUvarint(plain, uint64(count))
		} else {
			plain = protocol.AppendUvarint(plain, uint64(i))
		}
		plain = append(plain, data[start:end]...)
		err := u.l.sendSealed(kind, plain)
		*bp = plain[:0]
		plainPool.Put(bp)
		if err != nil {
			return err
		}
	}
	return nil
}

// Ping sends a PING datagram with a rolling sequence.
func (u *UnreliableSender) Ping() error {
	if u.l.isClosed() {
		return ErrClosed
	}
	u.mu.Lock()
	u.pingSeq++
	seq := uint64(u.pingSeq)
	u.mu.Unlock()

	bp := plainPool.Get().(*[]byte)
	plain := protocol.AppendUvarint((*bp)[:0], seq)
	err := u.l.sendSealed(protocol.Ping, plain)
	*bp = plain[:0]
	plainPool.Put(bp)
	return err
}

// ReliableSender sends ordered messages with stop-and-wait retransmission:
// each datagram is resent on a fixed interval until its ack arrives, and the
// next one is not issued before that. Throughput is bounded by RTT;
// ordering and exactly-once delivery come for free.
type ReliableSender struct {
	l    *link
	gate chan struct{}
	seq  protocol.Sequence
}

// acquire takes the single in-flight slot.
func (r *ReliableSender) acquire(ctx context.Context) error {
	select {
	case <-r.gate:
		return nil
	case <-r.l.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *ReliableSender) release() {
	r.gate <- struct{}{}
}

// Send transmits one ordered message, fragmenting oversized ones: every
// shard but the last travels as RELIABLE_SPLIT, the last as RELIABLE, each
// carrying its own sequence and individually acknowledged.
func (r *ReliableSender) Send(ctx context.Context, channel protocol.Channel, data []byte) error {
	if len(data) > MaxMessageSize {
		return ErrTooLarge
	}
	if err := r.acquire(ctx); err != nil {
		return err
	}
	defer r.release()

	rest := data
	for len(rest) > protocol.MaxDataSize {
		if err := r.sendShard(ctx, protocol.ReliableSplit, channel, rest[:protocol.MaxDataSize]); err != nil {
			return err
		}
		rest = rest[protocol.MaxDataSize:]
	}
	return r.sendShard(ctx, protocol.Reliable, channel, rest)
}

// WaitComplete blocks until no reliable datagram is in flight.
func (r *ReliableSender) WaitComplete(ctx context.Context) error {
	if err := r.acquire(ctx); err != nil {
		return err
	}
	r.release()
	return nil
}

// sendShard writes one datagram and waits for its ack, resending on the
// retry interval. Every attempt is sealed afresh so the remote replay
// window never rejects a retransmission whose original made it through but
// whose ack was lost. Stale acks from re-acked duplicates are discarded.
func (r *ReliableSender) sendShard(ctx context.Context, kind protocol.Kind, channel protocol.Channel, payload []byte) error {
	seq := r.seq

	bp := plainPool.Get().(*[]byte)
	plain := protocol.AppendUvarint((*bp)[:0], uint64(channel))
	plain = protocol.AppendUvarint(plain, uint64(seq))
	plain = append(plain, payload...)
	defer func() {
		*bp = plain[:0]
		plainPool.Put(bp)
	}()

	timer := time.NewTimer(r.l.rel.RetryInterval)
	defer timer.Stop()

	for attempt := 0; attempt <= r.l.rel.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.IncrCounter(metrics.GroupTransport, metrics.NameRetransmitTotal, 1)
		}
		if err := r.l.sendSealed(kind, plain); err != nil {
			return err
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.l.rel.RetryInterval)

	waitAck:
		for {
			select {
			case ack := <-r.l.acks:
				if ack == seq {
					r.seq++
					return nil
				}
				// Ack of an older, re-acked sequence.
				continue
			case <-timer.C:
				break waitAck
			case <-r.l.closed:
				return ErrClosed
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		log.Debug().
			Uint64("peer", uint64(r.l.localID)).
			Uint16("seq", uint16(seq)).
			Int("attempt", attempt+1).
			Msg("reliable datagram not acked, resending")
	}
	return ErrTimeout
}
