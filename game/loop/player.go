package loop

import (
	"context"
	"sync/atomic"

	"github.com/voxbrix/voxbrix/game/entity"
	"github.com/voxbrix/voxbrix/log"
	"github.com/voxbrix/voxbrix/network/protocol"
)

// Client is the loop's handle to one player's outbound transport half.
// udp sessions satisfy it on the server; tests plug in fakes.
type Client interface {
	SendUnreliable(channel protocol.Channel, data []byte) error
	SendReliable(ctx context.Context, channel protocol.Channel, data []byte) error
	Close()
}

// player is the loop-owned state of one connected player.
type player struct {
	actor    entity.Actor
	playerID uint64
	username string
	client   Client

	viewRadius int32

	// lastServerSnapshot is the last server snapshot the client echoed;
	// deltas are packed against it.
	lastServerSnapshot entity.Snapshot
	// lastClientSnapshot is the client's own counter, echoed back in
	// every state message the server sends.
	lastClientSnapshot entity.Snapshot
	// lastHeard is the server snapshot at which the client last sent
	// anything; liveness eviction keys off it.
	lastHeard entity.Snapshot

	// confirmed is the view anchor of the client's last echo.
	confirmedChunk entity.Chunk
	confirmedValid bool

	// shipped tracks chunks whose data the client holds; cleared when a
	// chunk leaves the view so re-entry ships it again.
	shipped map[entity.Chunk]struct{}

	// rel is drained by a per-player goroutine so the loop never blocks
	// on the stop-and-wait reliable stream.
	rel  chan relSend
	gone atomic.Bool
}

type relSend struct {
	channel protocol.Channel
	data    []byte
}

func newPlayer(actor entity.Actor, playerID uint64, username string, client Client, viewRadius int32, queueSize int) *player {
	p := &player{
		actor:      actor,
		playerID:   playerID,
		username:   username,
		client:     client,
		viewRadius: viewRadius,
		shipped:    make(map[entity.Chunk]struct{}),
		rel:        make(chan relSend, queueSize),
	}
	go p.sendLoop()
	return p
}

// sendLoop owns the reliable half of the player's session.
func (p *player) sendLoop() {
	ctx := context.Background()
	for s := range p.rel {
		if p.gone.Load() {
			continue
		}
		if err := p.client.SendReliable(ctx, s.channel, s.data); err != nil {
			log.Debug().Err(err).Uint64("actor", uint64(p.actor)).Msg("reliable send failed, marking player gone")
			p.gone.Store(true)
		}
	}
}

// queueReliable enqueues a reliable send, marking the player gone instead
// of blocking if its queue is full.
func (p *player) queueReliable(channel protocol.Channel, data []byte) {
	select {
	case p.rel <- relSend{channel: channel, data: data}:
	default:
		log.Warn().Uint64("actor", uint64(p.actor)).Msg("player reliable queue overflow, dropping client")
		p.gone.Store(true)
	}
}

// release stops the send goroutine and closes the transport.
func (p *player) release() {
	p.gone.Store(true)
	close(p.rel)
	p.client.Close()
}
