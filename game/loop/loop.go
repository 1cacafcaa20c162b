// Package loop is the authoritative tick scheduler: a single goroutine
// owning the whole world state, driven by a fixed-period timer and the
// event queue fed by player sessions and the chunk pipeline. Each tick it
// advances the simulation, packs per-player spatial deltas bounded by what
// every client last acknowledged, and maintains the set of active chunks.
package loop

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/voxbrix/voxbrix/game/component"
	"github.com/voxbrix/voxbrix/game/entity"
	"github.com/voxbrix/voxbrix/game/gen"
	"github.com/voxbrix/voxbrix/game/view"
	"github.com/voxbrix/voxbrix/log"
	"github.com/voxbrix/voxbrix/metrics"
	"github.com/voxbrix/voxbrix/network/message"
	"github.com/voxbrix/voxbrix/network/protocol"
	"github.com/voxbrix/voxbrix/storage"
)

// ErrServerWasClosed is returned by operations after the loop stopped.
var ErrServerWasClosed = errors.New("server was closed")

type chunkStatus uint8

const (
	chunkLoading chunkStatus = iota + 1
	chunkActive
)

// chunkState is one tracked chunk: its block classes and the cached
// broadcast blob, re-encoded lazily after alterations.
type chunkState struct {
	status  chunkStatus
	classes []entity.BlockClass
	cached  []byte
	dirty   bool
}

func (s *chunkState) blob() []byte {
	if s.dirty {
		blob, err := message.EncodeBlockClasses(s.classes)
		if err != nil {
			// The class array is always dense and sized; see
			// EncodeBlockClasses.
			panic(err)
		}
		s.cached = blob
		s.dirty = false
	}
	return s.cached
}

// Loop is the tick scheduler.
type Loop struct {
	cfg    *Cfg
	store  *storage.Store
	worker *gen.Worker

	events      chan any
	storeLoaded chan gen.Loaded
	stopped     chan struct{}

	// Everything below is owned by the Run goroutine.
	snapshot    entity.Snapshot
	registry    *entity.ActorRegistry
	position    *component.PositionComponent
	velocity    *component.Packable[component.Velocity]
	orientation *component.Packable[component.Orientation]
	players     map[entity.Actor]*player
	chunks      map[entity.Chunk]*chunkState
	removals    []entity.Actor
}

// Loop events.
type addPlayerEvent struct {
	playerID uint64
	username string
	client   Client
	res      chan AddPlayerResult
}

// AddPlayerResult reports the actor and view radius assigned at login.
type AddPlayerResult struct {
	Actor      entity.Actor
	ViewRadius int32
}

type removePlayerEvent struct{ actor entity.Actor }

type playerEvent struct {
	actor   entity.Actor
	channel protocol.Channel
	data    []byte
}

type shutdownEvent struct{}

// New builds a loop over the given store and generation worker.
func New(cfg *Cfg, store *storage.Store, worker *gen.Worker) (*Loop, error) {
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loop config: %w", err)
	}
	return &Loop{
		cfg:         cfg,
		store:       store,
		worker:      worker,
		events:      make(chan any, cfg.EventQueueSize),
		storeLoaded: make(chan gen.Loaded, 256),
		stopped:     make(chan struct{}),
		snapshot:    1,
		registry:    entity.NewActorRegistry(),
		position:    component.NewPositionComponent(),
		velocity:    component.NewPackable[component.Velocity]("velocity"),
		orientation: component.NewPackable[component.Orientation]("orientation"),
		players:     make(map[entity.Actor]*player),
		chunks:      make(map[entity.Chunk]*chunkState),
	}, nil
}

// AddPlayer registers a logged-in player and returns its actor.
func (l *Loop) AddPlayer(ctx context.Context, playerID uint64, username string, client Client) (AddPlayerResult, error) {
	res := make(chan AddPlayerResult, 1)
	select {
	case l.events <- addPlayerEvent{playerID: playerID, username: username, client: client, res: res}:
	case <-l.stopped:
		return AddPlayerResult{}, ErrServerWasClosed
	case <-ctx.Done():
		return AddPlayerResult{}, ctx.Err()
	}
	select {
	case r := <-res:
		return r, nil
	case <-l.stopped:
		return AddPlayerResult{}, ErrServerWasClosed
	case <-ctx.Done():
		return AddPlayerResult{}, ctx.Err()
	}
}

// RemovePlayer schedules removal of a player's actor.
func (l *Loop) RemovePlayer(actor entity.Actor) {
	select {
	case l.events <- removePlayerEvent{actor: actor}:
	case <-l.stopped:
	}
}

// Deliver hands one application message from a player session to the loop.
func (l *Loop) Deliver(actor entity.Actor, channel protocol.Channel, data []byte) error {
	select {
	case <-l.stopped:
		return ErrServerWasClosed
	default:
	}
	select {
	case l.events <- playerEvent{actor: actor, channel: channel, data: data}:
		return nil
	case <-l.stopped:
		return ErrServerWasClosed
	}
}

// Stop requests orderly shutdown.
func (l *Loop) Stop() {
	select {
	case l.events <- shutdownEvent{}:
	case <-l.stopped:
	}
}

// Run drives the loop until shutdown. Within one iteration the loop first
// drains the removal queue, then dispatches exactly one event.
func (l *Loop) Run(ctx context.Context) error {
	ticker := newTicker(l.cfg.TickInterval)
	defer ticker.Stop()
	defer close(l.stopped)
	defer l.releaseAll()

	for {
		l.drainRemovals()

		select {
		case ev := <-l.events:
			switch e := ev.(type) {
			case addPlayerEvent:
				l.addPlayer(e)
			case removePlayerEvent:
				l.removals = append(l.removals, e.actor)
			case playerEvent:
				l.handlePlayerEvent(e)
			case shutdownEvent:
				log.Info().Msg("loop shutting down")
				return nil
			}
		case <-ticker.C():
			l.process()
		case ld := <-l.worker.Loaded():
			l.handleLoaded(ld)
		case ld := <-l.storeLoaded:
			l.handleLoaded(ld)
		case <-ctx.Done():
			log.Info().Msg("loop context canceled")
			return ctx.Err()
		}
	}
}

func (l *Loop) releaseAll() {
	for _, p := range l.players {
		p.release()
	}
}

func (l *Loop) drainRemovals() {
	for _, a := range l.removals {
		// Removals arrive from several paths (session teardown, liveness
		// eviction, actor GC) and may repeat; only the first one counts.
		_, hasPos := l.position.Get(a)
		if l.players[a] == nil && !hasPos {
			continue
		}
		if p := l.players[a]; p != nil {
			p.release()
			delete(l.players, a)
			metrics.UpdateGauge(metrics.GroupLoop, metrics.NamePlayersLive, float64(len(l.players)))
			log.Info().Uint64("actor", uint64(a)).Str("username", p.username).Msg("player removed")
		}
		l.position.Remove(a, l.snapshot)
		l.velocity.Remove(a, l.snapshot)
		l.orientation.Remove(a, l.snapshot)
		l.registry.Remove(a)
	}
	l.removals = l.removals[:0]
}

func (l *Loop) addPlayer(e addPlayerEvent) {
	actor := l.registry.Add()
	spawn := component.Position{
		Chunk:  entity.Chunk{},
		Offset: [3]float32{8, 8, 8},
	}
	l.position.Set(actor, spawn, l.snapshot)
	l.velocity.Set(actor, component.Velocity{}, l.snapshot)
	l.orientation.Set(actor, component.Orientation{Rotation: [4]float32{0, 0, 0, 1}}, l.snapshot)

	p := newPlayer(actor, e.playerID, e.username, e.client, l.cfg.ViewRadius, l.cfg.ChunkQueueSize)
	p.lastHeard = l.snapshot
	l.players[actor] = p

	metrics.UpdateGauge(metrics.GroupLoop, metrics.NamePlayersLive, float64(len(l.players)))
	log.Info().Uint64("actor", uint64(actor)).Str("username", e.username).Msg("player joined")

	e.res <- AddPlayerResult{Actor: actor, ViewRadius: l.cfg.ViewRadius}
}

// handlePlayerEvent applies one inbound client message.
func (l *Loop) handlePlayerEvent(e playerEvent) {
	p := l.players[e.actor]
	if p == nil {
		return
	}
	m, err := message.Decode(e.data)
	if err != nil {
		log.Debug().Err(err).Uint64("actor", uint64(e.actor)).Msg("undecodable player message")
		return
	}
	p.lastHeard = l.snapshot

	switch msg := m.(type) {
	case *message.State:
		l.applyClientState(p, msg)
	case *message.AlterBlock:
		l.applyAlterBlock(p, msg)
	default:
		log.Debug().
			Uint64("actor", uint64(e.actor)).
			Str("type", m.MsgType().String()).
			Msg("unexpected in-session message")
	}
}

// applyClientState ingests a client state echo: snapshot bookkeeping plus
// the client-controlled components of its own actor.
func (l *Loop) applyClientState(p *player, st *message.State) {
	if st.Snapshot > p.lastClientSnapshot {
		p.lastClientSnapshot = st.Snapshot
	}
	// Clamp to the current snapshot: an echo from the future would push
	// the delta baseline permanently out of the retention window.
	confirmed := st.LastSnapshot
	if confirmed > l.snapshot {
		confirmed = l.snapshot
	}
	if confirmed > p.lastServerSnapshot {
		p.lastServerSnapshot = confirmed
	}

	u, err := component.DecodePack(st.State)
	if err != nil {
		log.Debug().Err(err).Uint64("actor", uint64(p.actor)).Msg("undecodable client state blob")
		return
	}
	u.Each("position", func(a entity.Actor, raw cbor.RawMessage) {
		if a != p.actor {
			return
		}
		var pos component.Position
		if err := cbor.Unmarshal(raw, &pos); err != nil {
			return
		}
		l.position.Set(p.actor, pos, l.snapshot)
	})
	u.Each("velocity", func(a entity.Actor, raw cbor.RawMessage) {
		if a != p.actor {
			return
		}
		var v component.Velocity
		if err := cbor.Unmarshal(raw, &v); err != nil {
			return
		}
		l.velocity.Set(p.actor, v, l.snapshot)
	})
	u.Each("orientation", func(a entity.Actor, raw cbor.RawMessage) {
		if a != p.actor {
			return
		}
		var o component.Orientation
		if err := cbor.Unmarshal(raw, &o); err != nil {
			return
		}
		l.orientation.Set(p.actor, o, l.snapshot)
	})

	// The echo confirms the view anchored at the player's current chunk.
	if pos, ok := l.position.Get(p.actor); ok {
		p.confirmedChunk = pos.Chunk
		p.confirmedValid = true
	}
}

// applyAlterBlock validates and applies a client block alteration, then
// persists and broadcasts it.
func (l *Loop) applyAlterBlock(p *player, ab *message.AlterBlock) {
	st := l.chunks[ab.Chunk]
	if st == nil || st.status != chunkActive {
		log.Debug().Uint64("actor", uint64(p.actor)).Msg("alter block for inactive chunk, dropping")
		return
	}
	if int(ab.Block) >= entity.BlocksInChunk {
		log.Debug().Uint64("actor", uint64(p.actor)).Msg("alter block index out of range, dropping")
		return
	}
	st.classes[ab.Block] = ab.Class
	st.dirty = true

	if err := l.store.PutChunk(ab.Chunk, st.blob()); err != nil {
		log.Error().Err(err).Msg("persist altered chunk failed")
	}

	data, err := message.Encode(ab)
	if err != nil {
		log.Error().Err(err).Msg("encode alter block failed")
		return
	}
	for _, other := range l.players {
		if l.playerView(other).Contains(ab.Chunk) {
			other.queueReliable(message.ChannelWorld, data)
		}
	}
}

func (l *Loop) playerView(p *player) view.View {
	pos, _ := l.position.Get(p.actor)
	return view.View{Center: pos.Chunk, Radius: p.viewRadius}
}
