package loop

import (
	"context"
	"time"

	"github.com/voxbrix/voxbrix/game/component"
	"github.com/voxbrix/voxbrix/game/entity"
	"github.com/voxbrix/voxbrix/game/gen"
	"github.com/voxbrix/voxbrix/game/view"
	"github.com/voxbrix/voxbrix/log"
	"github.com/voxbrix/voxbrix/metrics"
	"github.com/voxbrix/voxbrix/network/message"
)

type ticker struct{ t *time.Ticker }

func newTicker(d time.Duration) *ticker { return &ticker{t: time.NewTicker(d)} }
func (t *ticker) C() <-chan time.Time   { return t.t.C }
func (t *ticker) Stop()                 { t.t.Stop() }

// process runs one tick: advance physics, pack and send per-player state,
// maintain the active chunk set, then advance the snapshot counter.
func (l *Loop) process() {
	sw := metrics.NewStopWatch(metrics.GroupLoop, metrics.NameTickDurationMS)

	l.position.Prune(l.snapshot)
	l.velocity.Prune(l.snapshot)
	l.orientation.Prune(l.snapshot)

	l.integrate()

	tickets := make(map[entity.Chunk]struct{})
	for _, p := range l.players {
		if p.gone.Load() || l.snapshot.Diff(p.lastHeard) > component.MaxSnapshotDiff {
			l.removals = append(l.removals, p.actor)
			continue
		}
		curr := l.playerView(p)
		curr.Each(func(c entity.Chunk) {
			tickets[c] = struct{}{}
		})
		l.syncPlayer(p, curr)
	}

	l.collectActors(tickets)
	l.maintainChunks(tickets)

	l.snapshot++
	metrics.UpdateGauge(metrics.GroupLoop, metrics.NameTickSnapshot, float64(l.snapshot))
	sw.Stop()
}

// integrate advances positions by one tick of velocity, normalizing
// offsets so they stay within the chunk grid.
func (l *Loop) integrate() {
	dt := float32(l.cfg.TickInterval.Seconds())
	l.velocity.Each(func(a entity.Actor, v component.Velocity) {
		if v.Vector == [3]float32{} {
			return
		}
		pos, ok := l.position.Get(a)
		if !ok {
			return
		}
		for i := range pos.Offset {
			pos.Offset[i] += v.Vector[i] * dt
		}
		var d [3]int32
		for i := range pos.Offset {
			for pos.Offset[i] >= entity.BlocksInChunkEdge {
				pos.Offset[i] -= entity.BlocksInChunkEdge
				d[i]++
			}
			for pos.Offset[i] < 0 {
				pos.Offset[i] += entity.BlocksInChunkEdge
				d[i]--
			}
		}
		pos.Chunk = pos.Chunk.Offset(d[0], d[1], d[2])
		l.position.Set(a, pos, l.snapshot)
	})
}

// syncPlayer ships newly visible chunk data and the per-tick state message
// to one player.
func (l *Loop) syncPlayer(p *player, curr view.View) {
	prev := view.View{Center: p.confirmedChunk, Radius: p.viewRadius}
	prevValid := p.confirmedValid &&
		l.snapshot.Diff(p.lastServerSnapshot) <= component.MaxSnapshotDiff
	since := p.lastServerSnapshot

	d := view.Compute(l.position, curr, prev, prevValid, since)

	for _, c := range d.NewChunks {
		if st := l.chunks[c]; st != nil && st.status == chunkActive {
			l.shipChunk(p, c, st)
		}
	}
	for c := range p.shipped {
		if !curr.Contains(c) {
			delete(p.shipped, c)
		}
	}

	pk := component.NewPack()
	for a := range d.Full {
		l.position.AppendFull(pk, a)
		l.velocity.AppendFull(pk, a)
		l.orientation.AppendFull(pk, a)
	}
	for a := range d.Partial {
		l.position.AppendChanged(pk, a, since)
		l.velocity.AppendChanged(pk, a, since)
		l.orientation.AppendChanged(pk, a, since)
	}
	if prevValid {
		for _, a := range d.Absent {
			pk.Absent(l.position.Name(), a)
		}
		l.position.EachRemoved(since, func(a entity.Actor) {
			pk.Absent(l.position.Name(), a)
		})
	}

	blob, err := pk.Encode()
	if err != nil {
		log.Error().Err(err).Uint64("actor", uint64(p.actor)).Msg("state pack encode failed")
		return
	}
	data, err := message.Encode(&message.State{
		Snapshot:     l.snapshot,
		LastSnapshot: p.lastClientSnapshot,
		State:        blob,
	})
	if err != nil {
		log.Error().Err(err).Uint64("actor", uint64(p.actor)).Msg("state message encode failed")
		return
	}
	if err := p.client.SendUnreliable(message.ChannelState, data); err != nil {
		log.Debug().Err(err).Uint64("actor", uint64(p.actor)).Msg("state send failed, marking player gone")
		p.gone.Store(true)
	}
}

// shipChunk sends one chunk's block data reliably, once per visibility
// span.
func (l *Loop) shipChunk(p *player, c entity.Chunk, st *chunkState) {
	if _, ok := p.shipped[c]; ok {
		return
	}
	data, err := message.Encode(&message.ChunkData{Chunk: c, BlockClasses: st.blob()})
	if err != nil {
		log.Error().Err(err).Msg("chunk data encode failed")
		return
	}
	p.queueReliable(message.ChannelWorld, data)
	p.shipped[c] = struct{}{}
}

// collectActors removes actors that have no player and stand outside
// every ticketed chunk.
func (l *Loop) collectActors(tickets map[entity.Chunk]struct{}) {
	l.position.Each(func(a entity.Actor, pos component.Position) {
		if _, ok := l.players[a]; ok {
			return
		}
		if _, ok := tickets[pos.Chunk]; ok {
			return
		}
		l.removals = append(l.removals, a)
	})
}

// maintainChunks activates ticketed chunks and forgets unticketed ones.
func (l *Loop) maintainChunks(tickets map[entity.Chunk]struct{}) {
	for c := range tickets {
		if l.chunks[c] == nil {
			l.chunks[c] = &chunkState{status: chunkLoading}
			go l.readChunk(c)
		}
	}
	for c := range l.chunks {
		if _, ok := tickets[c]; !ok {
			delete(l.chunks, c)
		}
	}
	l.updateChunkGauge()
}

// readChunk resolves a chunk from storage, falling back to generation on
// a miss or an undecodable blob.
func (l *Loop) readChunk(c entity.Chunk) {
	blob, ok, err := l.store.ChunkBlob(context.Background(), c)
	if err == nil && ok {
		classes, derr := message.DecodeBlockClasses(blob)
		if derr == nil {
			metrics.IncrCounter(metrics.GroupLoop, metrics.NameChunkLoadTotal, 1)
			select {
			case l.storeLoaded <- gen.Loaded{Chunk: c, Classes: classes, Blob: blob}:
			case <-l.stopped:
			}
			return
		}
		log.Warn().Err(derr).Msg("stored chunk blob undecodable, regenerating")
	}
	if err != nil {
		log.Warn().Err(err).Msg("chunk read failed, regenerating")
	}
	l.worker.Enqueue(c)
}

// handleLoaded activates a resolved chunk and ships it to every player
// that currently sees it.
func (l *Loop) handleLoaded(ld gen.Loaded) {
	st := l.chunks[ld.Chunk]
	if st == nil {
		// Lost its ticket while loading.
		return
	}
	if ld.Err != nil {
		log.Error().Err(ld.Err).Msg("chunk resolution failed")
		return
	}
	st.status = chunkActive
	st.classes = ld.Classes
	st.cached = ld.Blob
	st.dirty = false
	l.updateChunkGauge()

	for _, p := range l.players {
		if p.gone.Load() {
			continue
		}
		if l.playerView(p).Contains(ld.Chunk) {
			l.shipChunk(p, ld.Chunk, st)
		}
	}
}

func (l *Loop) updateChunkGauge() {
	active := 0
	for _, st := range l.chunks {
		if st.status == chunkActive {
			active++
		}
	}
	metrics.UpdateGauge(metrics.GroupLoop, metrics.NameChunksActive, float64(active))
}
