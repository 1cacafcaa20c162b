package component

import (
	"github.com/voxbrix/voxbrix/game/entity"
)

// Position locates an actor: the chunk it stands in and the offset within
// that chunk, in blocks.
type Position struct {
	Chunk  entity.Chunk `cbor:"0,keyasint"`
	Offset [3]float32   `cbor:"1,keyasint"`
}

// Velocity is an actor's velocity in blocks per second.
type Velocity struct {
	Vector [3]float32 `cbor:"0,keyasint"`
}

// Orientation is an actor's facing as a unit quaternion.
type Orientation struct {
	Rotation [4]float32 `cbor:"0,keyasint"`
}

// ChunkChange records one actor crossing a chunk boundary: the snapshot it
// happened at and the chunk the actor came from.
type ChunkChange struct {
	Snapshot entity.Snapshot
	Actor    entity.Actor
	Previous entity.Chunk
}

// PositionComponent is the position storage plus two indices the spatial
// filter depends on: actors by chunk, and the log of chunk crossings.
// All mutation funnels through Set and Remove so the indices never drift
// from the storage.
type PositionComponent struct {
	*Packable[Position]

	byChunk  map[entity.Chunk]map[entity.Actor]struct{}
	chunkLog []ChunkChange
}

// NewPositionComponent returns an empty position component.
func NewPositionComponent() *PositionComponent {
	return &PositionComponent{
		Packable: NewPackable[Position]("position"),
		byChunk:  make(map[entity.Chunk]map[entity.Actor]struct{}),
	}
}

// Set is the single writer for positions. A chunk crossing updates the
// chunk index and appends one entry to the crossing log.
func (p *PositionComponent) Set(a entity.Actor, pos Position, at entity.Snapshot) {
	prev, had := p.Get(a)
	p.Packable.Set(a, pos, at)

	if had && prev.Chunk == pos.Chunk {
		return
	}
	if had {
		p.dropFromChunk(prev.Chunk, a)
		p.chunkLog = append(p.chunkLog, ChunkChange{Snapshot: at, Actor: a, Previous: prev.Chunk})
	}
	set := p.byChunk[pos.Chunk]
	if set == nil {
		set = make(map[entity.Actor]struct{})
		p.byChunk[pos.Chunk] = set
	}
	set[a] = struct{}{}
}

// Remove drops the actor from storage and indices.
func (p *PositionComponent) Remove(a entity.Actor, at entity.Snapshot) {
	if pos, ok := p.Get(a); ok {
		p.dropFromChunk(pos.Chunk, a)
	}
	p.Packable.Remove(a, at)
}

func (p *PositionComponent) dropFromChunk(c entity.Chunk, a entity.Actor) {
	if set := p.byChunk[c]; set != nil {
		delete(set, a)
		if len(set) == 0 {
			delete(p.byChunk, c)
		}
	}
}

// ActorsInChunk calls fn for every actor currently positioned in the chunk.
func (p *PositionComponent) ActorsInChunk(c entity.Chunk, fn func(entity.Actor)) {
	for a := range p.byChunk[c] {
		fn(a)
	}
}

// Crossings calls fn for every chunk-crossing logged after since, newest
// retained window only.
func (p *PositionComponent) Crossings(since entity.Snapshot, fn func(ChunkChange)) {
	for _, cc := range p.chunkLog {
		if cc.Snapshot > since {
			fn(cc)
		}
	}
}

// Prune drops ledger entries and crossing-log entries outside the retention
// window.
func (p *PositionComponent) Prune(current entity.Snapshot) {
	p.Packable.Prune(current)
	keep := p.chunkLog[:0]
	for _, cc := range p.chunkLog {
		if current.Diff(cc.Snapshot) <= MaxSnapshotDiff {
			keep = append(keep, cc)
		}
	}
	p.chunkLog = keep
}
