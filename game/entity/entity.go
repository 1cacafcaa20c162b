// Package entity defines the core identifiers of the simulation: actors,
// snapshots, chunks and blocks.
package entity

import "sort"

// Actor identifies one simulated entity, player avatar or scripted.
type Actor uint64

// Snapshot is the monotonic tick counter. The server advances its own each
// tick; each client echoes the last one it saw.
type Snapshot uint64

// Diff returns how many ticks s is ahead of older.
func (s Snapshot) Diff(older Snapshot) uint64 {
	return uint64(s) - uint64(older)
}

// BlocksInChunkEdge is the edge length of the cubic block grid of one chunk.
const BlocksInChunkEdge = 16

// BlocksInChunk is the number of blocks in one chunk.
const BlocksInChunk = BlocksInChunkEdge * BlocksInChunkEdge * BlocksInChunkEdge

// Chunk addresses one chunk of the world grid.
type Chunk struct {
	X         int32  `cbor:"0,keyasint"`
	Y         int32  `cbor:"1,keyasint"`
	Z         int32  `cbor:"2,keyasint"`
	Dimension uint32 `cbor:"3,keyasint"`
}

// Offset translates the chunk by the given number of chunks per axis.
func (c Chunk) Offset(dx, dy, dz int32) Chunk {
	return Chunk{X: c.X + dx, Y: c.Y + dy, Z: c.Z + dz, Dimension: c.Dimension}
}

// Block is a block index within a chunk, in (z, y, x) lexicographic order.
type Block uint16

// BlockCoords returns the in-chunk coordinates of the block.
func (b Block) BlockCoords() (x, y, z int) {
	i := int(b)
	x = i % BlocksInChunkEdge
	i /= BlocksInChunkEdge
	y = i % BlocksInChunkEdge
	z = i / BlocksInChunkEdge
	return
}

// BlockAt returns the block index for in-chunk coordinates.
func BlockAt(x, y, z int) Block {
	return Block((z*BlocksInChunkEdge+y)*BlocksInChunkEdge + x)
}

// BlockClass identifies a block type resolved from its label.
type BlockClass uint64

// ActorRegistry hands out actor ids, reusing released ones.
type ActorRegistry struct {
	next Actor
	free []Actor
}

// NewActorRegistry returns an empty registry.
func NewActorRegistry() *ActorRegistry {
	return &ActorRegistry{}
}

// Add allocates an actor id. Released ids are reused lowest-first.
func (r *ActorRegistry) Add() Actor {
	if len(r.free) > 0 {
		sort.Slice(r.free, func(i, j int) bool { return r.free[i] > r.free[j] })
		a := r.free[len(r.free)-1]
		r.free = r.free[:len(r.free)-1]
		return a
	}
	a := r.next
	r.next++
	return a
}

// Remove releases an actor id for reuse.
func (r *ActorRegistry) Remove(a Actor) {
	r.free = append(r.free, a)
}
