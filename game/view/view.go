// Package view computes per-player spatial deltas: which chunks became
// visible, which actors need a full pack, a partial pack or an absent
// marker, given the player's current view cube and the one anchored at the
// client's last confirmed chunk.
package view

import (
	"github.com/voxbrix/voxbrix/game/component"
	"github.com/voxbrix/voxbrix/game/entity"
)

// View is a cubic shell of chunks around a center, radius chunks per axis.
type View struct {
	Center entity.Chunk
	Radius int32
}

// Contains reports whether the chunk lies inside the view cube.
func (v View) Contains(c entity.Chunk) bool {
	if c.Dimension != v.Center.Dimension {
		return false
	}
	return abs(c.X-v.Center.X) <= v.Radius &&
		abs(c.Y-v.Center.Y) <= v.Radius &&
		abs(c.Z-v.Center.Z) <= v.Radius
}

// Each calls fn for every chunk of the cube in deterministic (z, y, x)
// order.
func (v View) Each(fn func(entity.Chunk)) {
	for dz := -v.Radius; dz <= v.Radius; dz++ {
		for dy := -v.Radius; dy <= v.Radius; dy++ {
			for dx := -v.Radius; dx <= v.Radius; dx++ {
				fn(v.Center.Offset(dx, dy, dz))
			}
		}
	}
}

// Size returns the number of chunks in the cube.
func (v View) Size() int {
	edge := int(2*v.Radius + 1)
	return edge * edge * edge
}

func abs(x int32) int32 {
	if x < 0 {
		return -x
	}
	return x
}

// Delta is the per-player packing decision for one tick.
type Delta struct {
	// NewChunks became visible this tick and need their chunk data sent.
	NewChunks []entity.Chunk
	// Full actors get every component packed.
	Full map[entity.Actor]struct{}
	// Partial actors get only components changed since the client's
	// snapshot.
	Partial map[entity.Actor]struct{}
	// Absent actors left the confirmed view and must be dropped by the
	// client.
	Absent []entity.Actor
}

// Compute classifies chunks and actors for one player.
//
// curr is anchored at the player's current chunk. prev is anchored at the
// client's last confirmed chunk; valid=false (fresh client or one lagging
// beyond the retention window) disables the delta path entirely: every
// chunk is new and every visible actor is packed in full.
func Compute(
	pos *component.PositionComponent,
	curr View,
	prev View,
	prevValid bool,
	since entity.Snapshot,
) Delta {
	d := Delta{
		Full:    make(map[entity.Actor]struct{}),
		Partial: make(map[entity.Actor]struct{}),
	}

	if !prevValid {
		curr.Each(func(c entity.Chunk) {
			d.NewChunks = append(d.NewChunks, c)
			pos.ActorsInChunk(c, func(a entity.Actor) {
				d.Full[a] = struct{}{}
			})
		})
		return d
	}

	curr.Each(func(c entity.Chunk) {
		visible := prev.Contains(c)
		if !visible {
			d.NewChunks = append(d.NewChunks, c)
		}
		pos.ActorsInChunk(c, func(a entity.Actor) {
			if visible {
				d.Partial[a] = struct{}{}
			} else {
				d.Full[a] = struct{}{}
			}
		})
	})

	// Replay chunk crossings since the confirmed snapshot: actors that
	// entered the intersection need a full pack (the client has no state
	// for them), actors that left the view need an absent marker.
	inBoth := func(c entity.Chunk) bool { return curr.Contains(c) && prev.Contains(c) }
	pos.Crossings(since, func(cc component.ChunkChange) {
		p, ok := pos.Get(cc.Actor)
		if !ok {
			return
		}
		if curr.Contains(p.Chunk) {
			if !inBoth(cc.Previous) {
				delete(d.Partial, cc.Actor)
				d.Full[cc.Actor] = struct{}{}
			}
			return
		}
		if inBoth(cc.Previous) {
			d.Absent = append(d.Absent, cc.Actor)
		}
	})

	return d
}
