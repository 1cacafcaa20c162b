package view

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxbrix/voxbrix/game/component"
	"github.com/voxbrix/voxbrix/game/entity"
)

func TestViewContains(t *testing.T) {
	v := View{Center: entity.Chunk{}, Radius: 2}
	assert.True(t, v.Contains(entity.Chunk{X: 2, Y: -2, Z: 0}))
	assert.False(t, v.Contains(entity.Chunk{X: 3}))
	assert.False(t, v.Contains(entity.Chunk{Dimension: 1}))
}

func TestViewEachCoversCube(t *testing.T) {
	v := View{Center: entity.Chunk{X: 10}, Radius: 1}
	seen := map[entity.Chunk]bool{}
	v.Each(func(c entity.Chunk) { seen[c] = true })
	assert.Len(t, seen, v.Size())
	assert.Equal(t, 27, v.Size())
	assert.True(t, seen[entity.Chunk{X: 9, Y: -1, Z: 1}])
}

func TestFreshClientGetsEverythingFull(t *testing.T) {
	pos := component.NewPositionComponent()
	pos.Set(1, component.Position{Chunk: entity.Chunk{}}, 1)
	pos.Set(2, component.Position{Chunk: entity.Chunk{X: 4}}, 1)
	pos.Set(3, component.Position{Chunk: entity.Chunk{X: 9}}, 1)

	curr := View{Center: entity.Chunk{}, Radius: 4}
	d := Compute(pos, curr, View{}, false, 0)

	assert.Len(t, d.NewChunks, curr.Size())
	assert.Contains(t, d.Full, entity.Actor(1))
	assert.Contains(t, d.Full, entity.Actor(2))
	assert.NotContains(t, d.Full, entity.Actor(3))
	assert.Empty(t, d.Partial)
	assert.Empty(t, d.Absent)
}

func TestMoveOneChunkShipsOnlyNewSlab(t *testing.T) {
	pos := component.NewPositionComponent()
	curr := View{Center: entity.Chunk{X: 1}, Radius: 3}
	prev := View{Center: entity.Chunk{}, Radius: 3}

	d := Compute(pos, curr, prev, true, 5)

	// Moving one chunk along x exposes exactly one 7x7 slab.
	require.Len(t, d.NewChunks, 49)
	for _, c := range d.NewChunks {
		assert.Equal(t, int32(4), c.X)
	}
}

func TestActorEnteringIntersectionIsPackedFull(t *testing.T) {
	pos := component.NewPositionComponent()
	// Actor walks from far outside into the overlap.
	pos.Set(1, component.Position{Chunk: entity.Chunk{X: 20}}, 1)
	pos.Set(1, component.Position{Chunk: entity.Chunk{X: 1}}, 10)

	curr := View{Center: entity.Chunk{}, Radius: 3}
	prev := View{Center: entity.Chunk{}, Radius: 3}
	d := Compute(pos, curr, prev, true, 5)

	assert.Contains(t, d.Full, entity.Actor(1))
	assert.NotContains(t, d.Partial, entity.Actor(1))
	assert.Empty(t, d.NewChunks)
}

func TestActorLeavingViewIsMarkedAbsent(t *testing.T) {
	pos := component.NewPositionComponent()
	pos.Set(1, component.Position{Chunk: entity.Chunk{X: 1}}, 1)
	pos.Set(1, component.Position{Chunk: entity.Chunk{X: 20}}, 10)

	curr := View{Center: entity.Chunk{}, Radius: 3}
	prev := View{Center: entity.Chunk{}, Radius: 3}
	d := Compute(pos, curr, prev, true, 5)

	assert.Equal(t, []entity.Actor{1}, d.Absent)
	assert.Empty(t, d.Full)
}

func TestActorInsideIntersectionIsPartial(t *testing.T) {
	pos := component.NewPositionComponent()
	pos.Set(1, component.Position{Chunk: entity.Chunk{X: 1}}, 1)

	curr := View{Center: entity.Chunk{}, Radius: 3}
	prev := View{Center: entity.Chunk{X: 1}, Radius: 3}
	d := Compute(pos, curr, prev, true, 5)

	assert.Contains(t, d.Partial, entity.Actor(1))
	assert.NotContains(t, d.Full, entity.Actor(1))
}
