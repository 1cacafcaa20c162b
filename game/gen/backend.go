// Package gen is the chunk activation pipeline's generation side: a worker
// on its own OS thread turns chunk coordinates into block-class arrays via
// a pluggable backend, persists them and reports completion to the tick
// loop.
package gen

import (
	"context"

	"github.com/voxbrix/voxbrix/game/entity"
)

// Backend produces the dense block-class array of one chunk, in (z, y, x)
// lexicographic order.
type Backend interface {
	Generate(ctx context.Context, c entity.Chunk) ([]entity.BlockClass, error)
	Close(ctx context.Context) error
}

// NewBackend builds the backend the configuration selects. labels maps
// block class names to ids for the generator's class lookups.
func NewBackend(ctx context.Context, cfg *Cfg, labels map[string]entity.BlockClass) (Backend, error) {
	if cfg.Backend == BackendWasm {
		return NewWasmBackend(ctx, cfg, labels)
	}
	return &FlatBackend{
		SurfaceY: cfg.SurfaceY,
		Air:      labels["air"],
		Surface:  labels["grass"],
		Filler:   labels["stone"],
	}, nil
}

// FlatBackend generates flat terrain: filler below the surface level, one
// surface layer, air above. It is also the backend the tests run against.
type FlatBackend struct {
	// SurfaceY is the global block y of the surface layer.
	SurfaceY int32

	Air     entity.BlockClass
	Surface entity.BlockClass
	Filler  entity.BlockClass
}

// Generate fills the chunk's block array.
func (f *FlatBackend) Generate(_ context.Context, c entity.Chunk) ([]entity.BlockClass, error) {
	classes := make([]entity.BlockClass, 0, entity.BlocksInChunk)
	base := c.Y * entity.BlocksInChunkEdge
	for z := 0; z < entity.BlocksInChunkEdge; z++ {
		for y := 0; y < entity.BlocksInChunkEdge; y++ {
			gy := base + int32(y)
			var class entity.BlockClass
			switch {
			case gy < f.SurfaceY:
				class = f.Filler
			case gy == f.SurfaceY:
				class = f.Surface
			default:
				class = f.Air
			}
			for x := 0; x < entity.BlocksInChunkEdge; x++ {
				classes = append(classes, class)
			}
		}
	}
	return classes, nil
}

// Close is a no-op for the flat backend.
func (f *FlatBackend) Close(context.Context) error { return nil }
