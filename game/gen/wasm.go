package gen

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/voxbrix/voxbrix/game/entity"
)

// WasmBackend runs an untrusted generator module in a sandbox. The module
// imports three host functions to learn the chunk edge length, resolve
// block-class labels and push blocks, and exports
// generate_chunk(seed, phase, x, y, z) which must push exactly edge cubed
// blocks in (z, y, x) lexicographic order.
type WasmBackend struct {
	runtime  wazero.Runtime
	generate api.Function

	seed        int64
	phase       uint32
	callTimeout time.Duration

	// One generation call at a time; the push buffer is shared with the
	// host functions.
	mu     sync.Mutex
	labels map[string]entity.BlockClass
	buf    []entity.BlockClass
}

// NewWasmBackend loads the generator module from cfg.ModulePath. labels
// resolves block-class labels the generator asks for; unknown labels
// resolve to class 0.
func NewWasmBackend(ctx context.Context, cfg *Cfg, labels map[string]entity.BlockClass) (*WasmBackend, error) {
	wasmBytes, err := os.ReadFile(cfg.ModulePath)
	if err != nil {
		return nil, fmt.Errorf("read generator module: %w", err)
	}

	b := &WasmBackend{
		seed:        cfg.Seed,
		phase:       cfg.Phase,
		callTimeout: cfg.CallTimeout,
		labels:      labels,
		buf:         make([]entity.BlockClass, 0, entity.BlocksInChunk),
	}

	// The sandbox enforces a memory page cap and, through context
	// cancellation, a CPU-time bound per generation call.
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	b.runtime = wazero.NewRuntimeWithConfig(ctx, rc)

	_, err = b.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(context.Context) uint32 {
			return entity.BlocksInChunkEdge
		}).
		Export("get_blocks_in_chunk_edge").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, ptr, n uint32) uint64 {
			raw, ok := m.Memory().Read(ptr, n)
			if !ok {
				return 0
			}
			return uint64(b.labels[string(raw)])
		}).
		Export("get_block_class").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, class uint64) {
			b.buf = append(b.buf, entity.BlockClass(class))
		}).
		Export("push_block").
		Instantiate(ctx)
	if err != nil {
		_ = b.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}

	wasi_snapshot_preview1.MustInstantiate(ctx, b.runtime)

	mod, err := b.runtime.InstantiateWithConfig(ctx, wasmBytes,
		wazero.NewModuleConfig().WithName("generator"))
	if err != nil {
		_ = b.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate generator: %w", err)
	}

	b.generate = mod.ExportedFunction("generate_chunk")
	if b.generate == nil {
		_ = b.runtime.Close(ctx)
		return nil, fmt.Errorf("generator does not export generate_chunk")
	}
	return b, nil
}

// Generate runs one sandboxed generation call.
func (b *WasmBackend) Generate(ctx context.Context, c entity.Chunk) ([]entity.BlockClass, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
	}

	b.buf = b.buf[:0]
	_, err := b.generate.Call(ctx,
		api.EncodeI64(b.seed),
		uint64(b.phase),
		api.EncodeI32(c.X),
		api.EncodeI32(c.Y),
		api.EncodeI32(c.Z),
	)
	if err != nil {
		return nil, fmt.Errorf("generate_chunk(%d,%d,%d): %w", c.X, c.Y, c.Z, err)
	}
	if len(b.buf) != entity.BlocksInChunk {
		return nil, fmt.Errorf("generator pushed %d blocks, want %d", len(b.buf), entity.BlocksInChunk)
	}
	out := make([]entity.BlockClass, entity.BlocksInChunk)
	copy(out, b.buf)
	return out, nil
}

// Close tears the runtime down.
func (b *WasmBackend) Close(ctx context.Context) error {
	return b.runtime.Close(ctx)
}
