package gen

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxbrix/voxbrix/game/entity"
	"github.com/voxbrix/voxbrix/network/message"
	"github.com/voxbrix/voxbrix/storage"
)

func TestFlatBackendLayers(t *testing.T) {
	b := &FlatBackend{SurfaceY: 0, Air: 0, Surface: 2, Filler: 1}

	classes, err := b.Generate(context.Background(), entity.Chunk{})
	require.NoError(t, err)
	require.Len(t, classes, entity.BlocksInChunk)

	// y=0 is the surface, everything above is air.
	assert.Equal(t, entity.BlockClass(2), classes[entity.BlockAt(3, 0, 5)])
	assert.Equal(t, entity.BlockClass(0), classes[entity.BlockAt(3, 1, 5)])
	assert.Equal(t, entity.BlockClass(0), classes[entity.BlockAt(0, 15, 0)])

	// A chunk below the surface is solid filler.
	classes, err = b.Generate(context.Background(), entity.Chunk{Y: -1})
	require.NoError(t, err)
	for _, c := range classes {
		assert.Equal(t, entity.BlockClass(1), c)
	}

	// A chunk above is pure air.
	classes, err = b.Generate(context.Background(), entity.Chunk{Y: 3})
	require.NoError(t, err)
	for _, c := range classes {
		assert.Equal(t, entity.BlockClass(0), c)
	}
}

func testWorkerCfg() *Cfg {
	cfg := &Cfg{
		Backend:       BackendFlat,
		RatePerSecond: 10000,
		MaxAttempts:   3,
		BaseBackoff:   time.Millisecond,
	}
	cfg.Defaults()
	return cfg
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(&storage.Cfg{Path: filepath.Join(t.TempDir(), "gen.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWorkerGeneratesAndPersists(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(testWorkerCfg(), &FlatBackend{SurfaceY: 0, Surface: 2, Filler: 1}, store)
	defer w.Close(context.Background())

	c := entity.Chunk{X: 1, Y: -1, Z: 2}
	w.Enqueue(c)

	select {
	case l := <-w.Loaded():
		require.NoError(t, l.Err)
		assert.Equal(t, c, l.Chunk)
		require.Len(t, l.Classes, entity.BlocksInChunk)

		// The persisted blob decodes back to the same classes.
		blob, ok, err := store.ChunkBlob(context.Background(), c)
		require.NoError(t, err)
		require.True(t, ok)
		classes, err := message.DecodeBlockClasses(blob)
		require.NoError(t, err)
		assert.Equal(t, l.Classes, classes)
	case <-time.After(5 * time.Second):
		t.Fatal("no completion")
	}
}

type flakyBackend struct {
	failures int
	calls    int
}

func (f *flakyBackend) Generate(_ context.Context, _ entity.Chunk) ([]entity.BlockClass, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("transient")
	}
	return make([]entity.BlockClass, entity.BlocksInChunk), nil
}

func (f *flakyBackend) Close(context.Context) error { return nil }

func TestWorkerRetriesTransientFailures(t *testing.T) {
	store := openTestStore(t)
	b := &flakyBackend{failures: 2}
	w := NewWorker(testWorkerCfg(), b, store)
	defer w.Close(context.Background())

	w.Enqueue(entity.Chunk{})
	select {
	case l := <-w.Loaded():
		require.NoError(t, l.Err)
		assert.Equal(t, 3, b.calls)
	case <-time.After(5 * time.Second):
		t.Fatal("no completion")
	}
}

func TestWorkerParksChunkAfterRetryBudget(t *testing.T) {
	store := openTestStore(t)
	b := &flakyBackend{failures: 100}
	w := NewWorker(testWorkerCfg(), b, store)
	defer w.Close(context.Background())

	w.Enqueue(entity.Chunk{X: 9})
	select {
	case l := <-w.Loaded():
		assert.Error(t, l.Err)
		assert.Equal(t, entity.Chunk{X: 9}, l.Chunk)
	case <-time.After(5 * time.Second):
		t.Fatal("no completion")
	}
}

type panicBackend struct{}

func (panicBackend) Generate(context.Context, entity.Chunk) ([]entity.BlockClass, error) {
	panic("boom")
}
func (panicBackend) Close(context.Context) error { return nil }

func TestWorkerSurvivesGeneratorPanic(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(testWorkerCfg(), panicBackend{}, store)
	defer w.Close(context.Background())

	w.Enqueue(entity.Chunk{X: 1})
	select {
	case l := <-w.Loaded():
		assert.Error(t, l.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker died")
	}

	// The worker thread survives and keeps consuming the queue.
	w.Enqueue(entity.Chunk{X: 2})
	select {
	case l := <-w.Loaded():
		assert.Error(t, l.Err)
		assert.Equal(t, entity.Chunk{X: 2}, l.Chunk)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not continue after panic")
	}
}

func TestCfgValidate(t *testing.T) {
	cfg := &Cfg{}
	cfg.Defaults()
	assert.NoError(t, cfg.Validate())

	bad := &Cfg{Backend: BackendWasm}
	bad.Defaults()
	assert.Error(t, bad.Validate())

	bad2 := &Cfg{Backend: "noise"}
	bad2.Defaults()
	assert.Error(t, bad2.Validate())
}
