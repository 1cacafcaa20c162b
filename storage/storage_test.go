package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxbrix/voxbrix/game/entity"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(&Cfg{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRegisterAndLookupPlayer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.RegisterPlayer(ctx, "alice", []byte{1, 2, 3})
	require.NoError(t, err)

	got, ok, err := s.PlayerIDByUsername(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, got)

	rec, ok, err := s.Player(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", rec.Username)
	assert.Equal(t, []byte{1, 2, 3}, rec.PublicKey)
}

func TestDuplicateUsernameRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.RegisterPlayer(ctx, "bob", []byte{1})
	require.NoError(t, err)
	_, err = s.RegisterPlayer(ctx, "bob", []byte{2})
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestUnknownLookups(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.PlayerIDByUsername(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Player(ctx, 999)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.ChunkBlob(ctx, entity.Chunk{X: 5})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChunkRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := entity.Chunk{X: 1, Y: -2, Z: 3, Dimension: 0}

	require.NoError(t, s.PutChunkSync(ctx, c, []byte("blob-1")))
	blob, ok, err := s.ChunkBlob(ctx, c)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("blob-1"), blob)

	// Overwrite.
	require.NoError(t, s.PutChunkSync(ctx, c, []byte("blob-2")))
	blob, ok, err = s.ChunkBlob(ctx, c)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("blob-2"), blob)
}

func TestAsyncChunkWriteDrainsOnClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	s, err := Open(&Cfg{Path: path})
	require.NoError(t, err)

	c := entity.Chunk{X: 9}
	require.NoError(t, s.PutChunk(c, []byte("async")))
	require.NoError(t, s.Close())

	s2, err := Open(&Cfg{Path: path})
	require.NoError(t, err)
	defer s2.Close()
	blob, ok, err := s2.ChunkBlob(context.Background(), c)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("async"), blob)
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.PutChunk(entity.Chunk{}, nil), ErrClosed)
}

func TestConcurrentWritesDuringClose(t *testing.T) {
	s, err := Open(&Cfg{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			c := entity.Chunk{X: int32(n)}
			for j := 0; ; j++ {
				if err := s.PutChunk(c, []byte{byte(j)}); err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
			}
		}(i)
	}
	close(start)
	time.Sleep(time.Millisecond)
	require.NoError(t, s.Close())
	wg.Wait()

	assert.ErrorIs(t, s.PutChunk(entity.Chunk{}, []byte("late")), ErrClosed)
	assert.NoError(t, s.Close())
}
