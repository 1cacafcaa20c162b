// Package storage is the server's persistent key-value store: player
// accounts and chunk block data in a single sqlite file. Reads are served
// directly; all writes are serialized through one writer goroutine fed by a
// bounded queue, so the tick loop never blocks on disk.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"

	"github.com/voxbrix/voxbrix/game/entity"
	"github.com/voxbrix/voxbrix/log"
	"github.com/voxbrix/voxbrix/metrics"
)

// ErrClosed is returned for operations on a closed store.
var ErrClosed = errors.New("storage closed")

// ErrUsernameTaken is returned when registering an existing username.
var ErrUsernameTaken = errors.New("username taken")

// PlayerRecord is the stored account data of one player.
type PlayerRecord struct {
	Username  string `cbor:"0,keyasint"`
	PublicKey []byte `cbor:"1,keyasint"`
}

// Store owns the sqlite database and its writer goroutine.
type Store struct {
	db *sql.DB

	writes chan writeReq
	wg     sync.WaitGroup

	// mu orders enqueue against Close so a late writer cannot send on
	// the closed channel.
	mu     sync.RWMutex
	closed bool
}

type writeReq struct {
	fn  func(db *sql.DB) error
	res chan error
}

// Open opens (creating if needed) the database at cfg.Path and starts the
// writer.
func Open(cfg *Cfg) (*Store, error) {
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("storage config: %w", err)
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		writes: make(chan writeReq, cfg.WriteQueueSize),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-style chunk workload.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS players (
			player_id INTEGER PRIMARY KEY AUTOINCREMENT,
			record BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS usernames (
			username TEXT PRIMARY KEY,
			player_id INTEGER NOT NULL REFERENCES players(player_id)
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			dimension INTEGER NOT NULL,
			block_classes BLOB NOT NULL,
			PRIMARY KEY (x, y, z, dimension)
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// writeLoop applies queued writes one by one.
func (s *Store) writeLoop() {
	defer s.wg.Done()
	for req := range s.writes {
		err := req.fn(s.db)
		metrics.IncrCounter(metrics.GroupStorage, metrics.NameStorageWriteTotal, 1)
		metrics.UpdateGauge(metrics.GroupStorage, metrics.NameStorageQueueDepth, float64(len(s.writes)))
		if req.res != nil {
			req.res <- err
		} else if err != nil {
			log.Error().Err(err).Msg("storage write failed")
		}
	}
}

// enqueue schedules a write; res may be nil for fire-and-forget.
func (s *Store) enqueue(fn func(db *sql.DB) error, res chan error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	s.writes <- writeReq{fn: fn, res: res}
	metrics.UpdateGauge(metrics.GroupStorage, metrics.NameStorageQueueDepth, float64(len(s.writes)))
	return nil
}

// Close drains pending writes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.writes)
	s.mu.Unlock()
	s.wg.Wait()
	return s.db.Close()
}

// RegisterPlayer creates an account, allocating its player id. The write is
// durable before the call returns.
func (s *Store) RegisterPlayer(ctx context.Context, username string, publicKey []byte) (uint64, error) {
	record, err := cbor.Marshal(PlayerRecord{Username: username, PublicKey: publicKey})
	if err != nil {
		return 0, fmt.Errorf("encode player record: %w", err)
	}

	var playerID uint64
	res := make(chan error, 1)
	enqErr := s.enqueue(func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var existing uint64
		err = tx.QueryRow(`SELECT player_id FROM usernames WHERE username = ?`, username).Scan(&existing)
		if err == nil {
			return ErrUsernameTaken
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		r, err := tx.Exec(`INSERT INTO players (record) VALUES (?)`, record)
		if err != nil {
			return err
		}
		id, err := r.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO usernames (username, player_id) VALUES (?, ?)`, username, id); err != nil {
			return err
		}
		playerID = uint64(id)
		return tx.Commit()
	}, res)
	if enqErr != nil {
		return 0, enqErr
	}

	select {
	case err := <-res:
		if err != nil {
			return 0, err
		}
		return playerID, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// PlayerIDByUsername resolves a username; ok=false on unknown.
func (s *Store) PlayerIDByUsername(ctx context.Context, username string) (uint64, bool, error) {
	var id uint64
	err := s.db.QueryRowContext(ctx, `SELECT player_id FROM usernames WHERE username = ?`, username).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// Player loads an account record; ok=false on unknown id.
func (s *Store) Player(ctx context.Context, playerID uint64) (PlayerRecord, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM players WHERE player_id = ?`, playerID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return PlayerRecord{}, false, nil
	}
	if err != nil {
		return PlayerRecord{}, false, err
	}
	var rec PlayerRecord
	if err := cbor.Unmarshal(blob, &rec); err != nil {
		return PlayerRecord{}, false, fmt.Errorf("decode player record: %w", err)
	}
	return rec, true, nil
}

// ChunkBlob loads a chunk's compressed block-class blob; ok=false on miss.
// A corrupt row is reported as an error; callers treat it as a miss.
func (s *Store) ChunkBlob(ctx context.Context, c entity.Chunk) ([]byte, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT block_classes FROM chunks WHERE x = ? AND y = ? AND z = ? AND dimension = ?`,
		c.X, c.Y, c.Z, c.Dimension).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

// PutChunk schedules a chunk blob write. Fire-and-forget; failures are
// logged by the writer.
func (s *Store) PutChunk(c entity.Chunk, blob []byte) error {
	return s.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO chunks (x, y, z, dimension, block_classes) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (x, y, z, dimension) DO UPDATE SET block_classes = excluded.block_classes`,
			c.X, c.Y, c.Z, c.Dimension, blob)
		return err
	}, nil)
}

// PutChunkSync writes a chunk blob and waits for durability; used by the
// generation worker so a generated chunk is never lost to a crash.
func (s *Store) PutChunkSync(ctx context.Context, c entity.Chunk, blob []byte) error {
	res := make(chan error, 1)
	if err := s.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO chunks (x, y, z, dimension, block_classes) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (x, y, z, dimension) DO UPDATE SET block_classes = excluded.block_classes`,
			c.X, c.Y, c.Z, c.Dimension, blob)
		return err
	}, res); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
