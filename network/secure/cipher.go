package secure

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/voxbrix/voxbrix/network/protocol"
)

// Errors surfaced by the cipher. Both are wire-level transient: the caller
// drops the datagram and logs at debug level.
var (
	ErrAuthFailed = errors.New("datagram authentication failed")
	ErrReplay     = errors.New("datagram counter replayed or too old")
)

// Cipher is the per-connection authenticated cipher. A sealed body is the
// packet counter (8 bytes little-endian) followed by the AEAD ciphertext;
// the nonce is derived from the counter, so the counter region doubles as
// the replay handle: stale or duplicated counters are rejected before the
// payload is surfaced.
//
// Seal may be called from the sender task while Open runs on the receive
// task; the transmit counter is atomic and the replay window is touched only
// by Open.
type Cipher struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
	tx     atomic.Uint64
	window replayWindow
}

// NewCipher builds a cipher over a 32-byte symmetric key.
func NewCipher(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("session cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func nonceFor(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// Seal appends the counter and the sealed plaintext to buf and returns the
// extended slice.
func (c *Cipher) Seal(buf, plaintext []byte) []byte {
	counter := c.tx.Add(1)
	var ctr [8]byte
	binary.LittleEndian.PutUint64(ctr[:], counter)
	buf = append(buf, ctr[:]...)
	return c.aead.Seal(buf, nonceFor(counter), plaintext, nil)
}

// Open verifies and decrypts a sealed body, rejecting replayed counters.
// The plaintext aliases freshly allocated memory.
func (c *Cipher) Open(body []byte) ([]byte, error) {
	if len(body) < protocol.SealOverhead {
		return nil, protocol.ErrShortDatagram
	}
	counter := binary.LittleEndian.Uint64(body[:8])
	if !c.window.check(counter) {
		return nil, ErrReplay
	}
	plaintext, err := c.aead.Open(nil, nonceFor(counter), body[8:], nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	c.window.commit(counter)
	return plaintext, nil
}

// replayWindow tracks seen packet counters in a fixed bitmap window behind
// the highest counter observed, so reordered datagrams inside the window are
// accepted once and duplicates or ancient counters are rejected.
type replayWindow struct {
	last uint64
	ring [ringBlocks]uint64
}

const (
	blockBits  = bits.UintSize
	ringBlocks = 1 << 2
	windowSize = (ringBlocks - 1) * blockBits
)

func (w *replayWindow) check(counter uint64) bool {
	if counter == 0 {
		return false
	}
	if counter > w.last {
		return true
	}
	if w.last-counter >= windowSize {
		return false
	}
	block := (counter / blockBits) % ringBlocks
	bit := counter % blockBits
	return w.ring[block]&(1<<bit) == 0
}

func (w *replayWindow) commit(counter uint64) {
	if counter > w.last {
		// Clear the blocks the window slides over.
		cur := w.last / blockBits
		next := counter / blockBits
		if next-cur >= ringBlocks {
			for i := range w.ring {
				w.ring[i] = 0
			}
		} else {
			for b := cur + 1; b <= next; b++ {
				w.ring[b%ringBlocks] = 0
			}
		}
		w.last = counter
	}
	block := (counter / blockBits) % ringBlocks
	w.ring[block] |= 1 << (counter % blockBits)
}
