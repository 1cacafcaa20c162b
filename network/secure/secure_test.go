package secure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxbrix/voxbrix/network/protocol"
)

func TestKeyAgreementBothSidesDeriveSameCipher(t *testing.T) {
	client, err := GenerateKeypair()
	require.NoError(t, err)
	server, err := GenerateKeypair()
	require.NoError(t, err)

	require.Len(t, client.PublicBytes(), protocol.KeyLength)
	require.Len(t, server.PublicBytes(), protocol.KeyLength)

	clientCipher, err := client.SessionCipher(server.PublicBytes())
	require.NoError(t, err)
	serverCipher, err := server.SessionCipher(client.PublicBytes())
	require.NoError(t, err)

	msg := []byte("post-handshake traffic")
	sealed := clientCipher.Seal(nil, msg)
	plain, err := serverCipher.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, msg, plain)

	sealed = serverCipher.Seal(nil, msg)
	plain, err = clientCipher.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, msg, plain)
}

func TestSessionCipherRejectsBadKeyLength(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	_, err = kp.SessionCipher(make([]byte, 32))
	assert.Error(t, err)
}

func TestOpenRejectsTampering(t *testing.T) {
	a, _ := GenerateKeypair()
	b, _ := GenerateKeypair()
	tx, err := a.SessionCipher(b.PublicBytes())
	require.NoError(t, err)
	rx, err := b.SessionCipher(a.PublicBytes())
	require.NoError(t, err)

	sealed := tx.Seal(nil, []byte("payload"))
	sealed[len(sealed)-1] ^= 0x01
	_, err = rx.Open(sealed)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestOpenRejectsReplay(t *testing.T) {
	a, _ := GenerateKeypair()
	b, _ := GenerateKeypair()
	tx, _ := a.SessionCipher(b.PublicBytes())
	rx, _ := b.SessionCipher(a.PublicBytes())

	sealed := tx.Seal(nil, []byte("once"))
	_, err := rx.Open(sealed)
	require.NoError(t, err)

	_, err = rx.Open(sealed)
	assert.ErrorIs(t, err, ErrReplay)
}

func TestOpenAcceptsReorderingInsideWindow(t *testing.T) {
	a, _ := GenerateKeypair()
	b, _ := GenerateKeypair()
	tx, _ := a.SessionCipher(b.PublicBytes())
	rx, _ := b.SessionCipher(a.PublicBytes())

	first := tx.Seal(nil, []byte("first"))
	second := tx.Seal(nil, []byte("second"))

	// Deliver out of order; both must be accepted exactly once.
	plain, err := rx.Open(second)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), plain)

	plain, err = rx.Open(first)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), plain)

	_, err = rx.Open(first)
	assert.ErrorIs(t, err, ErrReplay)
}

func TestOpenRejectsShortBody(t *testing.T) {
	a, _ := GenerateKeypair()
	b, _ := GenerateKeypair()
	rx, _ := b.SessionCipher(a.PublicBytes())

	_, err := rx.Open(make([]byte, protocol.SealOverhead-1))
	assert.ErrorIs(t, err, protocol.ErrShortDatagram)
}

func TestReplayWindowSlidesAndExpires(t *testing.T) {
	var w replayWindow

	require.True(t, w.check(5))
	w.commit(5)
	assert.False(t, w.check(5))
	assert.True(t, w.check(4))

	// Jump far ahead; everything older than the window must be rejected.
	far := uint64(5 + windowSize + 100)
	require.True(t, w.check(far))
	w.commit(far)
	assert.False(t, w.check(5))
	assert.False(t, w.check(far-windowSize))
	assert.True(t, w.check(far-1))
}

func TestSignAndVerify(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)

	msg := []byte("server ephemeral key bytes")
	sig := key.Sign(msg)

	assert.True(t, Verify(key.PublicBytes(), msg, sig))
	assert.False(t, Verify(key.PublicBytes(), []byte("other message"), sig))

	other, _ := GenerateSigningKey()
	assert.False(t, Verify(other.PublicBytes(), msg, sig))
}

func TestSigningKeyRoundTripsThroughBytes(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)

	restored, err := SigningKeyFromBytes(key.Bytes())
	require.NoError(t, err)
	assert.Equal(t, key.PublicBytes(), restored.PublicBytes())

	sig := restored.Sign([]byte("m"))
	assert.True(t, Verify(key.PublicBytes(), []byte("m"), sig))
}
