// Package secure implements the cryptographic half of the transport: one
// ephemeral keypair per connection side, ECDH key agreement expanded through
// HKDF into a symmetric key, and the authenticated session cipher that seals
// every post-handshake datagram body.
package secure

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/hkdf"

	"github.com/voxbrix/voxbrix/network/protocol"
)

// hkdfInfo domain-separates the session key derivation.
var hkdfInfo = []byte("voxbrix/session-key/v1")

// Keypair is one side's ephemeral keypair for a single connection.
type Keypair struct {
	priv *secp256k1.PrivateKey
}

// GenerateKeypair creates a fresh ephemeral keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return &Keypair{priv: priv}, nil
}

// PublicBytes returns the compressed SEC1 encoding of the public key, which
// is exactly protocol.KeyLength bytes and is what travels in CONNECT/ACCEPT.
func (k *Keypair) PublicBytes() []byte {
	return k.priv.PubKey().SerializeCompressed()
}

// SessionCipher runs ECDH against the remote ephemeral public key and
// derives the connection's symmetric cipher. Both sides arrive at the same
// key.
func (k *Keypair) SessionCipher(remotePub []byte) (*Cipher, error) {
	if len(remotePub) != protocol.KeyLength {
		return nil, fmt.Errorf("remote key length %d, want %d", len(remotePub), protocol.KeyLength)
	}
	pub, err := secp256k1.ParsePubKey(remotePub)
	if err != nil {
		return nil, fmt.Errorf("parse remote key: %w", err)
	}
	secret := secp256k1.GenerateSharedSecret(k.priv, pub)

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, nil, hkdfInfo)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return NewCipher(key)
}

// SigningKey is a long-term identity key. The server persists one and signs
// its ephemeral key with it so clients can pin the server identity; players
// register one and sign their session key at login.
type SigningKey struct {
	priv *secp256k1.PrivateKey
}

// GenerateSigningKey creates a new long-term key.
func GenerateSigningKey() (*SigningKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &SigningKey{priv: priv}, nil
}

// SigningKeyFromBytes restores a key from its 32-byte scalar serialization.
func SigningKeyFromBytes(b []byte) (*SigningKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("signing key length %d, want 32", len(b))
	}
	return &SigningKey{priv: secp256k1.PrivKeyFromBytes(b)}, nil
}

// Bytes returns the 32-byte scalar serialization for persistence.
func (s *SigningKey) Bytes() []byte {
	return s.priv.Serialize()
}

// PublicBytes returns the compressed public half.
func (s *SigningKey) PublicBytes() []byte {
	return s.priv.PubKey().SerializeCompressed()
}

// Sign signs sha256(message) and returns a DER signature.
func (s *SigningKey) Sign(message []byte) []byte {
	digest := sha256.Sum256(message)
	return ecdsa.Sign(s.priv, digest[:]).Serialize()
}

// Verify checks a DER signature over sha256(message) against a compressed
// public key.
func Verify(publicKey, message, signature []byte) bool {
	pub, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(message)
	return sig.Verify(digest[:], pub)
}
