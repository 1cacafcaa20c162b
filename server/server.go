// Package server ties the transport to the tick loop: it accepts
// connections, runs the init/register/login exchange on the auth channel
// and then pumps the session's inbound messages into the loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/voxbrix/voxbrix/game/loop"
	"github.com/voxbrix/voxbrix/log"
	"github.com/voxbrix/voxbrix/network/secure"
	"github.com/voxbrix/voxbrix/network/transport/udp"
	"github.com/voxbrix/voxbrix/storage"
)

// Server owns the accept loop and the per-connection sessions.
type Server struct {
	cfg   *Cfg
	key   *secure.SigningKey
	store *storage.Store
	loop  *loop.Loop
	udp   *udp.Server
}

// New builds the session layer. The signing key is loaded from
// cfg.KeyPath, or generated and persisted there on first start.
func New(cfg *Cfg, store *storage.Store, l *loop.Loop, transport *udp.Server) (*Server, error) {
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}
	key, err := loadOrCreateKey(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:   cfg,
		key:   key,
		store: store,
		loop:  l,
		udp:   transport,
	}, nil
}

// PublicKey returns the long-term signing public key clients verify
// against.
func (s *Server) PublicKey() []byte { return s.key.PublicBytes() }

// Run accepts connections until the context is canceled or the transport
// stops.
func (s *Server) Run(ctx context.Context) error {
	for {
		peer, err := s.udp.Accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, udp.ErrClosed) {
				return nil
			}
			return err
		}
		go s.serve(ctx, peer)
	}
}

func loadOrCreateKey(path string) (*secure.SigningKey, error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := secure.SigningKeyFromBytes(b)
		if err != nil {
			return nil, fmt.Errorf("signing key %s: %w", path, err)
		}
		return key, nil
	case os.IsNotExist(err):
		key, err := secure.GenerateSigningKey()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, key.Bytes(), 0o600); err != nil {
			return nil, fmt.Errorf("persist signing key: %w", err)
		}
		log.Info().Str("path", path).Msg("generated signing key")
		return key, nil
	default:
		return nil, fmt.Errorf("read signing key %s: %w", path, err)
	}
}
