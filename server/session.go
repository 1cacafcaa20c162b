package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/voxbrix/voxbrix/game/entity"
	"github.com/voxbrix/voxbrix/log"
	"github.com/voxbrix/voxbrix/network/message"
	"github.com/voxbrix/voxbrix/network/secure"
	"github.com/voxbrix/voxbrix/network/transport/udp"
	"github.com/voxbrix/voxbrix/storage"
)

// sessionClient is the loop's outbound handle for one connection.
type sessionClient struct {
	*udp.Sender
	peer *udp.Peer
}

func (c sessionClient) Close() { c.peer.Close() }

// serve runs one connection: auth exchange first, then the inbound pump.
func (s *Server) serve(ctx context.Context, peer *udp.Peer) {
	actor, username, err := s.authenticate(ctx, peer)
	if err != nil {
		log.Debug().Err(err).Uint64("peer", uint64(peer.ID())).Msg("session rejected")
		peer.Close()
		return
	}
	log.Info().
		Uint64("peer", uint64(peer.ID())).
		Uint64("actor", uint64(actor)).
		Str("username", username).
		Msg("session established")

	recv := peer.Receiver()
	for {
		m, err := recv.Recv(ctx)
		if err != nil {
			if errors.Is(err, udp.ErrDisconnected) {
				log.Info().Uint64("actor", uint64(actor)).Msg("peer disconnected")
			} else {
				log.Debug().Err(err).Uint64("actor", uint64(actor)).Msg("session receive failed")
			}
			s.loop.RemovePlayer(actor)
			peer.Close()
			return
		}
		if m.Channel == message.ChannelAuth {
			continue
		}
		if err := s.loop.Deliver(actor, m.Channel, m.Data); err != nil {
			s.loop.RemovePlayer(actor)
			peer.Close()
			return
		}
	}
}

// authenticate drives the init/register/login exchange until a login
// succeeds, the exchange errs or the auth timeout fires.
func (s *Server) authenticate(ctx context.Context, peer *udp.Peer) (entity.Actor, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()

	snd := peer.Sender()
	recv := peer.Receiver()

	for {
		raw, err := recv.Recv(ctx)
		if err != nil {
			return 0, "", fmt.Errorf("auth receive: %w", err)
		}
		if raw.Channel != message.ChannelAuth {
			return 0, "", fmt.Errorf("message on channel %d before login", raw.Channel)
		}
		m, err := message.Decode(raw.Data)
		if err != nil {
			return 0, "", fmt.Errorf("auth decode: %w", err)
		}

		switch req := m.(type) {
		case *message.InitRequest:
			err = s.reply(ctx, snd, &message.InitResponse{
				PublicKey:    s.key.PublicBytes(),
				KeySignature: s.key.Sign(peer.ServerKey()),
			})
			if err != nil {
				return 0, "", err
			}

		case *message.RegisterRequest:
			code := message.ResultOK
			if _, err := s.store.RegisterPlayer(ctx, req.Username, req.PublicKey); err != nil {
				if !errors.Is(err, storage.ErrUsernameTaken) {
					return 0, "", fmt.Errorf("register: %w", err)
				}
				code = message.ResultUsernameTaken
			}
			if err := s.reply(ctx, snd, &message.RegisterResult{Code: code}); err != nil {
				return 0, "", err
			}

		case *message.LoginRequest:
			actor, ok, err := s.login(ctx, peer, snd, req)
			if err != nil {
				return 0, "", err
			}
			if !ok {
				// Refused logins keep the exchange open.
				continue
			}
			return actor, req.Username, nil

		default:
			return 0, "", fmt.Errorf("unexpected auth message %s", m.MsgType())
		}
	}
}

// login verifies the signature over the client's session key against the
// registered account key. ok=false with a nil error means the client was
// refused and may retry.
func (s *Server) login(ctx context.Context, peer *udp.Peer, snd *udp.Sender, req *message.LoginRequest) (entity.Actor, bool, error) {
	refuse := func(code message.ResultCode) (entity.Actor, bool, error) {
		log.Debug().Str("username", req.Username).Str("code", code.String()).Msg("login refused")
		return 0, false, s.reply(ctx, snd, &message.LoginResult{Code: code})
	}

	playerID, ok, err := s.store.PlayerIDByUsername(ctx, req.Username)
	if err != nil {
		return 0, false, fmt.Errorf("login lookup: %w", err)
	}
	if !ok {
		return refuse(message.ResultUnknownUsername)
	}
	rec, ok, err := s.store.Player(ctx, playerID)
	if err != nil || !ok {
		return 0, false, fmt.Errorf("login record %d: %w", playerID, err)
	}
	if !secure.Verify(rec.PublicKey, peer.ClientKey(), req.KeySignature) {
		return refuse(message.ResultBadSignature)
	}

	res, err := s.loop.AddPlayer(ctx, playerID, req.Username, sessionClient{Sender: snd, peer: peer})
	if err != nil {
		return 0, false, fmt.Errorf("add player: %w", err)
	}
	err = s.reply(ctx, snd, &message.LoginResult{
		Code:       message.ResultOK,
		Actor:      res.Actor,
		ViewRadius: res.ViewRadius,
	})
	if err != nil {
		s.loop.RemovePlayer(res.Actor)
		return 0, false, err
	}
	return res.Actor, true, nil
}

func (s *Server) reply(ctx context.Context, snd *udp.Sender, m message.Message) error {
	data, err := message.Encode(m)
	if err != nil {
		return err
	}
	return snd.SendReliable(ctx, message.ChannelAuth, data)
}
