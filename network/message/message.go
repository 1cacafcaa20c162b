// Package message defines the application-layer messages exchanged over the
// datagram transport. Every message travels as a type-tagged envelope in a
// compact self-describing encoding; chunk block data is carried as a
// compressed blob shared with the persistent store.
package message

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/voxbrix/voxbrix/game/entity"
	"github.com/voxbrix/voxbrix/network/protocol"
)

// Transport channels by concern.
const (
	// ChannelAuth carries the reliable init/register/login exchange.
	ChannelAuth = protocol.BaseChannel
	// ChannelWorld carries reliable world updates: chunk data and block
	// alterations.
	ChannelWorld protocol.Channel = 1
	// ChannelState carries the unreliable per-tick state messages.
	ChannelState protocol.Channel = 2
)

// Type tags one message inside an envelope.
type Type uint8

const (
	TypeInitRequest Type = iota
	TypeInitResponse
	TypeRegisterRequest
	TypeRegisterResult
	TypeLoginRequest
	TypeLoginResult
	TypeChunkData
	TypeAlterBlock
	TypeState

	typeCount
)

var _typeNames = [typeCount]string{
	"InitRequest", "InitResponse", "RegisterRequest", "RegisterResult",
	"LoginRequest", "LoginResult", "ChunkData", "AlterBlock", "State",
}

// String returns the message type name.
func (t Type) String() string {
	if t >= typeCount {
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
	return _typeNames[t]
}

var (
	// ErrUnknownType is returned when an envelope carries an unregistered
	// type tag.
	ErrUnknownType = errors.New("unknown message type")
)

// Message is implemented by every application message.
type Message interface {
	MsgType() Type
}

// InitRequest opens the application handshake on the auth channel.
type InitRequest struct{}

// InitResponse carries the server's long-term public key and its signature
// over the server's ephemeral session key, so the client can verify it is
// talking to the key holder.
type InitResponse struct {
	PublicKey    []byte `cbor:"0,keyasint"`
	KeySignature []byte `cbor:"1,keyasint"`
}

// RegisterRequest creates a player account bound to a public key.
type RegisterRequest struct {
	Username  string `cbor:"0,keyasint"`
	PublicKey []byte `cbor:"1,keyasint"`
}

// LoginRequest authenticates by signing the client's own ephemeral session
// key with the registered key.
type LoginRequest struct {
	Username     string `cbor:"0,keyasint"`
	KeySignature []byte `cbor:"1,keyasint"`
}

// ResultCode classifies an auth outcome.
type ResultCode uint8

const (
	ResultOK ResultCode = iota
	ResultUsernameTaken
	ResultUnknownUsername
	ResultBadSignature
)

// String returns the result code name.
func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "ok"
	case ResultUsernameTaken:
		return "username taken"
	case ResultUnknownUsername:
		return "unknown username"
	case ResultBadSignature:
		return "bad signature"
	default:
		return fmt.Sprintf("ResultCode(%d)", uint8(c))
	}
}

// RegisterResult reports the registration outcome.
type RegisterResult struct {
	Code ResultCode `cbor:"0,keyasint"`
}

// LoginResult reports the login outcome; on success it carries the assigned
// actor and the configured view radius.
type LoginResult struct {
	Code       ResultCode   `cbor:"0,keyasint"`
	Actor      entity.Actor `cbor:"1,keyasint"`
	ViewRadius int32        `cbor:"2,keyasint"`
}

// ChunkData delivers one chunk's block classes as a compressed blob.
type ChunkData struct {
	Chunk        entity.Chunk `cbor:"0,keyasint"`
	BlockClasses []byte       `cbor:"1,keyasint"`
}

// AlterBlock sets one block of an active chunk to a class.
type AlterBlock struct {
	Chunk entity.Chunk      `cbor:"0,keyasint"`
	Block entity.Block      `cbor:"1,keyasint"`
	Class entity.BlockClass `cbor:"2,keyasint"`
}

// State is the per-tick state exchange. Server to client it carries the
// server snapshot, the client snapshot last echoed by that client and the
// delta-packed component state; client to server it carries the client's
// own snapshot and the last server snapshot it observed. Actions travel
// alongside the component region.
type State struct {
	Snapshot     entity.Snapshot `cbor:"0,keyasint"`
	LastSnapshot entity.Snapshot `cbor:"1,keyasint"`
	State        []byte          `cbor:"2,keyasint"`
	Actions      []byte          `cbor:"3,keyasint"`
}

func (InitRequest) MsgType() Type     { return TypeInitRequest }
func (InitResponse) MsgType() Type    { return TypeInitResponse }
func (RegisterRequest) MsgType() Type { return TypeRegisterRequest }
func (RegisterResult) MsgType() Type  { return TypeRegisterResult }
func (LoginRequest) MsgType() Type    { return TypeLoginRequest }
func (LoginResult) MsgType() Type     { return TypeLoginResult }
func (ChunkData) MsgType() Type       { return TypeChunkData }
func (AlterBlock) MsgType() Type      { return TypeAlterBlock }
func (State) MsgType() Type           { return TypeState }

// envelope is the wire form of every message.
type envelope struct {
	T Type            `cbor:"0,keyasint"`
	B cbor.RawMessage `cbor:"1,keyasint"`
}

// _factories builds the empty message value for each type tag.
var _factories = [typeCount]func() Message{
	TypeInitRequest:     func() Message { return &InitRequest{} },
	TypeInitResponse:    func() Message { return &InitResponse{} },
	TypeRegisterRequest: func() Message { return &RegisterRequest{} },
	TypeRegisterResult:  func() Message { return &RegisterResult{} },
	TypeLoginRequest:    func() Message { return &LoginRequest{} },
	TypeLoginResult:     func() Message { return &LoginResult{} },
	TypeChunkData:       func() Message { return &ChunkData{} },
	TypeAlterBlock:      func() Message { return &AlterBlock{} },
	TypeState:           func() Message { return &State{} },
}

// Encode serializes a message into its tagged envelope.
func Encode(m Message) ([]byte, error) {
	body, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", m.MsgType(), err)
	}
	data, err := cbor.Marshal(envelope{T: m.MsgType(), B: body})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", m.MsgType(), err)
	}
	return data, nil
}

// Decode parses a tagged envelope into the concrete message.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.T >= typeCount || _factories[env.T] == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(env.T))
	}
	m := _factories[env.T]()
	if err := cbor.Unmarshal(env.B, m); err != nil {
		return nil, fmt.Errorf("decode %s body: %w", env.T, err)
	}
	return m, nil
}
