// Command bot is a headless client for load and soak testing: it registers
// an account, logs in, random-walks through the world and occasionally
// alters a block it can see.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/voxbrix/voxbrix/game/component"
	"github.com/voxbrix/voxbrix/game/entity"
	"github.com/voxbrix/voxbrix/log"
	"github.com/voxbrix/voxbrix/network/message"
	"github.com/voxbrix/voxbrix/network/secure"
	"github.com/voxbrix/voxbrix/network/transport/udp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "127.0.0.1:12000", "server address")
	username := flag.String("username", "bot", "account name")
	keyPath := flag.String("key", "", "account key file; generated when absent")
	interval := flag.Duration("interval", 50*time.Millisecond, "state send period")
	alterEvery := flag.Int("alter-every", 100, "alter one block every N state sends, 0 disables")
	flag.Parse()

	if err := log.Initialize(nil); err != nil {
		return err
	}

	key, err := accountKey(*keyPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &udp.ClientCfg{Addr: *addr}
	conn, err := udp.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	b := &bot{
		conn:   conn,
		key:    key,
		chunks: make(map[entity.Chunk]struct{}),
	}
	res, err := b.login(ctx, *username)
	if err != nil {
		return err
	}
	log.Info().
		Uint64("actor", uint64(res.Actor)).
		Int32("viewRadius", res.ViewRadius).
		Msg("logged in")
	b.actor = res.Actor

	go b.walk(ctx, *interval, *alterEvery)
	return b.recvLoop(ctx)
}

func accountKey(path string) (*secure.SigningKey, error) {
	if path == "" {
		return secure.GenerateSigningKey()
	}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		return secure.SigningKeyFromBytes(b)
	case os.IsNotExist(err):
		key, err := secure.GenerateSigningKey()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, key.Bytes(), 0o600); err != nil {
			return nil, err
		}
		return key, nil
	default:
		return nil, err
	}
}

type bot struct {
	conn  *udp.Conn
	key   *secure.SigningKey
	actor entity.Actor

	mu       sync.Mutex
	pos      component.Position
	vel      component.Velocity
	snapshot entity.Snapshot
	lastSeen entity.Snapshot
	chunks   map[entity.Chunk]struct{}

	// World messages that arrive while the auth exchange is still in
	// flight; recvLoop replays them before reading the socket.
	backlog []udp.Message
}

// login drives the auth exchange, registering the account when the server
// does not know it yet.
func (b *bot) login(ctx context.Context, username string) (*message.LoginResult, error) {
	init, err := request[*message.InitResponse](ctx, b, &message.InitRequest{})
	if err != nil {
		return nil, err
	}
	if !secure.Verify(init.PublicKey, b.conn.ServerKey(), init.KeySignature) {
		return nil, errors.New("server failed session key verification")
	}

	attempt := func() (*message.LoginResult, error) {
		return request[*message.LoginResult](ctx, b, &message.LoginRequest{
			Username:     username,
			KeySignature: b.key.Sign(b.conn.LocalKey()),
		})
	}

	res, err := attempt()
	if err != nil {
		return nil, err
	}
	if res.Code == message.ResultUnknownUsername {
		reg, err := request[*message.RegisterResult](ctx, b, &message.RegisterRequest{
			Username:  username,
			PublicKey: b.key.PublicBytes(),
		})
		if err != nil {
			return nil, err
		}
		if reg.Code != message.ResultOK {
			return nil, fmt.Errorf("registration refused: %s", reg.Code)
		}
		res, err = attempt()
		if err != nil {
			return nil, err
		}
	}
	if res.Code != message.ResultOK {
		return nil, fmt.Errorf("login refused: %s", res.Code)
	}
	return res, nil
}

// request sends one auth message reliably and waits for the typed reply.
func request[T message.Message](ctx context.Context, b *bot, req message.Message) (T, error) {
	var zero T
	data, err := message.Encode(req)
	if err != nil {
		return zero, err
	}
	done := make(chan error, 1)
	go func() { done <- b.conn.Sender().SendReliable(ctx, message.ChannelAuth, data) }()

	for {
		raw, err := b.conn.Receiver().Recv(ctx)
		if err != nil {
			return zero, err
		}
		if raw.Channel != message.ChannelAuth {
			b.backlog = append(b.backlog, raw)
			continue
		}
		m, err := message.Decode(raw.Data)
		if err != nil {
			return zero, err
		}
		if res, ok := m.(T); ok {
			return res, <-done
		}
	}
}

// recvLoop consumes server traffic: chunk data, block updates and state.
func (b *bot) recvLoop(ctx context.Context) error {
	b.drainBacklog()
	for {
		raw, err := b.conn.Receiver().Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		b.handleServerMessage(raw)
	}
}

func (b *bot) drainBacklog() {
	for _, raw := range b.backlog {
		b.handleServerMessage(raw)
	}
	b.backlog = nil
}

func (b *bot) handleServerMessage(raw udp.Message) {
	m, err := message.Decode(raw.Data)
	if err != nil {
		log.Debug().Err(err).Msg("undecodable server message")
		return
	}
	switch msg := m.(type) {
	case *message.ChunkData:
		b.mu.Lock()
		b.chunks[msg.Chunk] = struct{}{}
		b.mu.Unlock()
	case *message.AlterBlock:
		log.Debug().Msg("block altered in view")
	case *message.State:
		b.mu.Lock()
		b.lastSeen = msg.Snapshot
		b.mu.Unlock()
	}
}

// walk sends periodic state echoes with a random-walk velocity and the
// occasional block alteration.
func (b *bot) walk(ctx context.Context, interval time.Duration, alterEvery int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sends := 0
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
		sends++

		if rng.Intn(40) == 0 {
			b.mu.Lock()
			b.vel = component.Velocity{Vector: [3]float32{
				(rng.Float32() - 0.5) * 8,
				0,
				(rng.Float32() - 0.5) * 8,
			}}
			b.mu.Unlock()
		}
		if err := b.sendState(interval); err != nil {
			log.Warn().Err(err).Msg("state send failed")
			return
		}
		if alterEvery > 0 && sends%alterEvery == 0 {
			b.alterRandomBlock(ctx, rng)
		}
	}
}

// sendState integrates the local motion and echoes it to the server.
func (b *bot) sendState(dt time.Duration) error {
	b.mu.Lock()
	step := float32(dt.Seconds())
	for i := range b.pos.Offset {
		b.pos.Offset[i] += b.vel.Vector[i] * step
	}
	var d [3]int32
	for i := range b.pos.Offset {
		for b.pos.Offset[i] >= entity.BlocksInChunkEdge {
			b.pos.Offset[i] -= entity.BlocksInChunkEdge
			d[i]++
		}
		for b.pos.Offset[i] < 0 {
			b.pos.Offset[i] += entity.BlocksInChunkEdge
			d[i]--
		}
	}
	b.pos.Chunk = b.pos.Chunk.Offset(d[0], d[1], d[2])
	b.snapshot++

	pos := b.pos
	vel := b.vel
	snapshot := b.snapshot
	lastSeen := b.lastSeen
	b.mu.Unlock()

	posC := component.NewPackable[component.Position]("position")
	posC.Set(b.actor, pos, snapshot)
	velC := component.NewPackable[component.Velocity]("velocity")
	velC.Set(b.actor, vel, snapshot)
	pk := component.NewPack()
	posC.AppendFull(pk, b.actor)
	velC.AppendFull(pk, b.actor)
	blob, err := pk.Encode()
	if err != nil {
		return err
	}

	data, err := message.Encode(&message.State{
		Snapshot:     snapshot,
		LastSnapshot: lastSeen,
		State:        blob,
	})
	if err != nil {
		return err
	}
	return b.conn.Sender().SendUnreliable(message.ChannelState, data)
}

// alterRandomBlock flips a random block of a chunk the bot holds data for.
func (b *bot) alterRandomBlock(ctx context.Context, rng *rand.Rand) {
	b.mu.Lock()
	var target entity.Chunk
	found := false
	for c := range b.chunks {
		target = c
		found = true
		break
	}
	b.mu.Unlock()
	if !found {
		return
	}

	data, err := message.Encode(&message.AlterBlock{
		Chunk: target,
		Block: entity.Block(rng.Intn(entity.BlocksInChunk)),
		Class: entity.BlockClass(rng.Intn(3)),
	})
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := b.conn.Sender().SendReliable(ctx, message.ChannelWorld, data); err != nil {
			log.Debug().Err(err).Msg("alter block send failed")
		}
	}()
}
