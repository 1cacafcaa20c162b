package udp

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxbrix/voxbrix/network/protocol"
	"github.com/voxbrix/voxbrix/network/secure"
)

func TestHandshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, peer, conn, _, _, err := dialPair(ctx, "client-1:1000")
	require.NoError(t, err)
	defer srv.Stop()
	defer conn.Close()

	assert.Equal(t, protocol.FirstClientPeerID, conn.PeerID())
	assert.Equal(t, conn.PeerID(), peer.ID())
	assert.Equal(t, peer.ServerKey(), conn.ServerKey())
	assert.Len(t, conn.ServerKey(), protocol.KeyLength)
	assert.Equal(t, "client-1:1000", peer.Addr().String())
}

func TestSecondPeerGetsNextID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, _, conn, hub, _, err := dialPair(ctx, "client-1:1000")
	require.NoError(t, err)
	defer srv.Stop()
	defer conn.Close()

	mc2 := hub.attach("client-2:1000")
	conn2, err := connect(ctx, testClientCfg(), mc2)
	require.NoError(t, err)
	defer conn2.Close()
	peer2, err := srv.Accept(ctx)
	require.NoError(t, err)

	assert.Equal(t, protocol.FirstClientPeerID+1, peer2.ID())
}

func TestUnreliableRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, peer, conn, _, _, err := dialPair(ctx, "client-1:1000")
	require.NoError(t, err)
	defer srv.Stop()
	defer conn.Close()

	require.NoError(t, conn.Sender().SendUnreliable(protocol.BaseChannel, []byte("hello")))
	msg, err := peer.Receiver().Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.BaseChannel, msg.Channel)
	assert.Equal(t, []byte("hello"), msg.Data)

	require.NoError(t, peer.Sender().SendUnreliable(protocol.Channel(3), []byte("world")))
	msg, err = conn.Receiver().Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.Channel(3), msg.Channel)
	assert.Equal(t, []byte("world"), msg.Data)
}

func TestUnreliableSplitReassembly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, peer, conn, _, _, err := dialPair(ctx, "client-1:1000")
	require.NoError(t, err)
	defer srv.Stop()
	defer conn.Close()

	big := make([]byte, 3*protocol.MaxDataSize+17)
	for i := range big {
		big[i] = byte(i * 31)
	}
	require.NoError(t, conn.Sender().SendUnreliable(protocol.Channel(2), big))

	msg, err := peer.Receiver().Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.Channel(2), msg.Channel)
	assert.True(t, bytes.Equal(big, msg.Data))
}

func TestUnreliableSplitLostShardDropsMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, peer, conn, _, mc, err := dialPair(ctx, "client-1:1000")
	require.NoError(t, err)
	defer srv.Stop()
	defer conn.Close()

	// Lose exactly one middle shard of the first split message.
	var dropped atomic.Bool
	mc.setDropToServer(func(data []byte) bool {
		if kindOf(data) == protocol.UnreliableSplit && !dropped.Load() {
			dropped.Store(true)
			return true
		}
		return false
	})

	big := make([]byte, 3*protocol.MaxDataSize)
	require.NoError(t, conn.Sender().SendUnreliable(protocol.BaseChannel, big))
	require.True(t, dropped.Load())

	// The incomplete message must not surface; the follow-up does.
	require.NoError(t, conn.Sender().SendUnreliable(protocol.BaseChannel, []byte("after")))
	msg, err := peer.Receiver().Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("after"), msg.Data)
}

func TestReliableOrderedUnderLoss(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv, peer, conn, hub, mc, err := dialPair(ctx, "client-1:1000")
	require.NoError(t, err)
	defer srv.Stop()
	defer conn.Close()

	// Drop every third reliable datagram and every third ack.
	var nData, nAck atomic.Uint64
	mc.setDropToServer(func(data []byte) bool {
		k := kindOf(data)
		if k != protocol.Reliable && k != protocol.ReliableSplit {
			return false
		}
		return nData.Add(1)%3 == 0
	})
	hub.setDropToClient(func(data []byte) bool {
		if kindOf(data) != protocol.Acknowledge {
			return false
		}
		return nAck.Add(1)%3 == 0
	})

	const total = 20
	errCh := make(chan error, 1)
	go func() {
		for i := 0; i < total; i++ {
			payload := bytes.Repeat([]byte{byte(i)}, 100)
			if err := conn.Sender().SendReliable(ctx, protocol.BaseChannel, payload); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	for i := 0; i < total; i++ {
		msg, err := peer.Receiver().Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, bytes.Repeat([]byte{byte(i)}, 100), msg.Data, "message %d out of order", i)
	}
	require.NoError(t, <-errCh)
	assert.Greater(t, nData.Load(), uint64(total), "losses must have forced retransmissions")
}

func TestReliableSplitReassemblyUnderLoss(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv, peer, conn, _, mc, err := dialPair(ctx, "client-1:1000")
	require.NoError(t, err)
	defer srv.Stop()
	defer conn.Close()

	var n atomic.Uint64
	mc.setDropToServer(func(data []byte) bool {
		k := kindOf(data)
		if k != protocol.Reliable && k != protocol.ReliableSplit {
			return false
		}
		return n.Add(1)%4 == 0
	})

	big := make([]byte, 5*protocol.MaxDataSize+123)
	for i := range big {
		big[i] = byte(i * 7)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.Sender().SendReliable(ctx, protocol.Channel(1), big)
	}()

	msg, err := peer.Receiver().Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.Channel(1), msg.Channel)
	assert.True(t, bytes.Equal(big, msg.Data))
	require.NoError(t, <-errCh)
}

func TestReliableServerToClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, peer, conn, _, _, err := dialPair(ctx, "client-1:1000")
	require.NoError(t, err)
	defer srv.Stop()
	defer conn.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- peer.Sender().SendReliable(ctx, protocol.BaseChannel, []byte("tick"))
	}()
	msg, err := conn.Receiver().Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("tick"), msg.Data)
	require.NoError(t, <-errCh)
}

func TestWaitComplete(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, peer, conn, _, _, err := dialPair(ctx, "client-1:1000")
	require.NoError(t, err)
	defer srv.Stop()
	defer conn.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.Sender().SendReliable(ctx, protocol.BaseChannel, []byte("x"))
	}()
	_, err = peer.Receiver().Recv(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.NoError(t, conn.Sender().WaitComplete(ctx))
}

func TestAddressMigration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, peer, conn, _, mc, err := dialPair(ctx, "client-1:1000")
	require.NoError(t, err)
	defer srv.Stop()
	defer conn.Close()

	mc.migrate("client-1:2000")

	// Unreliable traffic from the new address must not move the peer.
	require.NoError(t, conn.Sender().SendUnreliable(protocol.BaseChannel, []byte("u")))
	_, err = peer.Receiver().Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "client-1:1000", peer.Addr().String())

	// An authenticated reliable datagram does.
	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.Sender().SendReliable(ctx, protocol.BaseChannel, []byte("r"))
	}()
	_, err = peer.Receiver().Recv(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, "client-1:2000", peer.Addr().String())

	// Server replies now route to the new address.
	go func() {
		errCh <- peer.Sender().SendReliable(ctx, protocol.BaseChannel, []byte("back"))
	}()
	msg, err := conn.Receiver().Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("back"), msg.Data)
	require.NoError(t, <-errCh)
}

func TestDisconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, peer, conn, hub, _, err := dialPair(ctx, "client-1:1000")
	require.NoError(t, err)
	defer srv.Stop()

	require.NoError(t, conn.Sender().Disconnect(ctx))
	_, err = peer.Receiver().Recv(ctx)
	assert.ErrorIs(t, err, ErrDisconnected)

	// The slot is released; the next connection reuses the id.
	mc2 := hub.attach("client-2:1000")
	conn2, err := connect(ctx, testClientCfg(), mc2)
	require.NoError(t, err)
	defer conn2.Close()
	peer2, err := srv.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.FirstClientPeerID, peer2.ID())
}

func TestServerCloseUnblocksPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, peer, conn, _, _, err := dialPair(ctx, "client-1:1000")
	require.NoError(t, err)
	defer conn.Close()

	peer.Close()
	_, err = peer.Receiver().Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, srv.Stop())
}

func TestOversizeMessageRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, _, conn, _, _, err := dialPair(ctx, "client-1:1000")
	require.NoError(t, err)
	defer srv.Stop()
	defer conn.Close()

	big := make([]byte, MaxMessageSize+1)
	assert.ErrorIs(t, conn.Sender().SendUnreliable(protocol.BaseChannel, big), ErrTooLarge)
	assert.ErrorIs(t, conn.Sender().SendReliable(ctx, protocol.BaseChannel, big), ErrTooLarge)
}

func TestSealedFramesFitPacketBudget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, peer, conn, _, _, err := dialPair(ctx, "client-1:1000")
	require.NoError(t, err)
	defer srv.Stop()
	defer conn.Close()

	// A full-size shard through the worst-case header must still fit one
	// datagram.
	plain := protocol.AppendUvarint(nil, uint64(protocol.BaseChannel))
	plain = protocol.AppendUvarint(plain, 65535)
	plain = append(plain, make([]byte, protocol.MaxDataSize)...)
	frame := conn.link.sealFrame(protocol.Reliable, plain)
	assert.LessOrEqual(t, len(frame), protocol.MaxPacketSize)

	_ = peer
}

func TestSenderSplitHalvesWorkIndependently(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, peer, conn, _, _, err := dialPair(ctx, "client-1:1000")
	require.NoError(t, err)
	defer srv.Stop()
	defer conn.Close()

	us, rs := conn.Sender().Split()
	require.NoError(t, us.Send(protocol.Channel(1), []byte("fast")))
	errCh := make(chan error, 1)
	go func() {
		errCh <- rs.Send(ctx, protocol.Channel(2), []byte("ordered"))
	}()

	got := map[string]protocol.Channel{}
	for i := 0; i < 2; i++ {
		msg, err := peer.Receiver().Recv(ctx)
		require.NoError(t, err)
		got[string(msg.Data)] = msg.Channel
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, protocol.Channel(1), got["fast"])
	assert.Equal(t, protocol.Channel(2), got["ordered"])
}

func TestPingKeepsQuiet(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, peer, conn, _, _, err := dialPair(ctx, "client-1:1000")
	require.NoError(t, err)
	defer srv.Stop()
	defer conn.Close()

	require.NoError(t, conn.Sender().Ping())
	require.NoError(t, conn.Sender().SendUnreliable(protocol.BaseChannel, []byte("visible")))

	// The ping is swallowed by the receiver; only the message surfaces.
	msg, err := peer.Receiver().Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("visible"), msg.Data)
}

type discardWriter struct{}

func (discardWriter) writeDatagram([]byte) error { return nil }

func TestReliableAssemblyBounded(t *testing.T) {
	cipher, err := secure.NewCipher(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	l := newLink(protocol.ServerPeerID, cipher, discardWriter{}, 16, testReliableCfg())
	r := newReceiver(l)

	shard := make([]byte, protocol.MaxDataSize)
	total := MaxMessageSize/protocol.MaxDataSize + 50
	for seq := 0; seq < total; seq++ {
		body := protocol.AppendUvarint(nil, uint64(protocol.BaseChannel))
		body = protocol.AppendUvarint(body, uint64(seq))
		body = append(body, shard...)
		_, complete, err := r.process(inPacket{kind: protocol.ReliableSplit, body: body})
		require.False(t, complete)
		if err != nil {
			require.ErrorIs(t, err, ErrTooLarge)
			assert.True(t, l.isClosed())
			assert.LessOrEqual(t, len(r.relBuf), MaxMessageSize)
			return
		}
	}
	t.Fatal("assembly accepted past the message size bound")
}

// dialPairCfg is dialPair with explicit transport configs.
func dialPairCfg(ctx context.Context, clientAddr string, scfg *ServerCfg, ccfg *ClientCfg) (*Server, *Peer, *Conn, error) {
	hub := newMemHub()
	srv, err := NewServer(scfg)
	if err != nil {
		return nil, nil, nil, err
	}
	srv.StartWith(hub)

	mc := hub.attach(clientAddr)
	conn, err := connect(ctx, ccfg, mc)
	if err != nil {
		srv.Stop()
		return nil, nil, nil, err
	}
	peer, err := srv.Accept(ctx)
	if err != nil {
		srv.Stop()
		return nil, nil, nil, err
	}
	return srv, peer, conn, nil
}

func TestIdlePeerEvicted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	scfg := testServerCfg()
	scfg.IdleTimeout = 60 * time.Millisecond
	ccfg := testClientCfg()
	// Keep the client quiet well past the server's idle timeout.
	ccfg.PingInterval = time.Second
	ccfg.IdleTimeout = 2 * time.Second

	srv, peer, conn, err := dialPairCfg(ctx, "client-1:1000", scfg, ccfg)
	require.NoError(t, err)
	defer srv.Stop()
	defer conn.Close()

	_, err = peer.Receiver().Recv(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestPingKeepsIdleConnectionAlive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	scfg := testServerCfg()
	scfg.IdleTimeout = 80 * time.Millisecond
	ccfg := testClientCfg()
	ccfg.PingInterval = 10 * time.Millisecond
	ccfg.IdleTimeout = time.Second

	srv, peer, conn, err := dialPairCfg(ctx, "client-1:1000", scfg, ccfg)
	require.NoError(t, err)
	defer srv.Stop()
	defer conn.Close()

	// The client sends no application traffic; its keepalive pings must
	// hold the peer open across several idle timeouts.
	time.Sleep(300 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- peer.Sender().SendReliable(ctx, protocol.BaseChannel, []byte("still here")) }()
	msg, err := conn.Receiver().Recv(ctx)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, []byte("still here"), msg.Data)
}
