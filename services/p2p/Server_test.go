package p2p

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/services/chainsync"
	"github.com/bsv-blockchain/blocksync/services/chainsync/protocol"
	"github.com/bsv-blockchain/blocksync/settings"
	"github.com/bsv-blockchain/blocksync/ulogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type hostEvent struct {
	kind    string
	peer    chainsync.PeerID
	id      protocol.PacketID
	payload []byte
}

// recordingHost records every call the server makes, optionally replying to packets through reply.
type recordingHost struct {
	mu     sync.Mutex
	events []hostEvent
	reply  func(peerID chainsync.PeerID, id protocol.PacketID, payload []byte)
}

var _ chainsync.Host = (*recordingHost)(nil)

func (h *recordingHost) OnPeerConnected(_ context.Context, peerID chainsync.PeerID) {
	h.record(hostEvent{kind: "connected", peer: peerID})
}

func (h *recordingHost) OnPeerDisconnected(_ context.Context, peerID chainsync.PeerID) {
	h.record(hostEvent{kind: "disconnected", peer: peerID})
}

func (h *recordingHost) OnPacket(_ context.Context, peerID chainsync.PeerID, id protocol.PacketID, payload []byte) {
	h.record(hostEvent{kind: "packet", peer: peerID, id: id, payload: payload})

	if h.reply != nil {
		h.reply(peerID, id, payload)
	}
}

func (h *recordingHost) record(e hostEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events = append(h.events, e)
}

func (h *recordingHost) count(kind string, peerID chainsync.PeerID) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0

	for _, e := range h.events {
		if e.kind == kind && e.peer == peerID {
			n++
		}
	}

	return n
}

func (h *recordingHost) packets() []hostEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	var packets []hostEvent

	for _, e := range h.events {
		if e.kind == "packet" {
			packets = append(packets, e)
		}
	}

	return packets
}

func startServer(t *testing.T, tSettings *settings.Settings) (*Server, *recordingHost) {
	t.Helper()

	s := NewServer(ulogger.TestLogger{}, tSettings)
	h := &recordingHost{}
	s.SetHost(h)

	require.NoError(t, s.Init(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	readyCh := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- s.Start(ctx, readyCh)
	}()

	select {
	case <-readyCh:
	case err := <-done:
		cancel()
		require.NoError(t, err)
		t.FailNow()
	case <-time.After(waitFor):
		cancel()
		t.Fatal("server did not start")
	}

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return s, h
}

func connectServers(t *testing.T, a, b *Server, ha, hb *recordingHost) {
	t.Helper()

	require.NoError(t, a.Connect(context.Background(), b.Addresses()[0]))

	require.Eventually(t, func() bool {
		return ha.count("connected", b.PeerID()) == 1 && hb.count("connected", a.PeerID()) == 1
	}, waitFor, 10*time.Millisecond)
}

func TestServer_Exchange(t *testing.T) {
	a, ha := startServer(t, settings.NewTestSettings())
	b, hb := startServer(t, settings.NewTestSettings())

	hb.reply = func(peerID chainsync.PeerID, id protocol.PacketID, payload []byte) {
		if id == protocol.GetBlockHeadersPacket {
			_ = b.Send(peerID, protocol.BlockHeadersPacket, append([]byte("re:"), payload...))
		}
	}

	connectServers(t, a, b, ha, hb)

	for i := byte(0); i < 10; i++ {
		require.NoError(t, a.Send(b.PeerID(), protocol.GetBlockHeadersPacket, []byte{i}))
	}

	require.Eventually(t, func() bool {
		return len(ha.packets()) == 10
	}, waitFor, 10*time.Millisecond)

	received := hb.packets()
	require.Len(t, received, 10)

	for i, p := range received {
		assert.Equal(t, a.PeerID(), p.peer)
		assert.Equal(t, protocol.GetBlockHeadersPacket, p.id)
		assert.Equal(t, []byte{byte(i)}, p.payload)
	}

	for i, p := range ha.packets() {
		assert.Equal(t, b.PeerID(), p.peer)
		assert.Equal(t, protocol.BlockHeadersPacket, p.id)
		assert.Equal(t, []byte{'r', 'e', ':', byte(i)}, p.payload)
	}

	status, msg, err := a.Health(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1 peers connected", msg)
}

func TestServer_Disconnect(t *testing.T) {
	a, ha := startServer(t, settings.NewTestSettings())
	b, hb := startServer(t, settings.NewTestSettings())

	connectServers(t, a, b, ha, hb)

	a.Disconnect(b.PeerID(), "test")

	require.Eventually(t, func() bool {
		return ha.count("disconnected", b.PeerID()) == 1 && hb.count("disconnected", a.PeerID()) == 1
	}, waitFor, 10*time.Millisecond)

	err := a.Send(b.PeerID(), protocol.StatusPacket, nil)
	assert.True(t, errors.Is(err, errors.ErrNetworkError))

	t.Run("reconnect", func(t *testing.T) {
		require.NoError(t, b.Connect(context.Background(), a.Addresses()[0]))

		require.Eventually(t, func() bool {
			return ha.count("connected", b.PeerID()) == 2 && hb.count("connected", a.PeerID()) == 2
		}, waitFor, 10*time.Millisecond)

		require.NoError(t, b.Send(a.PeerID(), protocol.StatusPacket, []byte{1}))

		require.Eventually(t, func() bool {
			return len(ha.packets()) == 1
		}, waitFor, 10*time.Millisecond)
	})
}

func TestServer_OversizedPacketDisconnects(t *testing.T) {
	small := settings.NewTestSettings()
	small.P2P.MaxPacketSize = 32

	a, ha := startServer(t, settings.NewTestSettings())
	b, hb := startServer(t, small)

	connectServers(t, a, b, ha, hb)

	require.NoError(t, a.Send(b.PeerID(), protocol.BlockBodiesPacket, make([]byte, 64)))

	require.Eventually(t, func() bool {
		return hb.count("disconnected", a.PeerID()) == 1 && ha.count("disconnected", b.PeerID()) == 1
	}, waitFor, 10*time.Millisecond)

	assert.Empty(t, hb.packets())
}

func TestServer_StaticPeers(t *testing.T) {
	a, ha := startServer(t, settings.NewTestSettings())

	withStatic := settings.NewTestSettings()
	withStatic.P2P.StaticPeers = a.Addresses()[:1]

	b, hb := startServer(t, withStatic)

	require.Eventually(t, func() bool {
		return ha.count("connected", b.PeerID()) == 1 && hb.count("connected", a.PeerID()) == 1
	}, waitFor, 10*time.Millisecond)
}

func TestServer_Lifecycle(t *testing.T) {
	t.Run("send_to_unknown_peer", func(t *testing.T) {
		s := NewServer(ulogger.TestLogger{}, settings.NewTestSettings())

		err := s.Send("nobody", protocol.StatusPacket, nil)
		assert.True(t, errors.Is(err, errors.ErrNetworkError))

		// no node yet, nothing to do
		s.Disconnect("nobody", "test")
	})

	t.Run("health_before_start", func(t *testing.T) {
		s := NewServer(ulogger.TestLogger{}, settings.NewTestSettings())

		status, _, err := s.Health(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, status)

		status, _, err = s.Health(context.Background(), true)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, status)

		assert.Empty(t, s.Addresses())
		assert.Empty(t, s.PeerID())
	})

	t.Run("start_without_host", func(t *testing.T) {
		s := NewServer(ulogger.TestLogger{}, settings.NewTestSettings())

		err := s.Start(context.Background(), nil)
		assert.True(t, errors.Is(err, errors.ErrServiceNotStarted))
	})

	t.Run("invalid_settings", func(t *testing.T) {
		tSettings := settings.NewTestSettings()
		tSettings.P2P.MaxPacketSize = 0

		err := NewServer(ulogger.TestLogger{}, tSettings).Init(context.Background())
		assert.True(t, errors.Is(err, errors.ErrConfiguration))

		tSettings = settings.NewTestSettings()
		tSettings.P2P.ProtocolID = ""

		err = NewServer(ulogger.TestLogger{}, tSettings).Init(context.Background())
		assert.True(t, errors.Is(err, errors.ErrConfiguration))
	})

	t.Run("stop_twice", func(t *testing.T) {
		s, _ := startServer(t, settings.NewTestSettings())

		require.NoError(t, s.Stop(context.Background()))
		require.NoError(t, s.Stop(context.Background()))

		status, _, _ := s.Health(context.Background(), false)
		assert.Equal(t, http.StatusServiceUnavailable, status)
	})
}
