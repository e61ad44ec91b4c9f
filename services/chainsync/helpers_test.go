package chainsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/blocksync/services/chainsync/protocol"
	"github.com/bsv-blockchain/blocksync/settings"
	"github.com/bsv-blockchain/blocksync/stores/ledger/memory"
	"github.com/bsv-blockchain/blocksync/ulogger"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type sentPacket struct {
	to  PeerID
	msg protocol.Message
}

// recordingTransport decodes and keeps everything the engine sends.
type recordingTransport struct {
	t            *testing.T
	mu           sync.Mutex
	sent         []sentPacket
	disconnected []PeerID
}

func newRecordingTransport(t *testing.T) *recordingTransport {
	return &recordingTransport{t: t}
}

func (tr *recordingTransport) Send(peerID PeerID, id protocol.PacketID, payload []byte) error {
	msg, err := protocol.Decode(id, payload)
	require.NoError(tr.t, err)

	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.sent = append(tr.sent, sentPacket{to: peerID, msg: msg})

	return nil
}

func (tr *recordingTransport) Disconnect(peerID PeerID, _ string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.disconnected = append(tr.disconnected, peerID)
}

// take removes and returns the packets sent to peerID.
func (tr *recordingTransport) take(peerID PeerID) []protocol.Message {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	var (
		taken []protocol.Message
		kept  []sentPacket
	)

	for _, p := range tr.sent {
		if p.to == peerID {
			taken = append(taken, p.msg)
		} else {
			kept = append(kept, p)
		}
	}

	tr.sent = kept

	return taken
}

func (tr *recordingTransport) isDisconnected(peerID PeerID) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for _, id := range tr.disconnected {
		if id == peerID {
			return true
		}
	}

	return false
}

func newTestEngine(t *testing.T, ledger Ledger) (*ChainSync, *recordingTransport, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	tr := newRecordingTransport(t)

	e := New(ulogger.TestLogger{}, settings.NewTestSettings(), ledger, tr, WithClock(clock.Now))

	return e, tr, clock
}

// newLedger returns a memory ledger holding blocks on top of genesis.
func newLedger(t *testing.T, genesis *model.Block, blocks []*model.Block) *memory.Memory {
	t.Helper()

	m := memory.New(ulogger.TestLogger{}, genesis)

	for _, block := range blocks {
		result, err := m.Import(context.Background(), block)
		require.NoError(t, err)
		require.Equal(t, model.ImportStatusImported, result.Status)
	}

	return m
}

func deliver(t *testing.T, e *ChainSync, peerID PeerID, msg protocol.Message) error {
	t.Helper()

	id, payload, err := protocol.Encode(msg)
	require.NoError(t, err)

	return e.OnPacket(context.Background(), peerID, id, payload)
}

// statusOf builds the Status packet a peer holding ledger would send.
func statusOf(t *testing.T, ledger Ledger) *protocol.Status {
	t.Helper()

	best, err := ledger.BestBlock(context.Background())
	require.NoError(t, err)

	s := settings.NewTestSettings()

	return &protocol.Status{
		ProtocolVersion: s.Sync.ProtocolVersion,
		NetworkID:       s.Sync.NetworkID,
		TotalDifficulty: best.TotalDifficulty,
		BestHash:        best.Hash,
		BestNumber:      best.Number,
		GenesisHash:     ledger.Genesis().Hash(),
	}
}

// handshake connects peerID and delivers its status.
func handshake(t *testing.T, e *ChainSync, peerID PeerID, remote Ledger) {
	t.Helper()

	require.NoError(t, e.OnPeerConnected(context.Background(), peerID))
	require.NoError(t, deliver(t, e, peerID, statusOf(t, remote)))
}

// answer builds the reply remote would give to a request, nil for packets that need none.
func answer(t *testing.T, remote Ledger, msg protocol.Message) protocol.Message {
	t.Helper()

	ctx := context.Background()

	switch m := msg.(type) {
	case *protocol.GetBlockHeaders:
		headers := make(protocol.BlockHeaders, 0)
		number := m.Origin.Number

		if m.Origin.IsHash() {
			header, err := remote.BlockHeaderByHash(ctx, m.Origin.Hash)
			if err != nil {
				return &headers
			}

			number = header.Number
		}

		for i := uint64(0); i < m.Amount; i++ {
			header, err := remote.BlockHeaderByNumber(ctx, number+i*(m.Skip+1))
			if errors.Is(err, errors.ErrBlockNotFound) {
				break
			}

			require.NoError(t, err)

			headers = append(headers, header)
		}

		return &headers

	case *protocol.GetBlockBodies:
		bodies := make(protocol.BlockBodies, 0, len(*m))

		for _, hash := range *m {
			body, err := remote.BlockBody(ctx, hash)
			if err != nil {
				continue
			}

			bodies = append(bodies, body)
		}

		return &bodies

	default:
		return nil
	}
}

// serve answers every request the engine sent to peerID from remote until it stops asking.
func serve(t *testing.T, e *ChainSync, tr *recordingTransport, peerID PeerID, remote Ledger) {
	t.Helper()

	for rounds := 0; ; rounds++ {
		require.Less(t, rounds, 10000, "engine keeps asking")

		var replies []protocol.Message

		for _, msg := range tr.take(peerID) {
			if reply := answer(t, remote, msg); reply != nil {
				replies = append(replies, reply)
			}
		}

		if len(replies) == 0 {
			return
		}

		for _, reply := range replies {
			require.NoError(t, deliver(t, e, peerID, reply))
		}
	}
}
