package simnet

import (
	"context"
	"testing"
	"time"

	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/blocksync/services/chainsync"
	"github.com/bsv-blockchain/blocksync/services/chainsync/protocol"
	"github.com/bsv-blockchain/blocksync/settings"
	"github.com/bsv-blockchain/blocksync/ulogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNet(t *testing.T) *TestNet {
	t.Helper()

	return New(ulogger.TestLogger{}, settings.NewTestSettings())
}

func mustAddNode(t *testing.T, net *TestNet, id chainsync.PeerID, blocks []*model.Block) *Node {
	t.Helper()

	node, err := net.AddNode(id, blocks)
	require.NoError(t, err)

	return node
}

func concat(chains ...[]*model.Block) []*model.Block {
	var blocks []*model.Block
	for _, chain := range chains {
		blocks = append(blocks, chain...)
	}

	return blocks
}

func TestTestNet_TwoPeersConverge(t *testing.T) {
	net := newTestNet(t)
	blocks := model.GenerateChain(net.Genesis().Header, 1000, model.ChainOptions{})

	a := mustAddNode(t, net, "a", blocks)
	b := mustAddNode(t, net, "b", nil)

	require.NoError(t, net.Connect("a", "b"))
	require.NoError(t, net.Run())

	assert.True(t, net.Converged())
	assert.Equal(t, uint64(1000), b.Best().Number)
	assert.Equal(t, a.Best().TotalDifficulty, b.Best().TotalDifficulty)

	assert.Equal(t, chainsync.StateIdle, a.Driver.Status())
	assert.Equal(t, chainsync.StateIdle, b.Driver.Status())
}

func TestTestNet_TwoProducersAndAnEmptyPeer(t *testing.T) {
	net := newTestNet(t)

	// each producer builds its own 1000 blocks, the generator is deterministic
	a := mustAddNode(t, net, "a", model.GenerateChain(net.Genesis().Header, 1000, model.ChainOptions{}))
	b := mustAddNode(t, net, "b", model.GenerateChain(net.Genesis().Header, 1000, model.ChainOptions{}))
	c := mustAddNode(t, net, "c", nil)

	require.NoError(t, net.ConnectAll())
	require.NoError(t, net.Run())

	require.True(t, net.Converged())
	require.Equal(t, uint64(1000), c.Best().Number)

	ctx := context.Background()

	for number := uint64(0); number <= 1000; number++ {
		want, err := a.Ledger.BlockHeaderByNumber(ctx, number)
		require.NoError(t, err)

		fromB, err := b.Ledger.BlockHeaderByNumber(ctx, number)
		require.NoError(t, err)

		got, err := c.Ledger.BlockHeaderByNumber(ctx, number)
		require.NoError(t, err)

		assert.Equal(t, want.Hash(), fromB.Hash(), "block #%d", number)
		assert.Equal(t, want.Hash(), got.Hash(), "block #%d", number)
	}

	for _, node := range net.Nodes() {
		assert.Equal(t, chainsync.StateIdle, node.Driver.Status(), node.ID)
	}
}

func TestTestNet_FirstPacketIsStatus(t *testing.T) {
	net := newTestNet(t)
	blocks := model.GenerateChain(net.Genesis().Header, 50, model.ChainOptions{})

	mustAddNode(t, net, "a", blocks)
	mustAddNode(t, net, "b", blocks[:10])
	mustAddNode(t, net, "c", nil)

	require.NoError(t, net.ConnectAll())
	require.NoError(t, net.Run())
	require.True(t, net.Converged())

	seen := make(map[[2]chainsync.PeerID]bool)

	for _, d := range net.Delivered() {
		link := [2]chainsync.PeerID{d.From, d.To}
		if !seen[link] {
			assert.Equal(t, protocol.StatusPacket, d.ID, "first packet from %s to %s", d.From, d.To)
			seen[link] = true
		}
	}

	assert.Len(t, seen, 6)
}

func TestTestNet_ForkedNetworkConvergesOnHeaviestChain(t *testing.T) {
	net := newTestNet(t)

	shared := model.GenerateChain(net.Genesis().Header, 50, model.ChainOptions{})
	tip := shared[len(shared)-1].Header

	forkA := model.GenerateChain(tip, 30, model.ChainOptions{Fork: 1})
	forkB := model.GenerateChain(tip, 20, model.ChainOptions{Fork: 2, Difficulty: 200})

	mustAddNode(t, net, "a", concat(shared, forkA))
	b := mustAddNode(t, net, "b", concat(shared, forkB))
	mustAddNode(t, net, "c", shared)

	require.NoError(t, net.ConnectAll())
	require.NoError(t, net.RunFor(time.Minute, time.Second, (*TestNet).Converged))

	require.True(t, net.Converged())

	for _, node := range net.Nodes() {
		assert.Equal(t, forkB[19].Hash(), node.Best().Hash, node.ID)
		assert.Equal(t, b.Best().TotalDifficulty, node.Best().TotalDifficulty)
	}
}

func TestTestNet_HeaviestForkWinsInAnyOrder(t *testing.T) {
	type link [2]chainsync.PeerID

	orders := map[string][][]link{
		"light_first":    {{{"a", "c"}, {"b", "c"}, {"a", "b"}}},
		"heavy_first":    {{{"b", "c"}, {"a", "c"}, {"a", "b"}}},
		"producers_meet": {{{"a", "b"}, {"c", "a"}, {"c", "b"}}},
		// c settles on the light fork before it ever hears of the heavy one
		"light_adopted_then_heavy": {{{"c", "a"}}, {{"c", "b"}}, {{"a", "b"}}},
	}

	for name, stages := range orders {
		t.Run(name, func(t *testing.T) {
			net := newTestNet(t)

			shared := model.GenerateChain(net.Genesis().Header, 20, model.ChainOptions{})
			tip := shared[len(shared)-1].Header

			light := model.GenerateChain(tip, 30, model.ChainOptions{Fork: 1})
			heavy := model.GenerateChain(tip, 20, model.ChainOptions{Fork: 2, Difficulty: 200})

			mustAddNode(t, net, "a", concat(shared, light))
			mustAddNode(t, net, "b", concat(shared, heavy))
			c := mustAddNode(t, net, "c", shared)

			for i, stage := range stages {
				for _, l := range stage {
					require.NoError(t, net.Connect(l[0], l[1]))
				}

				require.NoError(t, net.Run())

				if name == "light_adopted_then_heavy" && i == 0 {
					require.Equal(t, light[29].Hash(), c.Best().Hash)
				}
			}

			require.NoError(t, net.RunFor(time.Minute, time.Second, (*TestNet).Converged))
			require.True(t, net.Converged())

			for _, node := range net.Nodes() {
				assert.Equal(t, heavy[19].Hash(), node.Best().Hash, node.ID)

				header, err := node.Ledger.BlockHeaderByNumber(context.Background(), 21)
				require.NoError(t, err)
				assert.Equal(t, heavy[0].Hash(), header.Hash(), node.ID)
			}
		})
	}
}

func TestTestNet_StalledTargetComesBack(t *testing.T) {
	net := newTestNet(t)
	blocks := model.GenerateChain(net.Genesis().Header, 1000, model.ChainOptions{})

	a := mustAddNode(t, net, "a", blocks)
	b := mustAddNode(t, net, "b", nil)

	require.NoError(t, net.Connect("a", "b"))

	for i := 0; b.Best().Number == 0; i++ {
		require.Less(t, i, DefaultMaxEvents)
		require.True(t, net.Step(), "b never imported anything")
	}

	net.Mute("a", true)
	require.NoError(t, net.RunFor(45*time.Second, time.Second, nil))

	imported := b.Best().Number
	require.Less(t, imported, uint64(1000))

	peers := b.Driver.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, a.Best().TotalDifficulty, peers[0].TotalDifficulty, "a slow peer keeps its claim")
	assert.False(t, peers[0].IsBanned)

	net.Mute("a", false)
	require.NoError(t, net.RunFor(time.Minute, time.Second, func(net *TestNet) bool {
		return net.Node("b").Best().Number == 1000
	}))

	assert.Equal(t, blocks[999].Hash(), b.Best().Hash)
	assert.Equal(t, chainsync.StateIdle, b.Driver.Status())
}

func TestTestNet_PropagationAlongALine(t *testing.T) {
	net := newTestNet(t)
	blocks := model.GenerateChain(net.Genesis().Header, 12, model.ChainOptions{})

	a := mustAddNode(t, net, "a", blocks[:10])
	mustAddNode(t, net, "b", blocks[:10])
	c := mustAddNode(t, net, "c", blocks[:10])

	require.NoError(t, net.Connect("a", "b"))
	require.NoError(t, net.Connect("b", "c"))
	require.NoError(t, net.Run())

	require.NoError(t, a.Mine(blocks[10]))
	require.NoError(t, net.Run())

	assert.True(t, net.Converged())
	assert.Equal(t, blocks[10].Hash(), c.Best().Hash)

	require.NoError(t, a.Mine(blocks[11]))
	require.NoError(t, net.Run())

	assert.True(t, net.Converged())
	assert.Equal(t, uint64(12), c.Best().Number)

	var newBlocks int

	for _, d := range net.Delivered() {
		if d.ID == protocol.NewBlockPacket {
			newBlocks++
		}
	}

	assert.Equal(t, 4, newBlocks, "each block travels a->b->c once")
}

func TestTestNet_RecoversFromMutedPeer(t *testing.T) {
	net := newTestNet(t)
	blocks := model.GenerateChain(net.Genesis().Header, 300, model.ChainOptions{})

	mustAddNode(t, net, "a", blocks)
	mustAddNode(t, net, "m", blocks)
	b := mustAddNode(t, net, "b", nil)

	net.Mute("m", true)

	require.NoError(t, net.ConnectAll())
	require.NoError(t, net.RunFor(5*time.Minute, time.Second, func(net *TestNet) bool {
		return net.Node("b").Best().Number == 300
	}))

	assert.Equal(t, uint64(300), b.Best().Number)
	assert.Equal(t, chainsync.StateIdle, b.Driver.Status())

	for _, peer := range b.Driver.Peers() {
		if peer.ID == "m" {
			assert.Positive(t, peer.BanScore)
		}
	}
}

func TestTestNet_EmptyBlocksNeedNoBodies(t *testing.T) {
	net := newTestNet(t)
	blocks := model.GenerateChain(net.Genesis().Header, 300, model.ChainOptions{Empty: true})

	mustAddNode(t, net, "a", blocks)
	b := mustAddNode(t, net, "b", nil)

	require.NoError(t, net.Connect("a", "b"))
	require.NoError(t, net.Run())

	assert.Equal(t, uint64(300), b.Best().Number)

	for _, d := range net.Delivered() {
		assert.NotEqual(t, protocol.GetBlockBodiesPacket, d.ID)
	}
}

func TestTestNet_Restart(t *testing.T) {
	net := newTestNet(t)
	blocks := model.GenerateChain(net.Genesis().Header, 40, model.ChainOptions{})

	mustAddNode(t, net, "a", blocks)
	b := mustAddNode(t, net, "b", blocks[:20])

	require.NoError(t, net.Connect("a", "b"))
	require.NoError(t, net.Run())
	require.Equal(t, uint64(40), b.Best().Number)

	require.NoError(t, net.Restart("b"))
	assert.Equal(t, chainsync.StateNotSynced, b.Driver.Status())
	assert.Empty(t, b.Driver.Peers())
	assert.Equal(t, uint64(40), b.Best().Number, "ledger survives the restart")

	require.NoError(t, net.Connect("a", "b"))
	require.NoError(t, net.Run())

	assert.Equal(t, chainsync.StateIdle, b.Driver.Status())
	assert.True(t, net.Converged())
}

func TestTestNet_Errors(t *testing.T) {
	net := newTestNet(t)
	mustAddNode(t, net, "a", nil)

	_, err := net.AddNode("a", nil)
	assert.Error(t, err)

	assert.Error(t, net.Connect("a", "missing"))
	assert.Error(t, net.Connect("a", "a"))
	assert.Error(t, net.Restart("missing"))

	other := model.GenerateChain(model.NewGenesis(2).Header, 1, model.ChainOptions{})
	_, err = net.AddNode("b", other)
	assert.Error(t, err)
}
