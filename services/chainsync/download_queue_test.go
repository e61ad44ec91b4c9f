package chainsync

import (
	"testing"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func headersOf(blocks []*model.Block) []*model.Header {
	headers := make([]*model.Header, len(blocks))
	for i, b := range blocks {
		headers[i] = b.Header
	}

	return headers
}

func bodiesOf(blocks []*model.Block) []*model.Body {
	bodies := make([]*model.Body, len(blocks))
	for i, b := range blocks {
		bodies[i] = b.Body
	}

	return bodies
}

// newTestQueue returns a queue anchored at genesis with blocks 1..n as the target.
func newTestQueue(n int, opts model.ChainOptions, maxHeaders, maxBodies, window int) (*DownloadQueue, []*model.Block) {
	genesis := model.NewGenesis(1)
	blocks := model.GenerateChain(genesis.Header, n, opts)

	q := NewDownloadQueue(maxHeaders, maxBodies, 4, window)
	q.Reset(0, genesis.Hash(), uint256.NewInt(model.GenesisDifficulty), uint64(n))

	return q, blocks
}

func TestDownloadQueue_Windows(t *testing.T) {
	q, blocks := newTestQueue(25, model.ChainOptions{Empty: true}, 4, 8, 10)

	require.True(t, q.ScheduleHeaderWindow())
	assert.False(t, q.ScheduleHeaderWindow(), "window still open")
	assert.Equal(t, []HeaderRange{{1, 4}, {5, 4}, {9, 2}}, q.pendingRanges)

	for !q.HeaderWindowComplete() {
		rng, ok := q.NextHeaderRequest("a")
		require.True(t, ok)

		_, err := q.DeliverHeaders("a", headersOf(blocks[rng.From-1:rng.End()-1]))
		require.NoError(t, err)
	}

	assert.Equal(t, uint64(10), q.LinkedTip())
	assert.Equal(t, uint64(10), q.ReadyTip(), "empty blocks need no bodies")
	assert.True(t, q.MoreHeaders())

	require.True(t, q.ScheduleHeaderWindow())
	assert.Equal(t, []HeaderRange{{11, 4}, {15, 4}, {19, 2}}, q.pendingRanges)

	for !q.HeaderWindowComplete() {
		rng, _ := q.NextHeaderRequest("a")
		_, err := q.DeliverHeaders("a", headersOf(blocks[rng.From-1:rng.End()-1]))
		require.NoError(t, err)
	}

	require.True(t, q.ScheduleHeaderWindow())
	assert.Equal(t, []HeaderRange{{21, 4}, {25, 1}}, q.pendingRanges)

	t.Run("target_reached", func(t *testing.T) {
		for !q.HeaderWindowComplete() {
			rng, _ := q.NextHeaderRequest("a")
			_, err := q.DeliverHeaders("a", headersOf(blocks[rng.From-1:rng.End()-1]))
			require.NoError(t, err)
		}

		assert.False(t, q.MoreHeaders())
		assert.False(t, q.ScheduleHeaderWindow())
		assert.True(t, q.BodiesComplete())
		assert.Equal(t, 25, q.ReadyCount())
	})
}

func TestDownloadQueue_OneRequestPerPeer(t *testing.T) {
	q, _ := newTestQueue(20, model.ChainOptions{Empty: true}, 4, 8, 20)
	q.maxInFlight = 2
	q.ScheduleHeaderWindow()

	rng, ok := q.NextHeaderRequest("a")
	require.True(t, ok)
	assert.Equal(t, HeaderRange{1, 4}, rng)
	assert.True(t, q.HasWork("a"))

	_, ok = q.NextHeaderRequest("a")
	assert.False(t, ok, "peer already busy")

	rng, ok = q.NextHeaderRequest("b")
	require.True(t, ok)
	assert.Equal(t, HeaderRange{5, 4}, rng)

	_, ok = q.NextHeaderRequest("c")
	assert.False(t, ok, "in flight limit")
	assert.Equal(t, 2, q.InFlight())

	q.Release("a")
	assert.False(t, q.HasWork("a"))

	rng, ok = q.NextHeaderRequest("c")
	require.True(t, ok)
	assert.Equal(t, HeaderRange{1, 4}, rng, "released range is handed out first")
}

func TestDownloadQueue_OutOfOrderRanges(t *testing.T) {
	q, blocks := newTestQueue(12, model.ChainOptions{Empty: true}, 4, 8, 12)
	q.ScheduleHeaderWindow()

	first, _ := q.NextHeaderRequest("a")
	second, _ := q.NextHeaderRequest("b")
	third, _ := q.NextHeaderRequest("c")

	delivery, err := q.DeliverHeaders("c", headersOf(blocks[third.From-1:third.End()-1]))
	require.NoError(t, err)
	assert.Equal(t, 0, delivery.Linked)
	assert.Equal(t, uint64(0), q.LinkedTip())

	delivery, err = q.DeliverHeaders("b", headersOf(blocks[second.From-1:second.End()-1]))
	require.NoError(t, err)
	assert.Equal(t, 0, delivery.Linked)

	delivery, err = q.DeliverHeaders("a", headersOf(blocks[first.From-1:first.End()-1]))
	require.NoError(t, err)
	assert.Equal(t, 12, delivery.Linked)
	assert.Equal(t, uint64(12), q.LinkedTip())
	assert.True(t, q.HeaderWindowComplete())

	by, ok := q.DeliveredBy(blocks[10].Hash())
	require.True(t, ok)
	assert.Equal(t, PeerID("c"), by)
}

func TestDownloadQueue_FaultyOrphan(t *testing.T) {
	q, blocks := newTestQueue(8, model.ChainOptions{Empty: true}, 4, 8, 8)
	q.ScheduleHeaderWindow()

	genesis := model.NewGenesis(1)
	fork := model.GenerateChain(genesis.Header, 8, model.ChainOptions{Empty: true, Fork: 1})

	first, _ := q.NextHeaderRequest("a")
	second, _ := q.NextHeaderRequest("b")

	// b answers with a consistent run from another chain; it is only detected when linking
	_, err := q.DeliverHeaders("b", headersOf(fork[second.From-1:second.End()-1]))
	require.NoError(t, err)

	delivery, err := q.DeliverHeaders("a", headersOf(blocks[first.From-1:first.End()-1]))
	require.NoError(t, err)
	assert.Equal(t, 4, delivery.Linked)
	assert.Equal(t, []PeerID{"b"}, delivery.Faulty)
	assert.Equal(t, []HeaderRange{{5, 4}}, q.pendingRanges)
}

func TestDownloadQueue_DeliverHeaders(t *testing.T) {
	t.Run("unrequested_is_stale", func(t *testing.T) {
		q, blocks := newTestQueue(8, model.ChainOptions{Empty: true}, 4, 8, 8)
		q.ScheduleHeaderWindow()

		delivery, err := q.DeliverHeaders("a", headersOf(blocks[:4]))
		require.NoError(t, err)
		assert.True(t, delivery.Stale)
	})

	t.Run("redelivery_is_stale", func(t *testing.T) {
		q, blocks := newTestQueue(8, model.ChainOptions{Empty: true}, 4, 8, 8)
		q.ScheduleHeaderWindow()

		q.NextHeaderRequest("a")
		_, err := q.DeliverHeaders("a", headersOf(blocks[:4]))
		require.NoError(t, err)

		q.NextHeaderRequest("a")
		delivery, err := q.DeliverHeaders("a", headersOf(blocks[:4]))
		require.NoError(t, err)
		assert.True(t, delivery.Stale)
		assert.Equal(t, uint64(4), q.LinkedTip())
		assert.True(t, q.HasWork("a"), "outstanding request is kept")
	})

	t.Run("empty_returns_range", func(t *testing.T) {
		q, _ := newTestQueue(8, model.ChainOptions{Empty: true}, 4, 8, 8)
		q.ScheduleHeaderWindow()

		q.NextHeaderRequest("a")
		delivery, err := q.DeliverHeaders("a", nil)
		require.NoError(t, err)
		assert.True(t, delivery.Empty)
		assert.Equal(t, []HeaderRange{{1, 4}, {5, 4}}, q.pendingRanges)
	})

	t.Run("partial_reply_requeues_rest", func(t *testing.T) {
		q, blocks := newTestQueue(8, model.ChainOptions{Empty: true}, 4, 8, 8)
		q.ScheduleHeaderWindow()

		q.NextHeaderRequest("a")
		delivery, err := q.DeliverHeaders("a", headersOf(blocks[:3]))
		require.NoError(t, err)
		assert.Equal(t, 3, delivery.Linked)
		assert.Equal(t, []HeaderRange{{4, 1}, {5, 4}}, q.pendingRanges)
	})

	t.Run("skipping_headers_is_a_violation", func(t *testing.T) {
		q, blocks := newTestQueue(8, model.ChainOptions{Empty: true}, 4, 8, 8)
		q.ScheduleHeaderWindow()

		q.NextHeaderRequest("a")
		_, err := q.DeliverHeaders("a", []*model.Header{blocks[0].Header, blocks[2].Header})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrProtocolViolation))
		assert.Equal(t, uint64(0), q.LinkedTip())
		assert.Equal(t, []HeaderRange{{1, 4}, {5, 4}}, q.pendingRanges)
	})

	t.Run("too_many_headers", func(t *testing.T) {
		q, blocks := newTestQueue(8, model.ChainOptions{Empty: true}, 4, 8, 8)
		q.ScheduleHeaderWindow()

		q.NextHeaderRequest("a")
		_, err := q.DeliverHeaders("a", headersOf(blocks[:5]))
		assert.True(t, errors.Is(err, errors.ErrProtocolViolation))
	})

	t.Run("wrong_parent", func(t *testing.T) {
		q, _ := newTestQueue(8, model.ChainOptions{Empty: true}, 4, 8, 8)
		q.ScheduleHeaderWindow()

		fork := model.GenerateChain(model.NewGenesis(2).Header, 4, model.ChainOptions{Empty: true})

		q.NextHeaderRequest("a")
		_, err := q.DeliverHeaders("a", headersOf(fork))
		assert.True(t, errors.Is(err, errors.ErrProtocolViolation))
		assert.Equal(t, uint64(0), q.LinkedTip())
	})
}

func TestDownloadQueue_Bodies(t *testing.T) {
	linkAll := func(t *testing.T, q *DownloadQueue, blocks []*model.Block) {
		q.ScheduleHeaderWindow()

		for !q.HeaderWindowComplete() {
			rng, ok := q.NextHeaderRequest("h")
			require.True(t, ok)

			_, err := q.DeliverHeaders("h", headersOf(blocks[rng.From-1:rng.End()-1]))
			require.NoError(t, err)
		}
	}

	t.Run("in_order_ready", func(t *testing.T) {
		q, blocks := newTestQueue(6, model.ChainOptions{}, 8, 3, 8)
		linkAll(t, q, blocks)

		assert.Equal(t, uint64(6), q.LinkedTip())
		assert.Equal(t, uint64(0), q.ReadyTip())
		assert.True(t, q.BodiesPending())

		first, ok := q.NextBodyRequest("a")
		require.True(t, ok)
		assert.Equal(t, []chainhash.Hash{blocks[0].Hash(), blocks[1].Hash(), blocks[2].Hash()}, first)

		second, ok := q.NextBodyRequest("b")
		require.True(t, ok)
		assert.Len(t, second, 3)

		delivery, err := q.DeliverBodies("b", bodiesOf(blocks[3:6]))
		require.NoError(t, err)
		assert.Equal(t, 3, delivery.Matched)
		assert.Equal(t, uint64(0), q.ReadyTip(), "earlier bodies still missing")

		_, err = q.DeliverBodies("a", bodiesOf(blocks[0:3]))
		require.NoError(t, err)
		assert.Equal(t, uint64(6), q.ReadyTip())
		assert.True(t, q.BodiesComplete())

		ready := q.ReadyBlocks()
		require.Len(t, ready, 6)

		for i, block := range ready {
			assert.Equal(t, blocks[i].Hash(), block.Hash())
			assert.NoError(t, block.Validate(headerAt(blocks, i)))
		}

		assert.Equal(t, uint256.NewInt(601), q.ReadyTD())
	})

	t.Run("skipped_bodies_are_requeued", func(t *testing.T) {
		q, blocks := newTestQueue(3, model.ChainOptions{}, 8, 3, 8)
		linkAll(t, q, blocks)

		q.NextBodyRequest("a")

		delivery, err := q.DeliverBodies("a", []*model.Body{blocks[0].Body, blocks[2].Body})
		require.NoError(t, err)
		assert.Equal(t, 2, delivery.Matched)
		assert.Equal(t, uint64(1), q.ReadyTip())
		assert.Equal(t, []chainhash.Hash{blocks[1].Hash()}, q.bodyQueue)
	})

	t.Run("unknown_body_is_a_violation", func(t *testing.T) {
		q, blocks := newTestQueue(3, model.ChainOptions{}, 8, 3, 8)
		linkAll(t, q, blocks)

		q.NextBodyRequest("a")

		_, err := q.DeliverBodies("a", []*model.Body{{Transactions: [][]byte{[]byte("other")}}})
		assert.True(t, errors.Is(err, errors.ErrProtocolViolation))
		assert.Len(t, q.bodyQueue, 3)
		assert.Equal(t, uint64(0), q.ReadyTip())
	})

	t.Run("empty_and_stale", func(t *testing.T) {
		q, blocks := newTestQueue(3, model.ChainOptions{}, 8, 3, 8)
		linkAll(t, q, blocks)

		delivery, err := q.DeliverBodies("a", bodiesOf(blocks))
		require.NoError(t, err)
		assert.True(t, delivery.Stale)

		q.NextBodyRequest("a")

		delivery, err = q.DeliverBodies("a", nil)
		require.NoError(t, err)
		assert.True(t, delivery.Empty)
		assert.Len(t, q.bodyQueue, 3)
	})

	t.Run("late_reply_after_release", func(t *testing.T) {
		q, blocks := newTestQueue(6, model.ChainOptions{}, 8, 2, 8)
		linkAll(t, q, blocks)

		q.NextBodyRequest("a")
		q.Release("a")

		q.NextBodyRequest("x")

		current, ok := q.NextBodyRequest("a")
		require.True(t, ok)
		assert.Equal(t, []chainhash.Hash{blocks[2].Hash(), blocks[3].Hash()}, current)

		// the answer to the released request arrives while a holds 3-4
		delivery, err := q.DeliverBodies("a", bodiesOf(blocks[0:2]))
		require.NoError(t, err)
		assert.True(t, delivery.Stale)
		assert.Equal(t, uint64(0), q.ReadyTip(), "bodies 1-2 belong to x now")
		assert.True(t, q.HasWork("a"))

		q.Release("x")

		delivery, err = q.DeliverBodies("a", bodiesOf(blocks[0:2]))
		require.NoError(t, err)
		assert.True(t, delivery.Stale)
		assert.Equal(t, uint64(2), q.ReadyTip(), "waiting bodies are taken from the late reply")
		assert.Equal(t, []chainhash.Hash{blocks[4].Hash(), blocks[5].Hash()}, q.bodyQueue)

		delivery, err = q.DeliverBodies("a", bodiesOf(blocks[2:4]))
		require.NoError(t, err)
		assert.Equal(t, 2, delivery.Matched)
		assert.Equal(t, uint64(4), q.ReadyTip())

		q.NextBodyRequest("a")

		_, err = q.DeliverBodies("a", bodiesOf(blocks[0:2]))
		assert.True(t, errors.Is(err, errors.ErrProtocolViolation), "late replies are recognised until the peer answers its new request")
	})

	t.Run("release", func(t *testing.T) {
		q, blocks := newTestQueue(3, model.ChainOptions{}, 8, 2, 8)
		linkAll(t, q, blocks)

		q.NextBodyRequest("a")
		assert.Len(t, q.bodyQueue, 1)

		q.Release("a")
		assert.Equal(t, []chainhash.Hash{blocks[0].Hash(), blocks[1].Hash(), blocks[2].Hash()}, q.bodyQueue)
	})
}

func TestDownloadQueue_Rebase(t *testing.T) {
	q, blocks := newTestQueue(8, model.ChainOptions{Empty: true}, 4, 8, 4)

	q.ScheduleHeaderWindow()
	rng, _ := q.NextHeaderRequest("a")
	_, err := q.DeliverHeaders("a", headersOf(blocks[rng.From-1:rng.End()-1]))
	require.NoError(t, err)

	require.Equal(t, 4, q.ReadyCount())
	q.Rebase()

	number, hash, td := q.Anchor()
	assert.Equal(t, uint64(4), number)
	assert.Equal(t, blocks[3].Hash(), hash)
	assert.Equal(t, uint256.NewInt(401), td)
	assert.Equal(t, 0, q.ReadyCount())
	assert.Empty(t, q.ReadyBlocks())

	_, ok := q.DeliveredBy(blocks[0].Hash())
	assert.False(t, ok)

	require.True(t, q.ScheduleHeaderWindow())
	rng, _ = q.NextHeaderRequest("a")
	assert.Equal(t, HeaderRange{5, 4}, rng)

	_, err = q.DeliverHeaders("a", headersOf(blocks[4:8]))
	require.NoError(t, err)
	assert.Equal(t, uint64(8), q.ReadyTip())
	assert.Equal(t, uint256.NewInt(801), q.ReadyTD())
}

func TestDownloadQueue_ExtendTarget(t *testing.T) {
	q, _ := newTestQueue(8, model.ChainOptions{Empty: true}, 4, 8, 4)

	q.ExtendTarget(4)
	assert.Equal(t, uint64(8), q.Target())

	q.ExtendTarget(20)
	assert.Equal(t, uint64(20), q.Target())

	q.Clear()
	assert.False(t, q.Active())
	assert.False(t, q.ScheduleHeaderWindow())
}

func headerAt(blocks []*model.Block, i int) *model.Header {
	if i == 0 {
		return model.NewGenesis(1).Header
	}

	return blocks[i-1].Header
}
