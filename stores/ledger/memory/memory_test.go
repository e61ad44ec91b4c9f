package memory

import (
	"context"
	"testing"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/blocksync/ulogger"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_Import(t *testing.T) {
	ctx := context.Background()
	genesis := model.NewGenesis(1)
	m := New(ulogger.TestLogger{}, genesis)

	best, err := m.BestBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), best.Number)
	assert.Equal(t, genesis.Hash(), best.Hash)
	assert.Equal(t, uint256.NewInt(model.GenesisDifficulty), best.TotalDifficulty)

	blocks := model.GenerateChain(genesis.Header, 3, model.ChainOptions{})

	for _, block := range blocks {
		result, err := m.Import(ctx, block)
		require.NoError(t, err)
		assert.Equal(t, model.ImportStatusImported, result.Status)
	}

	best, err = m.BestBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), best.Number)
	assert.Equal(t, blocks[2].Hash(), best.Hash)
	assert.Equal(t, uint256.NewInt(301), best.TotalDifficulty)

	t.Run("already_known", func(t *testing.T) {
		result, err := m.Import(ctx, blocks[1])
		require.NoError(t, err)
		assert.Equal(t, model.ImportStatusAlreadyKnown, result.Status)
	})

	t.Run("not_on_best_block", func(t *testing.T) {
		fork := model.GenerateChain(genesis.Header, 1, model.ChainOptions{Fork: 1})

		result, err := m.Import(ctx, fork[0])
		require.NoError(t, err)
		assert.Equal(t, model.ImportStatusInvalid, result.Status)
		assert.NotEmpty(t, result.Reason)
	})

	t.Run("invalid_body", func(t *testing.T) {
		next := model.GenerateChain(blocks[2].Header, 1, model.ChainOptions{})[0]
		bad := model.NewBlock(next.Header, &model.Body{Transactions: [][]byte{[]byte("x")}})

		result, err := m.Import(ctx, bad)
		require.NoError(t, err)
		assert.Equal(t, model.ImportStatusInvalid, result.Status)

		_, err = m.BlockHeaderByHash(ctx, bad.Hash())
		assert.True(t, errors.Is(err, errors.ErrBlockNotFound))
	})
}

func TestMemory_Lookups(t *testing.T) {
	ctx := context.Background()
	genesis := model.NewGenesis(1)
	m := New(ulogger.TestLogger{}, genesis)

	blocks := model.GenerateChain(genesis.Header, 2, model.ChainOptions{})
	for _, block := range blocks {
		_, err := m.Import(ctx, block)
		require.NoError(t, err)
	}

	header, err := m.BlockHeaderByNumber(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, blocks[1].Hash(), header.Hash())

	header, err = m.BlockHeaderByHash(ctx, blocks[0].Hash())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), header.Number)

	body, err := m.BlockBody(ctx, blocks[0].Hash())
	require.NoError(t, err)
	assert.Equal(t, blocks[0].Body.Root(), body.Root())

	td, err := m.TotalDifficulty(ctx, blocks[0].Hash())
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(101), td)

	_, err = m.BlockHeaderByNumber(ctx, 3)
	assert.True(t, errors.Is(err, errors.ErrBlockNotFound))

	_, err = m.BlockBody(ctx, chainhash.Hash{1})
	assert.True(t, errors.Is(err, errors.ErrBlockNotFound))

	_, err = m.TotalDifficulty(ctx, chainhash.Hash{1})
	assert.True(t, errors.Is(err, errors.ErrBlockNotFound))
}

func TestMemory_Reorganize(t *testing.T) {
	ctx := context.Background()
	genesis := model.NewGenesis(1)

	setup := func(t *testing.T) (*Memory, []*model.Block) {
		m := New(ulogger.TestLogger{}, genesis)

		main := model.GenerateChain(genesis.Header, 5, model.ChainOptions{})
		for _, block := range main {
			_, err := m.Import(ctx, block)
			require.NoError(t, err)
		}

		return m, main
	}

	t.Run("replaces_blocks_above_fork_point", func(t *testing.T) {
		m, main := setup(t)

		fork := model.GenerateChain(main[1].Header, 4, model.ChainOptions{Fork: 1, Difficulty: 200})
		require.NoError(t, m.Reorganize(ctx, 2, fork))

		best, err := m.BestBlock(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(6), best.Number)
		assert.Equal(t, fork[3].Hash(), best.Hash)
		assert.Equal(t, uint256.NewInt(1+200+800), best.TotalDifficulty)

		header, err := m.BlockHeaderByNumber(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, fork[0].Hash(), header.Hash())

		// detached blocks stay retrievable by hash
		header, err = m.BlockHeaderByHash(ctx, main[4].Hash())
		require.NoError(t, err)
		assert.Equal(t, uint64(5), header.Number)

		assert.Len(t, m.Blocks(), 7)
	})

	t.Run("invalid_chain_leaves_ledger_unchanged", func(t *testing.T) {
		m, main := setup(t)

		fork := model.GenerateChain(main[1].Header, 3, model.ChainOptions{Fork: 1})
		fork[2] = model.NewBlock(fork[2].Header, &model.Body{Transactions: [][]byte{[]byte("bad")}})

		err := m.Reorganize(ctx, 2, fork)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrBlockInvalid))

		best, err := m.BestBlock(ctx)
		require.NoError(t, err)
		assert.Equal(t, main[4].Hash(), best.Hash)

		_, err = m.BlockHeaderByHash(ctx, fork[0].Hash())
		assert.True(t, errors.Is(err, errors.ErrBlockNotFound))
	})

	t.Run("wrong_fork_point", func(t *testing.T) {
		m, main := setup(t)

		fork := model.GenerateChain(main[1].Header, 2, model.ChainOptions{Fork: 1})

		err := m.Reorganize(ctx, 3, fork)
		assert.True(t, errors.Is(err, errors.ErrBlockInvalid))

		err = m.Reorganize(ctx, 10, fork)
		assert.True(t, errors.Is(err, errors.ErrBlockNotFound))
	})
}
