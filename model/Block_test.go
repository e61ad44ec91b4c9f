package model

import (
	"testing"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenesis(t *testing.T) {
	a := NewGenesis(1)
	b := NewGenesis(1)
	c := NewGenesis(2)

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
	assert.Equal(t, EmptyBodyHash, a.Header.TxRoot)
}

func TestGenerateChain(t *testing.T) {
	genesis := NewGenesis(1)

	t.Run("deterministic", func(t *testing.T) {
		a := GenerateChain(genesis.Header, 10, ChainOptions{})
		b := GenerateChain(genesis.Header, 10, ChainOptions{})

		require.Len(t, a, 10)

		for i := range a {
			assert.Equal(t, a[i].Hash(), b[i].Hash())
			assert.Equal(t, uint64(i+1), a[i].Number())
		}
	})

	t.Run("fork_marker_changes_hashes", func(t *testing.T) {
		a := GenerateChain(genesis.Header, 3, ChainOptions{})
		b := GenerateChain(genesis.Header, 3, ChainOptions{Fork: 1})

		for i := range a {
			assert.NotEqual(t, a[i].Hash(), b[i].Hash())
		}
	})

	t.Run("empty_blocks_use_empty_root", func(t *testing.T) {
		blocks := GenerateChain(genesis.Header, 2, ChainOptions{Empty: true})
		assert.Equal(t, EmptyBodyHash, blocks[0].Header.TxRoot)
		assert.True(t, blocks[0].Body.IsEmpty())
	})

	t.Run("chain_difficulty", func(t *testing.T) {
		blocks := GenerateChain(genesis.Header, 5, ChainOptions{Difficulty: 7})
		assert.Equal(t, uint256.NewInt(35), ChainDifficulty(blocks))
	})
}

func TestBlock_Validate(t *testing.T) {
	genesis := NewGenesis(1)
	blocks := GenerateChain(genesis.Header, 2, ChainOptions{})

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, blocks[0].Validate(genesis.Header))
		require.NoError(t, blocks[1].Validate(blocks[0].Header))
	})

	t.Run("wrong_parent", func(t *testing.T) {
		err := blocks[1].Validate(genesis.Header)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrBlockInvalid))
	})

	t.Run("zero_difficulty", func(t *testing.T) {
		h := *blocks[0].Header
		h.Difficulty = uint256.NewInt(0)

		err := NewBlock(&h, blocks[0].Body).Validate(genesis.Header)
		assert.True(t, errors.Is(err, errors.ErrBlockInvalid))
	})

	t.Run("body_mismatch", func(t *testing.T) {
		err := NewBlock(blocks[0].Header, &Body{Transactions: [][]byte{[]byte("other")}}).Validate(genesis.Header)
		assert.True(t, errors.Is(err, errors.ErrBlockInvalid))
	})
}

func TestBlock_Bytes(t *testing.T) {
	genesis := NewGenesis(1)
	block := GenerateChain(genesis.Header, 1, ChainOptions{})[0]

	b, err := block.Bytes()
	require.NoError(t, err)

	decoded, err := NewBlockFromBytes(b)
	require.NoError(t, err)
	assert.Equal(t, block.Hash(), decoded.Hash())
	assert.Equal(t, block.Body.Root(), decoded.Body.Root())

	_, err = NewBlockFromBytes([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestBlockInfo_Cmp(t *testing.T) {
	a := &BlockInfo{Number: 10, TotalDifficulty: uint256.NewInt(100)}
	b := &BlockInfo{Number: 5, TotalDifficulty: uint256.NewInt(200)}
	c := &BlockInfo{Number: 11, TotalDifficulty: uint256.NewInt(100)}

	assert.Equal(t, -1, a.Cmp(b))
	assert.Equal(t, 1, b.Cmp(a))
	assert.Equal(t, -1, a.Cmp(c))
	assert.Equal(t, 0, a.Cmp(a))
}

func TestValidateChain(t *testing.T) {
	genesis := NewGenesis(1)
	blocks := GenerateChain(genesis.Header, 4, ChainOptions{})

	require.NoError(t, ValidateChain(genesis.Header, blocks))
	require.NoError(t, ValidateChain(genesis.Header, nil))

	t.Run("gap", func(t *testing.T) {
		err := ValidateChain(genesis.Header, []*Block{blocks[0], blocks[2]})
		assert.True(t, errors.Is(err, errors.ErrBlockInvalid))
	})

	t.Run("total_difficulty", func(t *testing.T) {
		td := TotalDifficultyOf(uint256.NewInt(GenesisDifficulty), blocks[0].Header)
		assert.Equal(t, uint256.NewInt(101), td)
	})
}

func TestImportStatus_String(t *testing.T) {
	assert.Equal(t, "imported", Imported().Status.String())
	assert.Equal(t, "already_known", AlreadyKnown().Status.String())

	invalid := InvalidImport("bad root")
	assert.Equal(t, "invalid", invalid.Status.String())
	assert.Equal(t, "bad root", invalid.Reason)
}
