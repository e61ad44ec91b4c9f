// Package memory is an in-memory ledger. It is used by tests and the simulated network, and by nodes that
// do not need to keep their chain across restarts.
package memory

import (
	"context"
	"sync"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/blocksync/ulogger"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/dolthub/swiss"
	"github.com/holiman/uint256"
)

type storedBlock struct {
	block *model.Block
	td    *uint256.Int
}

// Memory keeps every imported block, canonical or not. canonical[n] is the hash of the canonical block at
// number n.
type Memory struct {
	mu        sync.RWMutex
	logger    ulogger.Logger
	genesis   *model.Block
	blocks    *swiss.Map[chainhash.Hash, *storedBlock]
	canonical []chainhash.Hash
}

func New(logger ulogger.Logger, genesis *model.Block) *Memory {
	m := &Memory{
		logger:  logger,
		genesis: genesis,
		blocks:  swiss.NewMap[chainhash.Hash, *storedBlock](1024),
	}

	hash := genesis.Hash()
	m.blocks.Put(hash, &storedBlock{block: genesis, td: genesis.Header.DifficultyOrZero().Clone()})
	m.canonical = []chainhash.Hash{hash}

	return m
}

func (m *Memory) Genesis() *model.Block {
	return m.genesis
}

func (m *Memory) BestBlock(_ context.Context) (*model.BlockInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.bestLocked(), nil
}

func (m *Memory) bestLocked() *model.BlockInfo {
	number := uint64(len(m.canonical) - 1)
	hash := m.canonical[number]
	stored, _ := m.blocks.Get(hash)

	return &model.BlockInfo{
		Number:          number,
		Hash:            hash,
		TotalDifficulty: stored.td.Clone(),
	}
}

func (m *Memory) BlockHeaderByHash(_ context.Context, hash chainhash.Hash) (*model.Header, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.blocks.Get(hash)
	if !ok {
		return nil, errors.NewBlockNotFoundError("block %s not found", hash)
	}

	return stored.block.Header, nil
}

func (m *Memory) BlockHeaderByNumber(_ context.Context, number uint64) (*model.Header, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if number >= uint64(len(m.canonical)) {
		return nil, errors.NewBlockNotFoundError("no canonical block at %d", number)
	}

	stored, _ := m.blocks.Get(m.canonical[number])

	return stored.block.Header, nil
}

func (m *Memory) BlockBody(_ context.Context, hash chainhash.Hash) (*model.Body, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.blocks.Get(hash)
	if !ok {
		return nil, errors.NewBlockNotFoundError("block %s not found", hash)
	}

	return stored.block.Body, nil
}

func (m *Memory) TotalDifficulty(_ context.Context, hash chainhash.Hash) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.blocks.Get(hash)
	if !ok {
		return nil, errors.NewBlockNotFoundError("block %s not found", hash)
	}

	return stored.td.Clone(), nil
}

func (m *Memory) Import(_ context.Context, block *model.Block) (model.ImportResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash := block.Hash()

	if m.blocks.Has(hash) {
		return model.AlreadyKnown(), nil
	}

	tipHash := m.canonical[len(m.canonical)-1]
	tip, _ := m.blocks.Get(tipHash)

	if block.ParentHash() != tipHash {
		return model.InvalidImport("parent " + block.ParentHash().String() + " is not the best block"), nil
	}

	if err := block.Validate(tip.block.Header); err != nil {
		return model.InvalidImport(err.Error()), nil
	}

	m.blocks.Put(hash, &storedBlock{block: block, td: model.TotalDifficultyOf(tip.td, block.Header)})
	m.canonical = append(m.canonical, hash)

	return model.Imported(), nil
}

func (m *Memory) Reorganize(_ context.Context, detachAbove uint64, blocks []*model.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if detachAbove >= uint64(len(m.canonical)) {
		return errors.NewBlockNotFoundError("no canonical block at %d", detachAbove)
	}

	if len(blocks) == 0 {
		return errors.NewInvalidArgumentError("nothing to attach above %d", detachAbove)
	}

	fork, _ := m.blocks.Get(m.canonical[detachAbove])

	if err := model.ValidateChain(fork.block.Header, blocks); err != nil {
		return errors.NewBlockInvalidError("reorganization above %d rejected", detachAbove, err)
	}

	detached := uint64(len(m.canonical)) - detachAbove - 1
	m.canonical = m.canonical[:detachAbove+1]

	td := fork.td

	for _, block := range blocks {
		hash := block.Hash()
		td = model.TotalDifficultyOf(td, block.Header)

		if !m.blocks.Has(hash) {
			m.blocks.Put(hash, &storedBlock{block: block, td: td})
		}

		m.canonical = append(m.canonical, hash)
	}

	m.logger.Debugf("[Memory] reorganized above %d: detached %d, attached %d", detachAbove, detached, len(blocks))

	return nil
}

// Blocks returns the canonical chain from genesis, mostly for tests.
func (m *Memory) Blocks() []*model.Block {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blocks := make([]*model.Block, 0, len(m.canonical))

	for _, hash := range m.canonical {
		stored, _ := m.blocks.Get(hash)
		blocks = append(blocks, stored.block)
	}

	return blocks
}

func (m *Memory) Close() error {
	return nil
}
