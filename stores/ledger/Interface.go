// Package ledger defines the local chain store the sync engine reads from and writes to.
package ledger

import (
	"context"

	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/holiman/uint256"
)

// Store is a chain of blocks rooted at a fixed genesis block. Lookups of blocks that are not stored
// return errors.ErrBlockNotFound.
type Store interface {
	Genesis() *model.Block
	BestBlock(ctx context.Context) (*model.BlockInfo, error)
	BlockHeaderByHash(ctx context.Context, hash chainhash.Hash) (*model.Header, error)
	// BlockHeaderByNumber only resolves blocks on the canonical chain.
	BlockHeaderByNumber(ctx context.Context, number uint64) (*model.Header, error)
	BlockBody(ctx context.Context, hash chainhash.Hash) (*model.Body, error)
	TotalDifficulty(ctx context.Context, hash chainhash.Hash) (*uint256.Int, error)
	// Import appends block on top of the current best block. Blocks that fail validation are reported
	// as model.ImportStatusInvalid, errors are reserved for storage failures.
	Import(ctx context.Context, block *model.Block) (model.ImportResult, error)
	// Reorganize detaches every canonical block above detachAbove and attaches blocks in order.
	// blocks[0] must be a child of the canonical block at detachAbove. The store is left unchanged
	// and errors.ErrBlockInvalid returned when any block fails validation.
	Reorganize(ctx context.Context, detachAbove uint64, blocks []*model.Block) error
	Close() error
}
