package sql

import (
	"context"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/holiman/uint256"
)

// BestBlock returns the highest canonical block.
func (s *SQL) BestBlock(ctx context.Context) (*model.BlockInfo, error) {
	q := `
		SELECT
		 c.number
		,c.hash
		,b.total_difficulty
		FROM canonical c
		INNER JOIN blocks b ON b.hash = c.hash
		ORDER BY c.number DESC
		LIMIT 1
	`

	var (
		number uint64
		hash   []byte
		td     []byte
	)

	if err := s.db.QueryRowContext(ctx, q).Scan(&number, &hash, &td); err != nil {
		return nil, notFound(err, "no best block")
	}

	blockHash, err := chainhash.NewHash(hash)
	if err != nil {
		return nil, errors.NewStorageError("failed to convert best block hash", err)
	}

	return &model.BlockInfo{
		Number:          number,
		Hash:            *blockHash,
		TotalDifficulty: new(uint256.Int).SetBytes(td),
	}, nil
}
