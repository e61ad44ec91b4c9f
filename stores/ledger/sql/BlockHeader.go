package sql

import (
	"context"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/holiman/uint256"
)

func (s *SQL) BlockHeaderByHash(ctx context.Context, hash chainhash.Hash) (*model.Header, error) {
	var header []byte

	if err := s.db.QueryRowContext(ctx, `SELECT header FROM blocks WHERE hash = $1`, hash[:]).Scan(&header); err != nil {
		return nil, notFound(err, "block %s not found", hash)
	}

	return model.NewHeaderFromBytes(header)
}

// BlockHeaderByNumber only resolves canonical blocks.
func (s *SQL) BlockHeaderByNumber(ctx context.Context, number uint64) (*model.Header, error) {
	q := `
		SELECT b.header
		FROM canonical c
		INNER JOIN blocks b ON b.hash = c.hash
		WHERE c.number = $1
	`

	dbNum, err := dbNumber(number)
	if err != nil {
		return nil, errors.NewBlockNotFoundError("no canonical block at %d", number, err)
	}

	var header []byte

	if err = s.db.QueryRowContext(ctx, q, dbNum).Scan(&header); err != nil {
		return nil, notFound(err, "no canonical block at %d", number)
	}

	return model.NewHeaderFromBytes(header)
}

func (s *SQL) BlockBody(ctx context.Context, hash chainhash.Hash) (*model.Body, error) {
	var body []byte

	if err := s.db.QueryRowContext(ctx, `SELECT body FROM blocks WHERE hash = $1`, hash[:]).Scan(&body); err != nil {
		return nil, notFound(err, "block %s not found", hash)
	}

	return model.NewBodyFromBytes(body)
}

func (s *SQL) TotalDifficulty(ctx context.Context, hash chainhash.Hash) (*uint256.Int, error) {
	var td []byte

	if err := s.db.QueryRowContext(ctx, `SELECT total_difficulty FROM blocks WHERE hash = $1`, hash[:]).Scan(&td); err != nil {
		return nil, notFound(err, "block %s not found", hash)
	}

	return new(uint256.Int).SetBytes(td), nil
}
