package sql

import (
	"context"
	"database/sql"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/blocksync/util/usql"
	"github.com/holiman/uint256"
)

// Import appends block to the canonical chain. Validation failures are reported in the result, storage
// failures as errors.
func (s *SQL) Import(ctx context.Context, block *model.Block) (model.ImportResult, error) {
	hash := block.Hash()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ImportResult{}, errors.NewStorageError("failed to begin transaction", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var exists int

	err = tx.QueryRowContext(ctx, `SELECT 1 FROM blocks WHERE hash = $1`, hash[:]).Scan(&exists)

	switch {
	case err == nil:
		return model.AlreadyKnown(), nil
	case !errors.Is(err, sql.ErrNoRows):
		return model.ImportResult{}, errors.NewStorageError("failed to look up block %s", hash, err)
	}

	tipNumber, tip, tipTD, err := canonicalTip(ctx, tx)
	if err != nil {
		return model.ImportResult{}, err
	}

	if block.ParentHash() != tip.Hash() {
		return model.InvalidImport("parent " + block.ParentHash().String() + " is not the best block"), nil
	}

	if err = block.Validate(tip); err != nil {
		return model.InvalidImport(err.Error()), nil
	}

	if err = insertBlock(ctx, tx, block, model.TotalDifficultyOf(tipTD, block.Header)); err != nil {
		return model.ImportResult{}, err
	}

	if err = setCanonical(ctx, tx, tipNumber+1, block); err != nil {
		return model.ImportResult{}, err
	}

	if err = tx.Commit(); err != nil {
		return model.ImportResult{}, errors.NewStorageError("failed to commit block %s", hash, err)
	}

	return model.Imported(), nil
}

func canonicalTip(ctx context.Context, tx *usql.Tx) (uint64, *model.Header, *uint256.Int, error) {
	q := `
		SELECT
		 c.number
		,b.header
		,b.total_difficulty
		FROM canonical c
		INNER JOIN blocks b ON b.hash = c.hash
		ORDER BY c.number DESC
		LIMIT 1
	`

	var (
		number uint64
		header []byte
		td     []byte
	)

	if err := tx.QueryRowContext(ctx, q).Scan(&number, &header, &td); err != nil {
		return 0, nil, nil, notFound(err, "no best block")
	}

	h, err := model.NewHeaderFromBytes(header)
	if err != nil {
		return 0, nil, nil, err
	}

	return number, h, new(uint256.Int).SetBytes(td), nil
}
