package sql

import (
	"context"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/model"
	"github.com/holiman/uint256"
)

// Reorganize replaces the canonical blocks above detachAbove with blocks in a single transaction.
func (s *SQL) Reorganize(ctx context.Context, detachAbove uint64, blocks []*model.Block) error {
	if len(blocks) == 0 {
		return errors.NewInvalidArgumentError("nothing to attach above %d", detachAbove)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageError("failed to begin transaction", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	q := `
		SELECT
		 b.header
		,b.total_difficulty
		FROM canonical c
		INNER JOIN blocks b ON b.hash = c.hash
		WHERE c.number = $1
	`

	var (
		headerBytes []byte
		tdBytes     []byte
	)

	forkNumber, err := dbNumber(detachAbove)
	if err != nil {
		return err
	}

	if err = tx.QueryRowContext(ctx, q, forkNumber).Scan(&headerBytes, &tdBytes); err != nil {
		return notFound(err, "no canonical block at %d", detachAbove)
	}

	fork, err := model.NewHeaderFromBytes(headerBytes)
	if err != nil {
		return err
	}

	if err = model.ValidateChain(fork, blocks); err != nil {
		return errors.NewBlockInvalidError("reorganization above %d rejected", detachAbove, err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM canonical WHERE number > $1`, forkNumber)
	if err != nil {
		return errors.NewStorageError("failed to detach blocks above %d", detachAbove, err)
	}

	detached, _ := result.RowsAffected()

	td := new(uint256.Int).SetBytes(tdBytes)

	for _, block := range blocks {
		td = model.TotalDifficultyOf(td, block.Header)

		if err = insertBlock(ctx, tx, block, td); err != nil {
			return err
		}

		if err = setCanonical(ctx, tx, block.Number(), block); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.NewStorageError("failed to commit reorganization above %d", detachAbove, err)
	}

	s.logger.Infof("[Ledger] reorganized above %d: detached %d, attached %d", detachAbove, detached, len(blocks))

	return nil
}
