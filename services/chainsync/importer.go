package chainsync

import (
	"context"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

// importReady hands the ready blocks to the ledger. Blocks on top of the local best block are imported one
// by one, a heavier fork replaces the local chain above the fork point in a single reorganization.
func (e *ChainSync) importReady(ctx context.Context, local *model.BlockInfo) error {
	blocks := e.queue.ReadyBlocks()
	anchorNumber, anchorHash, _ := e.queue.Anchor()
	start := e.now()

	if anchorHash == local.Hash {
		for _, block := range blocks {
			result, err := e.ledger.Import(ctx, block)
			if err != nil {
				_ = e.abortSync(ctx)
				return errors.NewProcessingError("[ChainSync] failed to import block #%d %s", block.Number(), block.Hash(), err)
			}

			if result.Status == model.ImportStatusInvalid {
				return e.rejectCandidate(ctx, block.Hash(), result.Reason)
			}

			prometheusChainSyncBlocksImported.Inc()
		}
	} else {
		canonical, err := e.ledger.BlockHeaderByNumber(ctx, anchorNumber)
		if err != nil || canonical.Hash() != anchorHash {
			e.logger.Warnf("[ChainSync] fork point #%d %s is no longer canonical, restarting sync", anchorNumber, anchorHash)
			return e.abortSync(ctx)
		}

		if err = e.ledger.Reorganize(ctx, anchorNumber, blocks); err != nil {
			if errors.Is(err, errors.ErrBlockInvalid) {
				return e.rejectCandidate(ctx, blocks[0].Hash(), err.Error())
			}

			_ = e.abortSync(ctx)

			return errors.NewProcessingError("[ChainSync] failed to reorganize above #%d", anchorNumber, err)
		}

		prometheusChainSyncReorgs.Inc()
		prometheusChainSyncBlocksImported.Add(float64(len(blocks)))

		e.logger.Infof("[ChainSync] reorganized above #%d: %d local blocks replaced by %d from %s", anchorNumber, local.Number-anchorNumber, len(blocks), e.target)
	}

	prometheusChainSyncImportBatch.Observe(e.now().Sub(start).Seconds())

	tip := blocks[len(blocks)-1]
	tipTD := e.queue.ReadyTD()

	e.queue.Rebase()

	e.logger.Infof("[ChainSync] imported %d blocks, best #%d %s td %s", len(blocks), tip.Number(), tip.Hash(), tipTD)

	e.propagate(ctx, tip, tipTD)

	if info, ok := e.peers.GetPeer(e.target); ok && info.TD().Gt(tipTD) {
		if e.queue.MoreHeaders() {
			return e.transition(ctx, EventDownloadHeaders)
		}

		// the target delivered its chain up to the head it announced
		e.peers.LowerTotalDifficulty(e.target, tipTD)
	}

	return e.finishSync(ctx)
}

// rejectCandidate drops the whole candidate after the ledger refused one of its blocks. The peer that
// delivered the offending header is penalized.
func (e *ChainSync) rejectCandidate(ctx context.Context, hash chainhash.Hash, reason string) error {
	culprit, ok := e.queue.DeliveredBy(hash)
	if !ok {
		culprit = e.target
	}

	rejected := errors.NewImportRejectedError("[ChainSync][%s] block %s rejected: %s", culprit, hash, reason)
	e.logger.Warnf("%v", rejected)

	e.penalize(culprit, ReasonInvalidBlock)
	e.peers.MarkStalled(culprit)

	if err := e.abortSync(ctx); err != nil {
		return err
	}

	return rejected
}

// importAnnounced imports a single announced block on top of the local best block and passes it on.
func (e *ChainSync) importAnnounced(ctx context.Context, from PeerID, block *model.Block) error {
	result, err := e.ledger.Import(ctx, block)
	if err != nil {
		return errors.NewProcessingError("[ChainSync] failed to import announced block #%d %s", block.Number(), block.Hash(), err)
	}

	switch result.Status {
	case model.ImportStatusInvalid:
		e.penalize(from, ReasonInvalidBlock)
		return errors.NewImportRejectedError("[ChainSync][%s] announced block #%d %s rejected: %s", from, block.Number(), block.Hash(), result.Reason)
	case model.ImportStatusAlreadyKnown:
		return nil
	}

	prometheusChainSyncBlocksImported.Inc()

	td, err := e.ledger.TotalDifficulty(ctx, block.Hash())
	if err != nil {
		return errors.NewProcessingError("[ChainSync] total difficulty of block %s missing after import", block.Hash(), err)
	}

	e.logger.Infof("[ChainSync] imported announced block #%d %s from %s", block.Number(), block.Hash(), from)

	e.propagate(ctx, block, td)

	return e.evaluateSync(ctx)
}
