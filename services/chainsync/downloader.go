package chainsync

import (
	"context"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/blocksync/services/chainsync/protocol"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

// evaluateSync starts a sync when the engine is not already syncing and some peer claims more total
// difficulty than the local chain. With no such peer a fresh engine settles in Idle.
func (e *ChainSync) evaluateSync(ctx context.Context) error {
	state := e.Status()
	if state.Active() {
		return nil
	}

	local, err := e.ledger.BestBlock(ctx)
	if err != nil {
		return errors.NewProcessingError("[ChainSync] failed to read best block", err)
	}

	peers := e.peers.GetAllPeers()

	best := e.selector.SelectSyncTarget(peers, SelectionCriteria{LocalTD: local.TotalDifficulty, Exclude: e.resting})
	if best != nil {
		return e.startSync(ctx, best, local)
	}

	if state == StateNotSynced {
		for _, info := range peers {
			if info.HandshakeDone {
				return e.transition(ctx, EventIdle)
			}
		}
	}

	return nil
}

func (e *ChainSync) startSync(ctx context.Context, target *PeerInfo, local *model.BlockInfo) error {
	e.target = target.ID
	e.targetTD = target.TD().Clone()
	e.targetHead = target.AnnouncedHash
	e.targetStalls = 0
	e.ancestor = newAncestorSearch(target.ID, local.Number, target.AnnouncedNumber, e.settings.Sync.MaxForkAncestry, e.settings.Sync.MaxHeadersPerRequest)
	e.ancestorStart = e.now()

	e.logger.Infof("[ChainSync] syncing with %s: peer #%d td %s, local #%d td %s", target.ID, target.AnnouncedNumber, target.TD(), local.Number, local.TotalDifficulty)

	if err := e.transition(ctx, EventFindAncestor); err != nil {
		return err
	}

	return e.advanceAncestor(ctx)
}

func (e *ChainSync) advanceAncestor(ctx context.Context) error {
	if e.ancestor.done() {
		return e.onAncestorFound(ctx, e.ancestor.forkPoint)
	}

	req := e.ancestor.nextRequest()

	if err := e.request(e.target, AskingCommonAncestor, &PendingRequest{From: req.Origin.Number, Amount: req.Amount}, req); err != nil {
		e.logger.Warnf("[ChainSync][%s] ancestor probe failed: %v", e.target, err)
		return e.abandonTarget(ctx)
	}

	return nil
}

func (e *ChainSync) onAncestorFound(ctx context.Context, forkPoint uint64) error {
	prometheusChainSyncAncestorSearch.Observe(e.now().Sub(e.ancestorStart).Seconds())

	e.ancestor = nil

	info, ok := e.peers.GetPeer(e.target)
	if !ok {
		return e.abortSync(ctx)
	}

	header, err := e.ledger.BlockHeaderByNumber(ctx, forkPoint)
	if err != nil {
		_ = e.abortSync(ctx)
		return errors.NewProcessingError("[ChainSync] fork point %d missing from ledger", forkPoint, err)
	}

	hash := header.Hash()

	td, err := e.ledger.TotalDifficulty(ctx, hash)
	if err != nil {
		_ = e.abortSync(ctx)
		return errors.NewProcessingError("[ChainSync] total difficulty of fork point %d missing", forkPoint, err)
	}

	e.logger.Infof("[ChainSync] fork point with %s at #%d %s", e.target, forkPoint, hash)

	if forkPoint >= info.AnnouncedNumber {
		e.logger.Infof("[ChainSync] %s has no blocks above fork point #%d", e.target, forkPoint)
		e.peers.LowerTotalDifficulty(e.target, td)

		return e.abortSync(ctx)
	}

	e.queue.Reset(forkPoint, hash, td, info.AnnouncedNumber)

	return e.transition(ctx, EventDownloadHeaders)
}

// schedule advances the download as far as possible without waiting on a peer and hands out work to idle
// peers.
func (e *ChainSync) schedule(ctx context.Context) error {
	for i := 0; i < maxScheduleSteps; i++ {
		if e.Status().Active() && e.targetAbandoned() {
			e.logger.Warnf("[ChainSync] abandoning target %s after %d stalls", e.target, e.targetStalls)

			if err := e.abandonTarget(ctx); err != nil {
				return err
			}

			continue
		}

		progressed, err := e.scheduleStep(ctx)
		if err != nil || !progressed {
			return err
		}
	}

	return nil
}

func (e *ChainSync) scheduleStep(ctx context.Context) (bool, error) {
	switch e.Status() {
	case StateDownloadingHeaders:
		e.queue.ScheduleHeaderWindow()

		if e.queue.HeaderWindowComplete() {
			return true, e.transition(ctx, EventDownloadBodies)
		}

		e.assignHeaderWork()

	case StateDownloadingBodies:
		if e.queue.BodiesComplete() {
			return true, e.onBodyWindowComplete(ctx)
		}

		e.assignBodyWork()
	}

	return false, nil
}

func (e *ChainSync) workers() []*PeerInfo {
	criteria := WorkCriteria{Target: e.target, TargetTD: e.targetTD}

	if info, ok := e.peers.GetPeer(e.target); ok {
		criteria.TargetHead = info.AnnouncedHash
	}

	return e.selector.SelectWorkers(e.peers.GetAllPeers(), criteria)
}

func (e *ChainSync) assignHeaderWork() {
	for _, worker := range e.workers() {
		rng, ok := e.queue.NextHeaderRequest(worker.ID)
		if !ok {
			return
		}

		req := &protocol.GetBlockHeaders{Origin: protocol.OriginNumber(rng.From), Amount: rng.Count}

		if err := e.request(worker.ID, AskingHeads, &PendingRequest{From: rng.From, Amount: rng.Count}, req); err != nil {
			e.logger.Warnf("[ChainSync][%s] header request failed: %v", worker.ID, err)
			e.peers.MarkStalled(worker.ID)
		}
	}
}

func (e *ChainSync) assignBodyWork() {
	for _, worker := range e.workers() {
		hashes, ok := e.queue.NextBodyRequest(worker.ID)
		if !ok {
			return
		}

		req := protocol.GetBlockBodies(hashes)

		if err := e.request(worker.ID, AskingBodies, &PendingRequest{Hashes: hashes, Amount: uint64(len(hashes))}, &req); err != nil {
			e.logger.Warnf("[ChainSync][%s] body request failed: %v", worker.ID, err)
			e.peers.MarkStalled(worker.ID)
		}
	}
}

// onBodyWindowComplete decides what to do with the blocks that are ready. An extension of the local best
// block is imported right away. A fork is imported once its total difficulty exceeds the local chain,
// otherwise more of it is downloaded. A fork that ends without exceeding the local chain is dropped.
func (e *ChainSync) onBodyWindowComplete(ctx context.Context) error {
	local, err := e.ledger.BestBlock(ctx)
	if err != nil {
		return errors.NewProcessingError("[ChainSync] failed to read best block", err)
	}

	_, anchorHash, _ := e.queue.Anchor()
	readyTD := e.queue.ReadyTD()

	switch {
	case e.queue.ReadyCount() == 0:
		return e.finishSync(ctx)

	case anchorHash == local.Hash || readyTD.Gt(local.TotalDifficulty):
		if err = e.transition(ctx, EventImport); err != nil {
			return err
		}

		return e.importReady(ctx, local)

	case e.queue.MoreHeaders():
		return e.transition(ctx, EventDownloadHeaders)

	default:
		prometheusChainSyncForksRejected.Inc()

		rejected := errors.NewForkRejectedError("[ChainSync] fork from %s ends at td %s, local td %s", e.target, readyTD, local.TotalDifficulty)
		e.logger.Infof("%v", rejected)

		e.peers.LowerTotalDifficulty(e.target, readyTD)

		return e.finishSync(ctx)
	}
}

// checkTimeouts expires requests older than the request timeout. The peer is marked stalled and its work
// returned to the pool.
func (e *ChainSync) checkTimeouts(ctx context.Context) error {
	now := e.now()
	timeout := e.settings.Sync.RequestTimeout

	for _, info := range e.peers.GetAllPeers() {
		if info.Pending == nil || now.Sub(info.Pending.SentAt) < timeout {
			continue
		}

		timeoutErr := errors.NewPeerTimeoutError("[ChainSync][%s] no %s response after %s", info.ID, info.Asking, timeout)
		e.logger.Infof("%v", timeoutErr)

		e.peers.ClearRequest(info.ID)
		e.peers.MarkStalled(info.ID)
		e.queue.Release(info.ID)
		e.penalize(info.ID, ReasonTimeout)

		if info.ID != e.target || !e.Status().Active() {
			continue
		}

		e.targetStalls++

		if info.Asking == AskingCommonAncestor && e.ancestor != nil && !e.targetAbandoned() {
			if err := e.advanceAncestor(ctx); err != nil {
				return err
			}
		}
	}

	return nil
}

func (e *ChainSync) targetAbandoned() bool {
	limit := e.settings.Sync.MaxTargetStalls
	return limit > 0 && e.targetStalls >= limit
}

// noteTargetFault counts failed replies of the sync target. schedule abandons the target once the count
// reaches the configured limit.
func (e *ChainSync) noteTargetFault(peerID PeerID) {
	if peerID == e.target && e.Status().Active() {
		e.targetStalls++
	}
}

// onTargetLost hands the download to another peer that announced the same head as the lost target. The
// queued headers belong to that chain, so a peer on another branch starts a new sync instead. An
// ancestor search is bound to its peer and restarts from scratch.
func (e *ChainSync) onTargetLost(ctx context.Context) error {
	lost := e.target

	if e.Status() == StateFindingAncestor {
		e.clearTarget()
		return e.abortSync(ctx)
	}

	replacement := e.selector.SelectReplacementTarget(e.peers.GetAllPeers(), e.targetTD, e.targetHead)
	if replacement == nil {
		e.logger.Infof("[ChainSync] target %s lost, no peer on the same chain", lost)
		e.clearTarget()

		return e.abortSync(ctx)
	}

	e.logger.Infof("[ChainSync] target %s lost, continuing with %s", lost, replacement.ID)

	e.target = replacement.ID
	e.targetStalls = 0
	e.queue.ExtendTarget(replacement.AnnouncedNumber)

	return nil
}

// abandonTarget gives up on a target that keeps stalling. Its advertised difficulty is kept: it is not
// picked again before the next tick, and after that only behind peers that are not stalled.
func (e *ChainSync) abandonTarget(ctx context.Context) error {
	if e.target != "" {
		e.peers.MarkStalled(e.target)
		e.resting[e.target] = struct{}{}
	}

	return e.abortSync(ctx)
}

// abortSync drops the current download and returns to Idle.
func (e *ChainSync) abortSync(ctx context.Context) error {
	for _, info := range e.peers.GetAllPeers() {
		if !info.Idle() && (info.Pending == nil || !info.Pending.Announce) {
			e.peers.ClearRequest(info.ID)
		}
	}

	return e.finishSync(ctx)
}

// finishSync ends the current sync and looks for the next target. Peer difficulties are only lowered by
// the callers that hold proof, a stalled or lost target keeps its claim.
func (e *ChainSync) finishSync(ctx context.Context) error {
	e.queue.Clear()
	e.clearTarget()

	if err := e.transition(ctx, EventIdle); err != nil {
		return err
	}

	return e.evaluateSync(ctx)
}

// isCanonical reports whether hash is the local canonical block at number.
func (e *ChainSync) isCanonical(ctx context.Context) isLocalFunc {
	return func(number uint64, hash chainhash.Hash) (bool, error) {
		header, err := e.ledger.BlockHeaderByNumber(ctx, number)
		if err != nil {
			if errors.Is(err, errors.ErrBlockNotFound) {
				return false, nil
			}

			return false, err
		}

		return header.Hash() == hash, nil
	}
}
