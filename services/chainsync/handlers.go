package chainsync

import (
	"context"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/blocksync/services/chainsync/protocol"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	safeconversion "github.com/bsv-blockchain/go-safe-conversion"
)

func (e *ChainSync) handlePacket(ctx context.Context, peerID PeerID, msg protocol.Message) error {
	if status, ok := msg.(*protocol.Status); ok {
		return e.handleStatus(ctx, peerID, status)
	}

	info, ok := e.peers.GetPeer(peerID)
	if !ok || !info.HandshakeDone {
		e.logger.Debugf("[ChainSync][%s] ignoring %s before handshake", peerID, msg.Code())
		return nil
	}

	e.peers.UpdateLastMessageTime(peerID)

	switch m := msg.(type) {
	case *protocol.NewBlockHashes:
		return e.handleNewBlockHashes(ctx, info, *m)
	case *protocol.Transactions:
		prometheusChainSyncTransactions.Add(float64(len(*m)))
		return nil
	case *protocol.GetBlockHeaders:
		return e.serveHeaders(ctx, peerID, m)
	case *protocol.BlockHeaders:
		return e.handleBlockHeaders(ctx, info, *m)
	case *protocol.GetBlockBodies:
		return e.serveBodies(ctx, peerID, *m)
	case *protocol.BlockBodies:
		return e.handleBlockBodies(ctx, info, *m)
	case *protocol.NewBlock:
		return e.handleNewBlock(ctx, info, m)
	default:
		return nil
	}
}

func (e *ChainSync) handleStatus(ctx context.Context, peerID PeerID, status *protocol.Status) error {
	var reason string

	switch {
	case status.GenesisHash != e.genesis:
		reason = "genesis mismatch"
	case status.NetworkID != e.settings.Sync.NetworkID:
		reason = "network mismatch"
	case status.ProtocolVersion < e.settings.Sync.MinProtocolVersion:
		reason = "unsupported protocol version"
	}

	if reason != "" {
		e.penalize(peerID, ReasonBadHandshake)
		e.disconnect(peerID, reason)

		return errors.NewProtocolViolationError("[ChainSync][%s] bad status: %s", peerID, reason)
	}

	if e.peers.AddPeer(peerID) {
		e.logger.Debugf("[ChainSync][%s] peer registered from status", peerID)
	}

	e.peers.UpdateStatus(peerID, status.ProtocolVersion, status.GenesisHash, status.BestNumber, status.BestHash, status.TotalDifficulty)

	e.logger.Debugf("[ChainSync][%s] status: #%d %s td %s", peerID, status.BestNumber, status.BestHash, status.TotalDifficulty)

	if peerID == e.target && e.Status().Active() {
		e.extendTarget(status.BestNumber, status)
		return nil
	}

	return e.evaluateSync(ctx)
}

// extendTarget follows the target peer's head while syncing with it.
func (e *ChainSync) extendTarget(number uint64, status *protocol.Status) {
	if status != nil && status.TotalDifficulty.Gt(e.targetTD) {
		e.targetTD = status.TotalDifficulty.Clone()
	}

	e.queue.ExtendTarget(number)
}

func (e *ChainSync) handleBlockHeaders(ctx context.Context, info *PeerInfo, headers protocol.BlockHeaders) error {
	switch info.Asking {
	case AskingCommonAncestor:
		return e.handleAncestorHeaders(ctx, info, headers)
	case AskingHeads:
		if info.Pending != nil && info.Pending.Announce {
			return e.handleAnnouncedHeader(ctx, info, headers)
		}

		return e.handleRangeHeaders(info, headers)
	default:
		e.logger.Debugf("[ChainSync][%s] ignoring %d unsolicited headers", info.ID, len(headers))
		return nil
	}
}

func (e *ChainSync) handleAncestorHeaders(ctx context.Context, info *PeerInfo, headers []*model.Header) error {
	e.peers.ClearRequest(info.ID)

	if e.ancestor == nil || e.ancestor.peer != info.ID || e.Status() != StateFindingAncestor {
		return nil
	}

	if err := e.ancestor.handle(headers, e.isCanonical(ctx)); err != nil {
		if errors.Is(err, errors.ErrProtocolViolation) {
			e.penalize(info.ID, ReasonProtocolViolation)
			e.peers.MarkStalled(info.ID)
		}

		if abortErr := e.abortSync(ctx); abortErr != nil {
			return abortErr
		}

		return err
	}

	return e.advanceAncestor(ctx)
}

func (e *ChainSync) handleRangeHeaders(info *PeerInfo, headers []*model.Header) error {
	delivery, err := e.queue.DeliverHeaders(info.ID, headers)
	if err != nil {
		e.peers.ClearRequest(info.ID)
		e.peers.MarkStalled(info.ID)
		e.penalize(info.ID, ReasonProtocolViolation)
		e.noteTargetFault(info.ID)

		return err
	}

	if delivery.Stale {
		e.logger.Debugf("[ChainSync][%s] ignoring stale headers", info.ID)
		return nil
	}

	e.peers.ClearRequest(info.ID)

	if delivery.Empty {
		e.logger.Debugf("[ChainSync][%s] returned no headers", info.ID)
		e.peers.MarkStalled(info.ID)
		e.noteTargetFault(info.ID)

		return nil
	}

	e.peers.ClearStalled(info.ID)

	for _, faulty := range delivery.Faulty {
		e.logger.Warnf("[ChainSync][%s] delivered headers that do not link", faulty)
		e.penalize(faulty, ReasonProtocolViolation)
		e.peers.MarkStalled(faulty)
		e.noteTargetFault(faulty)
	}

	return nil
}

func (e *ChainSync) handleBlockBodies(ctx context.Context, info *PeerInfo, bodies protocol.BlockBodies) error {
	if info.Asking != AskingBodies {
		e.logger.Debugf("[ChainSync][%s] ignoring %d unsolicited bodies", info.ID, len(bodies))
		return nil
	}

	if info.Pending != nil && info.Pending.Announce {
		return e.handleAnnouncedBody(ctx, info, bodies)
	}

	delivery, err := e.queue.DeliverBodies(info.ID, bodies)
	if err != nil {
		e.peers.ClearRequest(info.ID)
		e.peers.MarkStalled(info.ID)
		e.penalize(info.ID, ReasonProtocolViolation)
		e.noteTargetFault(info.ID)

		return err
	}

	if delivery.Stale {
		e.logger.Debugf("[ChainSync][%s] ignoring stale bodies", info.ID)
		return nil
	}

	e.peers.ClearRequest(info.ID)

	if delivery.Empty {
		e.logger.Debugf("[ChainSync][%s] returned no bodies", info.ID)
		e.peers.MarkStalled(info.ID)
		e.noteTargetFault(info.ID)

		return nil
	}

	e.peers.ClearStalled(info.ID)

	return nil
}

func (e *ChainSync) handleNewBlock(ctx context.Context, info *PeerInfo, m *protocol.NewBlock) error {
	block := m.Block
	hash := block.Hash()

	e.peers.UpdateAnnounced(info.ID, block.Number(), hash, m.TotalDifficulty)

	if e.Status().Active() {
		if info.ID == e.target {
			if m.TotalDifficulty.Gt(e.targetTD) {
				e.targetTD = m.TotalDifficulty.Clone()
			}

			e.queue.ExtendTarget(block.Number())
		}

		return nil
	}

	known, err := e.hasBlock(ctx, hash)
	if err != nil || known {
		return err
	}

	local, err := e.ledger.BestBlock(ctx)
	if err != nil {
		return errors.NewProcessingError("[ChainSync] failed to read best block", err)
	}

	if block.ParentHash() == local.Hash {
		return e.importAnnounced(ctx, info.ID, block)
	}

	return e.evaluateSync(ctx)
}

// handleNewBlockHashes records the announced hashes. When idle, an announced child of the local best block
// is fetched header first, then body.
func (e *ChainSync) handleNewBlockHashes(ctx context.Context, info *PeerInfo, announcements protocol.NewBlockHashes) error {
	if len(announcements) == 0 {
		return nil
	}

	var highest uint64

	for _, announcement := range announcements {
		e.peers.UpdateAnnounced(info.ID, announcement.Number, announcement.Hash, nil)

		if announcement.Number > highest {
			highest = announcement.Number
		}
	}

	if e.Status().Active() {
		if info.ID == e.target {
			e.queue.ExtendTarget(highest)
		}

		return nil
	}

	if e.Status() != StateIdle || !info.Idle() {
		return nil
	}

	local, err := e.ledger.BestBlock(ctx)
	if err != nil {
		return errors.NewProcessingError("[ChainSync] failed to read best block", err)
	}

	for _, announcement := range announcements {
		if announcement.Number != local.Number+1 {
			continue
		}

		known, err := e.hasBlock(ctx, announcement.Hash)
		if err != nil {
			return err
		}

		if known {
			continue
		}

		pending := &PendingRequest{
			From:     announcement.Number,
			Amount:   1,
			Hashes:   []chainhash.Hash{announcement.Hash},
			Announce: true,
		}

		return e.request(info.ID, AskingHeads, pending, &protocol.GetBlockHeaders{Origin: protocol.OriginHash(announcement.Hash), Amount: 1})
	}

	return nil
}

func (e *ChainSync) handleAnnouncedHeader(ctx context.Context, info *PeerInfo, headers []*model.Header) error {
	pending := info.Pending
	e.peers.ClearRequest(info.ID)

	if len(headers) == 0 {
		return nil
	}

	header := headers[0]

	if len(headers) != 1 || header.Hash() != pending.Hashes[0] {
		e.penalize(info.ID, ReasonProtocolViolation)
		return errors.NewProtocolViolationError("[ChainSync][%s] header reply does not match announced block %s", info.ID, pending.Hashes[0])
	}

	local, err := e.ledger.BestBlock(ctx)
	if err != nil {
		return errors.NewProcessingError("[ChainSync] failed to read best block", err)
	}

	if e.Status() != StateIdle || header.ParentHash != local.Hash {
		return nil
	}

	if header.TxRoot == model.EmptyBodyHash {
		return e.importAnnounced(ctx, info.ID, model.NewBlock(header, &model.Body{}))
	}

	next := &PendingRequest{
		From:     header.Number,
		Amount:   1,
		Hashes:   pending.Hashes,
		Announce: true,
		Header:   header,
	}

	req := protocol.GetBlockBodies(pending.Hashes)

	return e.request(info.ID, AskingBodies, next, &req)
}

func (e *ChainSync) handleAnnouncedBody(ctx context.Context, info *PeerInfo, bodies []*model.Body) error {
	pending := info.Pending
	e.peers.ClearRequest(info.ID)

	if len(bodies) == 0 {
		return nil
	}

	if len(bodies) != 1 || bodies[0].Root() != pending.Header.TxRoot {
		e.penalize(info.ID, ReasonProtocolViolation)
		return errors.NewProtocolViolationError("[ChainSync][%s] body does not match announced block %s", info.ID, pending.Hashes[0])
	}

	local, err := e.ledger.BestBlock(ctx)
	if err != nil {
		return errors.NewProcessingError("[ChainSync] failed to read best block", err)
	}

	if e.Status() != StateIdle || pending.Header.ParentHash != local.Hash {
		return nil
	}

	return e.importAnnounced(ctx, info.ID, model.NewBlock(pending.Header, bodies[0]))
}

// serveHeaders answers a header query from the canonical chain. A hash origin that is not canonical is
// served on its own.
func (e *ChainSync) serveHeaders(ctx context.Context, peerID PeerID, req *protocol.GetBlockHeaders) error {
	headers := make(protocol.BlockHeaders, 0)

	limit, err := safeconversion.IntToUint64(e.settings.Sync.MaxServeHeaders)
	if err != nil {
		return errors.NewConfigurationError("[ChainSync] invalid sync_maxServeHeaders", err)
	}

	amount := min(req.Amount, limit)

	number := req.Origin.Number

	if req.Origin.IsHash() {
		origin, err := e.ledger.BlockHeaderByHash(ctx, req.Origin.Hash)
		if err != nil {
			if errors.Is(err, errors.ErrBlockNotFound) {
				return e.send(peerID, &headers)
			}

			return err
		}

		canonical, err := e.ledger.BlockHeaderByNumber(ctx, origin.Number)
		if err != nil || canonical.Hash() != req.Origin.Hash {
			if amount > 0 {
				headers = append(headers, origin)
			}

			return e.send(peerID, &headers)
		}

		number = origin.Number
	}

	step := req.Skip + 1
	if step == 0 {
		// a skip spanning every number leaves only the origin
		amount = min(amount, 1)
	}

	for i := uint64(0); i < amount; i++ {
		header, err := e.ledger.BlockHeaderByNumber(ctx, number)
		if err != nil {
			if errors.Is(err, errors.ErrBlockNotFound) {
				break
			}

			return err
		}

		headers = append(headers, header)

		if req.Reverse {
			if number < step {
				break
			}

			number -= step
		} else {
			if number+step < number {
				break
			}

			number += step
		}
	}

	return e.send(peerID, &headers)
}

// serveBodies answers with the bodies we have, in request order. Unknown hashes are skipped.
func (e *ChainSync) serveBodies(ctx context.Context, peerID PeerID, hashes []chainhash.Hash) error {
	bodies := make(protocol.BlockBodies, 0, len(hashes))

	limit := e.settings.Sync.MaxServeBodies

	for _, hash := range hashes {
		if len(bodies) >= limit {
			break
		}

		body, err := e.ledger.BlockBody(ctx, hash)
		if err != nil {
			if errors.Is(err, errors.ErrBlockNotFound) {
				continue
			}

			return err
		}

		bodies = append(bodies, body)
	}

	return e.send(peerID, &bodies)
}

func (e *ChainSync) hasBlock(ctx context.Context, hash chainhash.Hash) (bool, error) {
	if _, err := e.ledger.BlockHeaderByHash(ctx, hash); err != nil {
		if errors.Is(err, errors.ErrBlockNotFound) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}
