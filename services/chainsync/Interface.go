// Package chainsync keeps a local chain in step with the heaviest chain advertised by connected peers.
//
// The engine is single threaded: every input (packet, connection event, tick) is handled to completion
// before the next one is accepted. Driver serializes concurrent callers onto one engine.
package chainsync

import (
	"context"

	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/blocksync/services/chainsync/protocol"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/holiman/uint256"
)

// PeerID is the opaque identifier the transport assigns to a remote peer.
type PeerID string

// Ledger is the local chain the engine reads from and writes to, usually a ledger.Store.
// Lookups of blocks that are not stored return errors.ErrBlockNotFound.
type Ledger interface {
	Genesis() *model.Block
	BestBlock(ctx context.Context) (*model.BlockInfo, error)
	BlockHeaderByHash(ctx context.Context, hash chainhash.Hash) (*model.Header, error)
	// BlockHeaderByNumber only resolves blocks on the canonical chain.
	BlockHeaderByNumber(ctx context.Context, number uint64) (*model.Header, error)
	BlockBody(ctx context.Context, hash chainhash.Hash) (*model.Body, error)
	TotalDifficulty(ctx context.Context, hash chainhash.Hash) (*uint256.Int, error)
	// Import appends block on top of the current best block.
	Import(ctx context.Context, block *model.Block) (model.ImportResult, error)
	// Reorganize detaches every canonical block above detachAbove and attaches blocks in order.
	// blocks[0] must be a child of the canonical block at detachAbove. The ledger is left unchanged
	// when any block fails validation.
	Reorganize(ctx context.Context, detachAbove uint64, blocks []*model.Block) error
}

// Transport delivers encoded packets to remote peers. Send must not block on the remote peer.
type Transport interface {
	Send(peerID PeerID, id protocol.PacketID, payload []byte) error
	Disconnect(peerID PeerID, reason string)
}

// Host is what the network layer drives. Driver implements it.
type Host interface {
	OnPeerConnected(ctx context.Context, peerID PeerID)
	OnPeerDisconnected(ctx context.Context, peerID PeerID)
	OnPacket(ctx context.Context, peerID PeerID, id protocol.PacketID, payload []byte)
}
