package chainsync

import (
	"context"
	"math"
	"sort"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/blocksync/services/chainsync/protocol"
	"github.com/bsv-blockchain/blocksync/ulogger"
	"github.com/cespare/xxhash"
	"github.com/holiman/uint256"
)

const (
	PropagationPolicySqrt   = "sqrt"
	PropagationPolicyAll    = "all"
	PropagationPolicyHashes = "hashes"
)

// FanoutPolicy returns how many of n lagging peers receive the full block.
type FanoutPolicy func(n int) int

// SqrtFanout sends the full block to round(sqrt(n)) peers, and to at least minFull.
func SqrtFanout(minFull int) FanoutPolicy {
	return func(n int) int {
		if n == 0 {
			return 0
		}

		k := int(math.Round(math.Sqrt(float64(n))))
		if k < minFull {
			k = minFull
		}

		if k > n {
			k = n
		}

		return k
	}
}

func AllFanout() FanoutPolicy {
	return func(n int) int { return n }
}

func HashesOnlyFanout() FanoutPolicy {
	return func(int) int { return 0 }
}

// NewFanoutPolicy resolves a policy by name, defaulting to sqrt.
func NewFanoutPolicy(name string, minFull int) FanoutPolicy {
	switch name {
	case PropagationPolicyAll:
		return AllFanout()
	case PropagationPolicyHashes:
		return HashesOnlyFanout()
	default:
		return SqrtFanout(minFull)
	}
}

// Propagator announces newly imported blocks to peers that do not have them.
type Propagator struct {
	logger    ulogger.Logger
	peers     *PeerRegistry
	transport Transport
	policy    FanoutPolicy
}

func NewPropagator(logger ulogger.Logger, peers *PeerRegistry, transport Transport, policy FanoutPolicy) *Propagator {
	if policy == nil {
		policy = SqrtFanout(1)
	}

	return &Propagator{
		logger:    logger,
		peers:     peers,
		transport: transport,
		policy:    policy,
	}
}

// PropagationResult lists which peers received the full block and which only its hash.
type PropagationResult struct {
	Full   []PeerID
	Hashes []PeerID
}

// Propagate sends block to lagging peers. A peer lags when it completed the handshake, is not known to
// have the block and advertises less total difficulty than td. Peers are ranked by a hash of block and
// peer id, so the choice is stable for a block but differs between blocks. Every announced peer is
// marked as knowing the block.
func (p *Propagator) Propagate(_ context.Context, block *model.Block, td *uint256.Int) (*PropagationResult, error) {
	hash := block.Hash()

	var lagging []*PeerInfo

	for _, peer := range p.peers.GetAllPeers() {
		if !peer.HandshakeDone || peer.IsBanned || peer.KnowsBlock(hash) {
			continue
		}

		if peer.TotalDifficulty != nil && !peer.TotalDifficulty.Lt(td) {
			continue
		}

		lagging = append(lagging, peer)
	}

	result := &PropagationResult{}

	if len(lagging) == 0 {
		return result, nil
	}

	ranks := make(map[PeerID]uint64, len(lagging))
	for _, peer := range lagging {
		ranks[peer.ID] = xxhash.Sum64(append(hash.CloneBytes(), []byte(peer.ID)...))
	}

	sort.Slice(lagging, func(i, j int) bool {
		if ranks[lagging[i].ID] != ranks[lagging[j].ID] {
			return ranks[lagging[i].ID] < ranks[lagging[j].ID]
		}

		return lagging[i].ID < lagging[j].ID
	})

	k := p.policy(len(lagging))

	fullID, fullPayload, err := protocol.Encode(&protocol.NewBlock{Block: block, TotalDifficulty: td})
	if err != nil {
		return nil, errors.NewProcessingError("[Propagator] failed to encode block %s", hash, err)
	}

	hashesID, hashesPayload, err := protocol.Encode(&protocol.NewBlockHashes{{Hash: hash, Number: block.Number()}})
	if err != nil {
		return nil, errors.NewProcessingError("[Propagator] failed to encode announcement %s", hash, err)
	}

	for i, peer := range lagging {
		id, payload := hashesID, hashesPayload
		if i < k {
			id, payload = fullID, fullPayload
		}

		if err := p.transport.Send(peer.ID, id, payload); err != nil {
			p.logger.Warnf("[Propagator] failed to send %s for block %s to %s: %v", id, hash, peer.ID, err)
			continue
		}

		p.peers.MarkKnown(peer.ID, hash)

		if i < k {
			result.Full = append(result.Full, peer.ID)
		} else {
			result.Hashes = append(result.Hashes, peer.ID)
		}
	}

	p.logger.Debugf("[Propagator] block %d %s sent to %d peers, announced to %d", block.Number(), hash, len(result.Full), len(result.Hashes))

	return result, nil
}
