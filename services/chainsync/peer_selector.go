package chainsync

import (
	"sort"

	"github.com/bsv-blockchain/blocksync/ulogger"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/holiman/uint256"
)

// SelectionCriteria defines criteria for peer selection
type SelectionCriteria struct {
	// LocalTD is the total difficulty of the local best block. Only peers strictly above it qualify as
	// sync targets.
	LocalTD *uint256.Int
	// Exclude skips peers, usually targets that were abandoned since the last tick.
	Exclude map[PeerID]struct{}
}

// WorkCriteria defines which peers may serve download work for the current target.
type WorkCriteria struct {
	Target   PeerID
	TargetTD *uint256.Int
	// TargetHead, when set, restricts helpers to peers that announced the same head as the target. Peers
	// on another branch would answer number based queries from their own chain.
	TargetHead chainhash.Hash
}

// PeerSelector picks sync targets and download workers. It is stateless.
type PeerSelector struct {
	logger ulogger.Logger
}

func NewPeerSelector(logger ulogger.Logger) *PeerSelector {
	return &PeerSelector{
		logger: logger,
	}
}

// SelectSyncTarget returns the best peer claiming more total difficulty than the local chain, or nil.
func (ps *PeerSelector) SelectSyncTarget(peers []*PeerInfo, criteria SelectionCriteria) *PeerInfo {
	var candidates []*PeerInfo

	for _, p := range peers {
		if !p.HandshakeDone || p.IsBanned {
			continue
		}

		if _, excluded := criteria.Exclude[p.ID]; excluded {
			continue
		}

		if criteria.LocalTD != nil && !p.TD().Gt(criteria.LocalTD) {
			continue
		}

		candidates = append(candidates, p)
	}

	if len(candidates) == 0 {
		ps.logger.Debugf("[PeerSelector] No peer ahead of local chain")
		return nil
	}

	sortCandidates(candidates)

	ps.logger.Debugf("[PeerSelector] Selected sync target %s (number %d, td %s, stalled %v)", candidates[0].ID, candidates[0].AnnouncedNumber, candidates[0].TD(), candidates[0].IsStalled)

	return candidates[0]
}

// SelectReplacementTarget returns the best peer advertising at least minTD and, when head is set, the
// same head, or nil. It is used when the current target disconnects mid download.
func (ps *PeerSelector) SelectReplacementTarget(peers []*PeerInfo, minTD *uint256.Int, head chainhash.Hash) *PeerInfo {
	var candidates []*PeerInfo

	for _, p := range peers {
		if !p.HandshakeDone || p.IsBanned || p.TD().Lt(minTD) {
			continue
		}

		if head != (chainhash.Hash{}) && p.AnnouncedHash != head {
			continue
		}

		candidates = append(candidates, p)
	}

	if len(candidates) == 0 {
		return nil
	}

	sortCandidates(candidates)

	return candidates[0]
}

// SelectWorkers returns idle peers that can serve the target chain, best first. A peer qualifies when it
// is the target, or advertises at least the target's total difficulty and the target's head. Stalled peers are only returned
// when no healthy peer qualifies, busy or not.
func (ps *PeerSelector) SelectWorkers(peers []*PeerInfo, criteria WorkCriteria) []*PeerInfo {
	var (
		healthy    []*PeerInfo
		stalled    []*PeerInfo
		anyHealthy bool
	)

	for _, p := range peers {
		if !p.HandshakeDone || p.IsBanned {
			continue
		}

		if p.ID != criteria.Target && !servesTarget(p, criteria) {
			continue
		}

		if !p.IsStalled {
			anyHealthy = true
		}

		if !p.Idle() {
			continue
		}

		if p.IsStalled {
			stalled = append(stalled, p)
		} else {
			healthy = append(healthy, p)
		}
	}

	if anyHealthy {
		sortCandidates(healthy)
		return healthy
	}

	sortCandidates(stalled)

	return stalled
}

// sortCandidates orders peers by: not stalled, total difficulty descending, announced number descending,
// ban score ascending, then ID for stability.
func sortCandidates(candidates []*PeerInfo) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]

		if a.IsStalled != b.IsStalled {
			return !a.IsStalled
		}

		if c := a.TD().Cmp(b.TD()); c != 0 {
			return c > 0
		}

		if a.AnnouncedNumber != b.AnnouncedNumber {
			return a.AnnouncedNumber > b.AnnouncedNumber
		}

		if a.BanScore != b.BanScore {
			return a.BanScore < b.BanScore
		}

		return a.ID < b.ID
	})
}

func servesTarget(p *PeerInfo, criteria WorkCriteria) bool {
	if criteria.TargetTD == nil || p.TD().Lt(criteria.TargetTD) {
		return false
	}

	return criteria.TargetHead == (chainhash.Hash{}) || p.AnnouncedHash == criteria.TargetHead
}
