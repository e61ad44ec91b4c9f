package chainsync

import (
	"sort"
	"sync"
	"time"

	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	safeconversion "github.com/bsv-blockchain/go-safe-conversion"
	"github.com/holiman/uint256"
	"github.com/jellydator/ttlcache/v3"
)

// Asking is what the engine is currently waiting for from a peer. A peer has at most one request in flight.
type Asking int

const (
	AskingNothing Asking = iota
	AskingHeads
	AskingBodies
	AskingCommonAncestor
)

func (a Asking) String() string {
	switch a {
	case AskingHeads:
		return "heads"
	case AskingBodies:
		return "bodies"
	case AskingCommonAncestor:
		return "common_ancestor"
	default:
		return "nothing"
	}
}

// PendingRequest describes the outstanding request of a peer.
type PendingRequest struct {
	From   uint64           // first header number of a range or probe
	Amount uint64           // headers asked for
	Hashes []chainhash.Hash // bodies asked for, or the announced hash being fetched
	SentAt time.Time

	// Announce marks a fetch triggered by NewBlockHashes rather than by the download queue.
	Announce bool
	// Header is the announced header whose body is being fetched.
	Header *model.Header
}

// PeerInfo is the engine's record of a connected peer.
type PeerInfo struct {
	ID              PeerID
	ProtocolVersion uint32
	GenesisHash     chainhash.Hash
	HandshakeDone   bool

	AnnouncedNumber uint64
	AnnouncedHash   chainhash.Hash
	TotalDifficulty *uint256.Int

	Asking  Asking
	Pending *PendingRequest

	IsStalled  bool
	StallCount int
	BanScore   int
	IsBanned   bool

	ConnectedAt   time.Time
	LastMessageAt time.Time

	// KnownBlocks holds the hashes this peer is known to have. It is shared between copies.
	KnownBlocks *ttlcache.Cache[chainhash.Hash, struct{}]
}

// TD returns the advertised total difficulty, zero when the peer never sent one.
func (p *PeerInfo) TD() *uint256.Int {
	if p.TotalDifficulty == nil {
		return uint256.NewInt(0)
	}

	return p.TotalDifficulty
}

// Idle reports whether the peer has no request in flight.
func (p *PeerInfo) Idle() bool {
	return p.Asking == AskingNothing
}

// KnowsBlock reports whether hash is in the peer's known set.
func (p *PeerInfo) KnowsBlock(hash chainhash.Hash) bool {
	return p.KnownBlocks != nil && p.KnownBlocks.Has(hash)
}

// PeerRegistry stores the state of all connected peers. It holds no sync logic.
type PeerRegistry struct {
	mu             sync.RWMutex
	peers          map[PeerID]*PeerInfo
	maxKnownBlocks uint64
	knownBlocksTTL time.Duration
	now            func() time.Time
}

func NewPeerRegistry(maxKnownBlocks int, knownBlocksTTL time.Duration, now func() time.Time) *PeerRegistry {
	if now == nil {
		now = time.Now
	}

	capacity, err := safeconversion.IntToUint64(maxKnownBlocks)
	if err != nil || capacity == 0 {
		capacity = 1024
	}

	return &PeerRegistry{
		peers:          make(map[PeerID]*PeerInfo),
		maxKnownBlocks: capacity,
		knownBlocksTTL: knownBlocksTTL,
		now:            now,
	}
}

// AddPeer registers a peer and reports whether it was new.
func (pr *PeerRegistry) AddPeer(id PeerID) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if _, exists := pr.peers[id]; exists {
		return false
	}

	opts := []ttlcache.Option[chainhash.Hash, struct{}]{
		ttlcache.WithCapacity[chainhash.Hash, struct{}](pr.maxKnownBlocks),
	}

	if pr.knownBlocksTTL > 0 {
		opts = append(opts, ttlcache.WithTTL[chainhash.Hash, struct{}](pr.knownBlocksTTL))
	}

	now := pr.now()
	pr.peers[id] = &PeerInfo{
		ID:            id,
		ConnectedAt:   now,
		LastMessageAt: now,
		KnownBlocks:   ttlcache.New[chainhash.Hash, struct{}](opts...),
	}

	return true
}

func (pr *PeerRegistry) RemovePeer(id PeerID) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	delete(pr.peers, id)
}

// GetPeer returns a copy of the peer record.
func (pr *PeerRegistry) GetPeer(id PeerID) (*PeerInfo, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	info, exists := pr.peers[id]
	if !exists {
		return nil, false
	}

	c := *info

	return &c, true
}

// GetAllPeers returns copies of all peer records ordered by ID.
func (pr *PeerRegistry) GetAllPeers() []*PeerInfo {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	result := make([]*PeerInfo, 0, len(pr.peers))
	for _, info := range pr.peers {
		c := *info
		result = append(result, &c)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return result
}

func (pr *PeerRegistry) PeerCount() int {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	return len(pr.peers)
}

// UpdateStatus records the handshake data of a Status packet.
func (pr *PeerRegistry) UpdateStatus(id PeerID, version uint32, genesis chainhash.Hash, number uint64, hash chainhash.Hash, td *uint256.Int) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if info, exists := pr.peers[id]; exists {
		info.ProtocolVersion = version
		info.GenesisHash = genesis
		info.HandshakeDone = true
		info.AnnouncedNumber = number
		info.AnnouncedHash = hash
		info.TotalDifficulty = td.Clone()
		info.LastMessageAt = pr.now()
		info.KnownBlocks.Set(hash, struct{}{}, ttlcache.DefaultTTL)
	}
}

// UpdateAnnounced raises the peer's head after an announcement. td may be nil when the announcement
// carried none. Announcements never lower a peer's head.
func (pr *PeerRegistry) UpdateAnnounced(id PeerID, number uint64, hash chainhash.Hash, td *uint256.Int) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	info, exists := pr.peers[id]
	if !exists {
		return
	}

	info.KnownBlocks.Set(hash, struct{}{}, ttlcache.DefaultTTL)

	if td != nil {
		if info.TotalDifficulty == nil || td.Gt(info.TotalDifficulty) {
			info.TotalDifficulty = td.Clone()
			info.AnnouncedNumber = number
			info.AnnouncedHash = hash
		}

		return
	}

	if number > info.AnnouncedNumber {
		info.AnnouncedNumber = number
		info.AnnouncedHash = hash
	}
}

// LowerTotalDifficulty caps the peer's advertised difficulty at td, used when its claim was not proven.
func (pr *PeerRegistry) LowerTotalDifficulty(id PeerID, td *uint256.Int) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if info, exists := pr.peers[id]; exists {
		if info.TotalDifficulty == nil || info.TotalDifficulty.Gt(td) {
			info.TotalDifficulty = td.Clone()
		}
	}
}

func (pr *PeerRegistry) SetRequest(id PeerID, asking Asking, req *PendingRequest) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if info, exists := pr.peers[id]; exists {
		info.Asking = asking
		info.Pending = req
	}
}

func (pr *PeerRegistry) ClearRequest(id PeerID) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if info, exists := pr.peers[id]; exists {
		info.Asking = AskingNothing
		info.Pending = nil
	}
}

func (pr *PeerRegistry) MarkStalled(id PeerID) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if info, exists := pr.peers[id]; exists {
		info.IsStalled = true
		info.StallCount++
	}
}

func (pr *PeerRegistry) ClearStalled(id PeerID) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if info, exists := pr.peers[id]; exists {
		info.IsStalled = false
	}
}

func (pr *PeerRegistry) UpdateBanStatus(id PeerID, score int, banned bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if info, exists := pr.peers[id]; exists {
		info.BanScore = score
		info.IsBanned = banned
	}
}

func (pr *PeerRegistry) UpdateLastMessageTime(id PeerID) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if info, exists := pr.peers[id]; exists {
		info.LastMessageAt = pr.now()
	}
}

// MarkKnown adds hashes to the peer's known set.
func (pr *PeerRegistry) MarkKnown(id PeerID, hashes ...chainhash.Hash) {
	pr.mu.RLock()
	info, exists := pr.peers[id]
	pr.mu.RUnlock()

	if !exists {
		return
	}

	for _, hash := range hashes {
		info.KnownBlocks.Set(hash, struct{}{}, ttlcache.DefaultTTL)
	}
}

// Clear forgets every peer.
func (pr *PeerRegistry) Clear() {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	pr.peers = make(map[PeerID]*PeerInfo)
}
