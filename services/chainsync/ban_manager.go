package chainsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bsv-blockchain/blocksync/settings"
)

// BanReason classifies misbehaviour so that each kind carries a fixed penalty.
type BanReason int

const (
	ReasonUnknown BanReason = iota
	ReasonMalformedPacket
	ReasonProtocolViolation
	ReasonTimeout
	ReasonInvalidBlock
	ReasonBadHandshake
	ReasonSpam
)

func (r BanReason) String() string {
	switch r {
	case ReasonMalformedPacket:
		return "malformed_packet"
	case ReasonProtocolViolation:
		return "protocol_violation"
	case ReasonTimeout:
		return "timeout"
	case ReasonInvalidBlock:
		return "invalid_block"
	case ReasonBadHandshake:
		return "bad_handshake"
	case ReasonSpam:
		return "spam"
	default:
		return "unknown"
	}
}

// BanScore holds the accumulated penalty of one peer.
type BanScore struct {
	Score      int
	Banned     bool
	BanUntil   time.Time
	LastUpdate time.Time // used for decay
	Reasons    []string
}

// BanEventHandler is notified when a peer crosses the ban threshold.
type BanEventHandler interface {
	OnPeerBanned(peerID PeerID, until time.Time, reason string)
}

// PeerBanManagerI is the reputation view the engine depends on.
type PeerBanManagerI interface {
	IsBanned(peerID PeerID) bool
	GetBanScore(peerID PeerID) (score int, banned bool, banUntil time.Time)
	// AddScore returns the score after the penalty and whether the peer is now banned.
	AddScore(peerID PeerID, reason BanReason) (score int, banned bool)
}

// PeerBanManager keeps ban scores in memory. Scores decay by decayAmount every decayInterval and a peer
// whose score reaches banThreshold is banned for banDuration.
type PeerBanManager struct {
	mu            sync.RWMutex
	peerBanScores map[PeerID]*BanScore
	reasonPoints  map[BanReason]int
	banThreshold  int
	banDuration   time.Duration
	decayInterval time.Duration
	decayAmount   int
	handler       BanEventHandler
	now           func() time.Time
}

// NewPeerBanManager creates a ban manager from the p2p settings. handler may be nil.
func NewPeerBanManager(handler BanEventHandler, tSettings *settings.Settings, now func() time.Time) *PeerBanManager {
	if now == nil {
		now = time.Now
	}

	return &PeerBanManager{
		peerBanScores: make(map[PeerID]*BanScore),
		reasonPoints: map[BanReason]int{
			ReasonMalformedPacket:   50,
			ReasonProtocolViolation: 20,
			ReasonTimeout:           5,
			ReasonInvalidBlock:      25,
			ReasonBadHandshake:      100,
			ReasonSpam:              50,
		},
		banThreshold:  tSettings.P2P.BanThreshold,
		banDuration:   tSettings.P2P.BanDuration,
		decayInterval: time.Minute,
		decayAmount:   1,
		handler:       handler,
		now:           now,
	}
}

// Start runs the cleanup loop until ctx is done.
func (m *PeerBanManager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.decayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CleanupBanScores()
		case <-ctx.Done():
			return
		}
	}
}

func (m *PeerBanManager) AddScore(peerID PeerID, reason BanReason) (score int, banned bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	entry, ok := m.peerBanScores[peerID]
	if !ok {
		entry = &BanScore{LastUpdate: now}
		m.peerBanScores[peerID] = entry
	}

	decaySteps := int(now.Sub(entry.LastUpdate) / m.decayInterval)
	if decaySteps > 0 {
		entry.Score -= decaySteps * m.decayAmount
		if entry.Score < 0 {
			entry.Score = 0
		}

		entry.LastUpdate = now
	}

	entry.Reasons = append(entry.Reasons, reason.String())

	points, found := m.reasonPoints[reason]
	if !found {
		points = 1
	}

	entry.Score += points

	if entry.Score >= m.banThreshold && !entry.Banned {
		entry.Banned = true
		entry.BanUntil = now.Add(m.banDuration)

		if m.handler != nil {
			m.handler.OnPeerBanned(peerID, entry.BanUntil, reason.String())
		}
	}

	return entry.Score, entry.Banned
}

func (m *PeerBanManager) GetBanScore(peerID PeerID) (score int, banned bool, banUntil time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.peerBanScores[peerID]
	if !ok {
		return 0, false, time.Time{}
	}

	return entry.Score, entry.Banned, entry.BanUntil
}

func (m *PeerBanManager) ResetBanScore(peerID PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.peerBanScores, peerID)
}

// IsBanned returns true if the peer is currently banned, and forgets the peer once its ban expired.
func (m *PeerBanManager) IsBanned(peerID PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.peerBanScores[peerID]
	if !ok || !entry.Banned {
		return false
	}

	if m.now().After(entry.BanUntil) {
		delete(m.peerBanScores, peerID)
		return false
	}

	return true
}

// ListBanned returns the currently banned peers in ID order.
func (m *PeerBanManager) ListBanned() []PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var banned []PeerID

	now := m.now()

	for peerID, entry := range m.peerBanScores {
		if entry.Banned && now.Before(entry.BanUntil) {
			banned = append(banned, peerID)
		}
	}

	sort.Slice(banned, func(i, j int) bool { return banned[i] < banned[j] })

	return banned
}

// CleanupBanScores removes peers with zero score and not banned.
func (m *PeerBanManager) CleanupBanScores() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for peerID, entry := range m.peerBanScores {
		if entry.Score == 0 && !entry.Banned {
			delete(m.peerBanScores, peerID)
		}
	}
}

func (m *PeerBanManager) GetBanReasons(peerID PeerID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.peerBanScores[peerID]
	if !ok {
		return nil
	}

	return append([]string{}, entry.Reasons...)
}
