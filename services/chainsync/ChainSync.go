package chainsync

import (
	"context"
	"time"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/blocksync/services/chainsync/protocol"
	"github.com/bsv-blockchain/blocksync/settings"
	"github.com/bsv-blockchain/blocksync/ulogger"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/holiman/uint256"
	"github.com/kpango/fastime"
	"github.com/looplab/fsm"
)

// maxScheduleSteps bounds the state transitions a single input can cause without waiting on a peer.
const maxScheduleSteps = 64

type Option func(*ChainSync)

// WithClock replaces the clock used for request timeouts, ban expiry and peer timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *ChainSync) {
		e.now = now
	}
}

func WithBanManager(banManager PeerBanManagerI) Option {
	return func(e *ChainSync) {
		e.banManager = banManager
	}
}

func WithFanoutPolicy(policy FanoutPolicy) Option {
	return func(e *ChainSync) {
		e.policy = policy
	}
}

// SyncProgress is a point in time view of the engine.
type SyncProgress struct {
	State        SyncState
	Target       PeerID
	TargetNumber uint64
	TargetTD     *uint256.Int
	LocalNumber  uint64
	LocalHash    chainhash.Hash
	LocalTD      *uint256.Int
	AnchorNumber uint64
	LinkedTip    uint64
	ReadyTip     uint64
	Peers        int
	StalledPeers int
	InFlight     int
}

type pendingDrop struct {
	peerID PeerID
	reason string
}

// ChainSync is the synchronization engine. It is not safe for concurrent use, see Driver.
type ChainSync struct {
	logger     ulogger.Logger
	settings   *settings.Settings
	ledger     Ledger
	transport  Transport
	banManager PeerBanManagerI
	policy     FanoutPolicy
	peers      *PeerRegistry
	selector   *PeerSelector
	queue      *DownloadQueue
	propagator *Propagator
	fsm        *fsm.FSM
	now        func() time.Time
	genesis    chainhash.Hash

	target        PeerID
	targetTD      *uint256.Int
	targetHead    chainhash.Hash
	targetStalls  int
	ancestor      *ancestorSearch
	ancestorStart time.Time

	// resting holds targets abandoned since the last tick, they are not picked again until then.
	resting map[PeerID]struct{}

	dropQueue []pendingDrop
	shutdown  bool
}

// New creates an engine in the NotSynced state.
func New(logger ulogger.Logger, tSettings *settings.Settings, ledger Ledger, transport Transport, opts ...Option) *ChainSync {
	initPrometheusMetrics()

	e := &ChainSync{
		logger:    logger,
		settings:  tSettings,
		ledger:    ledger,
		transport: transport,
		now:       fastime.Now,
		genesis:   ledger.Genesis().Hash(),
		resting:   make(map[PeerID]struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.banManager == nil {
		e.banManager = NewPeerBanManager(nil, tSettings, e.now)
	}

	if e.policy == nil {
		e.policy = NewFanoutPolicy(tSettings.Sync.PropagationPolicy, tSettings.Sync.PropagationMinFull)
	}

	e.peers = NewPeerRegistry(tSettings.Sync.MaxKnownBlocks, tSettings.Sync.KnownBlocksTTL, e.now)
	e.selector = NewPeerSelector(logger)
	e.queue = NewDownloadQueue(
		tSettings.Sync.MaxHeadersPerRequest,
		tSettings.Sync.MaxBodiesPerRequest,
		tSettings.Sync.MaxInFlightRanges,
		tSettings.Sync.HeaderWindowSize,
	)
	e.propagator = NewPropagator(logger, e.peers, transport, e.policy)
	e.fsm = NewSyncStateMachine()

	return e
}

// Status returns the current sync state.
func (e *ChainSync) Status() SyncState {
	return SyncState(e.fsm.Current())
}

// Peers returns copies of the peer records.
func (e *ChainSync) Peers() []*PeerInfo {
	return e.peers.GetAllPeers()
}

func (e *ChainSync) Progress(ctx context.Context) (*SyncProgress, error) {
	local, err := e.ledger.BestBlock(ctx)
	if err != nil {
		return nil, err
	}

	progress := &SyncProgress{
		State:        e.Status(),
		Target:       e.target,
		LocalNumber:  local.Number,
		LocalHash:    local.Hash,
		LocalTD:      local.TotalDifficulty,
		AnchorNumber: e.queue.anchorNumber,
		LinkedTip:    e.queue.LinkedTip(),
		ReadyTip:     e.queue.ReadyTip(),
		InFlight:     e.queue.InFlight(),
	}

	if e.targetTD != nil {
		progress.TargetTD = e.targetTD.Clone()
		progress.TargetNumber = e.queue.Target()
	}

	for _, info := range e.peers.GetAllPeers() {
		progress.Peers++

		if info.IsStalled {
			progress.StalledPeers++
		}
	}

	return progress, nil
}

// OnPeerConnected registers the peer and sends it our status. Banned peers are disconnected.
func (e *ChainSync) OnPeerConnected(ctx context.Context, peerID PeerID) error {
	if e.shutdown {
		return nil
	}

	if e.banManager.IsBanned(peerID) {
		e.logger.Infof("[ChainSync][%s] rejecting banned peer", peerID)
		e.disconnect(peerID, "banned")

		return e.settle(ctx, nil)
	}

	if e.peers.AddPeer(peerID) {
		e.logger.Debugf("[ChainSync][%s] peer connected", peerID)
	}

	return e.settle(ctx, e.sendStatus(ctx, peerID))
}

// OnPeerDisconnected forgets the peer and returns its in flight work to the pool.
func (e *ChainSync) OnPeerDisconnected(ctx context.Context, peerID PeerID) error {
	if e.shutdown {
		return nil
	}

	e.logger.Debugf("[ChainSync][%s] peer disconnected", peerID)

	return e.settle(ctx, e.dropPeer(ctx, peerID))
}

// OnPacket decodes and handles one packet. Errors caused by the peer are returned for logging only,
// the engine has already dealt with them.
func (e *ChainSync) OnPacket(ctx context.Context, peerID PeerID, id protocol.PacketID, payload []byte) error {
	if e.shutdown {
		return nil
	}

	msg, err := protocol.Decode(id, payload)
	if err != nil {
		e.penalize(peerID, ReasonMalformedPacket)
		e.disconnect(peerID, "malformed packet")

		return e.settle(ctx, err)
	}

	prometheusChainSyncPackets.WithLabelValues(id.String()).Inc()

	return e.settle(ctx, e.handlePacket(ctx, peerID, msg))
}

// OnTick gives abandoned targets another chance, expires overdue requests and reschedules work.
func (e *ChainSync) OnTick(ctx context.Context) error {
	if e.shutdown {
		return nil
	}

	clear(e.resting)

	if !e.Status().Active() {
		if err := e.evaluateSync(ctx); err != nil {
			return e.settle(ctx, err)
		}
	}

	return e.settle(ctx, e.checkTimeouts(ctx))
}

// OnLocalBlocks announces blocks that were added to the ledger outside the engine, e.g. mined locally.
func (e *ChainSync) OnLocalBlocks(ctx context.Context, hashes ...chainhash.Hash) error {
	if e.shutdown {
		return nil
	}

	for _, hash := range hashes {
		header, err := e.ledger.BlockHeaderByHash(ctx, hash)
		if err != nil {
			return errors.NewProcessingError("[ChainSync] local block %s not found", hash, err)
		}

		body, err := e.ledger.BlockBody(ctx, hash)
		if err != nil {
			return errors.NewProcessingError("[ChainSync] body of local block %s not found", hash, err)
		}

		td, err := e.ledger.TotalDifficulty(ctx, hash)
		if err != nil {
			return errors.NewProcessingError("[ChainSync] total difficulty of local block %s not found", hash, err)
		}

		e.propagate(ctx, model.NewBlock(header, body), td)
	}

	return e.settle(ctx, nil)
}

// Reset returns the engine to NotSynced and discards all peer records and download state. Ledger
// contents are untouched.
func (e *ChainSync) Reset(ctx context.Context) error {
	e.logger.Infof("[ChainSync] reset from state %s", e.Status())

	e.queue.Clear()
	e.peers.Clear()
	e.clearTarget()
	clear(e.resting)
	e.dropQueue = nil

	return e.transition(ctx, EventReset)
}

// Shutdown resets the engine and stops it from handling further input.
func (e *ChainSync) Shutdown(ctx context.Context) error {
	err := e.Reset(ctx)
	e.shutdown = true

	return err
}

// settle runs after every input: pending disconnects are applied and new work is scheduled.
func (e *ChainSync) settle(ctx context.Context, err error) error {
	for len(e.dropQueue) > 0 {
		drop := e.dropQueue[0]
		e.dropQueue = e.dropQueue[1:]

		e.transport.Disconnect(drop.peerID, drop.reason)

		if dropErr := e.dropPeer(ctx, drop.peerID); dropErr != nil && err == nil {
			err = dropErr
		}
	}

	if scheduleErr := e.schedule(ctx); scheduleErr != nil && err == nil {
		err = scheduleErr
	}

	prometheusChainSyncPeers.Set(float64(e.peers.PeerCount()))
	prometheusChainSyncInFlight.Set(float64(e.queue.InFlight()))

	return err
}

func (e *ChainSync) transition(ctx context.Context, event SyncEvent) error {
	from := e.Status()

	if err := sendEvent(ctx, e.fsm, event); err != nil {
		return err
	}

	if to := e.Status(); to != from {
		e.logger.Infof("[ChainSync] state %s -> %s", from, to)
		prometheusChainSyncStateTransitions.WithLabelValues(to.String()).Inc()
	}

	return nil
}

func (e *ChainSync) sendStatus(ctx context.Context, peerID PeerID) error {
	best, err := e.ledger.BestBlock(ctx)
	if err != nil {
		return errors.NewProcessingError("[ChainSync] failed to read best block", err)
	}

	return e.send(peerID, &protocol.Status{
		ProtocolVersion: e.settings.Sync.ProtocolVersion,
		NetworkID:       e.settings.Sync.NetworkID,
		TotalDifficulty: best.TotalDifficulty,
		BestHash:        best.Hash,
		BestNumber:      best.Number,
		GenesisHash:     e.genesis,
	})
}

func (e *ChainSync) send(peerID PeerID, msg protocol.Message) error {
	id, payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	if err = e.transport.Send(peerID, id, payload); err != nil {
		return errors.NewNetworkError("[ChainSync][%s] failed to send %s", peerID, id, err)
	}

	return nil
}

// request records the pending request on the peer and sends it. On a send failure the request is undone.
func (e *ChainSync) request(peerID PeerID, asking Asking, pending *PendingRequest, msg protocol.Message) error {
	pending.SentAt = e.now()
	e.peers.SetRequest(peerID, asking, pending)

	if err := e.send(peerID, msg); err != nil {
		e.peers.ClearRequest(peerID)
		e.queue.Release(peerID)

		return err
	}

	return nil
}

// penalize applies a ban score. Peers crossing the ban threshold are disconnected once the current input
// has been handled.
func (e *ChainSync) penalize(peerID PeerID, reason BanReason) {
	prometheusChainSyncPeerFaults.WithLabelValues(reason.String()).Inc()

	score, banned := e.banManager.AddScore(peerID, reason)
	e.peers.UpdateBanStatus(peerID, score, banned)

	e.logger.Debugf("[ChainSync][%s] penalized for %s, score %d", peerID, reason, score)

	if banned {
		e.logger.Warnf("[ChainSync][%s] banned after %s", peerID, reason)
		e.disconnect(peerID, "banned: "+reason.String())
	}
}

func (e *ChainSync) disconnect(peerID PeerID, reason string) {
	for _, drop := range e.dropQueue {
		if drop.peerID == peerID {
			return
		}
	}

	e.dropQueue = append(e.dropQueue, pendingDrop{peerID: peerID, reason: reason})
}

func (e *ChainSync) dropPeer(ctx context.Context, peerID PeerID) error {
	info, ok := e.peers.GetPeer(peerID)
	if !ok {
		return nil
	}

	if peerID == e.target && info.AnnouncedHash != (chainhash.Hash{}) {
		e.targetHead = info.AnnouncedHash
	}

	e.queue.Release(peerID)
	e.peers.RemovePeer(peerID)

	if peerID != e.target || !e.Status().Active() {
		return nil
	}

	return e.onTargetLost(ctx)
}

func (e *ChainSync) propagate(ctx context.Context, block *model.Block, td *uint256.Int) {
	result, err := e.propagator.Propagate(ctx, block, td)
	if err != nil {
		e.logger.Errorf("[ChainSync] failed to propagate block %s: %v", block.Hash(), err)
		return
	}

	prometheusChainSyncPropagated.WithLabelValues("full").Add(float64(len(result.Full)))
	prometheusChainSyncPropagated.WithLabelValues("hash").Add(float64(len(result.Hashes)))
}

func (e *ChainSync) clearTarget() {
	e.target = ""
	e.targetTD = nil
	e.targetHead = chainhash.Hash{}
	e.targetStalls = 0
	e.ancestor = nil
}
