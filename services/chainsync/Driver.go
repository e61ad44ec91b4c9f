package chainsync

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/services/chainsync/protocol"
	"github.com/bsv-blockchain/blocksync/ulogger"
	"github.com/bsv-blockchain/blocksync/util/health"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"go.uber.org/atomic"
)

// Driver serializes calls from the network layer and the ticker onto one engine, and publishes the engine
// state for lock free readers such as the status endpoint.
type Driver struct {
	mu           sync.Mutex
	logger       ulogger.Logger
	engine       *ChainSync
	tickInterval time.Duration
	state        *atomic.String
	progress     atomic.Pointer[SyncProgress]
	peers        atomic.Pointer[[]*PeerInfo]
	running      *atomic.Bool
}

func NewDriver(logger ulogger.Logger, engine *ChainSync) *Driver {
	tickInterval := engine.settings.Sync.TickInterval
	if tickInterval <= 0 {
		tickInterval = time.Second
	}

	d := &Driver{
		logger:       logger,
		engine:       engine,
		tickInterval: tickInterval,
		state:        atomic.NewString(engine.Status().String()),
		running:      atomic.NewBool(false),
	}

	d.refresh(context.Background())

	return d
}

// Health reports the driver as healthy once Start is running and the ledger answers. Readiness does not
// depend on being synced.
func (d *Driver) Health(ctx context.Context, checkLiveness bool) (int, string, error) {
	if checkLiveness {
		return http.StatusOK, "OK", nil
	}

	if !d.running.Load() {
		return http.StatusServiceUnavailable, "chainsync not started", nil
	}

	return health.CheckAll(ctx, checkLiveness, []health.Check{
		{Name: "Engine", Check: d.engineHealth},
		{Name: "Ledger", Check: d.ledgerHealth},
	})
}

func (d *Driver) engineHealth(_ context.Context, _ bool) (int, string, error) {
	return http.StatusOK, d.Status().String(), nil
}

func (d *Driver) ledgerHealth(ctx context.Context, _ bool) (int, string, error) {
	best, err := d.engine.ledger.BestBlock(ctx)
	if err != nil {
		return http.StatusServiceUnavailable, "ledger unavailable", err
	}

	return http.StatusOK, fmt.Sprintf("best block %d %s", best.Number, best.Hash), nil
}

func (d *Driver) Init(_ context.Context) error {
	return nil
}

// Start ticks the engine until ctx is cancelled, then shuts it down.
func (d *Driver) Start(ctx context.Context, readyCh chan<- struct{}) error {
	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	d.running.Store(true)
	defer d.running.Store(false)

	if readyCh != nil {
		close(readyCh)
	}

	if cleaner, ok := d.engine.banManager.(interface{ Start(context.Context) }); ok {
		go cleaner.Start(ctx)
	}

	d.logger.Infof("[ChainSync] driver started, tick interval %s", d.tickInterval)

	for {
		select {
		case <-ctx.Done():
			return d.Stop(context.Background())
		case <-ticker.C:
			d.OnTick(ctx)
		}
	}
}

func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.engine.shutdown {
		return nil
	}

	err := d.engine.Shutdown(ctx)
	d.refresh(ctx)

	return err
}

func (d *Driver) OnPeerConnected(ctx context.Context, peerID PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logError("peer connected", peerID, d.engine.OnPeerConnected(ctx, peerID))
	d.refresh(ctx)
}

func (d *Driver) OnPeerDisconnected(ctx context.Context, peerID PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logError("peer disconnected", peerID, d.engine.OnPeerDisconnected(ctx, peerID))
	d.refresh(ctx)
}

func (d *Driver) OnPacket(ctx context.Context, peerID PeerID, id protocol.PacketID, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logError(id.String(), peerID, d.engine.OnPacket(ctx, peerID, id, payload))
	d.refresh(ctx)
}

func (d *Driver) OnTick(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logError("tick", "", d.engine.OnTick(ctx))
	d.refresh(ctx)
}

func (d *Driver) OnLocalBlocks(ctx context.Context, hashes ...chainhash.Hash) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.engine.OnLocalBlocks(ctx, hashes...)
	d.refresh(ctx)

	return err
}

func (d *Driver) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.engine.Reset(ctx)
	d.refresh(ctx)

	return err
}

// Status returns the state published after the last input.
func (d *Driver) Status() SyncState {
	return SyncState(d.state.Load())
}

// Progress returns the progress published after the last input.
func (d *Driver) Progress() *SyncProgress {
	return d.progress.Load()
}

// Peers returns the peer records published after the last input.
func (d *Driver) Peers() []*PeerInfo {
	peers := d.peers.Load()
	if peers == nil {
		return nil
	}

	return *peers
}

// Banned returns the peers currently banned, empty when the ban manager cannot list them.
func (d *Driver) Banned() []PeerID {
	lister, ok := d.engine.banManager.(interface{ ListBanned() []PeerID })
	if !ok {
		return nil
	}

	return lister.ListBanned()
}

func (d *Driver) refresh(ctx context.Context) {
	d.state.Store(d.engine.Status().String())

	peers := d.engine.Peers()
	d.peers.Store(&peers)

	progress, err := d.engine.Progress(ctx)
	if err != nil {
		d.logger.Warnf("[ChainSync] failed to read progress: %v", err)
		return
	}

	d.progress.Store(progress)
}

// logError logs at a level matching the cause. Peer faults are routine and never stop the driver.
func (d *Driver) logError(op string, peerID PeerID, err error) {
	switch {
	case err == nil:
	case errors.IsPeerFault(err):
		d.logger.Debugf("[ChainSync][%s] %s: %v", peerID, op, err)
	case errors.IsContextError(err):
		d.logger.Debugf("[ChainSync][%s] %s cancelled: %v", peerID, op, err)
	case errors.IsRetryableError(err):
		d.logger.Warnf("[ChainSync][%s] %s: %v", peerID, op, err)
	default:
		d.logger.Errorf("[ChainSync][%s] %s: %v", peerID, op, err)
	}
}
