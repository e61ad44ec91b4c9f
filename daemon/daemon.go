// Package daemon wires the ledger, the p2p transport, the sync driver and the status server into one
// process.
package daemon

import (
	"context"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // profiler only listens when profilerAddr is set
	"sync/atomic"
	"time"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/blocksync/services/chainsync"
	"github.com/bsv-blockchain/blocksync/services/chainsync/httpimpl"
	"github.com/bsv-blockchain/blocksync/services/p2p"
	"github.com/bsv-blockchain/blocksync/settings"
	"github.com/bsv-blockchain/blocksync/stores/ledger"
	"github.com/bsv-blockchain/blocksync/ulogger"
	"github.com/bsv-blockchain/blocksync/util/servicemanager"
	"github.com/felixge/fgprof"
	"github.com/ordishs/gocore"
)

const readyTimeout = 30 * time.Second

var pprofRegistered atomic.Bool

type Daemon struct {
	Ctx            context.Context
	ServiceManager *servicemanager.ServiceManager
	Driver         *chainsync.Driver
	P2P            *p2p.Server
	Status         *httpimpl.HTTP

	loggerFactory func(serviceName string) ulogger.Logger
	ledger        ledger.Store
}

func New(opts ...Option) *Daemon {
	d := &Daemon{
		Ctx: context.Background(),
		loggerFactory: func(serviceName string) ulogger.Logger {
			return ulogger.New(serviceName)
		},
	}

	for _, opt := range opts {
		opt(d)
	}

	d.ServiceManager = servicemanager.NewServiceManager(d.Ctx, d.loggerFactory("ServiceManager"))

	return d
}

// Start opens the ledger and starts every service. It returns once they are all ready; Wait blocks until
// they stop. Services that were started are stopped again when Start fails.
func (d *Daemon) Start(tSettings *settings.Settings) error {
	logger := d.loggerFactory("Daemon")
	sm := d.ServiceManager

	startProfiler(logger, tSettings)

	if d.ledger == nil {
		store, err := ledger.NewStore(sm.Ctx, d.loggerFactory("ledger"), tSettings.Ledger.StoreURL, tSettings, model.NewGenesis(tSettings.Sync.NetworkID))
		if err != nil {
			return d.fail(errors.NewServiceError("failed to open ledger %s", tSettings.Ledger.StoreURL, err))
		}

		d.ledger = store
	}

	best, err := d.ledger.BestBlock(sm.Ctx)
	if err != nil {
		return d.fail(err)
	}

	logger.Infof("ledger genesis %s, best block %d %s", d.ledger.Genesis().Hash(), best.Number, best.Hash)

	d.P2P = p2p.NewServer(d.loggerFactory("p2p"), tSettings)

	engine := chainsync.New(d.loggerFactory("chainsync"), tSettings, d.ledger, d.P2P)
	d.Driver = chainsync.NewDriver(d.loggerFactory("chainsync"), engine)
	d.P2P.SetHost(d.Driver)

	d.Status = httpimpl.New(d.loggerFactory("status"), tSettings, d.Driver)
	d.Status.SetHealthFunc(sm.HealthHandler)

	services := []struct {
		name    string
		service servicemanager.Service
	}{
		{"ChainSync", d.Driver},
		{"P2P", d.P2P},
		{"Status", d.Status},
	}

	for _, s := range services {
		if err = sm.AddService(s.name, s.service); err != nil {
			return d.fail(err)
		}
	}

	ctx, cancel := context.WithTimeout(sm.Ctx, readyTimeout)
	defer cancel()

	if err = sm.WaitForServiceToBeReady(ctx); err != nil {
		return d.fail(err)
	}

	return nil
}

func (d *Daemon) fail(err error) error {
	d.ServiceManager.ForceShutdown()

	if waitErr := d.Wait(); waitErr != nil {
		d.loggerFactory("Daemon").Warnf("error while stopping services: %v", waitErr)
	}

	return err
}

// Wait blocks until every service stopped, then closes the ledger.
func (d *Daemon) Wait() error {
	err := d.ServiceManager.Wait()

	if d.ledger != nil {
		if closeErr := d.ledger.Close(); closeErr != nil {
			d.loggerFactory("Daemon").Warnf("failed to close ledger: %v", closeErr)
		}
	}

	return err
}

func (d *Daemon) Stop() {
	d.ServiceManager.ForceShutdown()
}

// Ledger returns the ledger the daemon syncs into, nil before Start.
func (d *Daemon) Ledger() ledger.Store {
	return d.ledger
}

// startProfiler serves pprof, fgprof and the gocore stats on profilerAddr. It runs once per process.
func startProfiler(logger ulogger.Logger, tSettings *settings.Settings) {
	profilerAddr := tSettings.ProfilerAddr
	if profilerAddr == "" || !pprofRegistered.CompareAndSwap(false, true) {
		return
	}

	gocore.RegisterStatsHandlers()
	http.DefaultServeMux.Handle("/debug/fgprof", fgprof.Handler())

	go func() {
		logger.Infof("Profiler listening on http://%s/debug/pprof", profilerAddr)

		server := &http.Server{
			Addr:         profilerAddr,
			Handler:      nil,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		if err := server.ListenAndServe(); err != nil {
			logger.Errorf("profiler stopped: %v", err)
		}
	}()
}
