package daemon

import (
	"context"

	"github.com/bsv-blockchain/blocksync/stores/ledger"
	"github.com/bsv-blockchain/blocksync/ulogger"
)

// Option is a functional option type for configuring the Daemon.
type Option func(*Daemon)

// WithLoggerFactory provides a custom logger factory for the Daemon and its services.
func WithLoggerFactory(factory func(serviceName string) ulogger.Logger) Option {
	return func(d *Daemon) {
		d.loggerFactory = factory
	}
}

// WithContext allows setting a custom context for the Daemon.
func WithContext(ctx context.Context) Option {
	return func(d *Daemon) {
		d.Ctx = ctx
	}
}

// WithLedger makes the daemon sync into store instead of opening ledger_store. The daemon closes it on
// shutdown.
func WithLedger(store ledger.Store) Option {
	return func(d *Daemon) {
		d.ledger = store
	}
}
