package ledger

import (
	"context"
	"net/url"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/blocksync/settings"
	"github.com/bsv-blockchain/blocksync/stores/ledger/memory"
	"github.com/bsv-blockchain/blocksync/stores/ledger/sql"
	"github.com/bsv-blockchain/blocksync/ulogger"
)

var (
	_ Store = (*memory.Memory)(nil)
	_ Store = (*sql.SQL)(nil)
)

// NewStore opens the ledger named by storeURL: memory, sqlite, sqlitememory or postgres.
func NewStore(ctx context.Context, logger ulogger.Logger, storeURL *url.URL, tSettings *settings.Settings, genesis *model.Block) (Store, error) {
	if storeURL == nil {
		return nil, errors.NewConfigurationError("no ledger store configured")
	}

	switch storeURL.Scheme {
	case "memory":
		return memory.New(logger, genesis), nil
	case "postgres", "sqlite", "sqlitememory":
		return sql.New(ctx, logger, storeURL, tSettings, genesis)
	}

	return nil, errors.NewStorageError("unknown scheme: %s", storeURL.Scheme)
}
