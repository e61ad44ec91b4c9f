// Package sql implements ledger.Store on postgres, sqlite and in-memory sqlite.
//
// Every block ever imported is kept in the blocks table. The canonical table maps each number of the
// canonical chain to a block hash; a reorganization rewrites the canonical rows above the fork point
// inside one transaction.
package sql

import (
	"context"
	"database/sql"
	"net/url"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/blocksync/settings"
	"github.com/bsv-blockchain/blocksync/ulogger"
	"github.com/bsv-blockchain/blocksync/util"
	"github.com/bsv-blockchain/blocksync/util/usql"
	safeconversion "github.com/bsv-blockchain/go-safe-conversion"
	"github.com/holiman/uint256"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type SQL struct {
	db      *usql.DB
	engine  util.SQLEngine
	logger  ulogger.Logger
	genesis *model.Block
}

func New(ctx context.Context, logger ulogger.Logger, storeURL *url.URL, tSettings *settings.Settings, genesis *model.Block) (*SQL, error) {
	logger = logger.New("ledger")

	db, err := util.InitSQLDB(logger, storeURL, tSettings)
	if err != nil {
		return nil, errors.NewStorageError("failed to init sql db", err)
	}

	s, err := newSQL(ctx, logger, db, util.SQLEngine(storeURL.Scheme), genesis)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// newSQL prepares an opened database: it must answer a ping, then gets the schema and the genesis block.
func newSQL(ctx context.Context, logger ulogger.Logger, db *usql.DB, engine util.SQLEngine, genesis *model.Block) (*SQL, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.NewStorageUnavailableError("ledger database is unreachable", err)
	}

	var err error

	switch engine {
	case util.Postgres:
		err = createPostgresSchema(db)
	case util.Sqlite, util.SqliteMemory:
		err = createSqliteSchema(db)
	default:
		err = errors.NewConfigurationError("unknown database engine: %s", engine)
	}

	if err != nil {
		return nil, err
	}

	s := &SQL{
		db:      db,
		engine:  engine,
		logger:  logger,
		genesis: genesis,
	}

	if err = s.insertGenesis(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *SQL) GetDB() *usql.DB {
	return s.db
}

func (s *SQL) GetDBEngine() util.SQLEngine {
	return s.engine
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) Genesis() *model.Block {
	return s.genesis
}

func createPostgresSchema(db *usql.DB) error {
	if _, err := db.Exec(`
      CREATE TABLE IF NOT EXISTS blocks (
	     id               BIGSERIAL PRIMARY KEY
	    ,hash             BYTEA NOT NULL UNIQUE
	    ,parent_hash      BYTEA NOT NULL
	    ,number           BIGINT NOT NULL
	    ,header           BYTEA NOT NULL
	    ,body             BYTEA NOT NULL
	    ,total_difficulty BYTEA NOT NULL
	    ,inserted_at      TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	  );
	`); err != nil {
		return errors.NewStorageError("could not create blocks table", err)
	}

	if _, err := db.Exec(`
      CREATE TABLE IF NOT EXISTS canonical (
	     number BIGINT PRIMARY KEY
	    ,hash   BYTEA NOT NULL REFERENCES blocks (hash)
	  );
	`); err != nil {
		return errors.NewStorageError("could not create canonical table", err)
	}

	return nil
}

func createSqliteSchema(db *usql.DB) error {
	if _, err := db.Exec(`
      CREATE TABLE IF NOT EXISTS blocks (
	     id               INTEGER PRIMARY KEY AUTOINCREMENT
	    ,hash             BLOB NOT NULL
	    ,parent_hash      BLOB NOT NULL
	    ,number           BIGINT NOT NULL
	    ,header           BLOB NOT NULL
	    ,body             BLOB NOT NULL
	    ,total_difficulty BLOB NOT NULL
	    ,inserted_at      TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	  );
	`); err != nil {
		return errors.NewStorageError("could not create blocks table", err)
	}

	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_blocks_hash ON blocks (hash);`); err != nil {
		return errors.NewStorageError("could not create ux_blocks_hash index", err)
	}

	if _, err := db.Exec(`
      CREATE TABLE IF NOT EXISTS canonical (
	     number BIGINT PRIMARY KEY
	    ,hash   BLOB NOT NULL REFERENCES blocks (hash)
	  );
	`); err != nil {
		return errors.NewStorageError("could not create canonical table", err)
	}

	return nil
}

// insertGenesis stores the genesis block in an empty database, and refuses a database that was created
// for another genesis.
func (s *SQL) insertGenesis(ctx context.Context) error {
	hash := s.genesis.Hash()

	var stored []byte

	err := s.db.QueryRowContext(ctx, `SELECT hash FROM canonical WHERE number = 0`).Scan(&stored)

	switch {
	case err == nil:
		if string(stored) != string(hash[:]) {
			return errors.NewConfigurationError("ledger was created for another genesis block")
		}

		return nil

	case !errors.Is(err, sql.ErrNoRows):
		return errors.NewStorageError("failed to read genesis block", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageError("failed to begin transaction", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err = insertBlock(ctx, tx, s.genesis, s.genesis.Header.DifficultyOrZero()); err != nil {
		return err
	}

	if err = setCanonical(ctx, tx, 0, s.genesis); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return errors.NewStorageError("failed to commit genesis block", err)
	}

	s.logger.Infof("[Ledger] stored genesis block %s", hash)

	return nil
}

func insertBlock(ctx context.Context, tx *usql.Tx, block *model.Block, td *uint256.Int) error {
	header, err := block.Header.Bytes()
	if err != nil {
		return errors.NewProcessingError("failed to encode header of block %s", block.Hash(), err)
	}

	body, err := block.Body.Bytes()
	if err != nil {
		return errors.NewProcessingError("failed to encode body of block %s", block.Hash(), err)
	}

	hash := block.Hash()
	parentHash := block.ParentHash()
	tdBytes := td.Bytes32()

	number, err := dbNumber(block.Number())
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO blocks (hash, parent_hash, number, header, body, total_difficulty)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hash) DO NOTHING
	`, hash[:], parentHash[:], number, header, body, tdBytes[:]); err != nil {
		return errors.NewStorageError("failed to insert block %s", hash, err)
	}

	return nil
}

func setCanonical(ctx context.Context, tx *usql.Tx, number uint64, block *model.Block) error {
	hash := block.Hash()

	dbNum, err := dbNumber(number)
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `INSERT INTO canonical (number, hash) VALUES ($1, $2)`, dbNum, hash[:]); err != nil {
		return errors.NewStorageError("failed to mark block %s canonical at %d", hash, number, err)
	}

	return nil
}

// dbNumber converts a block number to the signed column type.
func dbNumber(number uint64) (int64, error) {
	n, err := safeconversion.Uint64ToInt64(number)
	if err != nil {
		return 0, errors.NewInvalidArgumentError("block number %d out of range", number, err)
	}

	return n, nil
}

func notFound(err error, format string, params ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewBlockNotFoundError(format, params...)
	}

	return errors.NewStorageError(format, append(params, err)...)
}
