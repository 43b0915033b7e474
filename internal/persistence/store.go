package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Querier is the query surface shared by *sqlx.DB and *sqlx.Tx so the same
// accessors work inside and outside a transaction.
type Querier interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
}

// Store is the SQLite-backed task store.
type Store struct {
	db Querier
}

// Open opens (creating if needed) the store at dbPath. Enables WAL mode,
// foreign keys, and a busy timeout, and initializes the schema.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sqlx.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initStore(ctx, db)
}

// OpenMemory opens an in-memory store for testing. A shared cache lets
// multiple connections see the same database.
func OpenMemory(ctx context.Context) (*Store, error) {
	db, err := sqlx.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	return initStore(ctx, db)
}

func initStore(ctx context.Context, db *sqlx.DB) (*Store, error) {
	// modernc.org/sqlite ignores _foreign_keys in the connection string.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Single connection: every read-decide-write sequence serializes
	// against the one writer, which is the store's atomicity model.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.seedDefaults(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed defaults: %w", err)
	}

	return s, nil
}

// Begin starts a transaction and returns a Store view bound to it.
func (s *Store) Begin(ctx context.Context) (*Store, error) {
	db, ok := s.db.(*sqlx.DB)
	if !ok {
		return nil, fmt.Errorf("cannot begin transaction inside a transaction")
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: tx}, nil
}

// Commit commits a transactional store view.
func (s *Store) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

// Rollback rolls back a transactional store view.
func (s *Store) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	txStore, err := s.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = txStore.Rollback()
			panic(r)
		}
	}()

	if err := fn(txStore); err != nil {
		_ = txStore.Rollback()
		return err
	}
	return txStore.Commit()
}

// Close closes the underlying database. No-op on a transactional view.
func (s *Store) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil
}
