// Package store is the single source of truth for every persisted entity,
// with transactional multi-table writes and reactive change notifications.
// It opens SQLite through ncruces/go-sqlite3, applies PRAGMA tuning, and
// runs golang-migrate over embedded migration files. Transactions hand the
// caller an explicit *Tx that carries the CRUD surface itself, so nothing
// reaches for package-level state inside a transaction body.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// queryer is the subset of *sql.DB / *sql.Tx every accessor method needs.
// Both Store (outside a transaction) and Tx (inside one) implement it, so
// the CRUD methods defined on accessor work unmodified in either context.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// accessor carries the shared CRUD surface (defined across accounts.go,
// calendars.go, events.go, ...). Store and Tx both embed one, bound to the
// plain *sql.DB or the active *sql.Tx respectively.
type accessor struct {
	q   queryer
	ctx context.Context
}

// Store is the top-level handle: one per process, shared across every
// account's sync goroutines.
type Store struct {
	accessor
	db     *sql.DB
	logger zerolog.Logger
	notify *notifier
}

// New opens (creating if absent) a SQLite database at dsn and applies any
// pending migrations.
func New(dsn string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", dsn))
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY under WAL without a
	// separate locking layer; the Store's own transaction serialization
	// rides on top of this.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := configurePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: configure pragmas: %w", err)
	}

	s := &Store{
		accessor: accessor{q: db, ctx: context.Background()},
		db:       db,
		logger:   logger,
		notify:   newNotifier(),
	}

	if err := s.migrate(dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func configurePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrate(dsn string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	// m.Close would also close the sqlite driver and with it s.db, which the
	// Store keeps using; only the migration source is released here.
	defer src.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is the transaction-scoped handle passed into a WithTx body. It embeds
// the same accessor CRUD methods as Store, bound to the active *sql.Tx, so
// "inside the same transaction that mutated the event" is just "called on
// this Tx" rather than a separately threaded connection.
type Tx struct {
	accessor
	tx *sql.Tx
}

// WithTx executes fn atomically: on any returned error, every write issued
// through the Tx is rolled back and no partial state is left. On success,
// table-change notifications fire so any active
// watchCalendar/watchEventsInRange/watchPendingCount readers re-query.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	t := &Tx{accessor: accessor{q: sqlTx, ctx: ctx}}

	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
	}()

	if ferr := fn(t); ferr != nil {
		sqlTx.Rollback()
		return ferr
	}
	if cerr := sqlTx.Commit(); cerr != nil {
		return fmt.Errorf("store: commit: %w", cerr)
	}
	s.notify.broadcast()
	return nil
}
