package store

import (
	"database/sql"
	"errors"
	"fmt"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when no node carries the requested id.
	ErrNotFound = errors.New("node not found")
	// ErrInvalidSearch marks a malformed full-text expression.
	ErrInvalidSearch = errors.New("invalid search expression")
	// ErrEncode marks a record that could not be serialized.
	ErrEncode = errors.New("record encoding failed")
)

// Querier is satisfied by *sql.DB, *sql.Tx and *Store, so the same
// helpers run inside or outside the rebuild transaction.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	Prepare(query string) (*sql.Stmt, error)
}

// baseSchema survives rebuilds. stable must never be dropped: branch and
// leaf rows reference its ids.
const baseSchema = `
CREATE TABLE IF NOT EXISTS stable (
	numid INTEGER PRIMARY KEY AUTOINCREMENT,
	textkey TEXT UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT
);
`

// indexSchema is dropped and recreated by every rebuild.
const indexSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS node USING fts5(data);
CREATE TABLE IF NOT EXISTS branch (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	parent INTEGER NOT NULL,
	UNIQUE (parent, name)
);
CREATE TABLE IF NOT EXISTS leaf (
	parent INTEGER NOT NULL,
	node INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_leaf_parent ON leaf(parent);
`

const dropIndexSchema = `
DROP TABLE IF EXISTS leaf;
DROP TABLE IF EXISTS branch;
DROP TABLE IF EXISTS node;
`

// Store is one per-user cache file.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the store at path and makes sure every table
// exists, so reads work before the first rebuild commits.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection: pragmas are per connection and the rebuild
	// transaction is the only writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.Exec(baseSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create base schema: %w", err)
	}
	if _, err := db.Exec(indexSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create index schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

func (s *Store) Exec(query string, args ...any) (sql.Result, error) {
	return s.db.Exec(query, args...)
}

func (s *Store) Query(query string, args ...any) (*sql.Rows, error) {
	return s.db.Query(query, args...)
}

func (s *Store) QueryRow(query string, args ...any) *sql.Row {
	return s.db.QueryRow(query, args...)
}

func (s *Store) Prepare(query string) (*sql.Stmt, error) {
	return s.db.Prepare(query)
}

// Bulk is an open rebuild transaction. Synchronous writes are disabled
// until Finish runs.
type Bulk struct {
	*sql.Tx
	s        *Store
	syncMode int
	done     bool
}

// BeginBulk relaxes durability and starts the rebuild transaction.
func (s *Store) BeginBulk() (*Bulk, error) {
	var mode int
	if err := s.db.QueryRow("PRAGMA synchronous").Scan(&mode); err != nil {
		return nil, fmt.Errorf("read synchronous mode: %w", err)
	}
	if _, err := s.db.Exec("PRAGMA synchronous = OFF"); err != nil {
		return nil, fmt.Errorf("disable synchronous: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		_, _ = s.db.Exec(fmt.Sprintf("PRAGMA synchronous = %d", mode)) // best-effort restore
		return nil, fmt.Errorf("begin rebuild: %w", err)
	}
	return &Bulk{Tx: tx, s: s, syncMode: mode}, nil
}

// ResetIndex drops the node, branch and leaf tables and recreates them empty.
func (b *Bulk) ResetIndex() error {
	if _, err := b.Exec(dropIndexSchema); err != nil {
		return fmt.Errorf("drop index schema: %w", err)
	}
	if _, err := b.Exec(indexSchema); err != nil {
		return fmt.Errorf("create index schema: %w", err)
	}
	return nil
}

// Commit commits the rebuild. Durability stays relaxed until Finish.
func (b *Bulk) Commit() error {
	b.done = true
	if err := b.Tx.Commit(); err != nil {
		_ = b.restore() // commit error takes precedence
		return fmt.Errorf("commit rebuild: %w", err)
	}
	return nil
}

// Finish reclaims free pages and restores the synchronous mode that was
// active before BeginBulk. Call it after a successful Commit.
func (b *Bulk) Finish() error {
	_, vacErr := b.s.db.Exec("VACUUM")
	if err := b.restore(); err != nil {
		return err
	}
	if vacErr != nil {
		return fmt.Errorf("vacuum: %w", vacErr)
	}
	return nil
}

// Rollback abandons the rebuild and restores durability. It is a no-op
// after Commit.
func (b *Bulk) Rollback() {
	if b.done {
		return
	}
	b.done = true
	_ = b.Tx.Rollback() // safe to ignore
	_ = b.restore()     // best-effort
}

func (b *Bulk) restore() error {
	if _, err := b.s.db.Exec(fmt.Sprintf("PRAGMA synchronous = %d", b.syncMode)); err != nil {
		return fmt.Errorf("restore synchronous mode: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// classifyMatch maps engine failures of a MATCH query. The statement text
// is fixed, so a generic SQLITE_ERROR can only come from the expression.
func classifyMatch(expr string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_ERROR {
		return fmt.Errorf("%w %q: %v", ErrInvalidSearch, expr, err)
	}
	return fmt.Errorf("search %q: %w", expr, err)
}
