package inventory

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/agentic-research/nodecache/internal/cache"
	"github.com/ohler55/ojg/oj"
	_ "modernc.org/sqlite"
)

// SQLite reads an inventory from a results(id TEXT, record TEXT) table,
// one JSON record per row.
type SQLite struct {
	Path string
}

// Version tracks the database file and its WAL, so committed writes in
// either move the tag.
func (s *SQLite) Version(user string) (string, error) {
	path := resolvePath(s.Path, user)
	return statVersion(path, path+"-wal")
}

// Walk streams the table in rowid order without writing to it. Only one parsed record is alive
// at a time.
func (s *SQLite) Walk(user string, sink cache.Sink) error {
	path := resolvePath(s.Path, user)
	// The driver would create a missing file; fail like a missing JSON file.
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open sqlite %s: %w", path, err)
	}
	defer func() { _ = db.Close() }() // safe to ignore

	rows, err := db.Query("SELECT id, record FROM results ORDER BY rowid")
	if err != nil {
		return fmt.Errorf("query results: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		parsed, err := oj.ParseString(raw)
		if err != nil {
			return fmt.Errorf("parse record %s: %w", id, err)
		}
		if err := sink.AddRecord(id, asRecord(parsed)); err != nil {
			return err
		}
	}
	return rows.Err()
}

var _ cache.Inventory = (*SQLite)(nil)
