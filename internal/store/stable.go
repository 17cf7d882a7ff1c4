package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Resolve returns the stable id for rawKey, allocating one on first sight.
// Ids come from AUTOINCREMENT, so they are monotonic and never reused even
// after rows are deleted.
func Resolve(q Querier, rawKey string) (int64, error) {
	var id int64
	err := q.QueryRow("SELECT numid FROM stable WHERE textkey = ?", rawKey).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("lookup stable id %q: %w", rawKey, err)
	}

	res, err := q.Exec("INSERT INTO stable (textkey) VALUES (?)", rawKey)
	if err != nil {
		return 0, fmt.Errorf("allocate stable id %q: %w", rawKey, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("allocate stable id %q: %w", rawKey, err)
	}
	return id, nil
}

// LookupKey returns the raw key that owns a stable id.
func LookupKey(q Querier, id int64) (string, error) {
	var key string
	err := q.QueryRow("SELECT textkey FROM stable WHERE numid = ?", id).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup key for %d: %w", id, err)
	}
	return key, nil
}
