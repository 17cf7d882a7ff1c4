package store

import "fmt"

// Authoritative meta keys.
const (
	MetaVersion    = "version"
	MetaLastUpdate = "lastup"
)

// LoadMeta reads every meta entry.
func LoadMeta(q Querier) (map[string]string, error) {
	rows, err := q.Query("SELECT key, value FROM meta")
	if err != nil {
		return nil, fmt.Errorf("load meta: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	meta := make(map[string]string)
	for rows.Next() {
		var k string
		var v *string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		if v != nil {
			meta[k] = *v
		} else {
			meta[k] = ""
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load meta: %w", err)
	}
	return meta, nil
}

// SetMeta upserts one meta entry.
func SetMeta(q Querier, key, value string) error {
	_, err := q.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}
