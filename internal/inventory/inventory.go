// Package inventory provides file-backed inventory sources for the node
// cache. A source path may contain the {user} placeholder, replaced by
// the path-escaped user identity.
package inventory

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentic-research/nodecache/internal/cache"
)

// UserPlaceholder is substituted with the user identity in source paths.
const UserPlaceholder = "{user}"

// Open picks a source by file extension: .json, .json.gz and .json.zst
// for JSONFile, .db, .sqlite and .sqlite3 for SQLite.
func Open(path string) (cache.Inventory, error) {
	base := strings.TrimSuffix(strings.TrimSuffix(strings.ToLower(path), ".gz"), ".zst")
	if strings.HasSuffix(base, ".json") {
		return &JSONFile{Path: path}, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return &SQLite{Path: path}, nil
	default:
		return nil, fmt.Errorf("unsupported inventory %s: want .json or .db", path)
	}
}

func resolvePath(pattern, user string) string {
	return strings.ReplaceAll(pattern, UserPlaceholder, url.PathEscape(user))
}

// statVersion derives a version tag from size and modification time of
// the given files. Missing optional files are ignored. Databases are
// stat'ed rather than hashed: they can be large and rewritten in place.
func statVersion(path string, optional ...string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat inventory: %w", err)
	}
	tag := fmt.Sprintf("%d-%d", info.Size(), info.ModTime().UnixNano())
	for _, p := range optional {
		if oi, err := os.Stat(p); err == nil {
			tag += fmt.Sprintf("+%d-%d", oi.Size(), oi.ModTime().UnixNano())
		}
	}
	return tag, nil
}

// asRecord turns a decoded JSON value into a record. Non-object values
// are wrapped under "value".
func asRecord(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}
