package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ohler55/ojg/oj"
)

// NodeIDField is injected into every record returned to callers.
const NodeIDField = "__nodeId"

// DefaultLimit caps a search when the caller passes no limit.
const DefaultLimit = 100

// EncodeRecord produces the canonical text form of a record: JSON with
// sorted object keys.
func EncodeRecord(record map[string]any) (string, error) {
	b, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return string(b), nil
}

// PutNode serializes record and stores it under id. The row is both the
// node store entry and the full-text index entry.
func PutNode(q Querier, id int64, record map[string]any) error {
	data, err := EncodeRecord(record)
	if err != nil {
		return fmt.Errorf("node %d: %w", id, err)
	}
	if _, err := q.Exec("INSERT INTO node (rowid, data) VALUES (?, ?)", id, data); err != nil {
		return fmt.Errorf("insert node %d: %w", id, err)
	}
	return nil
}

// Search runs a full-text MATCH and projects each hit onto cols.
// An empty expression returns no rows without touching storage.
func (s *Store) Search(expr string, cols []string, limit, offset int) ([]map[string]any, error) {
	if strings.TrimSpace(expr) == "" {
		return []map[string]any{}, nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		"SELECT rowid, data FROM node WHERE node MATCH ? ORDER BY rowid LIMIT ? OFFSET ?",
		expr, limit, offset)
	if err != nil {
		return nil, classifyMatch(expr, err)
	}
	out, err := scanRecords(rows, cols)
	if err != nil {
		return nil, classifyMatch(expr, err)
	}
	return out, nil
}

// Count returns the number of records matching expr, 0 for an empty one.
func (s *Store) Count(expr string) (int, error) {
	if strings.TrimSpace(expr) == "" {
		return 0, nil
	}
	var n int
	if err := s.db.QueryRow("SELECT count(*) FROM node WHERE node MATCH ?", expr).Scan(&n); err != nil {
		return 0, classifyMatch(expr, err)
	}
	return n, nil
}

// GetNode returns the exact stored record for id.
func (s *Store) GetNode(id int64) (map[string]any, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM node WHERE rowid = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch node %d: %w", id, err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decode node %d: %w", id, err)
	}
	rec[NodeIDField] = id
	return rec, nil
}

// scanRecords drains (rowid, data) rows and closes them. Rows are fully
// read before returning so the single pooled connection is released.
func scanRecords(rows *sql.Rows, cols []string) ([]map[string]any, error) {
	defer func() { _ = rows.Close() }() // safe to ignore

	out := []map[string]any{}
	for rows.Next() {
		var id int64
		var data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, fmt.Errorf("decode node %d: %w", id, err)
		}
		out = append(out, project(rec, cols, id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeRecord parses stored node text. oj keeps integers as int64, so
// values beyond 2^53 survive the round trip.
func decodeRecord(data string) (map[string]any, error) {
	v, err := oj.ParseString(data)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return make(map[string]any), nil
	}
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("stored node is %T, want object", v)
	}
	return rec, nil
}

// project keeps only cols (missing fields become nil) and injects the id.
// No cols means the whole record.
func project(rec map[string]any, cols []string, id int64) map[string]any {
	if len(cols) == 0 {
		rec[NodeIDField] = id
		return rec
	}
	out := make(map[string]any, len(cols)+1)
	for _, c := range cols {
		out[c] = rec[c]
	}
	out[NodeIDField] = id
	return out
}
