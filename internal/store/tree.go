package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring"
)

// RootID is the synthetic parent of top-level branches.
const RootID int64 = 0

// Branch is one child returned by GetBranch.
type Branch struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	HasChildren bool             `json:"hasChildren"`
	Leaves      []map[string]any `json:"leaves"`
}

// MarshalJSON encodes a branch as the [id, name, hasChildren, leaves]
// tuple tree widgets consume.
func (b Branch) MarshalJSON() ([]byte, error) {
	leaves := b.Leaves
	if leaves == nil {
		leaves = []map[string]any{}
	}
	return json.Marshal([]any{b.ID, b.Name, b.HasChildren, leaves})
}

type branchKey struct {
	parent int64
	name   string
}

// TreeBuilder writes the branch and leaf tables for one rebuild.
// The memo and the pending leaves live only as long as the builder.
type TreeBuilder struct {
	q          Querier
	findStmt   *sql.Stmt
	insertStmt *sql.Stmt

	memo map[branchKey]int64

	// Leaves are accumulated per branch and written once by Flush.
	leaves map[int64]*roaring.Bitmap
	order  []int64 // branch ids in order of their first leaf

	skipped int
}

// NewTreeBuilder prepares the branch statements on q, normally the
// rebuild transaction.
func NewTreeBuilder(q Querier) (*TreeBuilder, error) {
	find, err := q.Prepare("SELECT id FROM branch WHERE parent = ? AND name = ?")
	if err != nil {
		return nil, fmt.Errorf("prepare branch lookup: %w", err)
	}
	insert, err := q.Prepare("INSERT INTO branch (name, parent) VALUES (?, ?)")
	if err != nil {
		_ = find.Close()
		return nil, fmt.Errorf("prepare branch insert: %w", err)
	}
	return &TreeBuilder{
		q:          q,
		findStmt:   find,
		insertStmt: insert,
		memo:       make(map[branchKey]int64),
		leaves:     make(map[int64]*roaring.Bitmap),
	}, nil
}

// AddPaths routes one node into the tree. A path with any empty segment
// is skipped whole; partial paths are never indexed.
func (b *TreeBuilder) AddPaths(nodeID int64, paths [][]string) error {
	if nodeID < 0 || nodeID > math.MaxUint32 {
		return fmt.Errorf("node id %d out of leaf range", nodeID)
	}
	for _, path := range paths {
		if !complete(path) {
			b.skipped++
			continue
		}
		parent := RootID
		for _, seg := range path {
			id, err := b.branch(parent, seg)
			if err != nil {
				return err
			}
			parent = id
		}
		bm, ok := b.leaves[parent]
		if !ok {
			bm = roaring.New()
			b.leaves[parent] = bm
			b.order = append(b.order, parent)
		}
		bm.Add(uint32(nodeID))
	}
	return nil
}

func complete(path []string) bool {
	if len(path) == 0 {
		return false
	}
	for _, seg := range path {
		if seg == "" {
			return false
		}
	}
	return true
}

// branch resolves or creates the (parent, name) branch.
func (b *TreeBuilder) branch(parent int64, name string) (int64, error) {
	key := branchKey{parent: parent, name: name}
	if id, ok := b.memo[key]; ok {
		return id, nil
	}

	var id int64
	err := b.findStmt.QueryRow(parent, name).Scan(&id)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		res, err := b.insertStmt.Exec(name, parent)
		if err != nil {
			return 0, fmt.Errorf("insert branch %q under %d: %w", name, parent, err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("insert branch %q under %d: %w", name, parent, err)
		}
	default:
		return 0, fmt.Errorf("lookup branch %q under %d: %w", name, parent, err)
	}

	b.memo[key] = id
	return id, nil
}

// Skipped reports how many path-tuples were dropped for empty segments.
func (b *TreeBuilder) Skipped() int { return b.skipped }

// Flush writes the accumulated leaf memberships and returns the row count.
func (b *TreeBuilder) Flush() (int, error) {
	stmt, err := b.q.Prepare("INSERT INTO leaf (parent, node) VALUES (?, ?)")
	if err != nil {
		return 0, fmt.Errorf("prepare leaf insert: %w", err)
	}
	defer func() { _ = stmt.Close() }() // safe to ignore

	n := 0
	for _, parent := range b.order {
		it := b.leaves[parent].Iterator()
		for it.HasNext() {
			if _, err := stmt.Exec(parent, int64(it.Next())); err != nil {
				return n, fmt.Errorf("insert leaf under %d: %w", parent, err)
			}
			n++
		}
	}
	b.leaves = make(map[int64]*roaring.Bitmap)
	b.order = nil
	return n, nil
}

// Close releases the prepared statements and drops the memo.
func (b *TreeBuilder) Close() {
	_ = b.findStmt.Close()   // safe to ignore
	_ = b.insertStmt.Close() // safe to ignore
	b.memo = nil
}

// GetBranch lists the direct children of parentID in natural order, each
// with its leaf records projected onto cols.
func (s *Store) GetBranch(parentID int64, cols []string) ([]Branch, error) {
	rows, err := s.db.Query(`
		SELECT b.id, b.name, EXISTS (SELECT 1 FROM branch c WHERE c.parent = b.id)
		FROM branch b WHERE b.parent = ?`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list branch %d: %w", parentID, err)
	}

	children := []Branch{}
	for rows.Next() {
		var br Branch
		if err := rows.Scan(&br.ID, &br.Name, &br.HasChildren); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan branch row: %w", err)
		}
		children = append(children, br)
	}
	err = rows.Err()
	_ = rows.Close() // release the connection before the leaf queries
	if err != nil {
		return nil, fmt.Errorf("list branch %d: %w", parentID, err)
	}

	sort.SliceStable(children, func(i, j int) bool {
		return NaturalLess(children[i].Name, children[j].Name)
	})

	for i := range children {
		leafRows, err := s.db.Query(`
			SELECT n.rowid, n.data FROM leaf l
			JOIN node n ON n.rowid = l.node
			WHERE l.parent = ? ORDER BY l.rowid`, children[i].ID)
		if err != nil {
			return nil, fmt.Errorf("list leaves of %d: %w", children[i].ID, err)
		}
		leaves, err := scanRecords(leafRows, cols)
		if err != nil {
			return nil, fmt.Errorf("list leaves of %d: %w", children[i].ID, err)
		}
		children[i].Leaves = leaves
	}
	return children, nil
}
