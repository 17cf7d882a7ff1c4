package cache

import (
	"fmt"
	"math"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/nodecache/internal/store"
)

// pass is the state of one in-progress rebuild. The tree builder's
// memo dies with it.
type pass struct {
	bulk *store.Bulk
	tree *store.TreeBuilder
	meta map[string]string // staged until commit
	seen *roaring.Bitmap   // stable ids already stored by this pass

	records int
	skipped int
}

// rebuild drops and repopulates the node store and tree index for
// version. Everything up to and including the version stamp runs in one
// transaction; on any error it is rolled back and the previously
// committed version stays in place.
func (c *Cache) rebuild(version string) error {
	start := time.Now()
	c.log.Info("rebuilding node cache",
		"from", c.meta[store.MetaVersion], "to", version, "trees", c.opts.Trees.Names())

	bulk, err := c.st.BeginBulk()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	defer bulk.Rollback() // no-op after Commit

	if err := bulk.ResetIndex(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	tree, err := store.NewTreeBuilder(bulk)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	defer tree.Close()

	rb := &pass{bulk: bulk, tree: tree, meta: make(map[string]string), seen: roaring.New()}
	c.rb = rb
	c.state = StateRebuilding
	defer func() { c.rb = nil }()

	if err := c.opts.Inventory.Walk(c.opts.User, c); err != nil {
		c.log.Error("inventory walk failed, keeping previous version",
			"version", c.meta[store.MetaVersion], "records", rb.records, "err", err)
		return fmt.Errorf("walk inventory for %s: %w", c.opts.User, err)
	}

	leaves, err := tree.Flush()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if err := c.SetMeta(store.MetaVersion, version); err != nil {
		return err
	}
	if err := c.SetMeta(store.MetaLastUpdate, c.stamp()); err != nil {
		return err
	}

	if err := bulk.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	for k, v := range rb.meta {
		c.meta[k] = v
	}
	c.state = StateCommitted

	if err := bulk.Finish(); err != nil {
		c.log.Warn("post-rebuild compaction failed", "err", err)
	}

	c.log.Info("node cache rebuilt",
		"version", version,
		"records", rb.records,
		"skipped", rb.skipped,
		"leaves", leaves,
		"partial_paths", tree.Skipped(),
		"duration", time.Since(start))
	return nil
}

// AddRecord is the inventory sink. A record that cannot be encoded or
// stored is logged and dropped; the walk continues. Storage failures in
// id allocation or tree writes are returned and abort the rebuild.
func (c *Cache) AddRecord(rawKey string, record map[string]any) error {
	rb := c.rb
	if rb == nil {
		return fmt.Errorf("add record %q: no rebuild in progress", rawKey)
	}

	id, err := store.Resolve(rb.bulk, rawKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if id < 0 || id > math.MaxUint32 {
		return fmt.Errorf("%w: stable id %d for %q out of range", ErrStorage, id, rawKey)
	}
	if !rb.seen.CheckedAdd(uint32(id)) {
		rb.skipped++
		c.log.Warn("skipping duplicate record", "key", rawKey, "id", id)
		return nil
	}
	if err := store.PutNode(rb.bulk, id, record); err != nil {
		rb.skipped++
		c.log.Warn("skipping record", "key", rawKey, "record", record, "err", err)
		return nil
	}
	rb.records++

	if err := rb.tree.AddPaths(id, c.opts.Trees.Paths(record)); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

var _ Sink = (*Cache)(nil)
