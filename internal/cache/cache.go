// Package cache coordinates a per-user node cache.
//
// A Cache owns one SQLite store file. On Open it decides whether the
// upstream inventory must be consulted, and when the inventory's version
// tag has moved it rebuilds the node store and tree index inside a single
// transaction. Reads are served from the committed state only.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/agentic-research/nodecache/internal/grouping"
	"github.com/agentic-research/nodecache/internal/store"
)

var (
	// ErrConfig is returned by Open for a missing or invalid option.
	ErrConfig = errors.New("invalid cache configuration")
	// ErrStorage wraps storage engine failures outside search parsing.
	ErrStorage = errors.New("cache storage failure")
	// ErrInvalidSearch marks a malformed full-text expression.
	ErrInvalidSearch = store.ErrInvalidSearch
	// ErrNotFound is returned by GetNode for an unknown id.
	ErrNotFound = store.ErrNotFound
	// ErrRebuilding is returned by reads issued from inside an inventory
	// walk. The store runs on a single pooled connection held by the open
	// rebuild transaction, so such a read would otherwise block forever.
	// Reads from outside a walk are never affected.
	ErrRebuilding = errors.New("cache is rebuilding")
)

// NodeIDField is the key holding the stable id in returned records.
const NodeIDField = store.NodeIDField

// RootID addresses the synthetic tree root in GetBranch.
const RootID = store.RootID

// Sink receives inventory records during a walk.
type Sink interface {
	AddRecord(rawKey string, record map[string]any) error
}

// Inventory is the upstream source of records.
type Inventory interface {
	// Version returns an opaque tag that changes whenever the user's
	// inventory changes. It is called on every staleness check.
	Version(user string) (string, error)
	// Walk calls sink.AddRecord once per record, synchronously. A non-nil
	// error from the sink must abort the walk and be returned.
	Walk(user string, sink Sink) error
}

// Branch is one child returned by GetBranch.
type Branch = store.Branch

// Options configures Open.
type Options struct {
	Root      string
	User      string
	Inventory Inventory

	SearchCols []string
	TreeCols   []string

	// UpdateInterval is the minimum time between version checks. Zero,
	// the default, checks the inventory version on every Open and Refresh.
	// The default is deliberately zero rather than a large interval: a
	// version check is one cheap Version call, and a long interval would
	// hide upstream changes until it elapsed. Set it to throttle checks.
	UpdateInterval time.Duration

	Trees *grouping.Registry

	Logger *slog.Logger
	Now    func() time.Time
}

func (o *Options) validate() error {
	switch {
	case o.Root == "":
		return fmt.Errorf("%w: storage root is required", ErrConfig)
	case o.User == "":
		return fmt.Errorf("%w: user identity is required", ErrConfig)
	case o.Inventory == nil:
		return fmt.Errorf("%w: inventory is required", ErrConfig)
	case o.UpdateInterval < 0:
		return fmt.Errorf("%w: negative update interval %s", ErrConfig, o.UpdateInterval)
	}
	return nil
}

// State is the position of a cache in its rebuild cycle.
type State int

const (
	// StateFresh: no version has ever been committed.
	StateFresh State = iota
	// StateStale: a version check is in progress.
	StateStale
	// StateRebuilding: the rebuild transaction is open.
	StateRebuilding
	// StateCommitted: a version is committed and served.
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateRebuilding:
		return "rebuilding"
	case StateCommitted:
		return "committed"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Cache is the coordinator for one user's store. It is not safe for
// concurrent use; at most one Cache may hold a given store file.
type Cache struct {
	opts  Options
	st    *store.Store
	log   *slog.Logger
	now   func() time.Time
	meta  map[string]string
	state State

	rb *pass // non-nil only while a walk is running
}

// StoreFileName returns the file name used for user's store under Root.
func StoreFileName(user string) string {
	return url.PathEscape(user) + ".db"
}

// Open opens or creates the user's store and runs a staleness check.
//
// If the store opens but the refresh fails, Open returns the Cache along
// with the error: the cache keeps serving the previously committed
// version and the caller may Close it or retry Refresh.
func Open(opts Options) (*Cache, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Trees == nil {
		opts.Trees = grouping.NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create root %s: %w", ErrStorage, opts.Root, err)
	}
	st, err := store.Open(filepath.Join(opts.Root, StoreFileName(opts.User)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	meta, err := store.LoadMeta(st)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	c := &Cache{
		opts:  opts,
		st:    st,
		log:   logger.With("user", opts.User),
		now:   now,
		meta:  meta,
		state: StateFresh,
	}
	if _, ok := meta[store.MetaVersion]; ok {
		c.state = StateCommitted
	}

	if err := c.Refresh(false); err != nil {
		return c, err
	}
	return c, nil
}

// State reports where the cache is in its rebuild cycle.
func (c *Cache) State() State { return c.state }

// Version returns the committed inventory version, "" before the first build.
func (c *Cache) Version() string { return c.meta[store.MetaVersion] }

// LastUpdate returns the time of the last successful staleness check.
func (c *Cache) LastUpdate() time.Time {
	sec, err := strconv.ParseInt(c.meta[store.MetaLastUpdate], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// Meta returns a copy of the meta mirror.
func (c *Cache) Meta() map[string]string {
	out := make(map[string]string, len(c.meta))
	for k, v := range c.meta {
		out[k] = v
	}
	return out
}

// Path returns the store file.
func (c *Cache) Path() string { return c.st.Path() }

// Close releases the store.
func (c *Cache) Close() error {
	if err := c.st.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// SetMeta upserts a meta entry. Inside a rebuild the write joins the
// rebuild transaction and reaches the mirror only once it commits.
func (c *Cache) SetMeta(key, value string) error {
	if c.rb != nil {
		if err := store.SetMeta(c.rb.bulk, key, value); err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		c.rb.meta[key] = value
		return nil
	}
	if err := store.SetMeta(c.st, key, value); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	c.meta[key] = value
	return nil
}

// needsCheck applies the staleness rule: no committed version, no
// interval, or an interval that has elapsed since lastup.
func (c *Cache) needsCheck() bool {
	if _, ok := c.meta[store.MetaVersion]; !ok {
		return true
	}
	if c.opts.UpdateInterval <= 0 {
		return true
	}
	last, err := strconv.ParseInt(c.meta[store.MetaLastUpdate], 10, 64)
	if err != nil {
		return true
	}
	return c.now().Sub(time.Unix(last, 0)) > c.opts.UpdateInterval
}

// Refresh runs the staleness check. With force the interval is ignored
// and the inventory version is always fetched.
func (c *Cache) Refresh(force bool) error {
	if c.rb != nil {
		return ErrRebuilding
	}
	if !force && !c.needsCheck() {
		return nil
	}

	prev := c.state
	c.state = StateStale
	version, err := c.opts.Inventory.Version(c.opts.User)
	if err != nil {
		c.state = prev
		return fmt.Errorf("inventory version for %s: %w", c.opts.User, err)
	}

	if stored, ok := c.meta[store.MetaVersion]; ok && stored == version {
		c.state = StateCommitted
		return c.SetMeta(store.MetaLastUpdate, c.stamp())
	}

	if err := c.rebuild(version); err != nil {
		c.state = prev
		return err
	}
	return nil
}

func (c *Cache) stamp() string {
	return strconv.FormatInt(c.now().Unix(), 10)
}

// Search returns up to limit records matching expr, projected onto the
// search columns. limit <= 0 means store.DefaultLimit.
func (c *Cache) Search(expr string, limit, offset int) ([]map[string]any, error) {
	if c.rb != nil {
		return nil, ErrRebuilding
	}
	out, err := c.st.Search(expr, c.opts.SearchCols, limit, offset)
	if err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

// Count returns the number of records matching expr.
func (c *Cache) Count(expr string) (int, error) {
	if c.rb != nil {
		return 0, ErrRebuilding
	}
	n, err := c.st.Count(expr)
	if err != nil {
		return 0, storageErr(err)
	}
	return n, nil
}

// GetNode returns the full stored record for id.
func (c *Cache) GetNode(id int64) (map[string]any, error) {
	if c.rb != nil {
		return nil, ErrRebuilding
	}
	rec, err := c.st.GetNode(id)
	if err != nil {
		return nil, storageErr(err)
	}
	return rec, nil
}

// Key returns the raw inventory key that owns a stable id.
func (c *Cache) Key(id int64) (string, error) {
	if c.rb != nil {
		return "", ErrRebuilding
	}
	key, err := store.LookupKey(c.st, id)
	if err != nil {
		return "", storageErr(err)
	}
	return key, nil
}

// GetBranch lists the children of parentID (RootID for the top level),
// each with its leaf records projected onto the tree columns.
func (c *Cache) GetBranch(parentID int64) ([]Branch, error) {
	if c.rb != nil {
		return nil, ErrRebuilding
	}
	out, err := c.st.GetBranch(parentID, c.opts.TreeCols)
	if err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

// storageErr tags engine failures, leaving the caller-facing kinds intact.
func storageErr(err error) error {
	if errors.Is(err, store.ErrInvalidSearch) || errors.Is(err, store.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
