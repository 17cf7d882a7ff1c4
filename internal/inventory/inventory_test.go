package inventory

import (
	"bytes"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentic-research/nodecache/internal/cache"
	"github.com/agentic-research/nodecache/internal/grouping"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type collectSink struct {
	keys    []string
	records []map[string]any
	failOn  string
}

func (c *collectSink) AddRecord(key string, rec map[string]any) error {
	if key == c.failOn {
		return errors.New("sink full")
	}
	c.keys = append(c.keys, key)
	c.records = append(c.records, rec)
	return nil
}

func createResultsDB(t *testing.T, path string, rows [][2]string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = db.Exec("CREATE TABLE results (id TEXT PRIMARY KEY, record TEXT NOT NULL)")
	require.NoError(t, err)
	for _, r := range rows {
		_, err = db.Exec("INSERT INTO results (id, record) VALUES (?, ?)", r[0], r[1])
		require.NoError(t, err)
	}
}

func touch(t *testing.T, path string, at time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(path, at, at))
}

func TestJSONFile_Object(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alice.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"host-2": {"name": "two", "site": "ams"},
		"host-1": {"name": "one"},
		"scalar": 42
	}`), 0o644))

	src := &JSONFile{Path: filepath.Join(dir, "{user}.json")}
	var sink collectSink
	require.NoError(t, src.Walk("alice", &sink))

	assert.Equal(t, []string{"host-2", "host-1", "scalar"}, sink.keys, "document order is kept")
	assert.Equal(t, "ams", sink.records[0]["site"])
	assert.Equal(t, map[string]any{"value": int64(42)}, sink.records[2])
}

func TestJSONFile_Array(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "a", "name": "alpha"},
		{"id": 7, "name": "seven"}
	]`), 0o644))

	var sink collectSink
	require.NoError(t, (&JSONFile{Path: path}).Walk("anyone", &sink))
	assert.Equal(t, []string{"a", "7"}, sink.keys)

	require.NoError(t, os.WriteFile(path, []byte(`[{"name": "nokey"}]`), 0o644))
	assert.Error(t, (&JSONFile{Path: path}).Walk("anyone", &collectSink{}))

	var byName collectSink
	require.NoError(t, (&JSONFile{Path: path, KeyField: "name"}).Walk("anyone", &byName))
	assert.Equal(t, []string{"nokey"}, byName.keys)
}

func TestJSONFile_Errors(t *testing.T) {
	dir := t.TempDir()
	src := &JSONFile{Path: filepath.Join(dir, "{user}.json")}

	_, err := src.Version("ghost")
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.ErrorIs(t, src.Walk("ghost", &collectSink{}), os.ErrNotExist)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"a": {"name": `), 0o644))
	assert.Error(t, src.Walk("bad", &collectSink{}))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "num.json"), []byte(`12`), 0o644))
	assert.Error(t, src.Walk("num", &collectSink{}))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.json"), []byte(`{"a": {}, "b": {}}`), 0o644))
	err = src.Walk("ok", &collectSink{failOn: "b"})
	assert.EqualError(t, err, "inventory "+filepath.Join(dir, "ok.json")+": sink full")
}

func TestSQLite_Walk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.db")
	createResultsDB(t, path, [][2]string{
		{"CVE-2024-0002", `{"item":{"vendor":"Globex"}}`},
		{"CVE-2024-0001", `{"item":{"vendor":"Acme"}}`},
	})

	var sink collectSink
	require.NoError(t, (&SQLite{Path: path}).Walk("u", &sink))
	assert.Equal(t, []string{"CVE-2024-0002", "CVE-2024-0001"}, sink.keys, "rowid order")
	item := sink.records[1]["item"].(map[string]any)
	assert.Equal(t, "Acme", item["vendor"])

	err := (&SQLite{Path: path}).Walk("u", &collectSink{failOn: "CVE-2024-0001"})
	assert.EqualError(t, err, "sink full")
}

func TestLargeIntegersStayExact(t *testing.T) {
	const big = int64(9007199254740993) // 2^53 + 1
	dir := t.TempDir()

	dbPath := filepath.Join(dir, "inv.db")
	createResultsDB(t, dbPath, [][2]string{{"x", `{"serial": 9007199254740993, "ratio": 0.5}`}})
	var fromDB collectSink
	require.NoError(t, (&SQLite{Path: dbPath}).Walk("u", &fromDB))
	assert.Equal(t, big, fromDB.records[0]["serial"])
	assert.Equal(t, 0.5, fromDB.records[0]["ratio"])

	jsonPath := filepath.Join(dir, "inv.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"id": 9007199254740993}]`), 0o644))
	var fromJSON collectSink
	require.NoError(t, (&JSONFile{Path: jsonPath}).Walk("u", &fromJSON))
	assert.Equal(t, []string{"9007199254740993"}, fromJSON.keys)
	assert.Equal(t, big, fromJSON.records[0]["id"])
}

func TestSQLite_BadRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.db")
	createResultsDB(t, path, [][2]string{{"x", `not json`}})
	assert.Error(t, (&SQLite{Path: path}).Walk("u", &collectSink{}))
}

func TestVersion_ChangesWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	src := &JSONFile{Path: path}
	v1, err := src.Version("u")
	require.NoError(t, err)
	assert.Len(t, v1, 64)

	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))
	touch(t, path, time.Unix(1_700_000_100, 0))
	again, err := src.Version("u")
	require.NoError(t, err)
	assert.Equal(t, v1, again, "same content, same version")

	require.NoError(t, os.WriteFile(path, []byte(`{"a": {}}`), 0o644))
	v2, err := src.Version("u")
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)
}

func TestSQLite_VersionChangesWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.db")
	createResultsDB(t, path, nil)
	touch(t, path, time.Unix(1_700_000_000, 0))

	src := &SQLite{Path: path}
	v1, err := src.Version("u")
	require.NoError(t, err)

	touch(t, path, time.Unix(1_700_000_100, 0))
	v2, err := src.Version("u")
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)
}

func TestJSONFile_Compressed(t *testing.T) {
	doc := []byte(`{"a": {"name": "alpha"}, "b": {"name": "beta"}}`)
	dir := t.TempDir()

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err := gw.Write(doc)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inv.json.gz"), gz.Bytes(), 0o644))

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zdoc := enc.EncodeAll(doc, nil)
	require.NoError(t, enc.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inv.json.zst"), zdoc, 0o644))

	for _, name := range []string{"inv.json.gz", "inv.json.zst"} {
		t.Run(name, func(t *testing.T) {
			inv, err := Open(filepath.Join(dir, name))
			require.NoError(t, err)
			var sink collectSink
			require.NoError(t, inv.Walk("u", &sink))
			assert.Equal(t, []string{"a", "b"}, sink.keys)
			assert.Equal(t, "beta", sink.records[1]["name"])
		})
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "plain.json.gz"), doc, 0o644))
	assert.Error(t, (&JSONFile{Path: filepath.Join(dir, "plain.json.gz")}).Walk("u", &collectSink{}))
}

func TestOpen_ByExtension(t *testing.T) {
	inv, err := Open("x/{user}.json")
	require.NoError(t, err)
	assert.IsType(t, &JSONFile{}, inv)

	inv, err = Open("x/inv.JSON.zst")
	require.NoError(t, err)
	assert.IsType(t, &JSONFile{}, inv)

	inv, err = Open("x/inv.sqlite")
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, inv)

	_, err = Open("x/inv.csv")
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "/data/corp%2Fbob.db", resolvePath("/data/{user}.db", "corp/bob"))
	assert.Equal(t, "/data/fixed.db", resolvePath("/data/fixed.db", "bob"))
}

// End to end: a SQLite inventory feeding a cache, rebuilt when the file changes.
func TestSQLite_FeedsCache(t *testing.T) {
	dir := t.TempDir()
	invPath := filepath.Join(dir, "inv.db")
	createResultsDB(t, invPath, [][2]string{
		{"web-1", `{"name":"web-1","site":"ams","rack":"2"}`},
		{"web-2", `{"name":"web-2","site":"ams","rack":"10"}`},
		{"db-1", `{"name":"db-1","site":"fra"}`},
	})
	touch(t, invPath, time.Unix(1_700_000_000, 0))

	fn, err := grouping.CompilePaths([][]string{{"$.site", "$.rack"}, {"$.site"}})
	require.NoError(t, err)
	trees := grouping.NewRegistry()
	require.NoError(t, trees.Register("by_site", fn))

	opts := cache.Options{
		Root:       filepath.Join(dir, "cache"),
		User:       "alice",
		Inventory:  &SQLite{Path: invPath},
		SearchCols: []string{"name"},
		TreeCols:   []string{"name"},
		Trees:      trees,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	c, err := cache.Open(opts)
	require.NoError(t, err)

	roots, err := c.GetBranch(cache.RootID)
	require.NoError(t, err)
	require.Len(t, roots, 2)
	assert.Equal(t, "ams", roots[0].Name)
	assert.True(t, roots[0].HasChildren)
	assert.Len(t, roots[0].Leaves, 2)
	assert.Equal(t, "fra", roots[1].Name)
	assert.False(t, roots[1].HasChildren)

	racks, err := c.GetBranch(roots[0].ID)
	require.NoError(t, err)
	require.Len(t, racks, 2)
	assert.Equal(t, "2", racks[0].Name)
	assert.Equal(t, "10", racks[1].Name)
	v1 := c.Version()
	require.NoError(t, c.Close())

	db, err := sql.Open("sqlite", invPath)
	require.NoError(t, err)
	_, err = db.Exec("DELETE FROM results WHERE id = 'db-1'")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	touch(t, invPath, time.Unix(1_700_000_500, 0))

	c, err = cache.Open(opts)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	assert.NotEqual(t, v1, c.Version())

	n, err := c.Count("fra")
	require.NoError(t, err)
	assert.Zero(t, n)
	roots, err = c.GetBranch(cache.RootID)
	require.NoError(t, err)
	require.Len(t, roots, 1)
}

func TestSQLite_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.db")
	err := (&SQLite{Path: path}).Walk("u", &collectSink{})
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NoFileExists(t, path)
}
