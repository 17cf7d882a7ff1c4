package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInventory = `{
	"web-1": {"name": "web-1", "site": "ams", "os": "debian"},
	"web-2": {"name": "web-2", "site": "ams", "os": "alpine"},
	"db-1":  {"name": "db-1", "site": "fra", "os": "debian"}
}`

const testConfig = `
search_cols = ["name", "os"]
tree_cols   = ["name"]

tree "by_site" {
  paths = [["$.site"]]
}
`

type env struct {
	root, inv, cfg string
}

func setup(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	e := env{
		root: filepath.Join(dir, "cache"),
		inv:  filepath.Join(dir, "{user}.json"),
		cfg:  filepath.Join(dir, "nodecache.hcl"),
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alice.json"), []byte(testInventory), 0o644))
	require.NoError(t, os.WriteFile(e.cfg, []byte(testConfig), 0o644))
	return e
}

func run(t *testing.T, e env, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{
		"--root", e.root, "--user", "alice", "--inventory", e.inv, "--config", e.cfg,
	}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestRefresh(t *testing.T) {
	e := setup(t)
	out, err := run(t, e, "refresh", "--force")
	require.NoError(t, err)

	var res refreshResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "committed", res.State)
	assert.NotEmpty(t, res.Version)
	assert.Equal(t, filepath.Join(e.root, "alice.db"), res.Store)
}

func TestSearchAndNode(t *testing.T) {
	e := setup(t)
	out, err := run(t, e, "search", "debian")
	require.NoError(t, err)

	var hits []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &hits))
	require.Len(t, hits, 2)
	assert.Equal(t, "web-1", hits[0]["name"])
	assert.NotContains(t, hits[0], "site", "projected onto search_cols")

	id := hits[0]["__nodeId"].(float64)
	out, err = run(t, e, "node", jsonNumber(id))
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "ams", rec["site"])

	out, err = run(t, e, "node", "--key", jsonNumber(id))
	require.NoError(t, err)
	assert.Equal(t, "\"web-1\"\n", out)

	out, err = run(t, e, "count", "debian")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)
}

func TestBranch(t *testing.T) {
	e := setup(t)
	out, err := run(t, e, "branch")
	require.NoError(t, err)

	var rows [][]any
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "ams", rows[0][1])
	assert.Equal(t, false, rows[0][2])
	assert.Len(t, rows[0][3], 2)
	assert.Equal(t, "fra", rows[1][1])
}

func TestErrors(t *testing.T) {
	e := setup(t)

	_, err := run(t, e, "node", "nope")
	assert.EqualError(t, err, `invalid id "nope"`)

	_, err = run(t, e, "node", "999")
	assert.Error(t, err)

	_, err = run(t, e, "search", `"unterminated`)
	assert.Error(t, err)

	e.inv = filepath.Join(filepath.Dir(e.inv), "inv.csv")
	_, err = run(t, e, "count", "x")
	assert.Error(t, err)
}

func TestMissingDefaultConfig(t *testing.T) {
	e := setup(t)
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--root", e.root, "--user", "alice", "--inventory", e.inv, "count", "ams"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "2\n", out.String())
}

func jsonNumber(f float64) string {
	b, _ := json.Marshal(int64(f))
	return string(b)
}

func TestEnvDefaults(t *testing.T) {
	e := setup(t)
	t.Setenv("NODECACHE_ROOT", e.root)
	t.Setenv("NODECACHE_USER", "alice")
	t.Setenv("NODECACHE_INVENTORY", e.inv)
	t.Setenv("NODECACHE_CONFIG", e.cfg)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"count", "fra"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "1\n", out.String())
}

func TestMissingInventory(t *testing.T) {
	t.Setenv("NODECACHE_INVENTORY", "")
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--root", t.TempDir(), "--user", "alice", "count", "x"})
	assert.ErrorContains(t, root.Execute(), "--inventory is required")
}
