package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"

	"github.com/agentic-research/nodecache/api"
	"github.com/agentic-research/nodecache/internal/cache"
	"github.com/agentic-research/nodecache/internal/inventory"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const defaultConfigName = "nodecache.hcl"

type rootFlags struct {
	root      string
	user      string
	config    string
	inventory string
	verbose   bool
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "nodecache",
		Short:         "Per-user searchable cache over an upstream inventory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.root, "root", os.Getenv("NODECACHE_ROOT"), "Storage root (default ~/.agentic-research/nodecache)")
	root.PersistentFlags().StringVarP(&f.user, "user", "u", os.Getenv("NODECACHE_USER"), "User identity (default current user)")
	root.PersistentFlags().StringVarP(&f.config, "config", "c", os.Getenv("NODECACHE_CONFIG"), "Path to HCL, JSON or YAML config (default <root>/"+defaultConfigName+")")
	root.PersistentFlags().StringVarP(&f.inventory, "inventory", "i", os.Getenv("NODECACHE_INVENTORY"), "Inventory path (.json, .json.gz, .json.zst or .db), may contain {user}")
	root.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "Log debug output to stderr")

	root.AddCommand(
		newRefreshCmd(f),
		newSearchCmd(f),
		newCountCmd(f),
		newBranchCmd(f),
		newNodeCmd(f),
	)
	return root
}

// Execute runs the root command. Flag defaults come from NODECACHE_*
// variables, which a .env file in the working directory may set.
func Execute() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "nodecache: .env file not loaded:", err)
	}
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// options resolves flags and the config file into cache options.
func (f *rootFlags) options(cmd *cobra.Command) (cache.Options, error) {
	var opts cache.Options

	root := f.root
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return opts, fmt.Errorf("failed to get home dir: %w", err)
		}
		root = filepath.Join(home, ".agentic-research", "nodecache")
	}

	name := f.user
	if name == "" {
		u, err := user.Current()
		if err != nil {
			return opts, fmt.Errorf("resolve user: %w", err)
		}
		name = u.Username
	}

	if f.inventory == "" {
		return opts, fmt.Errorf("%w: --inventory is required", cache.ErrConfig)
	}
	inv, err := inventory.Open(f.inventory)
	if err != nil {
		return opts, fmt.Errorf("%w: %w", cache.ErrConfig, err)
	}

	cfgPath := f.config
	if cfgPath == "" {
		cfgPath = filepath.Join(root, defaultConfigName)
	}
	cfg, err := api.LoadConfig(cfgPath)
	switch {
	case err == nil:
	case f.config == "" && errors.Is(err, fs.ErrNotExist):
		cfg = nil // no default config, plain search cache
	default:
		return opts, err
	}
	if err := opts.ApplyConfig(cfg); err != nil {
		return opts, err
	}

	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	opts.Root = root
	opts.User = name
	opts.Inventory = inv
	opts.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return opts, nil
}

// open opens the user's cache. When the staleness check fails but a
// version is already committed, read commands get the stale cache and a
// warning on stderr.
func (f *rootFlags) open(cmd *cobra.Command, allowStale bool) (*cache.Cache, error) {
	opts, err := f.options(cmd)
	if err != nil {
		return nil, err
	}
	c, err := cache.Open(opts)
	if err == nil {
		return c, nil
	}
	if c == nil {
		return nil, err
	}
	if allowStale && c.State() == cache.StateCommitted {
		opts.Logger.Warn("serving stale cache", "version", c.Version(), "err", err)
		return c, nil
	}
	_ = c.Close()
	return nil, err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
