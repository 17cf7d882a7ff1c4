package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/agentic-research/nodecache/internal/cache"
	"github.com/spf13/cobra"
)

type refreshResult struct {
	Store      string    `json:"store"`
	State      string    `json:"state"`
	Version    string    `json:"version"`
	LastUpdate time.Time `json:"last_update"`
}

func newRefreshCmd(f *rootFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Check the inventory version and rebuild the cache if it moved",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.open(cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if force {
				if err := c.Refresh(true); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), refreshResult{
				Store:      c.Path(),
				State:      c.State().String(),
				Version:    c.Version(),
				LastUpdate: c.LastUpdate().UTC(),
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Ignore the update interval")
	return cmd
}

func newSearchCmd(f *rootFlags) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "search <expr>",
		Short: "Full-text search over cached records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.open(cmd, true)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			out, err := c.Search(args[0], limit, offset)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum results (default 100)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Results to skip")
	return cmd
}

func newCountCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "count <expr>",
		Short: "Count records matching a full-text expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.open(cmd, true)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			n, err := c.Count(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), n)
		},
	}
}

func newBranchCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "branch [parentID]",
		Short: "List the children of a tree branch (top level by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cache.RootID
			if len(args) == 1 {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				parent = id
			}
			c, err := f.open(cmd, true)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			out, err := c.GetBranch(parent)
			if err != nil {
				return err
			}
			if out == nil {
				out = []cache.Branch{}
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newNodeCmd(f *rootFlags) *cobra.Command {
	var key bool
	cmd := &cobra.Command{
		Use:   "node <id>",
		Short: "Print the full record stored under a stable id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := f.open(cmd, true)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if key {
				k, err := c.Key(id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), k)
			}
			rec, err := c.GetNode(id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().BoolVarP(&key, "key", "k", false, "Print the raw inventory key instead of the record")
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
