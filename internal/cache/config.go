package cache

import (
	"fmt"

	"github.com/agentic-research/nodecache/api"
	"github.com/agentic-research/nodecache/internal/grouping"
)

// ApplyConfig fills the column, interval and tree options from cfg.
// Grouping expressions are compiled here, so a bad expression fails
// before any store is opened.
func (o *Options) ApplyConfig(cfg *api.Config) error {
	if cfg == nil {
		return nil
	}
	interval, err := cfg.Interval()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	trees, err := grouping.Compile(cfg.Trees)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	o.SearchCols = cfg.SearchCols
	o.TreeCols = cfg.TreeCols
	o.UpdateInterval = interval
	o.Trees = trees
	return nil
}
