package api

// Config is the declarative description of a node cache.
// It names the columns returned to callers and the grouping trees
// built over every ingested record.
type Config struct {
	// SearchCols are the record fields projected into search results.
	SearchCols []string `hcl:"search_cols,optional" json:"search_cols,omitempty" yaml:"search_cols"`
	// TreeCols are the record fields projected into branch leaf rows.
	TreeCols []string `hcl:"tree_cols,optional" json:"tree_cols,omitempty" yaml:"tree_cols"`
	// UpdateInterval is the minimum time between upstream version checks,
	// written as a Go duration ("90s", "1h"). Empty or "0" checks on every open.
	UpdateInterval string `hcl:"update_interval,optional" json:"update_interval,omitempty" yaml:"update_interval"`
	// Trees are the named grouping functions.
	Trees []Tree `hcl:"tree,block" json:"trees,omitempty" yaml:"trees"`
}

// Tree is one named grouping function.
// Each path is an ordered list of JSONPath expressions, one per tree level.
type Tree struct {
	Name  string     `hcl:"name,label" json:"name" yaml:"name"`
	Paths [][]string `hcl:"paths" json:"paths" yaml:"paths"`
}
