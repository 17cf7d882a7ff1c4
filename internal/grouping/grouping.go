// Package grouping turns records into tree paths.
//
// A grouping function maps one record to zero or more path-tuples; each
// tuple is the ordered list of branch names from the root down to the
// branch the record is attached under. Functions are either registered
// from Go or compiled from JSONPath expressions when the configuration is
// loaded, so expression errors surface at startup.
package grouping

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/agentic-research/nodecache/api"
	"github.com/ohler55/ojg/jp"
)

// ErrConfig marks an unusable grouping definition.
var ErrConfig = errors.New("invalid grouping")

// Func maps a record to its path-tuples. An empty string segment marks a
// missing attribute; the tree builder drops such tuples.
type Func func(record map[string]any) [][]string

type entry struct {
	name string
	fn   Func
}

// Registry is an ordered set of named grouping functions.
type Registry struct {
	entries []entry
	byName  map[string]int
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Register adds fn under name.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("%w: empty tree name", ErrConfig)
	}
	if fn == nil {
		return fmt.Errorf("%w: tree %q has no function", ErrConfig, name)
	}
	if _, dup := r.byName[name]; dup {
		return fmt.Errorf("%w: duplicate tree %q", ErrConfig, name)
	}
	r.byName[name] = len(r.entries)
	r.entries = append(r.entries, entry{name: name, fn: fn})
	return nil
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

// Len reports the number of registered functions.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// Paths applies every function to record and concatenates the tuples.
func (r *Registry) Paths(record map[string]any) [][]string {
	if r == nil {
		return nil
	}
	var out [][]string
	for _, e := range r.entries {
		out = append(out, e.fn(record)...)
	}
	return out
}

// Compile builds a registry from configured trees.
func Compile(trees []api.Tree) (*Registry, error) {
	r := NewRegistry()
	for _, t := range trees {
		fn, err := CompilePaths(t.Paths)
		if err != nil {
			return nil, fmt.Errorf("tree %q: %w", t.Name, err)
		}
		if err := r.Register(t.Name, fn); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// CompilePaths compiles a list of paths, each a list of JSONPath
// expressions, into one Func. An expression matching several values fans
// the path out into one tuple per combination.
func CompilePaths(paths [][]string) (Func, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no paths", ErrConfig)
	}
	compiled := make([][]jp.Expr, len(paths))
	for i, p := range paths {
		if len(p) == 0 {
			return nil, fmt.Errorf("%w: path %d is empty", ErrConfig, i)
		}
		compiled[i] = make([]jp.Expr, len(p))
		for j, src := range p {
			x, err := jp.ParseString(src)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid jsonpath '%s': %v", ErrConfig, src, err)
			}
			compiled[i][j] = x
		}
	}

	return func(record map[string]any) [][]string {
		var out [][]string
		for _, exprs := range compiled {
			out = append(out, expand(record, exprs)...)
		}
		return out
	}, nil
}

// expand evaluates one path. A segment with no matches still yields a
// tuple, with an empty segment, so the builder can count the skip.
func expand(record map[string]any, exprs []jp.Expr) [][]string {
	tuples := [][]string{{}}
	for _, x := range exprs {
		values := segmentValues(x.Get(record))
		next := make([][]string, 0, len(tuples)*len(values))
		for _, t := range tuples {
			for _, v := range values {
				tuple := make([]string, len(t), len(t)+1)
				copy(tuple, t)
				next = append(next, append(tuple, v))
			}
		}
		tuples = next
	}
	return tuples
}

func segmentValues(matches []any) []string {
	if len(matches) == 0 {
		return []string{""}
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = Segment(m)
	}
	return out
}

// Segment renders a matched value as a branch name. Falsy values (nil,
// "", false, zero, empty arrays and objects) render as "".
func Segment(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return ""
	case float64:
		if t == 0 {
			return ""
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		if t == 0 {
			return ""
		}
		return strconv.FormatInt(t, 10)
	case int:
		if t == 0 {
			return ""
		}
		return strconv.Itoa(t)
	case []any:
		if len(t) == 0 {
			return ""
		}
		return fmt.Sprint(t)
	case map[string]any:
		if len(t) == 0 {
			return ""
		}
		return fmt.Sprint(t)
	default:
		return fmt.Sprint(t)
	}
}
