package rewriter

import (
	"net/url"
	"slices"
)

// Priority orders preload hints; lower values are emitted first
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Preload is a <link rel=preload> candidate discovered while rewriting
type Preload struct {
	Href     string
	As       string
	Priority Priority
}

// Context is the per-response state of one HTML rewrite
type Context struct {
	// Target is the page URL
	Target *url.URL
	// Base is the URL relative references resolve against; it differs from
	// Target when the page carries <base href>
	Base *url.URL

	processed map[string]struct{}
	preloads  []Preload
}

// NewContext creates the state for rewriting the page at target
func NewContext(target *url.URL) *Context {
	return &Context{
		Target:    target,
		Base:      target,
		processed: make(map[string]struct{}),
	}
}

// markProcessed records a localized filename and reports whether it is new
func (c *Context) markProcessed(key string) bool {
	if _, seen := c.processed[key]; seen {
		return false
	}
	c.processed[key] = struct{}{}
	return true
}

func (c *Context) addPreload(p Preload) {
	c.preloads = append(c.preloads, p)
}

// Preloads returns the discovered candidates ordered by priority, keeping
// discovery order within a priority
func (c *Context) Preloads() []Preload {
	out := slices.Clone(c.preloads)
	slices.SortStableFunc(out, func(a, b Preload) int {
		return int(a.Priority) - int(b.Priority)
	})
	return out
}
