package resilience

import (
	"sort"
	"sync"
)

// Group lazily creates one breaker per key (origin host) sharing settings,
// so a failing origin does not trip fetches to healthy ones.
type Group struct {
	settings Settings

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewGroup creates an empty breaker group
func NewGroup(settings Settings) *Group {
	return &Group{
		settings: settings,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it on first use
func (g *Group) Get(key string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[key]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok = g.breakers[key]; ok {
		return b
	}
	b = New(key, g.settings)
	g.breakers[key] = b
	return b
}

// Do runs fn through the breaker for key
func (g *Group) Do(key string, fn func() error) error {
	return g.Get(key).Do(fn)
}

// States reports the state of every known breaker, keyed by name
func (g *Group) States() map[string]string {
	g.mu.RLock()
	names := make([]string, 0, len(g.breakers))
	breakers := make([]*Breaker, 0, len(g.breakers))
	for name, b := range g.breakers {
		names = append(names, name)
		breakers = append(breakers, b)
	}
	g.mu.RUnlock()

	out := make(map[string]string, len(names))
	for i, b := range breakers {
		out[names[i]] = b.State().String()
	}
	return out
}

// Open lists the keys whose breakers are currently open, sorted
func (g *Group) Open() []string {
	var open []string
	for name, state := range g.States() {
		if state == StateOpen.String() {
			open = append(open, name)
		}
	}
	sort.Strings(open)
	return open
}

// Len returns the number of breakers in the group
func (g *Group) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.breakers)
}
