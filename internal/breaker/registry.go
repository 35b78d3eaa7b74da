package breaker

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds every named breaker so health reporting and the admin CLI
// can enumerate and reset them.
type Registry struct {
	settings Settings

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry; Get creates breakers lazily with the given
// settings.
func NewRegistry(settings Settings) *Registry {
	return &Registry{
		settings: settings,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the named breaker, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.settings)
	r.breakers[name] = b
	return b
}

// Reset resets the named breaker. Errors if it was never created.
func (r *Registry) Reset(name string) error {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown breaker %q", name)
	}
	b.Reset()
	return nil
}

// Snapshots returns all breaker snapshots sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
