package circuitbreaker

import (
	"sort"
	"sync"
)

// Registry hands out one breaker per dependency name so that every caller of
// the same dependency trips the same breaker.
type Registry struct {
	defaults Config

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry uses defaults as the template for every breaker it creates.
// The Name field of defaults is ignored.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		defaults: defaults,
		breakers: make(map[string]*CircuitBreaker),
	}
}

func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cfg := r.defaults
	cfg.Name = name
	cb := New(cfg)
	r.breakers[name] = cb
	return cb
}

// Stats returns a snapshot of every breaker, ordered by name.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	stats := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
