package breaker

import "sync"

// Registry is a process-wide by-name collection of breakers. Breakers are
// created on first use; configuration is applied only at creation.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Get returns the named breaker, creating it with DefaultConfig if absent.
func (r *Registry) Get(name string) *Breaker {
	return r.GetWith(name, DefaultConfig())
}

// GetWith returns the named breaker, creating it with cfg if absent. An
// existing breaker keeps its original configuration.
func (r *Registry) GetWith(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, cfg)
	r.breakers[name] = b
	return b
}

// Remove detaches the named breaker, closing its event channels.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		b.close()
		delete(r.breakers, name)
	}
}

// Names returns the names of all registered breakers.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// Close shuts down every breaker in the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, b := range r.breakers {
		b.close()
		delete(r.breakers, name)
	}
}
