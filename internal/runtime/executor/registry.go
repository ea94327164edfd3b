package executor

import "sync"

// Registry hands out one Adapter per credentials path, created lazily.
type Registry struct {
	mu       sync.Mutex
	adapters map[string]*Adapter
	retry    RetryPolicy
}

// NewRegistry builds a registry applying the given retry policy to every
// adapter it creates.
func NewRegistry(retry RetryPolicy) *Registry {
	return &Registry{
		adapters: make(map[string]*Adapter),
		retry:    retry,
	}
}

// For returns the singleton adapter for a credentials path.
func (r *Registry) For(credentialsPath string) *Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if adapter, ok := r.adapters[credentialsPath]; ok {
		return adapter
	}
	adapter := NewAdapter(credentialsPath, r.retry)
	r.adapters[credentialsPath] = adapter
	return adapter
}

// All returns the currently instantiated adapters keyed by path.
func (r *Registry) All() map[string]*Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Adapter, len(r.adapters))
	for path, adapter := range r.adapters {
		out[path] = adapter
	}
	return out
}
