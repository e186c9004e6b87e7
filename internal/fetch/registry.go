package fetch

import "sync"

// Registry tracks the cache keys with a network fetch in progress. One
// Registry is shared by every Coordinator serving the same cache root.
type Registry struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{inflight: make(map[string]struct{})}
}

// TryAcquire registers key. It reports false when key is already
// registered. The returned release func unregisters key and may be called
// more than once.
func (r *Registry) TryAcquire(key string) (release func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.inflight[key]; busy {
		return func() {}, false
	}
	r.inflight[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.inflight, key)
			r.mu.Unlock()
		})
	}, true
}

// InFlight reports whether key is registered.
func (r *Registry) InFlight(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[key]
	return ok
}

// Len returns the number of registered keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}
