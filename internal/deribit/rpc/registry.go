package rpc

import "sync"

// Registry maps request ids to the call type that produced them. Entries are
// kept for the life of a connection; a new connection gets a new registry.
type Registry struct {
	mu    sync.RWMutex
	calls map[uint64]Method
}

func NewRegistry() *Registry {
	return &Registry{calls: make(map[uint64]Method)}
}

func (r *Registry) Register(id uint64, method Method) {
	r.mu.Lock()
	r.calls[id] = method
	r.mu.Unlock()
}

func (r *Registry) Lookup(id uint64) (Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	method, ok := r.calls[id]
	return method, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}
