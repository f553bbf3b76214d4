package mux

import "sync"

// registry maps resources to controller paths and back.
type registry[R ~string] struct {
	mu         sync.RWMutex
	byResource map[R]string
	byPath     map[string]R
}

func newRegistry[R ~string]() *registry[R] {
	return &registry[R]{
		byResource: make(map[R]string),
		byPath:     make(map[string]R),
	}
}

func (r *registry[R]) record(resource R, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byResource[resource]; ok && old != path {
		delete(r.byPath, old)
	}
	r.byResource[resource] = path
	r.byPath[path] = resource
}

func (r *registry[R]) forget(resource R) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if path, ok := r.byResource[resource]; ok {
		delete(r.byResource, resource)
		if r.byPath[path] == resource {
			delete(r.byPath, path)
		}
	}
}

func (r *registry[R]) resource(path string) (R, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.byPath[path]
	return res, ok
}

func (r *registry[R]) path(resource R) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byResource[resource]
	return p, ok
}

func (r *registry[R]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byResource)
}
