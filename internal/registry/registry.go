package registry

import "sync"

// Maps live connection identities to the display name given at join.
// Names are not validated and need not be unique.
type Registry struct {
	names map[string]string
	mu    sync.RWMutex
}

func New() *Registry {
	return &Registry{names: make(map[string]string)}
}

// Records the display name for a connection, replacing any earlier one
func (r *Registry) Put(connectionID, displayName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[connectionID] = displayName
}

func (r *Registry) Get(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[connectionID]
	return name, ok
}

func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.names, connectionID)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}
