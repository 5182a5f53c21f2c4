package delivery

import "sync"

// Registry keeps one Gate per room.
type Registry struct {
	opts Options

	mu    sync.Mutex
	gates map[string]*Gate
}

// NewRegistry creates a registry whose gates share opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts, gates: make(map[string]*Gate)}
}

// Get returns the gate for roomID, creating it on first use.
func (r *Registry) Get(roomID string) *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[roomID]
	if !ok {
		g = NewGate(roomID, r.opts)
		r.gates[roomID] = g
	}
	return g
}

// Forget drops the gate for roomID.
func (r *Registry) Forget(roomID string) {
	r.mu.Lock()
	delete(r.gates, roomID)
	r.mu.Unlock()
}
