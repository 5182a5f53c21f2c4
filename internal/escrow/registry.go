package escrow

import (
	"context"
	"sync"

	"github.com/alfredjeanlab/dealroom/internal/model"
)

// Registry holds one workflow per item so that concurrent opens of the same
// payment surface share state.
type Registry struct {
	opts Options

	mu        sync.Mutex
	workflows map[string]*Workflow
}

// NewRegistry creates a registry whose workflows share opts.
func NewRegistry(opts Options) *Registry {
	opts.defaults()
	return &Registry{opts: opts, workflows: make(map[string]*Workflow)}
}

// Open returns the workflow for target's item, opening it if idle. A second
// Open for the same item returns the in-flight workflow unchanged.
func (r *Registry) Open(ctx context.Context, target Target) (*Workflow, error) {
	if target.Item.ID == "" {
		return nil, model.NewValidationError("item_id", "is required")
	}
	r.mu.Lock()
	w, ok := r.workflows[target.Item.ID]
	if !ok {
		w = New(r.opts)
		r.workflows[target.Item.ID] = w
	}
	r.mu.Unlock()

	if err := w.Open(ctx, target); err != nil {
		return nil, err
	}
	return w, nil
}

// Get returns the workflow for itemID, if one was opened.
func (r *Registry) Get(itemID string) (*Workflow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workflows[itemID]
	return w, ok
}

// Observe routes a notification to every open workflow.
func (r *Registry) Observe(n model.Notification) {
	r.mu.Lock()
	ws := make([]*Workflow, 0, len(r.workflows))
	for _, w := range r.workflows {
		ws = append(ws, w)
	}
	r.mu.Unlock()
	for _, w := range ws {
		w.Observe(n)
	}
}

// Forget drops the workflow for itemID.
func (r *Registry) Forget(itemID string) {
	r.mu.Lock()
	delete(r.workflows, itemID)
	r.mu.Unlock()
}
