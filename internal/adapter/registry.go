package adapter

import (
	"fmt"
	"sync"

	harvesterrors "github.com/commerce-harvester/internal/errors"
	"github.com/commerce-harvester/internal/types"
)

// Registry holds the providers known to a process. It is built once at
// startup and passed to the scheduler, worker and admin surface.
type Registry struct {
	mu        sync.RWMutex
	providers map[types.ProviderType]Provider
	order     []types.ProviderType
}

// NewRegistry creates a registry, registering the given providers in order
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[types.ProviderType]Provider)}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a provider. Registering the same type twice is an error.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	t := p.Type()
	if !t.IsValid() {
		return fmt.Errorf("invalid provider type %q", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[t]; exists {
		return fmt.Errorf("provider %s already registered", t)
	}
	r.providers[t] = p
	r.order = append(r.order, t)
	return nil
}

// Get returns the provider for a type
func (r *Registry) Get(t types.ProviderType) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", harvesterrors.ErrUnknownProvider, t)
	}
	return p, nil
}

// Types returns the registered types in registration order
func (r *Registry) Types() []types.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ProviderType, len(r.order))
	copy(out, r.order)
	return out
}

// Health returns the health of every provider that tracks it, in registration order
func (r *Registry) Health() []*HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*HealthStatus
	for _, t := range r.order {
		if hr, ok := r.providers[t].(HealthReporter); ok {
			out = append(out, hr.Health())
		}
	}
	return out
}
