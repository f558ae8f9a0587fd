package automations

import (
	"context"
	"fmt"
	"sync"
)

// ConnectionValidator checks that a connection to a service can be used by
// an automation (credentials exist, scopes suffice). Implementations are
// registered per service identifier; adding a validator never touches the
// gateway.
type ConnectionValidator interface {
	ValidateConnection(ctx context.Context, ownerID string) error
}

// ValidatorFunc adapts a function to the ConnectionValidator interface.
type ValidatorFunc func(ctx context.Context, ownerID string) error

func (f ValidatorFunc) ValidateConnection(ctx context.Context, ownerID string) error {
	return f(ctx, ownerID)
}

// ValidatorRegistry maps service identifiers to connection validators.
// Thread-safe.
type ValidatorRegistry struct {
	mu         sync.RWMutex
	validators map[string]ConnectionValidator
}

// NewValidatorRegistry creates an empty registry.
func NewValidatorRegistry() *ValidatorRegistry {
	return &ValidatorRegistry{validators: make(map[string]ConnectionValidator)}
}

// Register adds a validator for a service identifier, replacing any existing
// one.
func (r *ValidatorRegistry) Register(service string, v ConnectionValidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[service] = v
}

// Known reports whether a service has a registered validator.
func (r *ValidatorRegistry) Known(service string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.validators[service]
	return ok
}

// ValidateAll validates every required connection for an owner. Unknown
// services fail immediately so automations cannot be created against
// services the platform does not support.
func (r *ValidatorRegistry) ValidateAll(ctx context.Context, ownerID string, services []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, svc := range services {
		v, ok := r.validators[svc]
		if !ok {
			return fmt.Errorf("unknown service %q", svc)
		}
		if err := v.ValidateConnection(ctx, ownerID); err != nil {
			return fmt.Errorf("connection %s: %w", svc, err)
		}
	}
	return nil
}
