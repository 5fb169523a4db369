package resource

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// OwnershipResolver resolves the owner of a single resource type. Implementations
// are registered per resource-type tag instead of switching on strings inside the
// access-control gate.
//
//go:generate mockery --name=OwnershipResolver --dir=. --output=./mocks --filename=ownership_resolver_mock.go --case=underscore --with-expecter
type OwnershipResolver interface {
	ResourceType() string
	Owner(ctx context.Context, resourceID string) (uuid.UUID, error)
}

// ResolverRegistry is a lookup table of ownership resolvers keyed by resource type.
type ResolverRegistry struct {
	mu        sync.RWMutex
	resolvers map[string]OwnershipResolver
}

func NewResolverRegistry() *ResolverRegistry {
	return &ResolverRegistry{
		resolvers: make(map[string]OwnershipResolver),
	}
}

func (r *ResolverRegistry) Register(resolver OwnershipResolver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	resourceType := resolver.ResourceType()
	if _, exists := r.resolvers[resourceType]; exists {
		return fmt.Errorf("ownership resolver for %s already registered", resourceType)
	}
	r.resolvers[resourceType] = resolver
	return nil
}

func (r *ResolverRegistry) Owner(ctx context.Context, resourceType, resourceID string) (uuid.UUID, error) {
	r.mu.RLock()
	resolver, exists := r.resolvers[resourceType]
	r.mu.RUnlock()
	if !exists {
		return uuid.Nil, fmt.Errorf("no ownership resolver for resource type %s", resourceType)
	}
	return resolver.Owner(ctx, resourceID)
}
