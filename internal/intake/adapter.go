// Package intake polls external integrations and feeds new resources into
// the state store as intake events. Each integration type has an adapter;
// the worker fans polls out across enabled integrations with a bounded
// degree of parallelism and backs off when adapters fail.
package intake

import (
	"context"
	"sort"

	"github.com/fluxhq/flux/internal/store"
)

// Adapter polls one integration type. Poll must respect ctx cancellation:
// the worker wraps every call in the configured per-poll deadline.
type Adapter interface {
	Type() string
	Poll(ctx context.Context, integration store.Integration) error
}

// AdapterRegistry maps integration types to adapters.
type AdapterRegistry struct {
	adapters map[string]Adapter
}

func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{adapters: make(map[string]Adapter)}
}

func (r *AdapterRegistry) Register(a Adapter) {
	r.adapters[a.Type()] = a
}

// Lookup returns the adapter for an integration type, or nil.
func (r *AdapterRegistry) Lookup(integrationType string) Adapter {
	return r.adapters[integrationType]
}

// Types returns the registered integration types, sorted.
func (r *AdapterRegistry) Types() []string {
	types := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
