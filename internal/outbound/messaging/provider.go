// Package messaging defines the message-bus provider contract and registry.
package messaging

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Provider delivers payloads to a message bus destination.
type Provider interface {
	Name() string
	Publish(ctx context.Context, destination, key string, payload []byte, headers map[string]string) error
	Health(ctx context.Context) error
	Close() error
}

// Registry holds the configured providers by identifier.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its name. Duplicate names are rejected.
func (r *Registry) Register(provider Provider) error {
	if provider == nil {
		return fmt.Errorf("messaging registry: nil provider")
	}
	name := strings.ToLower(strings.TrimSpace(provider.Name()))
	if name == "" {
		return fmt.Errorf("messaging registry: provider name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("messaging registry: duplicate provider %q", name)
	}
	r.providers[name] = provider
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	return provider, ok
}

// Names lists registered provider identifiers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseAll closes every registered provider and aggregates errors.
func (r *Registry) CloseAll() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, provider := range r.providers {
		if err := provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close provider %q: %w", name, err))
		}
	}
	r.providers = make(map[string]Provider)
	return errs
}
