package flow

import (
	"fmt"
	"strings"
	"sync"

	"github.com/aritmos/ibroker/errs"
)

// Registry selects orchestration units for inbound envelopes. Definitions
// keep their configuration order; the first match wins.
type Registry struct {
	mu   sync.RWMutex
	defs []Definition
}

// NewRegistry constructs a registry over the provided definitions.
func NewRegistry(defs []Definition) *Registry {
	registry := new(Registry)
	registry.Replace(defs)
	return registry
}

// Replace swaps the definition list in configuration order.
func (r *Registry) Replace(defs []Definition) {
	next := make([]Definition, 0, len(defs))
	for _, def := range defs {
		next = append(next, def.Clone())
	}
	r.mu.Lock()
	r.defs = next
	r.mu.Unlock()
}

// Definitions returns a copy of the current definition list.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def.Clone())
	}
	return out
}

// Match returns the first enabled definition whose kind matches
// case-insensitively and whose type matches exactly.
func (r *Registry) Match(kind, envelopeType string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, def := range r.defs {
		if !def.Enabled {
			continue
		}
		if !strings.EqualFold(def.Kind, kind) {
			continue
		}
		if def.Type != envelopeType {
			continue
		}
		return def.Clone(), nil
	}
	return Definition{}, errs.New("flow", errs.CodeNoFlow,
		errs.WithMessage(fmt.Sprintf("no flow matches kind=%s type=%s", kind, envelopeType)),
		errs.WithHTTP(422),
		errs.WithDetail("kind", kind),
		errs.WithDetail("type", envelopeType),
	)
}
