// Package flow holds orchestration unit definitions, selection, and execution.
package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Definition describes one scripted orchestration unit.
type Definition struct {
	ID      string `json:"id" yaml:"id"`
	Kind    string `json:"kind" yaml:"kind"`
	Type    string `json:"type" yaml:"type"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	// Library is shared script source evaluated ahead of Body.
	Library   string `json:"library,omitempty" yaml:"library,omitempty"`
	Body      string `json:"body" yaml:"body"`
	TimeoutMS int    `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	// Selector is reserved for future structured matching; populated values
	// are carried but not evaluated.
	Selector map[string]string `json:"selector,omitempty" yaml:"selector,omitempty"`
}

// Validate checks the definition is runnable.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("flow definition: id required")
	}
	if strings.TrimSpace(d.Kind) == "" {
		return fmt.Errorf("flow definition %q: kind required", d.ID)
	}
	if strings.TrimSpace(d.Type) == "" {
		return fmt.Errorf("flow definition %q: type required", d.ID)
	}
	if strings.TrimSpace(d.Body) == "" {
		return fmt.Errorf("flow definition %q: body required", d.ID)
	}
	return nil
}

// Clone returns a deep copy of the definition.
func (d Definition) Clone() Definition {
	out := d
	if d.Selector != nil {
		out.Selector = make(map[string]string, len(d.Selector))
		for k, v := range d.Selector {
			out.Selector[k] = v
		}
	}
	return out
}

// CompilationKey derives the compile-cache key for the definition. The key is
// stable across configuration reloads as long as id, library, and body are
// unchanged.
func (d Definition) CompilationKey() string {
	sum := sha256.Sum256([]byte(d.ID + "|" + d.Library + "|" + d.Body))
	return hex.EncodeToString(sum[:])
}
