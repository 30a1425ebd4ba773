// Package dryrun holds the process-wide outbound dry-run toggle.
//
// Dry-run suppresses every real outbound delivery while the rest of the
// pipeline runs normally; both outbox variants return the sentinel id 0
// without invoking any sender. The override is runtime-settable (admin API)
// on top of a configured default, and is read once per outbox operation so
// concurrent callers observe a consistent value.
package dryrun

import "sync/atomic"

// State is the injectable dry-run switch.
type State struct {
	configuredDefault bool
	override          atomic.Pointer[bool]
}

// NewState creates a State with the configured default and no override.
func NewState(configuredDefault bool) *State {
	return &State{configuredDefault: configuredDefault}
}

// Enabled reports the effective dry-run value: the runtime override when set,
// otherwise the configured default.
func (s *State) Enabled() bool {
	if s == nil {
		return false
	}
	if v := s.override.Load(); v != nil {
		return *v
	}
	return s.configuredDefault
}

// ConfiguredDefault returns the boot-time default.
func (s *State) ConfiguredDefault() bool {
	if s == nil {
		return false
	}
	return s.configuredDefault
}

// Override returns the current override value, or nil when unset.
func (s *State) Override() *bool {
	if s == nil {
		return nil
	}
	return s.override.Load()
}

// SetOverride installs a runtime override.
func (s *State) SetOverride(enabled bool) {
	if s == nil {
		return
	}
	v := enabled
	s.override.Store(&v)
}

// ResetOverride clears the runtime override, returning to the configured default.
func (s *State) ResetOverride() {
	if s == nil {
		return
	}
	s.override.Store(nil)
}
