// Package config holds the runtime (admin-mutable) configuration of the
// broker: flow definitions, idempotency policy, DLQ policy, outbox delivery
// modes, connector profiles, and capability wiring. The active configuration
// is read as an immutable snapshot per pipeline invocation; admin updates
// swap the snapshot and never touch an in-flight envelope.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aritmos/ibroker/internal/flow"
	"github.com/aritmos/ibroker/internal/outbound"
)

// DeliveryMode selects how an outbox variant handles a send request.
type DeliveryMode string

const (
	// ModeAlways enqueues every send for the background dispatcher.
	ModeAlways DeliveryMode = "ALWAYS"
	// ModeOnFailure attempts direct delivery first and enqueues only when
	// the direct attempt fails.
	ModeOnFailure DeliveryMode = "ON_FAILURE"
)

// Idempotency key strategies.
const (
	StrategyAuto          = "AUTO"
	StrategyMessageID     = "MESSAGE_ID"
	StrategyCorrelationID = "CORRELATION_ID"
	StrategyPayloadHash   = "PAYLOAD_HASH"
)

// IdempotencyConfig controls key derivation and claim TTLs.
type IdempotencyConfig struct {
	Strategy   string `json:"strategy" yaml:"strategy"`
	TTLSeconds int    `json:"ttlSeconds" yaml:"ttlSeconds"`
}

// DlqConfig controls dead-letter behaviour.
type DlqConfig struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	SanitizeHeaders bool `json:"sanitizeHeaders" yaml:"sanitizeHeaders"`
	MaxAttempts     int  `json:"maxAttempts" yaml:"maxAttempts"`
	// RouteNoFlow parks unmatched envelopes instead of rejecting them.
	RouteNoFlow bool `json:"routeNoFlow" yaml:"routeNoFlow"`
}

// MessagingConfig controls the bus outbox.
type MessagingConfig struct {
	Mode            DeliveryMode `json:"mode" yaml:"mode"`
	DefaultProvider string       `json:"defaultProvider" yaml:"defaultProvider"`
	MaxAttempts     int          `json:"maxAttempts" yaml:"maxAttempts"`
	// DryRun is the configured default for the process-wide dry-run switch.
	DryRun bool `json:"dryRun" yaml:"dryRun"`
}

// RestConfig controls the REST outbox.
type RestConfig struct {
	Mode        DeliveryMode `json:"mode" yaml:"mode"`
	MaxAttempts int          `json:"maxAttempts" yaml:"maxAttempts"`
}

// CapabilityConfig wires script-visible aliases to connector profiles.
type CapabilityConfig struct {
	// Aliases maps a capability alias (crm, identity, medical, appointment,
	// visit, branch) to the connector serving it. An absent alias yields a
	// NOT_IMPLEMENTED facade.
	Aliases map[string]string `json:"aliases" yaml:"aliases"`
	// Disabled lists aliases switched off by feature flag; their facades
	// answer DISABLED.
	Disabled []string `json:"disabled" yaml:"disabled"`
}

// HeaderConfig names the correlation and idempotency headers.
type HeaderConfig struct {
	CorrelationID string `json:"correlationId" yaml:"correlationId"`
	RequestID     string `json:"requestId" yaml:"requestId"`
	// Idempotency lists accepted inbound idempotency-key header names in
	// priority order.
	Idempotency []string `json:"idempotency" yaml:"idempotency"`
}

// RuntimeConfig captures the admin-mutable configuration snapshot.
type RuntimeConfig struct {
	Flows        []flow.Definition          `json:"flows" yaml:"flows"`
	Idempotency  IdempotencyConfig          `json:"idempotency" yaml:"idempotency"`
	Dlq          DlqConfig                  `json:"dlq" yaml:"dlq"`
	Messaging    MessagingConfig            `json:"messaging" yaml:"messaging"`
	Rest         RestConfig                 `json:"rest" yaml:"rest"`
	Connectors   []outbound.ConnectorConfig `json:"connectors" yaml:"connectors"`
	Capabilities CapabilityConfig           `json:"capabilities" yaml:"capabilities"`
	Headers      HeaderConfig               `json:"headers" yaml:"headers"`
}

// DefaultRuntimeConfig returns the configuration used when no overrides are
// supplied.
func DefaultRuntimeConfig() RuntimeConfig {
	cfg := RuntimeConfig{
		Idempotency: IdempotencyConfig{Strategy: StrategyAuto, TTLSeconds: 300},
		Dlq:         DlqConfig{Enabled: true, SanitizeHeaders: true, MaxAttempts: 10},
		Messaging:   MessagingConfig{Mode: ModeAlways, DefaultProvider: "logging", MaxAttempts: 10},
		Rest:        RestConfig{Mode: ModeAlways, MaxAttempts: 10},
		Headers: HeaderConfig{
			CorrelationID: "X-Correlation-Id",
			RequestID:     "X-Request-Id",
			Idempotency:   []string{"Idempotency-Key", "X-Idempotency-Key"},
		},
	}
	cfg.Normalise()
	return cfg
}

// Clone returns a deep copy of the configuration.
func (c RuntimeConfig) Clone() RuntimeConfig {
	cloned := c
	if len(c.Flows) > 0 {
		cloned.Flows = make([]flow.Definition, len(c.Flows))
		for i, def := range c.Flows {
			cloned.Flows[i] = def.Clone()
		}
	}
	if len(c.Connectors) > 0 {
		cloned.Connectors = append([]outbound.ConnectorConfig(nil), c.Connectors...)
		for i, connector := range c.Connectors {
			if len(connector.TreatAsSuccess) > 0 {
				cloned.Connectors[i].TreatAsSuccess = append([]int(nil), connector.TreatAsSuccess...)
			}
			if len(connector.Auth.Scopes) > 0 {
				cloned.Connectors[i].Auth.Scopes = append([]string(nil), connector.Auth.Scopes...)
			}
		}
	}
	if len(c.Capabilities.Aliases) > 0 {
		aliases := make(map[string]string, len(c.Capabilities.Aliases))
		for k, v := range c.Capabilities.Aliases {
			aliases[k] = v
		}
		cloned.Capabilities.Aliases = aliases
	}
	if len(c.Capabilities.Disabled) > 0 {
		cloned.Capabilities.Disabled = append([]string(nil), c.Capabilities.Disabled...)
	}
	if len(c.Headers.Idempotency) > 0 {
		cloned.Headers.Idempotency = append([]string(nil), c.Headers.Idempotency...)
	}
	return cloned
}

// Normalise adjusts fields with derived defaults and trims whitespace.
func (c *RuntimeConfig) Normalise() {
	if c == nil {
		return
	}
	c.Idempotency.Strategy = strings.ToUpper(strings.TrimSpace(c.Idempotency.Strategy))
	if c.Idempotency.Strategy == "" {
		c.Idempotency.Strategy = StrategyAuto
	}
	if c.Idempotency.TTLSeconds <= 0 {
		c.Idempotency.TTLSeconds = 300
	}

	if c.Dlq.MaxAttempts <= 0 {
		c.Dlq.MaxAttempts = 10
	}

	c.Messaging.Mode = normaliseMode(c.Messaging.Mode)
	c.Messaging.DefaultProvider = strings.TrimSpace(c.Messaging.DefaultProvider)
	if c.Messaging.DefaultProvider == "" {
		c.Messaging.DefaultProvider = "logging"
	}
	if c.Messaging.MaxAttempts <= 0 {
		c.Messaging.MaxAttempts = 10
	}

	c.Rest.Mode = normaliseMode(c.Rest.Mode)
	if c.Rest.MaxAttempts <= 0 {
		c.Rest.MaxAttempts = 10
	}

	c.Headers.CorrelationID = strings.TrimSpace(c.Headers.CorrelationID)
	if c.Headers.CorrelationID == "" {
		c.Headers.CorrelationID = "X-Correlation-Id"
	}
	c.Headers.RequestID = strings.TrimSpace(c.Headers.RequestID)
	if c.Headers.RequestID == "" {
		c.Headers.RequestID = "X-Request-Id"
	}
	if len(c.Headers.Idempotency) == 0 {
		c.Headers.Idempotency = []string{"Idempotency-Key", "X-Idempotency-Key"}
	}
}

func normaliseMode(mode DeliveryMode) DeliveryMode {
	switch DeliveryMode(strings.ToUpper(strings.TrimSpace(string(mode)))) {
	case ModeOnFailure:
		return ModeOnFailure
	default:
		return ModeAlways
	}
}

// Validate performs semantic validation on the configuration.
func (c RuntimeConfig) Validate() error {
	switch c.Idempotency.Strategy {
	case StrategyAuto, StrategyMessageID, StrategyCorrelationID, StrategyPayloadHash:
	default:
		return fmt.Errorf("idempotency.strategy %q is not recognised", c.Idempotency.Strategy)
	}
	if c.Idempotency.TTLSeconds <= 0 {
		return fmt.Errorf("idempotency.ttlSeconds must be > 0")
	}
	if c.Dlq.MaxAttempts <= 0 {
		return fmt.Errorf("dlq.maxAttempts must be > 0")
	}
	if c.Messaging.MaxAttempts <= 0 {
		return fmt.Errorf("messaging.maxAttempts must be > 0")
	}
	if c.Rest.MaxAttempts <= 0 {
		return fmt.Errorf("rest.maxAttempts must be > 0")
	}

	seenFlows := make(map[string]struct{}, len(c.Flows))
	for _, def := range c.Flows {
		if err := def.Validate(); err != nil {
			return fmt.Errorf("flow %q: %w", def.ID, err)
		}
		if _, dup := seenFlows[def.ID]; dup {
			return fmt.Errorf("flow %q defined twice", def.ID)
		}
		seenFlows[def.ID] = struct{}{}
	}

	seenConnectors := make(map[string]struct{}, len(c.Connectors))
	for _, connector := range c.Connectors {
		if err := connector.Validate(); err != nil {
			return err
		}
		key := strings.ToLower(strings.TrimSpace(connector.Name))
		if _, dup := seenConnectors[key]; dup {
			return fmt.Errorf("connector %q defined twice", connector.Name)
		}
		seenConnectors[key] = struct{}{}
	}

	for alias, connector := range c.Capabilities.Aliases {
		key := strings.ToLower(strings.TrimSpace(connector))
		if key == "" {
			return fmt.Errorf("capability alias %q has no connector", alias)
		}
		if _, ok := seenConnectors[key]; !ok {
			return fmt.Errorf("capability alias %q references unknown connector %q", alias, connector)
		}
	}
	return nil
}

// IdempotencyTTL returns the claim TTL as a duration.
func (c RuntimeConfig) IdempotencyTTL() time.Duration {
	return time.Duration(c.Idempotency.TTLSeconds) * time.Second
}

// AliasConnector resolves the connector for a capability alias, or "".
func (c RuntimeConfig) AliasConnector(alias string) string {
	return strings.TrimSpace(c.Capabilities.Aliases[alias])
}

// AliasDisabled reports whether a capability alias is feature-flagged off.
func (c RuntimeConfig) AliasDisabled(alias string) bool {
	for _, disabled := range c.Capabilities.Disabled {
		if strings.EqualFold(strings.TrimSpace(disabled), alias) {
			return true
		}
	}
	return false
}

// RuntimeStore provides concurrency-safe snapshot access to the runtime
// configuration.
type RuntimeStore struct {
	mu  sync.RWMutex
	cfg RuntimeConfig
}

// NewRuntimeStore validates and installs the initial configuration.
func NewRuntimeStore(initial RuntimeConfig) (*RuntimeStore, error) {
	cfg := initial.Clone()
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeStore{cfg: cfg}, nil
}

// Snapshot returns a copy of the current configuration.
func (s *RuntimeStore) Snapshot() RuntimeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Replace swaps the configuration after validation and returns the installed
// copy. In-flight invocations keep the snapshot they started with.
func (s *RuntimeStore) Replace(cfg RuntimeConfig) (RuntimeConfig, error) {
	updated := cfg.Clone()
	updated.Normalise()
	if err := updated.Validate(); err != nil {
		return RuntimeConfig{}, err
	}

	s.mu.Lock()
	s.cfg = updated
	s.mu.Unlock()

	return updated.Clone(), nil
}
