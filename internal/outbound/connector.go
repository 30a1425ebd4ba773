package outbound

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aritmos/ibroker/errs"
)

const (
	defaultIdempotencyHeader = "Idempotency-Key"
	defaultConnectorTimeout  = 10 * time.Second
)

// ConnectorConfig describes one REST destination.
type ConnectorConfig struct {
	Name    string `json:"name" yaml:"name"`
	BaseURL string `json:"baseUrl" yaml:"baseUrl"`
	// TimeoutMS bounds a single outbound call; zero uses the default.
	TimeoutMS int `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	// IdempotencyHeader carries the per-call idempotency key; defaults to
	// Idempotency-Key.
	IdempotencyHeader string `json:"idempotencyHeader,omitempty" yaml:"idempotencyHeader,omitempty"`
	// TreatAsSuccess lists non-2xx status codes accepted as delivered.
	// Defaults to 409: the receiver already applied the effect.
	TreatAsSuccess []int `json:"treatAsSuccess,omitempty" yaml:"treatAsSuccess,omitempty"`
	// MaxAttempts bounds outbox redelivery for this connector.
	MaxAttempts int        `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	Auth        AuthConfig `json:"auth" yaml:"auth"`
}

// Validate checks the fields required to route a call.
func (c ConnectorConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errs.New("outbound", errs.CodeInvalidArgument, errs.WithMessage("connector name is required"))
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return errs.New("outbound", errs.CodeInvalidArgument,
			errs.WithMessage("connector base url is required"),
			errs.WithDetail("connector", c.Name),
		)
	}
	return nil
}

// Connector is a runtime profile: static config plus the live authenticator.
type Connector struct {
	cfg  ConnectorConfig
	auth *authenticator
}

// NewConnector builds a connector from its configuration.
func NewConnector(cfg ConnectorConfig) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Connector{cfg: cfg, auth: newAuthenticator(cfg.Auth)}, nil
}

// Name returns the connector identifier.
func (c *Connector) Name() string { return c.cfg.Name }

// BaseURL returns the configured base URL without its trailing slash.
func (c *Connector) BaseURL() string {
	return strings.TrimRight(strings.TrimSpace(c.cfg.BaseURL), "/")
}

// Timeout returns the per-call deadline.
func (c *Connector) Timeout() time.Duration {
	if c.cfg.TimeoutMS > 0 {
		return time.Duration(c.cfg.TimeoutMS) * time.Millisecond
	}
	return defaultConnectorTimeout
}

// IdempotencyHeader returns the header name carrying the idempotency key.
func (c *Connector) IdempotencyHeader() string {
	if header := strings.TrimSpace(c.cfg.IdempotencyHeader); header != "" {
		return header
	}
	return defaultIdempotencyHeader
}

// MaxAttempts returns the configured redelivery bound, or zero to use the
// outbox default.
func (c *Connector) MaxAttempts() int { return c.cfg.MaxAttempts }

// Accepts reports whether status counts as a delivered call: any 2xx, plus
// the configured treat-as-success list (409 when unset).
func (c *Connector) Accepts(status int) bool {
	if status >= 200 && status < 300 {
		return true
	}
	accepted := c.cfg.TreatAsSuccess
	if len(accepted) == 0 {
		accepted = []int{409}
	}
	for _, s := range accepted {
		if s == status {
			return true
		}
	}
	return false
}

// URL joins the base URL and a request path.
func (c *Connector) URL(path string) string {
	if path == "" {
		return c.BaseURL()
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.BaseURL() + "/" + strings.TrimLeft(path, "/")
}

// ConnectorRegistry holds the active connector profiles keyed by name.
// Lookups are case-insensitive.
type ConnectorRegistry struct {
	mu         sync.RWMutex
	connectors map[string]*Connector
}

// NewConnectorRegistry builds a registry from connector configurations.
func NewConnectorRegistry(configs []ConnectorConfig) (*ConnectorRegistry, error) {
	r := &ConnectorRegistry{connectors: make(map[string]*Connector, len(configs))}
	if err := r.Replace(configs); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace swaps the full connector set. Authenticator state (cached tokens)
// for unchanged connectors is discarded; the next send refetches.
func (r *ConnectorRegistry) Replace(configs []ConnectorConfig) error {
	next := make(map[string]*Connector, len(configs))
	for _, cfg := range configs {
		connector, err := NewConnector(cfg)
		if err != nil {
			return err
		}
		key := strings.ToLower(connector.Name())
		if _, exists := next[key]; exists {
			return errs.New("outbound", errs.CodeInvalidArgument,
				errs.WithMessage(fmt.Sprintf("duplicate connector %q", connector.Name())))
		}
		next[key] = connector
	}

	r.mu.Lock()
	r.connectors = next
	r.mu.Unlock()
	return nil
}

// Get resolves a connector by name.
func (r *ConnectorRegistry) Get(name string) (*Connector, error) {
	r.mu.RLock()
	connector, ok := r.connectors[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New("outbound", errs.CodeNotImplemented,
			errs.WithMessage(fmt.Sprintf("connector %q is not configured", name)),
			errs.WithDetail("connector", name),
		)
	}
	return connector, nil
}

// Names lists registered connector names, sorted.
func (r *ConnectorRegistry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.connectors))
	for _, connector := range r.connectors {
		names = append(names, connector.Name())
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
