// Package health runs startup reachability probes against the configured
// messaging providers and REST connectors. Probe failures are logged and
// reported, never fatal: the broker starts degraded rather than refusing to
// boot while an upstream is briefly down.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aritmos/ibroker/internal/outbound"
	"github.com/aritmos/ibroker/internal/outbound/messaging"
	"github.com/aritmos/ibroker/internal/observability"
)

const defaultProbeTimeout = 5 * time.Second

// Check is a single named probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Result reports one executed probe.
type Result struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Error   string        `json:"error,omitempty"`
	Took    time.Duration `json:"took"`
}

// ProviderChecks builds one probe per registered messaging provider.
func ProviderChecks(registry *messaging.Registry) []Check {
	if registry == nil {
		return nil
	}
	names := registry.Names()
	checks := make([]Check, 0, len(names))
	for _, name := range names {
		provider, ok := registry.Get(name)
		if !ok {
			continue
		}
		checks = append(checks, Check{
			Name:  "provider/" + name,
			Probe: provider.Health,
		})
	}
	return checks
}

// ConnectorChecks builds one reachability probe per configured connector. The
// probe issues a HEAD request against the connector base URL; any HTTP
// response, including an error status, proves reachability.
func ConnectorChecks(registry *outbound.ConnectorRegistry, client *http.Client) []Check {
	if registry == nil {
		return nil
	}
	if client == nil {
		client = http.DefaultClient
	}
	names := registry.Names()
	checks := make([]Check, 0, len(names))
	for _, name := range names {
		connector, err := registry.Get(name)
		if err != nil {
			continue
		}
		target := connector.BaseURL()
		checks = append(checks, Check{
			Name: "connector/" + name,
			Probe: func(ctx context.Context) error {
				req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
				if err != nil {
					return fmt.Errorf("build probe request: %w", err)
				}
				resp, err := client.Do(req)
				if err != nil {
					return fmt.Errorf("probe %s: %w", target, err)
				}
				resp.Body.Close()
				return nil
			},
		})
	}
	return checks
}

// Runner executes checks sequentially with a per-probe timeout.
type Runner struct {
	timeout time.Duration
	checks  []Check
}

// NewRunner builds a runner; a non-positive timeout falls back to the default.
func NewRunner(timeout time.Duration, checks ...[]Check) *Runner {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	var all []Check
	for _, group := range checks {
		all = append(all, group...)
	}
	return &Runner{timeout: timeout, checks: all}
}

// Run executes every probe and logs the outcome. The returned results let the
// caller expose or assert on them; failures never abort the run.
func (r *Runner) Run(ctx context.Context) []Result {
	results := make([]Result, 0, len(r.checks))
	for _, check := range r.checks {
		probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
		start := time.Now()
		err := check.Probe(probeCtx)
		cancel()
		took := time.Since(start)

		result := Result{Name: check.Name, Healthy: err == nil, Took: took}
		if err != nil {
			result.Error = err.Error()
			observability.Log().Warn("startup check failed",
				observability.String("check", check.Name),
				observability.Field{Key: "took", Value: took.String()},
				observability.Err(err),
			)
		} else {
			observability.Log().Info("startup check passed",
				observability.String("check", check.Name),
				observability.Field{Key: "took", Value: took.String()},
			)
		}
		results = append(results, result)
	}
	return results
}
