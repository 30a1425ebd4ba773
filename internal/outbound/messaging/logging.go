package messaging

import (
	"context"

	"github.com/aritmos/ibroker/internal/observability"
)

// LoggingProvider writes publications to the structured log instead of a
// real bus. It is the safe default provider for environments without broker
// infrastructure.
type LoggingProvider struct {
	name string
}

// NewLoggingProvider constructs a logging provider. An empty name defaults
// to "logging".
func NewLoggingProvider(name string) *LoggingProvider {
	if name == "" {
		name = "logging"
	}
	return &LoggingProvider{name: name}
}

// Name returns the provider identifier.
func (p *LoggingProvider) Name() string { return p.name }

// Publish logs the publication and reports success.
func (p *LoggingProvider) Publish(_ context.Context, destination, key string, payload []byte, headers map[string]string) error {
	observability.Log().Info("bus publish",
		observability.String("provider", p.name),
		observability.String("destination", destination),
		observability.String("key", key),
		observability.Field{Key: "payload_bytes", Value: len(payload)},
		observability.Field{Key: "header_count", Value: len(headers)},
	)
	return nil
}

// Health always reports healthy.
func (p *LoggingProvider) Health(context.Context) error { return nil }

// Close is a no-op.
func (p *LoggingProvider) Close() error { return nil }

var _ Provider = (*LoggingProvider)(nil)
