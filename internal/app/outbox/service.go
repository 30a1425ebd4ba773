// Package outbox decides how outbound side effects leave the broker: direct
// delivery, durable enqueue for the background dispatcher, or dry-run
// suppression.
package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/aritmos/ibroker/errs"
	"github.com/aritmos/ibroker/internal/capability"
	"github.com/aritmos/ibroker/internal/config"
	"github.com/aritmos/ibroker/internal/domain/outboxstore"
	"github.com/aritmos/ibroker/internal/dryrun"
	"github.com/aritmos/ibroker/internal/envelope"
	"github.com/aritmos/ibroker/internal/observability"
	"github.com/aritmos/ibroker/internal/outbound"
	"github.com/aritmos/ibroker/internal/outbound/messaging"
	"github.com/aritmos/ibroker/internal/sanitize"
)

// Service routes publish and call requests per the configured delivery mode.
// Headers are sanitized before any persistence; live auth headers are added
// by the sender at delivery time and never pass through this layer.
type Service struct {
	cfg       *config.RuntimeStore
	dryRun    *dryrun.State
	messages  outboxstore.MessageStore
	calls     outboxstore.CallStore
	providers *messaging.Registry
	sender    *outbound.Sender
}

var (
	_ capability.Publisher = (*Service)(nil)
	_ capability.Caller    = (*Service)(nil)
)

// NewService wires the outbox service.
func NewService(
	cfg *config.RuntimeStore,
	dryRun *dryrun.State,
	messages outboxstore.MessageStore,
	calls outboxstore.CallStore,
	providers *messaging.Registry,
	sender *outbound.Sender,
) *Service {
	return &Service{
		cfg:       cfg,
		dryRun:    dryRun,
		messages:  messages,
		calls:     calls,
		providers: providers,
		sender:    sender,
	}
}

// Publish handles a bus publication. Dry-run returns the sentinel id without
// touching any provider; ON_FAILURE tries direct delivery first and falls
// back to a durable record.
func (s *Service) Publish(ctx context.Context, req capability.PublishRequest) (capability.PublishResult, error) {
	snapshot := s.cfg.Snapshot()
	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		provider = snapshot.Messaging.DefaultProvider
	}
	if strings.TrimSpace(req.Destination) == "" {
		return capability.PublishResult{}, errs.New("outbox", errs.CodeInvalidArgument,
			errs.WithMessage("publish destination is required"))
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return capability.PublishResult{}, errs.New("outbox", errs.CodeInvalidArgument,
			errs.WithMessage("publish payload is not serializable"),
			errs.WithCause(err),
		)
	}

	corr := envelope.CorrelationFrom(ctx)
	headers := sanitize.Headers(mergeHeaders(req.Headers, corr.AsHeaders(snapshot.Headers.CorrelationID, snapshot.Headers.RequestID)))

	// The switch is read once per operation so concurrent admin toggles
	// cannot split one publish across both paths.
	if s.dryRun.Enabled() {
		observability.Log().Info("publish suppressed by dry-run",
			observability.String("provider", provider),
			observability.String("destination", req.Destination),
		)
		return capability.PublishResult{OutboxID: outboxstore.NoRecordID, DryRun: true}, nil
	}

	if snapshot.Messaging.Mode == config.ModeOnFailure {
		if err := s.publishDirect(ctx, provider, req.Destination, req.Key, payload, headers); err == nil {
			return capability.PublishResult{OutboxID: outboxstore.NoRecordID}, nil
		} else {
			observability.Log().Warn("direct publish failed, enqueueing",
				observability.String("provider", provider),
				observability.String("destination", req.Destination),
				observability.Err(err),
			)
		}
	}

	record, err := s.messages.Enqueue(ctx, outboxstore.Message{
		Provider:      provider,
		Destination:   req.Destination,
		Key:           req.Key,
		Payload:       payload,
		Headers:       headers,
		CorrelationID: corr.CorrelationID,
		MaxAttempts:   snapshot.Messaging.MaxAttempts,
		AvailableAt:   time.Now().UTC(),
	})
	if err != nil {
		return capability.PublishResult{}, errs.New("outbox", errs.CodeStorage,
			errs.WithMessage("enqueue bus publication"),
			errs.WithCause(err),
		)
	}
	observability.Telemetry().IncCounter(observability.MetricOutboxEnqueued, 1, map[string]string{
		"variant": "messaging", "provider": provider,
	})
	return capability.PublishResult{OutboxID: record.ID}, nil
}

func (s *Service) publishDirect(ctx context.Context, providerName, destination, key string, payload []byte, headers map[string]string) error {
	if s.providers == nil {
		return fmt.Errorf("outbox: no provider registry")
	}
	provider, ok := s.providers.Get(providerName)
	if !ok {
		return errs.New("outbox", errs.CodeNotImplemented,
			errs.WithMessage(fmt.Sprintf("provider %q is not registered", providerName)))
	}
	return provider.Publish(ctx, destination, key, payload, headers)
}

// Call handles an outbound REST call through the connector layer.
func (s *Service) Call(ctx context.Context, req capability.CallRequest) (capability.CallResult, error) {
	snapshot := s.cfg.Snapshot()
	if strings.TrimSpace(req.Connector) == "" {
		return capability.CallResult{}, errs.New("outbox", errs.CodeInvalidArgument,
			errs.WithMessage("call connector is required"))
	}

	var body []byte
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return capability.CallResult{}, errs.New("outbox", errs.CodeInvalidArgument,
				errs.WithMessage("call body is not serializable"),
				errs.WithCause(err),
			)
		}
		body = encoded
	}

	corr := envelope.CorrelationFrom(ctx)
	headers := sanitize.Headers(mergeHeaders(req.Headers, corr.AsHeaders(snapshot.Headers.CorrelationID, snapshot.Headers.RequestID)))
	idemKey := callIdempotencyKey(corr, req)

	if s.dryRun.Enabled() {
		observability.Log().Info("call suppressed by dry-run",
			observability.String("connector", req.Connector),
			observability.String("path", req.Path),
		)
		return capability.CallResult{OutboxID: outboxstore.NoRecordID, DryRun: true}, nil
	}

	if snapshot.Rest.Mode == config.ModeOnFailure {
		// Direct path: the sender merges live auth headers at send time.
		resp, err := s.sender.Send(ctx, outbound.Request{
			Connector:      req.Connector,
			Method:         req.Method,
			URL:            req.Path,
			Body:           body,
			Headers:        rawMergedHeaders(req.Headers, corr, snapshot),
			IdempotencyKey: idemKey,
		})
		if err == nil {
			return capability.CallResult{
				StatusCode: resp.StatusCode,
				Body:       resp.Body,
				OutboxID:   outboxstore.NoRecordID,
			}, nil
		}
		observability.Log().Warn("direct call failed, enqueueing",
			observability.String("connector", req.Connector),
			observability.String("path", req.Path),
			observability.Err(err),
		)
	}

	record, err := s.calls.Enqueue(ctx, outboxstore.Call{
		Connector:      req.Connector,
		Method:         req.Method,
		URL:            req.Path,
		Body:           body,
		Headers:        headers,
		IdempotencyKey: idemKey,
		CorrelationID:  corr.CorrelationID,
		MaxAttempts:    snapshot.Rest.MaxAttempts,
		AvailableAt:    time.Now().UTC(),
	})
	if err != nil {
		return capability.CallResult{}, errs.New("outbox", errs.CodeStorage,
			errs.WithMessage("enqueue rest call"),
			errs.WithCause(err),
		)
	}
	observability.Telemetry().IncCounter(observability.MetricOutboxEnqueued, 1, map[string]string{
		"variant": "rest", "connector": req.Connector,
	})
	return capability.CallResult{OutboxID: record.ID}, nil
}

// callIdempotencyKey picks the outbound idempotency key: an explicit header
// wins, otherwise the request id scoped by method and path.
func callIdempotencyKey(corr envelope.CorrelationContext, req capability.CallRequest) string {
	for name, value := range req.Headers {
		if strings.EqualFold(name, "Idempotency-Key") && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	if corr.RequestID == "" {
		return ""
	}
	return corr.RequestID + ":" + strings.ToUpper(req.Method) + ":" + req.Path
}

func mergeHeaders(base, extra map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// rawMergedHeaders builds the direct-send header set: caller headers plus
// correlation, unsanitized since nothing here is persisted.
func rawMergedHeaders(base map[string]string, corr envelope.CorrelationContext, snapshot config.RuntimeConfig) map[string]string {
	return mergeHeaders(base, corr.AsHeaders(snapshot.Headers.CorrelationID, snapshot.Headers.RequestID))
}
