// Package pipeline ties idempotency, flow execution, the dead-letter queue,
// and the outbox layer into the single process contract used by every
// inbound channel.
package pipeline

import (
	"context"
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/aritmos/ibroker/errs"
	"github.com/aritmos/ibroker/internal/app/idempotency"
	"github.com/aritmos/ibroker/internal/app/outbox"
	"github.com/aritmos/ibroker/internal/capability"
	"github.com/aritmos/ibroker/internal/config"
	"github.com/aritmos/ibroker/internal/domain/dlqstore"
	"github.com/aritmos/ibroker/internal/domain/idemstore"
	"github.com/aritmos/ibroker/internal/envelope"
	"github.com/aritmos/ibroker/internal/flow"
	"github.com/aritmos/ibroker/internal/observability"
	"github.com/aritmos/ibroker/internal/sanitize"
)

// Outcome classifies a successful pipeline pass.
type Outcome string

const (
	// OutcomeProcessed means the flow executed and its result was stored.
	OutcomeProcessed Outcome = "PROCESSED"
	// OutcomeSkipCompleted means a completed result already existed; it is
	// returned verbatim.
	OutcomeSkipCompleted Outcome = "SKIP_COMPLETED"
	// OutcomeLocked means another invocation holds the key. Retryable, not
	// a failure.
	OutcomeLocked Outcome = "LOCKED"
)

// Result is the outcome of one processed envelope.
type Result struct {
	Outcome        Outcome        `json:"outcome"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Output         map[string]any `json:"output,omitempty"`
}

// StoredInDlq signals that a failed envelope was parked for operator replay.
type StoredInDlq struct {
	DlqID          int64  `json:"dlqId"`
	ErrorCode      string `json:"errorCode"`
	SafeMessage    string `json:"safeMessage"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (e *StoredInDlq) Error() string {
	return fmt.Sprintf("stored in dlq: id=%d code=%s key=%s", e.DlqID, e.ErrorCode, e.IdempotencyKey)
}

// Pipeline is the top-level envelope processor.
type Pipeline struct {
	cfg    *config.RuntimeStore
	engine *flow.Engine
	idem   idemstore.Store
	dlq    dlqstore.Store
	outbox *outbox.Service
}

// New wires the pipeline.
func New(cfg *config.RuntimeStore, engine *flow.Engine, idem idemstore.Store, dlq dlqstore.Store, outboxSvc *outbox.Service) *Pipeline {
	return &Pipeline{cfg: cfg, engine: engine, idem: idem, dlq: dlq, outbox: outboxSvc}
}

// Process runs one envelope end to end. The configuration is read once as an
// immutable snapshot; admin updates never affect an in-flight envelope.
func (p *Pipeline) Process(ctx context.Context, env envelope.Envelope) (Result, error) {
	if err := env.Validate(); err != nil {
		return Result{}, err
	}
	snapshot := p.cfg.Snapshot()

	corr := envelope.CorrelationFromEnvelope(env, snapshot.Headers.CorrelationID, snapshot.Headers.RequestID)
	ctx = envelope.WithCorrelation(ctx, corr)

	def, err := flow.NewRegistry(snapshot.Flows).Match(string(env.Kind), env.Type)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeNoFlow && snapshot.Dlq.Enabled && snapshot.Dlq.RouteNoFlow && !env.IsDlqReplay() {
			return Result{}, p.park(ctx, snapshot, env, corr, "", "", err)
		}
		return Result{}, err
	}

	key, err := idempotency.Derive(snapshot.Idempotency.Strategy, env, corr, snapshot.Headers.Idempotency)
	if err != nil {
		return Result{}, err
	}

	claim, err := p.idem.Claim(ctx, idemstore.Claim{
		Key:           key,
		TTL:           snapshot.IdempotencyTTL(),
		MessageID:     env.MessageID,
		CorrelationID: corr.CorrelationID,
		FlowID:        def.ID,
		Source:        env.SourceMetaString("source"),
	})
	if err != nil {
		// Never assume PROCESS on a storage error.
		return Result{}, errs.New("pipeline", errs.CodeStorage,
			errs.WithMessage("idempotency claim failed"),
			errs.WithCause(err),
		)
	}

	switch claim.Decision {
	case idemstore.DecisionLocked:
		p.recordSkip(ctx, key, idemstore.SkipLocked)
		observability.Telemetry().IncCounter(observability.MetricEnvelopesSkipped, 1, map[string]string{
			"reason": "locked", "flow": def.ID,
		})
		return Result{Outcome: OutcomeLocked, IdempotencyKey: key}, nil
	case idemstore.DecisionSkipCompleted:
		p.recordSkip(ctx, key, idemstore.SkipDuplicate)
		observability.Telemetry().IncCounter(observability.MetricEnvelopesSkipped, 1, map[string]string{
			"reason": "duplicate", "flow": def.ID,
		})
		return Result{
			Outcome:        OutcomeSkipCompleted,
			IdempotencyKey: key,
			Output:         decodeStoredResult(claim.Existing),
		}, nil
	}

	output, err := p.engine.Execute(ctx, def, flow.Invocation{
		Input:    scriptInput(env),
		Meta:     scriptMeta(env, corr, def, key),
		Bindings: p.bindings(ctx, snapshot),
	})
	if err != nil {
		return Result{}, p.handleFailure(ctx, snapshot, env, corr, def, key, err)
	}

	stored, marshalErr := json.Marshal(output)
	if marshalErr != nil {
		return Result{}, p.handleFailure(ctx, snapshot, env, corr, def, key,
			errs.New("pipeline", errs.CodeFlowExecution,
				errs.WithMessage("flow output is not serializable"),
				errs.WithCause(marshalErr),
				errs.WithDetail("flow", def.ID),
			))
	}
	if err := p.idem.Complete(ctx, key, stored); err != nil {
		return Result{}, errs.New("pipeline", errs.CodeStorage,
			errs.WithMessage("store completion result"),
			errs.WithCause(err),
		)
	}
	observability.Telemetry().IncCounter(observability.MetricEnvelopesProcessed, 1, map[string]string{
		"flow": def.ID,
	})
	return Result{Outcome: OutcomeProcessed, IdempotencyKey: key, Output: output}, nil
}

// handleFailure marks the key FAILED and, when the DLQ is enabled and this is
// not already a replay, parks the envelope and returns the StoredInDlq signal.
func (p *Pipeline) handleFailure(ctx context.Context, snapshot config.RuntimeConfig, env envelope.Envelope, corr envelope.CorrelationContext, def flow.Definition, key string, cause error) error {
	code := string(errs.CodeOf(cause))
	if code == "" {
		code = string(errs.CodeFlowExecution)
	}
	safeMessage := sanitize.Short(cause.Error(), 1000)

	if err := p.idem.Fail(ctx, key, code, safeMessage); err != nil {
		observability.Log().Error("mark idempotency record failed",
			observability.String("key", key),
			observability.Err(err),
		)
	}
	observability.Telemetry().IncCounter(observability.MetricEnvelopesFailed, 1, map[string]string{
		"flow": def.ID, "code": code,
	})

	if !snapshot.Dlq.Enabled || env.IsDlqReplay() {
		return cause
	}
	return p.park(ctx, snapshot, env, corr, def.ID, key, cause)
}

// park writes the sanitized DLQ record and returns the StoredInDlq signal, or
// the original cause when even the park fails.
func (p *Pipeline) park(ctx context.Context, snapshot config.RuntimeConfig, env envelope.Envelope, corr envelope.CorrelationContext, flowID, key string, cause error) error {
	code := string(errs.CodeOf(cause))
	if code == "" {
		code = string(errs.CodeFlowExecution)
	}
	safeMessage := sanitize.Short(cause.Error(), 1000)

	headers := env.Headers
	if snapshot.Dlq.SanitizeHeaders {
		headers = sanitize.Headers(headers)
	}
	dlqID, err := p.dlq.Put(ctx, dlqstore.Entry{
		Kind:           string(env.Kind),
		Type:           env.Type,
		Source:         env.SourceMetaString("source"),
		BranchID:       env.BranchID,
		MessageID:      env.MessageID,
		CorrelationID:  corr.CorrelationID,
		IdempotencyKey: key,
		ErrorCode:      code,
		ErrorMessage:   safeMessage,
		Headers:        headers,
		Payload:        env.Payload,
		Attempts:       upstreamAttempts(env),
		MaxAttempts:    snapshot.Dlq.MaxAttempts,
	})
	if err != nil {
		observability.Log().Error("store dlq record", observability.Err(err))
		return cause
	}
	observability.Telemetry().IncCounter(observability.MetricDlqStored, 1, map[string]string{
		"type": env.Type, "code": code,
	})
	return &StoredInDlq{
		DlqID:          dlqID,
		ErrorCode:      code,
		SafeMessage:    safeMessage,
		IdempotencyKey: key,
	}
}

func (p *Pipeline) recordSkip(ctx context.Context, key string, reason idemstore.SkipReason) {
	if err := p.idem.RecordSkip(ctx, key, reason); err != nil {
		observability.Log().Warn("record skip",
			observability.String("key", key),
			observability.Err(err),
		)
	}
}

// bindings builds the script-visible capability aliases for one invocation.
func (p *Pipeline) bindings(ctx context.Context, snapshot config.RuntimeConfig) map[string]any {
	bus := capability.NewBusFacade(ctx, p.outbox)
	out := map[string]any{
		"msg":  bus,
		"bus":  bus,
		"rest": capability.NewRestFacade(ctx, p.outbox, snapshot.AliasConnector("rest")),
	}
	for _, alias := range []string{"crm", "identity", "medical", "appointment", "visit", "branch"} {
		if snapshot.AliasDisabled(alias) {
			out[alias] = capability.NewDisabledFacade(alias)
			continue
		}
		connector := snapshot.AliasConnector(alias)
		if connector == "" {
			out[alias] = capability.NewNotImplementedFacade(alias)
			continue
		}
		if alias == "visit" {
			out[alias] = capability.NewVisitFacade(ctx, p.outbox, connector)
			continue
		}
		out[alias] = capability.NewDomainFacade(ctx, p.outbox, alias, connector)
	}
	return out
}

func scriptInput(env envelope.Envelope) map[string]any {
	var payload any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			payload = string(env.Payload)
		}
	}
	return map[string]any{
		"kind":       string(env.Kind),
		"type":       env.Type,
		"payload":    payload,
		"headers":    env.Headers,
		"messageId":  env.MessageID,
		"branchId":   env.BranchID,
		"userId":     env.UserID,
		"sourceMeta": env.SourceMeta,
	}
}

func scriptMeta(env envelope.Envelope, corr envelope.CorrelationContext, def flow.Definition, key string) map[string]any {
	return map[string]any{
		"correlationId":  corr.CorrelationID,
		"requestId":      corr.RequestID,
		"flowId":         def.ID,
		"idempotencyKey": key,
		"messageId":      env.MessageID,
		"branchId":       env.BranchID,
	}
}

func decodeStoredResult(record *idemstore.Record) map[string]any {
	if record == nil || len(record.Result) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(record.Result, &out); err != nil {
		return nil
	}
	return out
}

// upstreamAttempts reads the attempt count a channel consumed before the
// pipeline (e.g. a poller that failed N times before handing over).
func upstreamAttempts(env envelope.Envelope) int {
	v, ok := env.SourceMeta["attempts"]
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
