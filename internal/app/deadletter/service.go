// Package deadletter handles operator access to parked envelopes and their
// replay through the processing pipeline.
package deadletter

import (
	"context"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/aritmos/ibroker/errs"
	"github.com/aritmos/ibroker/internal/app/pipeline"
	"github.com/aritmos/ibroker/internal/domain/dlqstore"
	"github.com/aritmos/ibroker/internal/envelope"
	"github.com/aritmos/ibroker/internal/observability"
	"github.com/aritmos/ibroker/internal/sanitize"
)

// Processor re-processes an envelope. Implemented by the pipeline.
type Processor interface {
	Process(ctx context.Context, env envelope.Envelope) (pipeline.Result, error)
}

// Service exposes the dead-letter operations.
type Service struct {
	store     dlqstore.Store
	processor Processor
}

// NewService wires the dead-letter service.
func NewService(store dlqstore.Store, processor Processor) *Service {
	return &Service{store: store, processor: processor}
}

// Get returns one record with decoded headers.
func (s *Service) Get(ctx context.Context, id int64) (dlqstore.Record, error) {
	return s.store.Get(ctx, id)
}

// List returns records matching the query.
func (s *Service) List(ctx context.Context, query dlqstore.Query) ([]dlqstore.Record, error) {
	return s.store.List(ctx, query)
}

// Replay re-processes a parked envelope. Success marks the record REPLAYED
// and retains the replay output; failure increments the attempt counter and
// flips the record DEAD once attempts reach maxAttempts. The rebuilt envelope
// carries a dlqReplayId marker so a failing replay never parks a second
// record.
func (s *Service) Replay(ctx context.Context, id int64) (pipeline.Result, error) {
	record, err := s.store.Get(ctx, id)
	if err != nil {
		return pipeline.Result{}, err
	}
	switch record.Status {
	case dlqstore.StatusReplayed:
		return pipeline.Result{}, errs.New("deadletter", errs.CodeConflict,
			errs.WithMessage("record already replayed"),
			errs.WithHTTP(409),
			errs.WithDetail("dlqId", strconv.FormatInt(id, 10)),
		)
	case dlqstore.StatusDead:
		return pipeline.Result{}, errs.New("deadletter", errs.CodeConflict,
			errs.WithMessage("record exhausted its replay attempts"),
			errs.WithHTTP(409),
			errs.WithDetail("dlqId", strconv.FormatInt(id, 10)),
		)
	}

	result, err := s.processor.Process(ctx, replayEnvelope(record))
	if err != nil {
		code := string(errs.CodeOf(err))
		if code == "" {
			code = string(errs.CodeFlowExecution)
		}
		updated, recordErr := s.store.RecordFailure(ctx, id, code, sanitize.Short(err.Error(), 1000))
		if recordErr != nil {
			observability.Log().Error("record replay failure",
				observability.String("dlqId", strconv.FormatInt(id, 10)),
				observability.Err(recordErr),
			)
			return pipeline.Result{}, err
		}
		if updated.Status == dlqstore.StatusDead {
			observability.Log().Warn("dlq record exhausted replay attempts",
				observability.String("dlqId", strconv.FormatInt(id, 10)),
				observability.String("type", updated.Type),
			)
		}
		return pipeline.Result{}, err
	}

	// A locked key means another invocation is in flight; leave the record
	// PENDING so the operator can retry.
	if result.Outcome == pipeline.OutcomeLocked {
		return result, nil
	}

	stored, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		stored = nil
	}
	if err := s.store.MarkReplayed(ctx, id, stored); err != nil {
		return result, errs.New("deadletter", errs.CodeStorage,
			errs.WithMessage("mark record replayed"),
			errs.WithCause(err),
		)
	}
	observability.Telemetry().IncCounter(observability.MetricDlqReplayed, 1, map[string]string{
		"type": record.Type,
	})
	return result, nil
}

// replayEnvelope rebuilds the inbound envelope from the stored snapshot.
// Headers are the sanitized stored set; the original credentials are gone by
// design and replays run without them.
func replayEnvelope(record dlqstore.Record) envelope.Envelope {
	return envelope.Envelope{
		Kind:          envelope.ParseKind(record.Kind),
		Type:          record.Type,
		Payload:       record.Payload,
		Headers:       record.Headers,
		MessageID:     record.MessageID,
		CorrelationID: record.CorrelationID,
		BranchID:      record.BranchID,
		SourceMeta: map[string]any{
			"dlqReplayId": record.ID,
			"source":      record.Source,
			"attempts":    record.Attempts,
		},
	}
}
