package pipeline

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/aritmos/ibroker/errs"
	"github.com/aritmos/ibroker/internal/app/outbox"
	"github.com/aritmos/ibroker/internal/config"
	"github.com/aritmos/ibroker/internal/domain/dlqstore"
	"github.com/aritmos/ibroker/internal/domain/idemstore"
	"github.com/aritmos/ibroker/internal/domain/outboxstore"
	"github.com/aritmos/ibroker/internal/dryrun"
	"github.com/aritmos/ibroker/internal/envelope"
	"github.com/aritmos/ibroker/internal/flow"
	"github.com/aritmos/ibroker/internal/outbound"
	"github.com/aritmos/ibroker/internal/outbound/messaging"
)

// memIdemStore mirrors the atomic claim semantics of the real store.
type memIdemStore struct {
	mu      sync.Mutex
	records map[string]*idemstore.Record
	failAll bool
}

func newMemIdemStore() *memIdemStore {
	return &memIdemStore{records: make(map[string]*idemstore.Record)}
}

func (s *memIdemStore) Claim(_ context.Context, claim idemstore.Claim) (idemstore.ClaimResult, error) {
	if s.failAll {
		return idemstore.ClaimResult{}, errors.New("connection refused")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	record, ok := s.records[claim.Key]
	if !ok || record.Status == idemstore.StatusFailed ||
		(record.Status == idemstore.StatusInProgress && !record.LockedUntil.After(now)) {
		s.records[claim.Key] = &idemstore.Record{
			Key:           claim.Key,
			Status:        idemstore.StatusInProgress,
			MessageID:     claim.MessageID,
			CorrelationID: claim.CorrelationID,
			FlowID:        claim.FlowID,
			LockedUntil:   now.Add(claim.TTL),
		}
		return idemstore.ClaimResult{Decision: idemstore.DecisionProcess}, nil
	}
	existing := *record
	if record.Status == idemstore.StatusCompleted {
		return idemstore.ClaimResult{Decision: idemstore.DecisionSkipCompleted, Existing: &existing}, nil
	}
	return idemstore.ClaimResult{Decision: idemstore.DecisionLocked, Existing: &existing}, nil
}

func (s *memIdemStore) Complete(_ context.Context, key string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.records[key]
	record.Status = idemstore.StatusCompleted
	record.Result = result
	return nil
}

func (s *memIdemStore) Fail(_ context.Context, key, errorCode, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return nil
	}
	record.Status = idemstore.StatusFailed
	record.ErrorCode = errorCode
	record.ErrorMessage = errorMessage
	return nil
}

func (s *memIdemStore) RecordSkip(_ context.Context, key string, reason idemstore.SkipReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[key]; ok {
		record.LastSkipReason = reason
		record.SkipCount++
	}
	return nil
}

func (s *memIdemStore) Unlock(context.Context, string, string, string) (idemstore.Record, error) {
	return idemstore.Record{}, nil
}

func (s *memIdemStore) Get(_ context.Context, key string) (idemstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[key]; ok {
		return *record, nil
	}
	return idemstore.Record{}, errors.New("not found")
}

func (s *memIdemStore) List(context.Context, idemstore.Query) ([]idemstore.Record, error) {
	return nil, nil
}

func (s *memIdemStore) Counts(context.Context) (map[idemstore.Status]int64, error) {
	return nil, nil
}

// memDlqStore collects parked envelopes.
type memDlqStore struct {
	mu      sync.Mutex
	records map[int64]*dlqstore.Record
	nextID  int64
}

func newMemDlqStore() *memDlqStore {
	return &memDlqStore{records: make(map[int64]*dlqstore.Record)}
}

func (s *memDlqStore) Put(_ context.Context, entry dlqstore.Entry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.records[s.nextID] = &dlqstore.Record{
		ID:             s.nextID,
		Status:         dlqstore.StatusPending,
		Kind:           entry.Kind,
		Type:           entry.Type,
		Source:         entry.Source,
		BranchID:       entry.BranchID,
		MessageID:      entry.MessageID,
		CorrelationID:  entry.CorrelationID,
		IdempotencyKey: entry.IdempotencyKey,
		ErrorCode:      entry.ErrorCode,
		ErrorMessage:   entry.ErrorMessage,
		Headers:        entry.Headers,
		Payload:        entry.Payload,
		Attempts:       entry.Attempts,
		MaxAttempts:    entry.MaxAttempts,
	}
	return s.nextID, nil
}

func (s *memDlqStore) Get(_ context.Context, id int64) (dlqstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[id]; ok {
		return *record, nil
	}
	return dlqstore.Record{}, errors.New("not found")
}

func (s *memDlqStore) List(context.Context, dlqstore.Query) ([]dlqstore.Record, error) {
	return nil, nil
}

func (s *memDlqStore) MarkReplayed(_ context.Context, id int64, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id].Status = dlqstore.StatusReplayed
	s.records[id].ReplayResult = result
	return nil
}

func (s *memDlqStore) RecordFailure(_ context.Context, id int64, errorCode, errorMessage string) (dlqstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.records[id]
	record.Attempts++
	record.ErrorCode = errorCode
	record.ErrorMessage = errorMessage
	if record.Attempts >= record.MaxAttempts {
		record.Status = dlqstore.StatusDead
	}
	return *record, nil
}

func (s *memDlqStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// enqueueCountingMessageStore counts outbox side effects produced by scripts.
type enqueueCountingMessageStore struct {
	mu       sync.Mutex
	enqueued []outboxstore.Message
	nextID   int64
}

func (s *enqueueCountingMessageStore) Enqueue(_ context.Context, msg outboxstore.Message) (outboxstore.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, msg)
	s.nextID++
	return outboxstore.MessageRecord{ID: s.nextID}, nil
}
func (s *enqueueCountingMessageStore) ClaimDue(context.Context, time.Time, int) ([]outboxstore.MessageRecord, error) {
	return nil, nil
}
func (s *enqueueCountingMessageStore) MarkSent(context.Context, int64) error { return nil }
func (s *enqueueCountingMessageStore) MarkFailed(context.Context, int64, string, time.Time) (outboxstore.MessageRecord, error) {
	return outboxstore.MessageRecord{}, nil
}
func (s *enqueueCountingMessageStore) Replay(context.Context, int64, bool) error { return nil }
func (s *enqueueCountingMessageStore) Get(context.Context, int64) (outboxstore.MessageRecord, error) {
	return outboxstore.MessageRecord{}, nil
}
func (s *enqueueCountingMessageStore) List(context.Context, outboxstore.Query) ([]outboxstore.MessageRecord, error) {
	return nil, nil
}

func (s *enqueueCountingMessageStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.enqueued)
}

type nopCallStore struct{}

func (nopCallStore) Enqueue(context.Context, outboxstore.Call) (outboxstore.CallRecord, error) {
	return outboxstore.CallRecord{}, nil
}
func (nopCallStore) ClaimDue(context.Context, time.Time, int) ([]outboxstore.CallRecord, error) {
	return nil, nil
}
func (nopCallStore) MarkSent(context.Context, int64, int) error { return nil }
func (nopCallStore) MarkFailed(context.Context, int64, string, int, time.Time) (outboxstore.CallRecord, error) {
	return outboxstore.CallRecord{}, nil
}
func (nopCallStore) Replay(context.Context, int64, bool) error { return nil }
func (nopCallStore) Get(context.Context, int64) (outboxstore.CallRecord, error) {
	return outboxstore.CallRecord{}, nil
}
func (nopCallStore) List(context.Context, outboxstore.Query) ([]outboxstore.CallRecord, error) {
	return nil, nil
}

const visitFlowBody = `
output.command = "CALL_TICKET";
output.visitId = input.payload.visitId;
output.correlationId = meta.correlationId;
`

func visitFlow() flow.Definition {
	return flow.Definition{
		ID:      "visit-created",
		Kind:    "EVENT",
		Type:    "visit.created",
		Enabled: true,
		Body:    visitFlowBody,
	}
}

type harness struct {
	pipeline *Pipeline
	idem     *memIdemStore
	dlq      *memDlqStore
	messages *enqueueCountingMessageStore
	dryRun   *dryrun.State
}

func newHarness(t *testing.T, mutate func(*config.RuntimeConfig)) *harness {
	t.Helper()
	cfg := config.DefaultRuntimeConfig()
	cfg.Flows = []flow.Definition{visitFlow()}
	if mutate != nil {
		mutate(&cfg)
	}
	store, err := config.NewRuntimeStore(cfg)
	if err != nil {
		t.Fatalf("NewRuntimeStore: %v", err)
	}
	connectors, err := outbound.NewConnectorRegistry(cfg.Connectors)
	if err != nil {
		t.Fatalf("NewConnectorRegistry: %v", err)
	}
	idem := newMemIdemStore()
	dlq := newMemDlqStore()
	messages := new(enqueueCountingMessageStore)
	state := dryrun.NewState(false)
	outboxSvc := outbox.NewService(store, state, messages, nopCallStore{}, messaging.NewRegistry(), outbound.NewSender(connectors))
	return &harness{
		pipeline: New(store, flow.NewEngine(0), idem, dlq, outboxSvc),
		idem:     idem,
		dlq:      dlq,
		messages: messages,
		dryRun:   state,
	}
}

func visitEnvelope() envelope.Envelope {
	return envelope.Envelope{
		Kind:      envelope.KindEvent,
		Type:      "visit.created",
		MessageID: "msg-1",
		Payload:   json.RawMessage(`{"ticketNumber":"A001","visitId":"V-10001"}`),
	}
}

func TestProcessThenSkipCompleted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.pipeline.Process(ctx, visitEnvelope())
	if err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if first.Outcome != OutcomeProcessed || first.IdempotencyKey == "" {
		t.Fatalf("first = %+v", first)
	}
	if first.Output["command"] != "CALL_TICKET" {
		t.Fatalf("output = %v", first.Output)
	}

	second, err := h.pipeline.Process(ctx, visitEnvelope())
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if second.Outcome != OutcomeSkipCompleted {
		t.Fatalf("second outcome = %s", second.Outcome)
	}
	if second.IdempotencyKey != first.IdempotencyKey {
		t.Fatalf("keys differ: %q vs %q", first.IdempotencyKey, second.IdempotencyKey)
	}
	if !reflect.DeepEqual(first.Output, second.Output) {
		t.Fatalf("replayed output differs: %v vs %v", first.Output, second.Output)
	}

	record, err := h.idem.Get(ctx, first.IdempotencyKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.LastSkipReason != idemstore.SkipDuplicate || record.SkipCount != 1 {
		t.Fatalf("skip bookkeeping = %+v", record)
	}
}

func TestProcessLockedIsRetryableNotPoison(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.pipeline.Process(ctx, visitEnvelope())
	if err != nil {
		t.Fatalf("first Process: %v", err)
	}
	// Re-seed the record to IN_PROGRESS to simulate a concurrent holder.
	h.idem.mu.Lock()
	h.idem.records[first.IdempotencyKey].Status = idemstore.StatusInProgress
	h.idem.records[first.IdempotencyKey].LockedUntil = time.Now().UTC().Add(time.Minute)
	h.idem.mu.Unlock()

	dlqBefore, sideEffectsBefore := h.dlq.count(), h.messages.count()
	result, err := h.pipeline.Process(ctx, visitEnvelope())
	if err != nil {
		t.Fatalf("locked Process: %v", err)
	}
	if result.Outcome != OutcomeLocked || result.IdempotencyKey != first.IdempotencyKey {
		t.Fatalf("result = %+v", result)
	}
	if h.dlq.count() != dlqBefore || h.messages.count() != sideEffectsBefore {
		t.Fatal("locked outcome must not produce side effect records")
	}
}

func TestFailureParksSanitizedDlqRecord(t *testing.T) {
	h := newHarness(t, func(cfg *config.RuntimeConfig) {
		cfg.Flows = []flow.Definition{{
			ID:      "exploding",
			Kind:    "EVENT",
			Type:    "visit.created",
			Enabled: true,
			Body:    `throw new Error("boom Bearer SECRET");`,
		}}
	})
	env := visitEnvelope()
	env.Headers = map[string]string{
		"Authorization": "Bearer SECRET",
		"X-Request-Id":  "req-7",
	}

	_, err := h.pipeline.Process(context.Background(), env)
	var stored *StoredInDlq
	if !errors.As(err, &stored) {
		t.Fatalf("expected StoredInDlq, got %v", err)
	}
	if stored.DlqID <= 0 || stored.ErrorCode != string(errs.CodeFlowExecution) {
		t.Fatalf("signal = %+v", stored)
	}

	record, err := h.dlq.Get(context.Background(), stored.DlqID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.Status != dlqstore.StatusPending || record.Type != "visit.created" {
		t.Fatalf("record = %+v", record)
	}
	if record.Headers["Authorization"] != "***" {
		t.Fatalf("Authorization stored as %q", record.Headers["Authorization"])
	}
	if record.Headers["X-Request-Id"] != "req-7" {
		t.Fatalf("X-Request-Id stored as %q", record.Headers["X-Request-Id"])
	}

	idemRecord, err := h.idem.Get(context.Background(), stored.IdempotencyKey)
	if err != nil {
		t.Fatalf("Get idem: %v", err)
	}
	if idemRecord.Status != idemstore.StatusFailed {
		t.Fatalf("idempotency status = %s", idemRecord.Status)
	}
}

func TestFailureWithDlqDisabledPropagates(t *testing.T) {
	h := newHarness(t, func(cfg *config.RuntimeConfig) {
		cfg.Dlq.Enabled = false
		cfg.Flows = []flow.Definition{{
			ID: "exploding", Kind: "EVENT", Type: "visit.created", Enabled: true,
			Body: `throw new Error("boom");`,
		}}
	})

	_, err := h.pipeline.Process(context.Background(), visitEnvelope())
	if errs.CodeOf(err) != errs.CodeFlowExecution {
		t.Fatalf("expected FLOW_EXECUTION_ERROR, got %v", err)
	}
	if h.dlq.count() != 0 {
		t.Fatal("dlq disabled must not park records")
	}
}

func TestNoFlowRejectsOrParksPerConfig(t *testing.T) {
	h := newHarness(t, nil)
	env := visitEnvelope()
	env.Type = "unknown.event"
	_, err := h.pipeline.Process(context.Background(), env)
	if errs.CodeOf(err) != errs.CodeNoFlow {
		t.Fatalf("expected NO_FLOW, got %v", err)
	}
	if h.dlq.count() != 0 {
		t.Fatal("NO_FLOW without routing must not park")
	}

	routed := newHarness(t, func(cfg *config.RuntimeConfig) { cfg.Dlq.RouteNoFlow = true })
	_, err = routed.pipeline.Process(context.Background(), env)
	var stored *StoredInDlq
	if !errors.As(err, &stored) {
		t.Fatalf("expected StoredInDlq, got %v", err)
	}
	if stored.ErrorCode != string(errs.CodeNoFlow) {
		t.Fatalf("code = %s", stored.ErrorCode)
	}
}

func TestReplayEnvelopeNeverDoubleParks(t *testing.T) {
	h := newHarness(t, func(cfg *config.RuntimeConfig) {
		cfg.Flows = []flow.Definition{{
			ID: "exploding", Kind: "EVENT", Type: "visit.created", Enabled: true,
			Body: `throw new Error("still broken");`,
		}}
	})
	env := visitEnvelope()
	env.SourceMeta = map[string]any{"dlqReplayId": int64(42)}

	_, err := h.pipeline.Process(context.Background(), env)
	if errs.CodeOf(err) != errs.CodeFlowExecution {
		t.Fatalf("expected FLOW_EXECUTION_ERROR, got %v", err)
	}
	if h.dlq.count() != 0 {
		t.Fatal("replay failure must not create a second dlq record")
	}
}

func TestClaimStorageErrorIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.idem.failAll = true
	_, err := h.pipeline.Process(context.Background(), visitEnvelope())
	if errs.CodeOf(err) != errs.CodeStorage {
		t.Fatalf("expected STORAGE_UNAVAILABLE, got %v", err)
	}
}

func TestScriptPublishesThroughOutbox(t *testing.T) {
	h := newHarness(t, func(cfg *config.RuntimeConfig) {
		cfg.Flows = []flow.Definition{{
			ID: "forwarder", Kind: "EVENT", Type: "visit.created", Enabled: true,
			Body: `
var r = msg.Publish("", "visit-events", {visitId: input.payload.visitId}, {"Authorization": "Bearer tok"});
output.published = r.success;
output.outboxId = r.result.outboxId;
`,
		}}
	})

	result, err := h.pipeline.Process(context.Background(), visitEnvelope())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Output["published"] != true {
		t.Fatalf("output = %v", result.Output)
	}
	if h.messages.count() != 1 {
		t.Fatalf("enqueued = %d", h.messages.count())
	}
	if h.messages.enqueued[0].Headers["Authorization"] != "***" {
		t.Fatalf("stored Authorization = %q", h.messages.enqueued[0].Headers["Authorization"])
	}
}

func TestDryRunSuppressesScriptSideEffects(t *testing.T) {
	h := newHarness(t, func(cfg *config.RuntimeConfig) {
		cfg.Flows = []flow.Definition{{
			ID: "forwarder", Kind: "EVENT", Type: "visit.created", Enabled: true,
			Body: `
var r = msg.Publish("", "visit-events", {visitId: "V-1"}, null);
output.outboxId = r.result.outboxId;
output.dryRun = r.result.dryRun;
`,
		}}
	})
	h.dryRun.SetOverride(true)

	result, err := h.pipeline.Process(context.Background(), visitEnvelope())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Output["dryRun"] != true {
		t.Fatalf("output = %v", result.Output)
	}
	if n, ok := result.Output["outboxId"].(int64); !ok || n != 0 {
		t.Fatalf("outboxId = %v (%T)", result.Output["outboxId"], result.Output["outboxId"])
	}
	if h.messages.count() != 0 {
		t.Fatal("dry-run must not enqueue")
	}
}

func TestDisabledAndUnmappedAliases(t *testing.T) {
	h := newHarness(t, func(cfg *config.RuntimeConfig) {
		cfg.Capabilities.Disabled = []string{"medical"}
		cfg.Flows = []flow.Definition{{
			ID: "prober", Kind: "EVENT", Type: "visit.created", Enabled: true,
			Body: `
var m = medical.Get("/context/1", null);
var c = crm.Get("/customers/1", null);
output.medicalCode = m.code;
output.crmCode = c.code;
`,
		}}
	})

	result, err := h.pipeline.Process(context.Background(), visitEnvelope())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Output["medicalCode"] != string(errs.CodeDisabled) {
		t.Fatalf("medical code = %v", result.Output["medicalCode"])
	}
	if result.Output["crmCode"] != string(errs.CodeNotImplemented) {
		t.Fatalf("crm code = %v", result.Output["crmCode"])
	}
}

func TestMalformedEnvelopeRejected(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.pipeline.Process(context.Background(), envelope.Envelope{Type: "visit.created"})
	if errs.CodeOf(err) != errs.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}
