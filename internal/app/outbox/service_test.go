package outbox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aritmos/ibroker/errs"
	"github.com/aritmos/ibroker/internal/capability"
	"github.com/aritmos/ibroker/internal/config"
	"github.com/aritmos/ibroker/internal/domain/outboxstore"
	"github.com/aritmos/ibroker/internal/dryrun"
	"github.com/aritmos/ibroker/internal/envelope"
	"github.com/aritmos/ibroker/internal/outbound"
	"github.com/aritmos/ibroker/internal/outbound/messaging"
)

type fakeMessageStore struct {
	enqueued []outboxstore.Message
	nextID   int64
}

func (f *fakeMessageStore) Enqueue(_ context.Context, msg outboxstore.Message) (outboxstore.MessageRecord, error) {
	f.enqueued = append(f.enqueued, msg)
	f.nextID++
	return outboxstore.MessageRecord{ID: f.nextID, Status: outboxstore.StatusPending}, nil
}

func (f *fakeMessageStore) ClaimDue(context.Context, time.Time, int) ([]outboxstore.MessageRecord, error) {
	return nil, nil
}
func (f *fakeMessageStore) MarkSent(context.Context, int64) error { return nil }
func (f *fakeMessageStore) MarkFailed(context.Context, int64, string, time.Time) (outboxstore.MessageRecord, error) {
	return outboxstore.MessageRecord{}, nil
}
func (f *fakeMessageStore) Replay(context.Context, int64, bool) error { return nil }
func (f *fakeMessageStore) Get(context.Context, int64) (outboxstore.MessageRecord, error) {
	return outboxstore.MessageRecord{}, nil
}
func (f *fakeMessageStore) List(context.Context, outboxstore.Query) ([]outboxstore.MessageRecord, error) {
	return nil, nil
}

type fakeCallStore struct {
	enqueued []outboxstore.Call
	nextID   int64
}

func (f *fakeCallStore) Enqueue(_ context.Context, call outboxstore.Call) (outboxstore.CallRecord, error) {
	f.enqueued = append(f.enqueued, call)
	f.nextID++
	return outboxstore.CallRecord{ID: f.nextID, Status: outboxstore.StatusPending}, nil
}

func (f *fakeCallStore) ClaimDue(context.Context, time.Time, int) ([]outboxstore.CallRecord, error) {
	return nil, nil
}
func (f *fakeCallStore) MarkSent(context.Context, int64, int) error { return nil }
func (f *fakeCallStore) MarkFailed(context.Context, int64, string, int, time.Time) (outboxstore.CallRecord, error) {
	return outboxstore.CallRecord{}, nil
}
func (f *fakeCallStore) Replay(context.Context, int64, bool) error { return nil }
func (f *fakeCallStore) Get(context.Context, int64) (outboxstore.CallRecord, error) {
	return outboxstore.CallRecord{}, nil
}
func (f *fakeCallStore) List(context.Context, outboxstore.Query) ([]outboxstore.CallRecord, error) {
	return nil, nil
}

type countingProvider struct {
	name     string
	calls    int
	fail     bool
	lastDest string
}

func (p *countingProvider) Name() string { return p.name }
func (p *countingProvider) Publish(_ context.Context, destination, _ string, _ []byte, _ map[string]string) error {
	p.calls++
	p.lastDest = destination
	if p.fail {
		return errors.New("broker unreachable")
	}
	return nil
}
func (p *countingProvider) Health(context.Context) error { return nil }
func (p *countingProvider) Close() error                 { return nil }

func newTestService(t *testing.T, cfg config.RuntimeConfig, provider messaging.Provider) (*Service, *fakeMessageStore, *fakeCallStore, *dryrun.State) {
	t.Helper()
	store, err := config.NewRuntimeStore(cfg)
	if err != nil {
		t.Fatalf("NewRuntimeStore: %v", err)
	}
	registry := messaging.NewRegistry()
	if provider != nil {
		if err := registry.Register(provider); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	connectors, err := outbound.NewConnectorRegistry(cfg.Connectors)
	if err != nil {
		t.Fatalf("NewConnectorRegistry: %v", err)
	}
	messages := new(fakeMessageStore)
	calls := new(fakeCallStore)
	state := dryrun.NewState(false)
	svc := NewService(store, state, messages, calls, registry, outbound.NewSender(connectors))
	return svc, messages, calls, state
}

func TestPublishDryRunReturnsSentinelWithoutProvider(t *testing.T) {
	provider := &countingProvider{name: "logging"}
	cfg := config.DefaultRuntimeConfig()
	cfg.Messaging.Mode = config.ModeOnFailure
	svc, messages, _, state := newTestService(t, cfg, provider)
	state.SetOverride(true)

	result, err := svc.Publish(context.Background(), capability.PublishRequest{Destination: "visits"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if result.OutboxID != outboxstore.NoRecordID || !result.DryRun {
		t.Fatalf("result = %+v", result)
	}
	if provider.calls != 0 {
		t.Fatalf("provider invoked %d times during dry-run", provider.calls)
	}
	if len(messages.enqueued) != 0 {
		t.Fatalf("dry-run must not enqueue, got %d records", len(messages.enqueued))
	}
}

func TestPublishAlwaysModeEnqueuesSanitized(t *testing.T) {
	svc, messages, _, _ := newTestService(t, config.DefaultRuntimeConfig(), nil)

	result, err := svc.Publish(context.Background(), capability.PublishRequest{
		Destination: "visits",
		Payload:     map[string]any{"visitId": "V-1"},
		Headers:     map[string]string{"Authorization": "Bearer secret", "X-Tenant": "t1"},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if result.OutboxID != 1 {
		t.Fatalf("OutboxID = %d", result.OutboxID)
	}
	if len(messages.enqueued) != 1 {
		t.Fatalf("enqueued = %d", len(messages.enqueued))
	}
	msg := messages.enqueued[0]
	if msg.Headers["Authorization"] != "***" {
		t.Fatalf("Authorization stored as %q", msg.Headers["Authorization"])
	}
	if msg.Headers["X-Tenant"] != "t1" {
		t.Fatalf("X-Tenant stored as %q", msg.Headers["X-Tenant"])
	}
	if msg.Provider != "logging" {
		t.Fatalf("default provider = %q", msg.Provider)
	}
}

func TestPublishOnFailureDirectSuccess(t *testing.T) {
	provider := &countingProvider{name: "logging"}
	cfg := config.DefaultRuntimeConfig()
	cfg.Messaging.Mode = config.ModeOnFailure
	svc, messages, _, _ := newTestService(t, cfg, provider)

	result, err := svc.Publish(context.Background(), capability.PublishRequest{Destination: "visits"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if result.OutboxID != outboxstore.NoRecordID {
		t.Fatalf("direct send should return the sentinel, got %d", result.OutboxID)
	}
	if provider.calls != 1 || provider.lastDest != "visits" {
		t.Fatalf("provider calls = %d dest = %q", provider.calls, provider.lastDest)
	}
	if len(messages.enqueued) != 0 {
		t.Fatal("direct success must not enqueue")
	}
}

func TestPublishOnFailureFallsBackToOutbox(t *testing.T) {
	provider := &countingProvider{name: "logging", fail: true}
	cfg := config.DefaultRuntimeConfig()
	cfg.Messaging.Mode = config.ModeOnFailure
	svc, messages, _, _ := newTestService(t, cfg, provider)

	result, err := svc.Publish(context.Background(), capability.PublishRequest{Destination: "visits"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if result.OutboxID != 1 {
		t.Fatalf("fallback should enqueue, got id %d", result.OutboxID)
	}
	if len(messages.enqueued) != 1 {
		t.Fatalf("enqueued = %d", len(messages.enqueued))
	}
}

func TestPublishRequiresDestination(t *testing.T) {
	svc, _, _, _ := newTestService(t, config.DefaultRuntimeConfig(), nil)
	_, err := svc.Publish(context.Background(), capability.PublishRequest{})
	if errs.CodeOf(err) != errs.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestCallAlwaysModeEnqueuesWithIdempotencyKey(t *testing.T) {
	cfg := config.DefaultRuntimeConfig()
	cfg.Connectors = []outbound.ConnectorConfig{{Name: "crm", BaseURL: "https://crm"}}
	svc, _, calls, _ := newTestService(t, cfg, nil)

	ctx := envelope.WithCorrelation(context.Background(), envelope.ResolveCorrelation("corr-1", "req-1"))
	result, err := svc.Call(ctx, capability.CallRequest{
		Connector: "crm",
		Method:    "post",
		Path:      "/visits",
		Body:      map[string]any{"visitId": "V-1"},
		Headers:   map[string]string{"Cookie": "session=abc"},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.OutboxID != 1 {
		t.Fatalf("OutboxID = %d", result.OutboxID)
	}
	call := calls.enqueued[0]
	if call.Headers["Cookie"] != "***" {
		t.Fatalf("Cookie stored as %q", call.Headers["Cookie"])
	}
	if call.IdempotencyKey != "req-1:POST:/visits" {
		t.Fatalf("IdempotencyKey = %q", call.IdempotencyKey)
	}
	if call.CorrelationID != "corr-1" {
		t.Fatalf("CorrelationID = %q", call.CorrelationID)
	}
}

func TestCallExplicitIdempotencyHeaderWins(t *testing.T) {
	cfg := config.DefaultRuntimeConfig()
	cfg.Connectors = []outbound.ConnectorConfig{{Name: "crm", BaseURL: "https://crm"}}
	svc, _, calls, _ := newTestService(t, cfg, nil)

	_, err := svc.Call(context.Background(), capability.CallRequest{
		Connector: "crm",
		Method:    "POST",
		Path:      "/visits",
		Headers:   map[string]string{"Idempotency-Key": "crm:visit:ext-1"},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if calls.enqueued[0].IdempotencyKey != "crm:visit:ext-1" {
		t.Fatalf("IdempotencyKey = %q", calls.enqueued[0].IdempotencyKey)
	}
}

func TestCallOnFailureDirectDelivery(t *testing.T) {
	var gotCorrelation string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get("X-Correlation-Id")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	cfg := config.DefaultRuntimeConfig()
	cfg.Rest.Mode = config.ModeOnFailure
	cfg.Connectors = []outbound.ConnectorConfig{{Name: "crm", BaseURL: server.URL}}
	svc, _, calls, _ := newTestService(t, cfg, nil)

	ctx := envelope.WithCorrelation(context.Background(), envelope.ResolveCorrelation("corr-9", ""))
	result, err := svc.Call(ctx, capability.CallRequest{Connector: "crm", Method: "GET", Path: "/ping"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.OutboxID != outboxstore.NoRecordID || result.StatusCode != http.StatusOK {
		t.Fatalf("result = %+v", result)
	}
	if gotCorrelation != "corr-9" {
		t.Fatalf("X-Correlation-Id = %q", gotCorrelation)
	}
	if len(calls.enqueued) != 0 {
		t.Fatal("direct success must not enqueue")
	}
}

func TestCallDryRunSkipsSender(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("sender must not be invoked during dry-run")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.DefaultRuntimeConfig()
	cfg.Rest.Mode = config.ModeOnFailure
	cfg.Connectors = []outbound.ConnectorConfig{{Name: "crm", BaseURL: server.URL}}
	svc, _, calls, state := newTestService(t, cfg, nil)
	state.SetOverride(true)

	result, err := svc.Call(context.Background(), capability.CallRequest{Connector: "crm", Method: "GET", Path: "/ping"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.OutboxID != outboxstore.NoRecordID || !result.DryRun {
		t.Fatalf("result = %+v", result)
	}
	if len(calls.enqueued) != 0 {
		t.Fatal("dry-run must not enqueue")
	}
}
