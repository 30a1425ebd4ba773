package capability

import (
	"context"
	"net/http"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/aritmos/ibroker/errs"
)

type fakeCaller struct {
	lastReq CallRequest
	result  CallResult
	err     error
}

func (f *fakeCaller) Call(_ context.Context, req CallRequest) (CallResult, error) {
	f.lastReq = req
	return f.result, f.err
}

type fakePublisher struct {
	lastReq PublishRequest
	result  PublishResult
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, req PublishRequest) (PublishResult, error) {
	f.lastReq = req
	return f.result, f.err
}

func TestBusFacadePublishReturnsOutboxID(t *testing.T) {
	publisher := &fakePublisher{result: PublishResult{OutboxID: 7}}
	facade := NewBusFacade(context.Background(), publisher)
	out := facade.Publish("watermill", "visits", map[string]any{"visitId": "v-1"}, nil)
	if !out.Success {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.Result["outboxId"] != int64(7) {
		t.Fatalf("expected outbox id in result, got %v", out.Result)
	}
	if publisher.lastReq.Destination != "visits" {
		t.Fatalf("unexpected destination %q", publisher.lastReq.Destination)
	}
}

func TestBusFacadePublishFailure(t *testing.T) {
	publisher := &fakePublisher{err: errs.New("outbox", errs.CodeStorage)}
	facade := NewBusFacade(context.Background(), publisher)
	out := facade.Publish("watermill", "visits", nil, nil)
	if out.Success {
		t.Fatalf("expected failure")
	}
	if out.Code != string(errs.CodeStorage) {
		t.Fatalf("expected STORAGE_UNAVAILABLE code, got %s", out.Code)
	}
}

func TestRestFacadeUsesDefaultConnector(t *testing.T) {
	caller := &fakeCaller{result: CallResult{StatusCode: 201, Body: json.RawMessage(`{"id":"x"}`)}}
	facade := NewRestFacade(context.Background(), caller, "crm-api")
	out := facade.Call("POST", "/customers", map[string]any{"name": "n"}, nil)
	if !out.Success {
		t.Fatalf("expected success, got %+v", out)
	}
	if caller.lastReq.Connector != "crm-api" {
		t.Fatalf("expected default connector, got %q", caller.lastReq.Connector)
	}
	if body, ok := out.Result["body"].(map[string]any); !ok || body["id"] != "x" {
		t.Fatalf("expected decoded body, got %v", out.Result)
	}
}

func TestRestFacadeWithoutConnectorIsNotImplemented(t *testing.T) {
	facade := NewRestFacade(context.Background(), &fakeCaller{}, "")
	out := facade.Call("GET", "/x", nil, nil)
	if out.Success || out.Code != string(errs.CodeNotImplemented) {
		t.Fatalf("expected NOT_IMPLEMENTED, got %+v", out)
	}
}

func TestVisitFacadeCountsConflictsAsSuccessShape(t *testing.T) {
	caller := &fakeCaller{result: CallResult{StatusCode: http.StatusConflict}}
	facade := NewVisitFacade(context.Background(), caller, "visit-manager")
	out := facade.Post("/visits", map[string]any{"visitId": "v-1"}, nil)
	if !out.Success {
		t.Fatalf("conflict responses pass through as outcomes, got %+v", out)
	}
	if out.Result["status"] != http.StatusConflict {
		t.Fatalf("expected 409 in result, got %v", out.Result)
	}
}

func TestDomainFacadeErrorBecomesOutcome(t *testing.T) {
	caller := &fakeCaller{err: errs.New("outbound", errs.CodeTimeout)}
	facade := NewDomainFacade(context.Background(), caller, "crm", "crm-api")
	out := facade.Get("/customers/1", nil)
	if out.Success || out.Code != string(errs.CodeTimeout) {
		t.Fatalf("expected TIMEOUT outcome, got %+v", out)
	}
	if out.Details["connector"] != "crm-api" {
		t.Fatalf("expected connector detail, got %v", out.Details)
	}
}

func TestStubFacadesNeverThrow(t *testing.T) {
	disabled := NewDisabledFacade("medical")
	if out := disabled.Post("/x", nil, nil); out.Success || out.Code != string(errs.CodeDisabled) {
		t.Fatalf("expected DISABLED, got %+v", out)
	}
	missing := NewNotImplementedFacade("appointment")
	if out := missing.Publish("p", "d", nil, nil); out.Success || out.Code != string(errs.CodeNotImplemented) {
		t.Fatalf("expected NOT_IMPLEMENTED, got %+v", out)
	}
}
