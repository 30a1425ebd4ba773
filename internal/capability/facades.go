package capability

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/aritmos/ibroker/internal/observability"
)

// PublishRequest describes a bus publication requested by a script.
type PublishRequest struct {
	Provider    string
	Destination string
	Key         string
	Payload     map[string]any
	Headers     map[string]string
}

// PublishResult reports how a publication was handled.
type PublishResult struct {
	OutboxID int64
	DryRun   bool
}

// Publisher delivers bus publications, durably or directly.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (PublishResult, error)
}

// CallRequest describes an outbound REST call requested by a script.
type CallRequest struct {
	Connector string
	Method    string
	Path      string
	Body      map[string]any
	Headers   map[string]string
}

// CallResult reports the upstream response or the durable handoff.
type CallResult struct {
	StatusCode int
	Body       json.RawMessage
	OutboxID   int64
	DryRun     bool
}

// Caller executes outbound REST calls through the connector layer.
type Caller interface {
	Call(ctx context.Context, req CallRequest) (CallResult, error)
}

// BusFacade is the `msg` / `bus` alias: publish to the message bus.
type BusFacade struct {
	ctx       context.Context
	publisher Publisher
}

// NewBusFacade binds a publisher to the invocation context.
func NewBusFacade(ctx context.Context, publisher Publisher) *BusFacade {
	return &BusFacade{ctx: ctx, publisher: publisher}
}

// Publish enqueues or directly delivers a payload to the destination.
func (f *BusFacade) Publish(provider, destination string, payload map[string]any, headers map[string]string) Outcome {
	if f == nil || f.publisher == nil {
		return NotImplemented("bus")
	}
	result, err := f.publisher.Publish(f.ctx, PublishRequest{
		Provider:    provider,
		Destination: destination,
		Payload:     payload,
		Headers:     headers,
	})
	if err != nil {
		return FromError(err)
	}
	out := OK(map[string]any{"outboxId": result.OutboxID, "dryRun": result.DryRun})
	return out
}

// RestFacade is the `rest` alias: raw connector calls.
type RestFacade struct {
	ctx    context.Context
	caller Caller
	// connector used by Call; CallConnector overrides per call.
	connector string
}

// NewRestFacade binds a caller and default connector to the invocation context.
func NewRestFacade(ctx context.Context, caller Caller, connector string) *RestFacade {
	return &RestFacade{ctx: ctx, caller: caller, connector: connector}
}

// Call invokes the default connector.
func (f *RestFacade) Call(method, path string, body map[string]any, headers map[string]string) Outcome {
	if f == nil {
		return NotImplemented("rest")
	}
	return f.CallConnector(f.connector, method, path, body, headers)
}

// CallConnector invokes a named connector.
func (f *RestFacade) CallConnector(connector, method, path string, body map[string]any, headers map[string]string) Outcome {
	if f == nil || f.caller == nil {
		return NotImplemented("rest")
	}
	if strings.TrimSpace(connector) == "" {
		return NotImplemented("rest")
	}
	result, err := f.caller.Call(f.ctx, CallRequest{
		Connector: connector,
		Method:    method,
		Path:      path,
		Body:      body,
		Headers:   headers,
	})
	if err != nil {
		return FromError(err).WithDetail("connector", connector)
	}
	return callOutcome(result)
}

// DomainFacade backs the named service aliases (crm, identity, medical,
// appointment, visit, branch). Each alias is a thin HTTP verb surface over
// one configured connector.
type DomainFacade struct {
	ctx       context.Context
	caller    Caller
	name      string
	connector string
	// conflictMetric, when set, is incremented on HTTP 409 responses.
	conflictMetric string
}

// NewDomainFacade binds a domain alias to its connector.
func NewDomainFacade(ctx context.Context, caller Caller, name, connector string) *DomainFacade {
	return &DomainFacade{ctx: ctx, caller: caller, name: name, connector: connector}
}

// NewVisitFacade builds the `visit` alias, which counts 409 conflicts.
func NewVisitFacade(ctx context.Context, caller Caller, connector string) *DomainFacade {
	facade := NewDomainFacade(ctx, caller, "visit", connector)
	facade.conflictMetric = observability.MetricVisitConflicts
	return facade
}

// Get issues a GET request against the alias connector.
func (f *DomainFacade) Get(path string, headers map[string]string) Outcome {
	return f.call(http.MethodGet, path, nil, headers)
}

// Post issues a POST request against the alias connector.
func (f *DomainFacade) Post(path string, body map[string]any, headers map[string]string) Outcome {
	return f.call(http.MethodPost, path, body, headers)
}

// Put issues a PUT request against the alias connector.
func (f *DomainFacade) Put(path string, body map[string]any, headers map[string]string) Outcome {
	return f.call(http.MethodPut, path, body, headers)
}

// Delete issues a DELETE request against the alias connector.
func (f *DomainFacade) Delete(path string, headers map[string]string) Outcome {
	return f.call(http.MethodDelete, path, nil, headers)
}

func (f *DomainFacade) call(method, path string, body map[string]any, headers map[string]string) Outcome {
	if f == nil || f.caller == nil {
		return NotImplemented(f.aliasName())
	}
	if strings.TrimSpace(f.connector) == "" {
		return NotImplemented(f.aliasName())
	}
	result, err := f.caller.Call(f.ctx, CallRequest{
		Connector: f.connector,
		Method:    method,
		Path:      path,
		Body:      body,
		Headers:   headers,
	})
	if err != nil {
		return FromError(err).WithDetail("connector", f.connector)
	}
	if f.conflictMetric != "" && result.StatusCode == http.StatusConflict {
		observability.Telemetry().IncCounter(f.conflictMetric, 1, map[string]string{
			"connector": f.connector,
		})
	}
	return callOutcome(result)
}

func (f *DomainFacade) aliasName() string {
	if f == nil || f.name == "" {
		return "unknown"
	}
	return f.name
}

// StubFacade answers every verb with a fixed outcome. It backs aliases that
// are configured off or have no connector profile.
type StubFacade struct {
	outcome Outcome
}

// NewDisabledFacade builds a stub answering DISABLED.
func NewDisabledFacade(name string) *StubFacade {
	return &StubFacade{outcome: Disabled(name)}
}

// NewNotImplementedFacade builds a stub answering NOT_IMPLEMENTED.
func NewNotImplementedFacade(name string) *StubFacade {
	return &StubFacade{outcome: NotImplemented(name)}
}

// Get returns the stub outcome.
func (f *StubFacade) Get(string, map[string]string) Outcome { return f.outcome }

// Post returns the stub outcome.
func (f *StubFacade) Post(string, map[string]any, map[string]string) Outcome { return f.outcome }

// Put returns the stub outcome.
func (f *StubFacade) Put(string, map[string]any, map[string]string) Outcome { return f.outcome }

// Delete returns the stub outcome.
func (f *StubFacade) Delete(string, map[string]string) Outcome { return f.outcome }

// Call returns the stub outcome.
func (f *StubFacade) Call(string, string, map[string]any, map[string]string) Outcome {
	return f.outcome
}

// Publish returns the stub outcome.
func (f *StubFacade) Publish(string, string, map[string]any, map[string]string) Outcome {
	return f.outcome
}

func callOutcome(result CallResult) Outcome {
	data := map[string]any{
		"status":   result.StatusCode,
		"outboxId": result.OutboxID,
		"dryRun":   result.DryRun,
	}
	if len(result.Body) > 0 {
		var decoded any
		if err := json.Unmarshal(result.Body, &decoded); err == nil {
			data["body"] = decoded
		}
	}
	out := OK(data)
	if result.StatusCode > 0 {
		out = out.WithDetail("status", strconv.Itoa(result.StatusCode))
	}
	return out
}
