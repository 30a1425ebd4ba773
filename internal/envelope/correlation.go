package envelope

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/aritmos/ibroker/errs"
)

var (
	errInvalidKind = errs.New("envelope", errs.CodeInvalidArgument, errs.WithMessage("kind must be EVENT or COMMAND"))
	errMissingType = errs.New("envelope", errs.CodeInvalidArgument, errs.WithMessage("type is required"))
)

// Default correlation header names. The effective names are configurable;
// these are the fallbacks shared by resolution and outbound propagation.
const (
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderRequestID     = "X-Request-Id"
)

// CorrelationContext carries the correlation and request identifiers for one
// pipeline invocation. Both fields are always non-empty.
type CorrelationContext struct {
	CorrelationID string
	RequestID     string
}

// ResolveCorrelation builds a context from explicit values. Blank values fall
// back to each other; when both are blank a fresh identifier is generated and
// used for both.
func ResolveCorrelation(correlationID, requestID string) CorrelationContext {
	corr := strings.TrimSpace(correlationID)
	req := strings.TrimSpace(requestID)

	if corr == "" && req == "" {
		generated := "ib-" + uuid.NewString()
		return CorrelationContext{CorrelationID: generated, RequestID: generated}
	}
	if corr == "" {
		return CorrelationContext{CorrelationID: req, RequestID: req}
	}
	if req == "" {
		return CorrelationContext{CorrelationID: corr, RequestID: corr}
	}
	return CorrelationContext{CorrelationID: corr, RequestID: req}
}

// CorrelationFromEnvelope resolves the context for an inbound envelope:
// explicit envelope fields first, then the correlation headers, then
// generated values.
func CorrelationFromEnvelope(e Envelope, correlationHeader, requestHeader string) CorrelationContext {
	if correlationHeader == "" {
		correlationHeader = HeaderCorrelationID
	}
	if requestHeader == "" {
		requestHeader = HeaderRequestID
	}
	corr := strings.TrimSpace(e.CorrelationID)
	req := strings.TrimSpace(e.MessageID)
	if corr == "" {
		corr = e.Header(correlationHeader)
	}
	if req == "" {
		req = e.Header(requestHeader)
	}
	return ResolveCorrelation(corr, req)
}

type correlationKey struct{}

// WithCorrelation attaches the correlation context to ctx so layers below the
// pipeline (outbox, capability facades) can stamp outbound state without
// threading the value explicitly.
func WithCorrelation(ctx context.Context, c CorrelationContext) context.Context {
	return context.WithValue(ctx, correlationKey{}, c)
}

// CorrelationFrom extracts the correlation context from ctx. The zero value
// is returned when none is attached.
func CorrelationFrom(ctx context.Context) CorrelationContext {
	if c, ok := ctx.Value(correlationKey{}).(CorrelationContext); ok {
		return c
	}
	return CorrelationContext{}
}

// AsHeaders renders the context as outbound headers using the provided names
// (defaults apply when blank).
func (c CorrelationContext) AsHeaders(correlationHeader, requestHeader string) map[string]string {
	if correlationHeader == "" {
		correlationHeader = HeaderCorrelationID
	}
	if requestHeader == "" {
		requestHeader = HeaderRequestID
	}
	return map[string]string{
		correlationHeader: c.CorrelationID,
		requestHeader:     c.RequestID,
	}
}
