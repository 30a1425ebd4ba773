// Package errs provides structured error types and helpers for the integration broker.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Code identifies a broker error category.
type Code string

const (
	// CodeInvalidArgument indicates malformed input or a missing required envelope field.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	// CodeNoFlow indicates that no orchestration flow matches the envelope.
	CodeNoFlow Code = "NO_FLOW"
	// CodeLocked indicates a concurrent in-flight claim. Retryable, not a poison message.
	CodeLocked Code = "LOCKED"
	// CodeFlowExecution indicates the flow script raised during execution.
	CodeFlowExecution Code = "FLOW_EXECUTION_ERROR"
	// CodeNotImplemented indicates a capability facade without a backing profile.
	CodeNotImplemented Code = "NOT_IMPLEMENTED"
	// CodeDisabled indicates a capability switched off by configuration.
	CodeDisabled Code = "DISABLED"
	// CodeUpstreamHTTP indicates an error response from an external system.
	CodeUpstreamHTTP Code = "UPSTREAM_HTTP_ERROR"
	// CodeConflict indicates the receiver already applied the effect (e.g. HTTP 409).
	CodeConflict Code = "CONFLICT"
	// CodeTimeout indicates an outbound call exceeded its deadline.
	CodeTimeout Code = "TIMEOUT"
	// CodeStorage indicates the persistence layer is unavailable. Fatal to the current operation.
	CodeStorage Code = "STORAGE_UNAVAILABLE"
)

// E captures structured error information produced across the broker.
type E struct {
	Component string
	Code      Code
	HTTP      int
	Message   string
	Details   map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		HTTP:      0,
		Message:   "",
		Details:   nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithDetail appends a single detail key/value pair.
func WithDetail(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]string, 1)
		}
		e.Details[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Details[k]))
		}
		parts = append(parts, "details="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the broker error code from err, or an empty Code when err
// does not carry an envelope.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*E); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
