// Package capability exposes the script-visible facades over the broker's
// outbound layer. Facades never throw into scripts; every operation returns a
// tagged Outcome value.
package capability

import (
	"github.com/aritmos/ibroker/errs"
)

// Outcome is the tagged result of a capability invocation.
type Outcome struct {
	Success bool              `json:"success"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
	Result  map[string]any    `json:"result,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// OK builds a successful outcome carrying result data.
func OK(result map[string]any) Outcome {
	return Outcome{Success: true, Result: result}
}

// Failed builds a failed outcome with an error code and safe message.
func Failed(code errs.Code, message string) Outcome {
	return Outcome{Success: false, Code: string(code), Message: message}
}

// FromError converts an error into a failed outcome, preserving the broker
// error code when one is attached.
func FromError(err error) Outcome {
	if err == nil {
		return OK(nil)
	}
	code := errs.CodeOf(err)
	if code == "" {
		code = errs.CodeUpstreamHTTP
	}
	return Outcome{Success: false, Code: string(code), Message: err.Error()}
}

// Disabled builds the outcome returned by capabilities switched off in
// configuration.
func Disabled(name string) Outcome {
	return Outcome{
		Success: false,
		Code:    string(errs.CodeDisabled),
		Message: "capability " + name + " is disabled",
	}
}

// NotImplemented builds the outcome returned by capabilities without a
// backing connector profile.
func NotImplemented(name string) Outcome {
	return Outcome{
		Success: false,
		Code:    string(errs.CodeNotImplemented),
		Message: "capability " + name + " has no backing connector",
	}
}

// WithDetail returns a copy of the outcome with one detail added.
func (o Outcome) WithDetail(key, value string) Outcome {
	details := make(map[string]string, len(o.Details)+1)
	for k, v := range o.Details {
		details[k] = v
	}
	details[key] = value
	o.Details = details
	return o
}
