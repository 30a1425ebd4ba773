package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesComponentAndDetails(t *testing.T) {
	err := New(
		"rest-outbox",
		CodeUpstreamHTTP,
		WithHTTP(502),
		WithMessage("delivery failed"),
		WithDetail("connector", "crm"),
		WithDetail("method", "POST"),
		WithCause(errors.New("dial tcp: connection refused")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=rest-outbox") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=UPSTREAM_HTTP_ERROR") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "http=502") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	expectedDetails := "details=connector=\"crm\",method=\"POST\""
	if !strings.Contains(out, expectedDetails) {
		t.Fatalf("expected details %q in error string: %s", expectedDetails, out)
	}
	if !strings.Contains(out, "cause=\"dial tcp: connection refused\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := New("pipeline", CodeFlowExecution, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach wrapped cause")
	}
}

func TestCodeOfWalksWrappedErrors(t *testing.T) {
	inner := New("idempotency", CodeStorage, WithMessage("pool exhausted"))
	wrapped := fmt.Errorf("claim failed: %w", inner)
	if got := CodeOf(wrapped); got != CodeStorage {
		t.Fatalf("expected CodeStorage, got %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty code for plain error, got %q", got)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Fatalf("unexpected nil error rendering: %s", e.Error())
	}
}
