package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/aritmos/ibroker/errs"
	"github.com/aritmos/ibroker/internal/observability"
)

const defaultExecTimeout = 10 * time.Second

// Engine compiles and executes orchestration scripts. Programs are compiled
// once per compilation key and cached; every invocation runs in a fresh
// runtime so a failing unit can never corrupt shared state.
type Engine struct {
	mu       sync.RWMutex
	programs map[string]*goja.Program

	timeout time.Duration
}

// NewEngine constructs an engine with the provided default execution timeout.
// A non-positive timeout falls back to 10s.
func NewEngine(timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	return &Engine{
		programs: make(map[string]*goja.Program),
		timeout:  timeout,
	}
}

// Invocation carries the script-visible state for one execution.
type Invocation struct {
	// Input is the envelope view exposed to the script as `input`.
	Input map[string]any
	// Meta carries correlation and routing metadata exposed as `meta`.
	Meta map[string]any
	// Bindings are the capability aliases (msg, rest, crm, ...) exposed as
	// globals.
	Bindings map[string]any
}

// Execute runs the definition against the invocation and returns the output
// map the script produced.
func (e *Engine) Execute(ctx context.Context, def Definition, inv Invocation) (map[string]any, error) {
	if e == nil {
		return nil, fmt.Errorf("flow engine: nil receiver")
	}
	if err := def.Validate(); err != nil {
		return nil, errs.New("flow", errs.CodeInvalidArgument, errs.WithCause(err))
	}
	program, err := e.compile(def)
	if err != nil {
		return nil, err
	}

	timeout := e.timeout
	if def.TimeoutMS > 0 {
		timeout = time.Duration(def.TimeoutMS) * time.Millisecond
	}

	started := time.Now()
	output, err := runProgram(ctx, def, program, inv, timeout)
	observability.Telemetry().ObserveHistogram(observability.MetricFlowDuration,
		time.Since(started).Seconds(), map[string]string{"flow": def.ID})
	if err != nil {
		return nil, err
	}
	return output, nil
}

func (e *Engine) compile(def Definition) (*goja.Program, error) {
	key := def.CompilationKey()
	e.mu.RLock()
	program, ok := e.programs[key]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	source := def.Body
	if def.Library != "" {
		source = def.Library + "\n" + def.Body
	}
	compiled, err := goja.Compile(def.ID+".js", source, false)
	if err != nil {
		return nil, errs.New("flow", errs.CodeFlowExecution,
			errs.WithMessage(fmt.Sprintf("compile flow %s", def.ID)),
			errs.WithCause(err),
			errs.WithDetail("flow", def.ID),
		)
	}

	e.mu.Lock()
	if existing, ok := e.programs[key]; ok {
		compiled = existing
	} else {
		e.programs[key] = compiled
	}
	e.mu.Unlock()
	return compiled, nil
}

// CachedPrograms reports how many compiled programs the engine holds.
func (e *Engine) CachedPrograms() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}

func runProgram(ctx context.Context, def Definition, program *goja.Program, inv Invocation, timeout time.Duration) (output map[string]any, err error) {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	outputObj := rt.NewObject()
	if err := rt.Set("input", inv.Input); err != nil {
		return nil, execError(def, err)
	}
	if err := rt.Set("meta", inv.Meta); err != nil {
		return nil, execError(def, err)
	}
	if err := rt.Set("output", outputObj); err != nil {
		return nil, execError(def, err)
	}
	for name, binding := range inv.Bindings {
		if err := rt.Set(name, binding); err != nil {
			return nil, execError(def, err)
		}
	}

	// Bound execution: interrupt the runtime on timeout or caller cancel.
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-execCtx.Done():
			rt.Interrupt("flow execution interrupted")
		case <-watchDone:
		}
	}()

	defer func() {
		if rec := recover(); rec != nil {
			output = nil
			err = errs.New("flow", errs.CodeFlowExecution,
				errs.WithMessage(fmt.Sprintf("flow %s panicked: %v", def.ID, rec)),
				errs.WithDetail("flow", def.ID),
			)
		}
	}()

	value, runErr := rt.RunProgram(program)
	if runErr != nil {
		if ctxErr := execCtx.Err(); ctxErr != nil {
			// Caller cancellation is not a flow timeout.
			if errors.Is(ctxErr, context.Canceled) {
				return nil, fmt.Errorf("flow %s interrupted: %w", def.ID, ctxErr)
			}
			return nil, errs.New("flow", errs.CodeTimeout,
				errs.WithMessage(fmt.Sprintf("flow %s exceeded %s", def.ID, timeout)),
				errs.WithDetail("flow", def.ID),
			)
		}
		return nil, execError(def, runErr)
	}

	// The completion value wins when the script evaluates to an object;
	// otherwise the mutated `output` binding is the result.
	if value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) {
		if exported, ok := value.Export().(map[string]any); ok {
			return exported, nil
		}
	}
	exported := outputObj.Export()
	if asMap, ok := exported.(map[string]any); ok {
		return asMap, nil
	}
	return map[string]any{}, nil
}

func execError(def Definition, cause error) error {
	return errs.New("flow", errs.CodeFlowExecution,
		errs.WithMessage(fmt.Sprintf("flow %s failed", def.ID)),
		errs.WithCause(cause),
		errs.WithDetail("flow", def.ID),
	)
}
