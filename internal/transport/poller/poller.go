// Package poller runs a fixed-delay poll loop against an external source
// and feeds fetched envelopes into the processing pipeline.
package poller

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/aritmos/ibroker/errs"
	"github.com/aritmos/ibroker/internal/app/pipeline"
	"github.com/aritmos/ibroker/internal/envelope"
	"github.com/aritmos/ibroker/internal/observability"
)

const (
	defaultInterval  = 30 * time.Second
	maxErrorInterval = 5 * time.Minute
)

// Source produces a batch of envelopes per poll. An empty batch is a normal
// idle poll, not an error.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]envelope.Envelope, error)
}

// Processor runs one envelope through the broker pipeline.
type Processor interface {
	Process(ctx context.Context, env envelope.Envelope) (pipeline.Result, error)
}

// Poller drives one source on a fixed delay. Consecutive fetch failures
// stretch the delay with exponential backoff and are carried onto the next
// successful batch as upstream attempts, so a parked envelope keeps the full
// failure history.
type Poller struct {
	source    Source
	processor Processor
	interval  time.Duration

	failures int
}

// New wires a poller. A non-positive interval falls back to the default.
func New(source Source, processor Processor, interval time.Duration) (*Poller, error) {
	if source == nil || processor == nil {
		return nil, errs.New("poller", errs.CodeInvalidArgument,
			errs.WithMessage("poller: source and processor required"))
	}
	if strings.TrimSpace(source.Name()) == "" {
		return nil, errs.New("poller", errs.CodeInvalidArgument,
			errs.WithMessage("poller: source name required"))
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Poller{source: source, processor: processor, interval: interval}, nil
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = p.interval
	backoffCfg.MaxInterval = maxErrorInterval

	for {
		delay := p.poll(ctx, backoffCfg)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// poll runs one fetch cycle and returns the delay before the next one.
func (p *Poller) poll(ctx context.Context, backoffCfg *backoff.ExponentialBackOff) time.Duration {
	batch, err := p.source.Fetch(ctx)
	if err != nil {
		p.failures++
		observability.Log().Warn("poll fetch failed",
			observability.String("source", p.source.Name()),
			observability.Field{Key: "consecutiveFailures", Value: p.failures},
			observability.Err(err),
		)
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxErrorInterval
		}
		return sleep
	}

	upstreamAttempts := p.failures
	p.failures = 0
	backoffCfg.Reset()

	for _, env := range batch {
		p.dispatch(ctx, env, upstreamAttempts)
	}
	return p.interval
}

func (p *Poller) dispatch(ctx context.Context, env envelope.Envelope, upstreamAttempts int) {
	env.Kind = envelope.ParseKind(string(env.Kind))
	if env.SourceMeta == nil {
		env.SourceMeta = map[string]any{}
	}
	if _, ok := env.SourceMeta["source"]; !ok {
		env.SourceMeta["source"] = p.source.Name()
	}
	if upstreamAttempts > 0 {
		// Failed fetch cycles count toward the envelope's replay attempts.
		env.SourceMeta["attempts"] = upstreamAttempts
	}

	result, err := p.processor.Process(ctx, env)
	if err != nil {
		observability.Log().Warn("poll envelope failed",
			observability.String("source", p.source.Name()),
			observability.String("type", env.Type),
			observability.Err(err),
		)
		return
	}
	observability.Log().Debug("poll envelope handled",
		observability.String("source", p.source.Name()),
		observability.String("type", env.Type),
		observability.String("outcome", string(result.Outcome)),
	)
}
