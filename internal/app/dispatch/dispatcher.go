// Package dispatch runs the background delivery loops for both outbox
// variants. Each loop sweeps on a fixed delay, claims due records through an
// atomic PENDING to SENDING transition, and delivers them on a bounded
// worker group so two dispatcher instances never race on the same record.
package dispatch

import (
	"context"
	"strconv"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/aritmos/ibroker/internal/domain/outboxstore"
	"github.com/aritmos/ibroker/internal/observability"
	"github.com/aritmos/ibroker/internal/outbound"
	"github.com/aritmos/ibroker/internal/outbound/messaging"
	"github.com/aritmos/ibroker/internal/sanitize"
)

const maxErrorLen = 500

// Config tunes a dispatcher loop.
type Config struct {
	// Interval is the fixed delay between sweeps.
	Interval time.Duration
	// BatchSize bounds how many due records one sweep claims.
	BatchSize int
	// BackoffBase and BackoffCap shape the retry schedule: attempt n is
	// rescheduled after base*2^(n-1), capped.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Workers bounds concurrent deliveries within a sweep.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 10 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// nextDelay computes the reschedule delay after the given attempt count.
func (c Config) nextDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts - 1
	if shift > 20 {
		shift = 20
	}
	delay := c.BackoffBase << shift
	if delay > c.BackoffCap || delay <= 0 {
		delay = c.BackoffCap
	}
	return delay
}

// MessageDispatcher delivers bus outbox records through registered providers.
type MessageDispatcher struct {
	cfg       Config
	store     outboxstore.MessageStore
	providers *messaging.Registry
}

// NewMessageDispatcher wires a bus outbox dispatcher.
func NewMessageDispatcher(cfg Config, store outboxstore.MessageStore, providers *messaging.Registry) *MessageDispatcher {
	return &MessageDispatcher{cfg: cfg.withDefaults(), store: store, providers: providers}
}

// Run sweeps until ctx is cancelled.
func (d *MessageDispatcher) Run(ctx context.Context) error {
	for {
		d.Sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.Interval):
		}
	}
}

// Sweep claims and delivers one batch of due records, returning the batch size.
func (d *MessageDispatcher) Sweep(ctx context.Context) int {
	records, err := d.store.ClaimDue(ctx, time.Now().UTC(), d.cfg.BatchSize)
	if err != nil {
		observability.Log().Error("claim due bus records", observability.Err(err))
		return 0
	}
	if len(records) == 0 {
		return 0
	}
	observability.Telemetry().ObserveHistogram(observability.MetricDispatchBatchSize,
		float64(len(records)), map[string]string{"variant": "messaging"})

	workers := pool.New().WithMaxGoroutines(d.cfg.Workers)
	for _, record := range records {
		record := record
		workers.Go(func() { d.deliver(ctx, record) })
	}
	workers.Wait()
	return len(records)
}

func (d *MessageDispatcher) deliver(ctx context.Context, record outboxstore.MessageRecord) {
	provider, ok := d.providers.Get(record.Provider)
	if !ok {
		d.fail(ctx, record, "provider "+record.Provider+" is not registered")
		return
	}
	if err := provider.Publish(ctx, record.Destination, record.Key, record.Payload, record.Headers); err != nil {
		d.fail(ctx, record, err.Error())
		return
	}
	if err := d.store.MarkSent(ctx, record.ID); err != nil {
		observability.Log().Error("mark bus record sent",
			observability.String("id", strconv.FormatInt(record.ID, 10)),
			observability.Err(err),
		)
		return
	}
	observability.Telemetry().IncCounter(observability.MetricOutboxDispatched, 1, map[string]string{
		"variant": "messaging", "provider": record.Provider,
	})
}

func (d *MessageDispatcher) fail(ctx context.Context, record outboxstore.MessageRecord, message string) {
	nextAttempt := time.Now().UTC().Add(d.cfg.nextDelay(record.Attempts + 1))
	updated, err := d.store.MarkFailed(ctx, record.ID, sanitize.Short(message, maxErrorLen), nextAttempt)
	if err != nil {
		observability.Log().Error("mark bus record failed",
			observability.String("id", strconv.FormatInt(record.ID, 10)),
			observability.Err(err),
		)
		return
	}
	if updated.Status == outboxstore.StatusDead {
		observability.Telemetry().IncCounter(observability.MetricOutboxDead, 1, map[string]string{
			"variant": "messaging", "provider": record.Provider,
		})
		observability.Log().Warn("bus record exhausted delivery attempts",
			observability.String("id", strconv.FormatInt(record.ID, 10)),
			observability.String("destination", record.Destination),
		)
	}
}

// CallDispatcher delivers REST outbox records through the connector sender.
type CallDispatcher struct {
	cfg    Config
	store  outboxstore.CallStore
	sender *outbound.Sender
}

// NewCallDispatcher wires a REST outbox dispatcher.
func NewCallDispatcher(cfg Config, store outboxstore.CallStore, sender *outbound.Sender) *CallDispatcher {
	return &CallDispatcher{cfg: cfg.withDefaults(), store: store, sender: sender}
}

// Run sweeps until ctx is cancelled.
func (d *CallDispatcher) Run(ctx context.Context) error {
	for {
		d.Sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.Interval):
		}
	}
}

// Sweep claims and delivers one batch of due records, returning the batch size.
func (d *CallDispatcher) Sweep(ctx context.Context) int {
	records, err := d.store.ClaimDue(ctx, time.Now().UTC(), d.cfg.BatchSize)
	if err != nil {
		observability.Log().Error("claim due rest records", observability.Err(err))
		return 0
	}
	if len(records) == 0 {
		return 0
	}
	observability.Telemetry().ObserveHistogram(observability.MetricDispatchBatchSize,
		float64(len(records)), map[string]string{"variant": "rest"})

	workers := pool.New().WithMaxGoroutines(d.cfg.Workers)
	for _, record := range records {
		record := record
		workers.Go(func() { d.deliver(ctx, record) })
	}
	workers.Wait()
	return len(records)
}

func (d *CallDispatcher) deliver(ctx context.Context, record outboxstore.CallRecord) {
	// Live auth headers are composed inside the sender; the stored headers
	// are the sanitized business set.
	resp, err := d.sender.Send(ctx, outbound.Request{
		Connector:      record.Connector,
		Method:         record.Method,
		URL:            record.URL,
		Body:           record.Body,
		Headers:        record.Headers,
		IdempotencyKey: record.IdempotencyKey,
	})
	if err != nil {
		d.fail(ctx, record, err.Error(), resp.StatusCode)
		return
	}
	if err := d.store.MarkSent(ctx, record.ID, resp.StatusCode); err != nil {
		observability.Log().Error("mark rest record sent",
			observability.String("id", strconv.FormatInt(record.ID, 10)),
			observability.Err(err),
		)
		return
	}
	observability.Telemetry().IncCounter(observability.MetricOutboxDispatched, 1, map[string]string{
		"variant": "rest", "connector": record.Connector,
	})
}

func (d *CallDispatcher) fail(ctx context.Context, record outboxstore.CallRecord, message string, statusCode int) {
	nextAttempt := time.Now().UTC().Add(d.cfg.nextDelay(record.Attempts + 1))
	updated, err := d.store.MarkFailed(ctx, record.ID, sanitize.Short(message, maxErrorLen), statusCode, nextAttempt)
	if err != nil {
		observability.Log().Error("mark rest record failed",
			observability.String("id", strconv.FormatInt(record.ID, 10)),
			observability.Err(err),
		)
		return
	}
	if updated.Status == outboxstore.StatusDead {
		observability.Telemetry().IncCounter(observability.MetricOutboxDead, 1, map[string]string{
			"variant": "rest", "connector": record.Connector,
		})
		observability.Log().Warn("rest record exhausted delivery attempts",
			observability.String("id", strconv.FormatInt(record.ID, 10)),
			observability.String("connector", record.Connector),
		)
	}
}
