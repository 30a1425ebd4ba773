// Package queue consumes broker envelopes from watermill subscriptions and
// feeds them into the processing pipeline.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/aritmos/ibroker/errs"
	"github.com/aritmos/ibroker/internal/app/pipeline"
	"github.com/aritmos/ibroker/internal/envelope"
	"github.com/aritmos/ibroker/internal/observability"
)

const maxResubscribeInterval = 30 * time.Second

// Subscriber is the watermill surface the consumer needs.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
}

// Processor runs one envelope through the broker pipeline.
type Processor interface {
	Process(ctx context.Context, env envelope.Envelope) (pipeline.Result, error)
}

// Binding maps one topic onto an envelope shape. An empty Kind defaults to
// EVENT; an empty Type falls back to the message metadata "type", then to the
// topic name.
type Binding struct {
	Topic string `json:"topic" yaml:"topic"`
	Kind  string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Type  string `json:"type,omitempty" yaml:"type,omitempty"`
}

// Consumer drains one topic subscription.
type Consumer struct {
	subscriber Subscriber
	processor  Processor
	binding    Binding
}

// NewConsumer wires a consumer for a single topic binding.
func NewConsumer(subscriber Subscriber, processor Processor, binding Binding) (*Consumer, error) {
	if subscriber == nil || processor == nil {
		return nil, errs.New("queue", errs.CodeInvalidArgument,
			errs.WithMessage("queue consumer: subscriber and processor required"))
	}
	if strings.TrimSpace(binding.Topic) == "" {
		return nil, errs.New("queue", errs.CodeInvalidArgument,
			errs.WithMessage("queue consumer: topic required"))
	}
	return &Consumer{subscriber: subscriber, processor: processor, binding: binding}, nil
}

// Run subscribes and consumes until the context is cancelled. A closed
// subscription channel is re-established with exponential backoff.
func (c *Consumer) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxResubscribeInterval

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		messages, err := c.subscriber.Subscribe(ctx, c.binding.Topic)
		if err != nil {
			observability.Log().Warn("queue subscribe failed",
				observability.String("topic", c.binding.Topic),
				observability.Err(err),
			)
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxResubscribeInterval
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
				continue
			}
		}
		backoffCfg.Reset()

		if err := c.drain(ctx, messages); err != nil {
			return err
		}
		// Channel closed by the subscriber; resubscribe.
	}
}

func (c *Consumer) drain(ctx context.Context, messages <-chan *message.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			c.handle(ctx, msg)
		}
	}
}

// handle processes one message and decides its acknowledgement. A parked or
// unprocessable message is acked so it cannot poison the subscription; only
// retryable failures (LOCKED claim, storage outage) are nacked for
// redelivery.
func (c *Consumer) handle(ctx context.Context, msg *message.Message) {
	env, err := c.asEnvelope(msg)
	if err != nil {
		observability.Log().Warn("queue message rejected",
			observability.String("topic", c.binding.Topic),
			observability.String("messageId", msg.UUID),
			observability.Err(err),
		)
		msg.Ack()
		return
	}

	result, err := c.processor.Process(ctx, env)
	if err != nil {
		var parked *pipeline.StoredInDlq
		if errors.As(err, &parked) {
			observability.Log().Warn("queue message parked",
				observability.String("topic", c.binding.Topic),
				observability.String("messageId", env.MessageID),
				observability.Field{Key: "dlqId", Value: parked.DlqID},
			)
			msg.Ack()
			return
		}
		if errs.CodeOf(err) == errs.CodeStorage {
			observability.Log().Error("queue message delivery deferred",
				observability.String("topic", c.binding.Topic),
				observability.String("messageId", env.MessageID),
				observability.Err(err),
			)
			msg.Nack()
			return
		}
		observability.Log().Warn("queue message failed",
			observability.String("topic", c.binding.Topic),
			observability.String("messageId", env.MessageID),
			observability.Err(err),
		)
		msg.Ack()
		return
	}
	if result.Outcome == pipeline.OutcomeLocked {
		msg.Nack()
		return
	}
	msg.Ack()
}

// asEnvelope maps a watermill message onto the normalized envelope. When the
// payload itself is a full envelope document it is taken as-is and only the
// missing fields are filled from transport metadata.
func (c *Consumer) asEnvelope(msg *message.Message) (envelope.Envelope, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil || env.Type == "" {
		// Bare domain payload: wrap it using the binding.
		env = envelope.Envelope{Payload: json.RawMessage(msg.Payload)}
	}

	if env.Kind == "" {
		kind := c.binding.Kind
		if kind == "" {
			kind = string(envelope.KindEvent)
		}
		env.Kind = envelope.ParseKind(kind)
	} else {
		env.Kind = envelope.ParseKind(string(env.Kind))
	}
	if env.Type == "" {
		env.Type = c.binding.Type
	}
	if env.Type == "" {
		env.Type = msg.Metadata.Get("type")
	}
	if env.Type == "" {
		env.Type = c.binding.Topic
	}
	if env.MessageID == "" {
		env.MessageID = msg.UUID
	}

	if env.Headers == nil {
		env.Headers = map[string]string{}
	}
	for name, value := range msg.Metadata {
		if env.Header(name) == "" && value != "" {
			env.Headers[name] = value
		}
	}

	if env.SourceMeta == nil {
		env.SourceMeta = map[string]any{}
	}
	if _, ok := env.SourceMeta["source"]; !ok {
		env.SourceMeta["source"] = "queue"
	}
	env.SourceMeta["topic"] = c.binding.Topic

	return env, env.Validate()
}
