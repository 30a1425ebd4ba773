package messaging

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// WatermillProvider publishes through a watermill publisher. The default
// construction uses the in-process gochannel pub/sub; Subscriber exposes the
// same channel for in-process consumers.
type WatermillProvider struct {
	name       string
	publisher  message.Publisher
	subscriber message.Subscriber
}

// NewWatermillProvider constructs an in-process gochannel provider.
func NewWatermillProvider(name string) *WatermillProvider {
	if name == "" {
		name = "watermill"
	}
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	return &WatermillProvider{
		name:       name,
		publisher:  pubSub,
		subscriber: pubSub,
	}
}

// NewWatermillProviderWith wires an externally constructed publisher, e.g. a
// broker-backed watermill implementation.
func NewWatermillProviderWith(name string, publisher message.Publisher, subscriber message.Subscriber) *WatermillProvider {
	return &WatermillProvider{name: name, publisher: publisher, subscriber: subscriber}
}

// Name returns the provider identifier.
func (p *WatermillProvider) Name() string { return p.name }

// Publish sends the payload to the destination topic.
func (p *WatermillProvider) Publish(_ context.Context, destination, key string, payload []byte, headers map[string]string) error {
	if p == nil || p.publisher == nil {
		return fmt.Errorf("watermill provider: not initialised")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	for name, value := range headers {
		msg.Metadata.Set(name, value)
	}
	if key != "" {
		msg.Metadata.Set("partition_key", key)
	}
	if err := p.publisher.Publish(destination, msg); err != nil {
		return fmt.Errorf("watermill provider: publish to %q: %w", destination, err)
	}
	return nil
}

// Subscribe exposes the underlying subscriber for in-process consumption.
func (p *WatermillProvider) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if p == nil || p.subscriber == nil {
		return nil, fmt.Errorf("watermill provider: no subscriber")
	}
	return p.subscriber.Subscribe(ctx, topic)
}

// Health reports healthy while the publisher is wired.
func (p *WatermillProvider) Health(context.Context) error {
	if p == nil || p.publisher == nil {
		return fmt.Errorf("watermill provider: not initialised")
	}
	return nil
}

// Close shuts the publisher down.
func (p *WatermillProvider) Close() error {
	if p == nil || p.publisher == nil {
		return nil
	}
	return p.publisher.Close()
}

var _ Provider = (*WatermillProvider)(nil)
