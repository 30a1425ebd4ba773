package messaging

import (
	"context"
	"testing"
	"time"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(NewLoggingProvider("")); err != nil {
		t.Fatalf("register: %v", err)
	}
	provider, ok := registry.Get("LOGGING")
	if !ok || provider.Name() != "logging" {
		t.Fatalf("lookup must be case-insensitive")
	}
	if err := registry.Register(NewLoggingProvider("logging")); err == nil {
		t.Fatalf("duplicate names must be rejected")
	}
	if _, ok := registry.Get("missing"); ok {
		t.Fatalf("unknown provider must not resolve")
	}
}

func TestLoggingProviderPublishAlwaysSucceeds(t *testing.T) {
	provider := NewLoggingProvider("")
	err := provider.Publish(context.Background(), "visits", "v-1", []byte(`{"x":1}`), map[string]string{"a": "b"})
	if err != nil {
		t.Fatalf("logging publish: %v", err)
	}
	if err := provider.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestWatermillProviderRoundTrip(t *testing.T) {
	provider := NewWatermillProvider("")
	defer func() { _ = provider.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	messages, err := provider.Subscribe(ctx, "visits")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	payload := []byte(`{"visitId":"v-1"}`)
	headers := map[string]string{"X-Correlation-Id": "ib-1"}
	if err := provider.Publish(ctx, "visits", "v-1", payload, headers); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-messages:
		if string(msg.Payload) != string(payload) {
			t.Fatalf("unexpected payload %s", msg.Payload)
		}
		if msg.Metadata.Get("X-Correlation-Id") != "ib-1" {
			t.Fatalf("headers must travel as metadata")
		}
		if msg.Metadata.Get("partition_key") != "v-1" {
			t.Fatalf("key must travel as metadata")
		}
		msg.Ack()
	case <-ctx.Done():
		t.Fatalf("message not delivered")
	}
}
