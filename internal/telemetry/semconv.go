// Package telemetry provides semantic conventions for broker observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for broker-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Envelope attributes
	AttrEnvelopeKind = attribute.Key("envelope.kind")
	AttrEnvelopeType = attribute.Key("envelope.type")
	AttrSource       = attribute.Key("source")
	AttrFlowID       = attribute.Key("flow.id")

	// Delivery attributes
	AttrProvider  = attribute.Key("provider")
	AttrConnector = attribute.Key("connector")
	AttrOperation = attribute.Key("operation")
	AttrResult    = attribute.Key("result")
	AttrOutcome   = attribute.Key("outcome")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")

	// Error attributes
	AttrErrorType = attribute.Key("error.type")
	AttrReason    = attribute.Key("reason")

	// Transport attributes
	AttrChannel         = attribute.Key("channel")
	AttrConnectionState = attribute.Key("connection.state")
)

// Channel values for inbound transports.
const (
	ChannelHTTP      = "http"
	ChannelWebSocket = "websocket"
	ChannelQueue     = "queue"
	ChannelPoller    = "poller"
)

// Helper functions for creating common attribute sets

// EnvelopeAttributes returns common attributes for pipeline metrics.
func EnvelopeAttributes(environment, kind, envelopeType, source string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEnvelopeKind.String(kind),
		AttrEnvelopeType.String(envelopeType),
		AttrSource.String(source),
	}
}

// FlowAttributes returns attributes for flow execution metrics.
func FlowAttributes(environment, flowID, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrFlowID.String(flowID),
		AttrOutcome.String(outcome),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// DeliveryAttributes returns attributes for outbox delivery metrics.
func DeliveryAttributes(environment, provider, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ConnectionAttributes returns attributes for transport connection metrics.
func ConnectionAttributes(environment, channel, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrChannel.String(channel),
		AttrConnectionState.String(state),
	}
}
