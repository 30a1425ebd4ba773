// Package idempotency derives the logical key that guarantees at-most-one
// effective processing per inbound message.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/aritmos/ibroker/errs"
	"github.com/aritmos/ibroker/internal/config"
	"github.com/aritmos/ibroker/internal/envelope"
)

// sourceMetaKey is the sourceMeta field carrying a caller-provided key.
const sourceMetaKey = "idempotencyKey"

// Derive computes the idempotency key for an envelope.
//
// A caller-provided key (inbound idempotency header or sourceMeta) wins and
// must have the source:flow:externalId shape; a malformed provided key is an
// INVALID_ARGUMENT, never silently replaced. Otherwise the key is derived per
// the configured strategy and hashed so heterogeneous material cannot collide
// across strategies.
func Derive(strategy string, env envelope.Envelope, corr envelope.CorrelationContext, headerNames []string) (string, error) {
	if provided := providedKey(env, headerNames); provided != "" {
		if err := validateProvided(provided); err != nil {
			return "", err
		}
		return provided, nil
	}

	material, err := material(strategy, env, corr)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:]), nil
}

func providedKey(env envelope.Envelope, headerNames []string) string {
	for _, name := range headerNames {
		if value := env.Header(name); value != "" {
			return value
		}
	}
	return env.SourceMetaString(sourceMetaKey)
}

// validateProvided enforces the source:flow:externalId shape.
func validateProvided(key string) error {
	segments := strings.Split(key, ":")
	if len(segments) != 3 {
		return malformedKey(key)
	}
	for _, segment := range segments {
		if strings.TrimSpace(segment) == "" {
			return malformedKey(key)
		}
	}
	return nil
}

func malformedKey(key string) error {
	return errs.New("idempotency", errs.CodeInvalidArgument,
		errs.WithMessage("provided idempotency key must have the source:flow:externalId shape"),
		errs.WithHTTP(400),
		errs.WithDetail("key", key),
	)
}

func material(strategy string, env envelope.Envelope, corr envelope.CorrelationContext) (string, error) {
	switch strategy {
	case config.StrategyMessageID:
		if strings.TrimSpace(env.MessageID) == "" {
			return "", errs.New("idempotency", errs.CodeInvalidArgument,
				errs.WithMessage("MESSAGE_ID strategy requires a messageId"),
				errs.WithHTTP(400),
			)
		}
		return config.StrategyMessageID + ":" + env.Type + ":" + env.MessageID, nil
	case config.StrategyCorrelationID:
		return config.StrategyCorrelationID + ":" + env.Type + ":" + corr.CorrelationID, nil
	case config.StrategyPayloadHash:
		return payloadMaterial(env), nil
	case "", config.StrategyAuto:
		if strings.TrimSpace(env.MessageID) != "" {
			return config.StrategyMessageID + ":" + env.Type + ":" + env.MessageID, nil
		}
		if strings.TrimSpace(env.CorrelationID) != "" {
			return config.StrategyCorrelationID + ":" + env.Type + ":" + env.CorrelationID, nil
		}
		return payloadMaterial(env), nil
	default:
		return "", errs.New("idempotency", errs.CodeInvalidArgument,
			errs.WithMessage(fmt.Sprintf("unknown idempotency strategy %q", strategy)))
	}
}

func payloadMaterial(env envelope.Envelope) string {
	sum := sha256.Sum256(env.Payload)
	return config.StrategyPayloadHash + ":" + env.Type + ":" + hex.EncodeToString(sum[:])
}
