// Package ws maintains an inbound WebSocket session against an upstream
// event stream and feeds received envelopes into the processing pipeline.
//
// The read loop never does pipeline work itself: every message is offloaded
// to a bounded worker pool so a slow flow cannot stall the socket.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/aritmos/ibroker/errs"
	"github.com/aritmos/ibroker/internal/app/pipeline"
	"github.com/aritmos/ibroker/internal/envelope"
	"github.com/aritmos/ibroker/internal/observability"
	"github.com/aritmos/ibroker/lib/async"
)

const (
	maxReconnectInterval = 30 * time.Second
	readLimitBytes       = 1 << 20

	defaultWorkers   = 8
	defaultQueueSize = 256
)

// Processor runs one envelope through the broker pipeline.
type Processor interface {
	Process(ctx context.Context, env envelope.Envelope) (pipeline.Result, error)
}

// Config describes the upstream stream connection.
type Config struct {
	// URL is the websocket endpoint, ws:// or wss://.
	URL string
	// Headers are sent with the dial handshake (e.g. upstream auth).
	Headers http.Header
	// DefaultKind applies when a received document carries no kind.
	DefaultKind string
	// Workers and QueueSize bound the handler pool.
	Workers   int
	QueueSize int
}

// Client is the reconnecting stream consumer.
type Client struct {
	cfg       Config
	processor Processor
	pool      *async.Pool
}

// NewClient validates the configuration and builds the handler pool.
func NewClient(cfg Config, processor Processor) (*Client, error) {
	if processor == nil {
		return nil, errs.New("ws", errs.CodeInvalidArgument,
			errs.WithMessage("ws client: processor required"))
	}
	trimmed := strings.TrimSpace(cfg.URL)
	if !strings.HasPrefix(trimmed, "ws://") && !strings.HasPrefix(trimmed, "wss://") {
		return nil, errs.New("ws", errs.CodeInvalidArgument,
			errs.WithMessage(fmt.Sprintf("ws client: invalid url %q", cfg.URL)))
	}
	cfg.URL = trimmed
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	pool, err := async.NewPool(cfg.Workers, cfg.QueueSize)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, processor: processor, pool: pool}, nil
}

// Run keeps a single session alive until the context is cancelled,
// re-dialing with exponential backoff after any failure.
func (c *Client) Run(ctx context.Context) error {
	defer c.pool.Close()

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
			HTTPHeader: c.cfg.Headers,
		})
		if err != nil {
			observability.Log().Warn("ws dial failed",
				observability.String("url", c.cfg.URL),
				observability.Err(err),
			)
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxReconnectInterval
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
				continue
			}
		}
		backoffCfg.Reset()
		conn.SetReadLimit(readLimitBytes)
		observability.Log().Info("ws connected", observability.String("url", c.cfg.URL))

		err = c.readLoop(ctx, conn)
		conn.Close(websocket.StatusNormalClosure, "session ended")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		observability.Log().Warn("ws session ended",
			observability.String("url", c.cfg.URL),
			observability.Err(err),
		)
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		env, err := c.asEnvelope(data)
		if err != nil {
			observability.Log().Warn("ws message rejected", observability.Err(err))
			continue
		}
		if err := c.pool.Submit(ctx, func(taskCtx context.Context) error {
			c.process(taskCtx, env)
			return nil
		}); err != nil {
			// Saturated pool: drop the message rather than block the socket;
			// the upstream stream owns redelivery.
			observability.Log().Warn("ws handler pool saturated",
				observability.String("messageId", env.MessageID),
				observability.Err(err),
			)
		}
	}
}

func (c *Client) process(ctx context.Context, env envelope.Envelope) {
	result, err := c.processor.Process(ctx, env)
	if err != nil {
		observability.Log().Warn("ws envelope failed",
			observability.String("type", env.Type),
			observability.String("messageId", env.MessageID),
			observability.Err(err),
		)
		return
	}
	observability.Log().Debug("ws envelope handled",
		observability.String("type", env.Type),
		observability.String("outcome", string(result.Outcome)),
	)
}

func (c *Client) asEnvelope(data []byte) (envelope.Envelope, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope.Envelope{}, errs.New("ws", errs.CodeInvalidArgument,
			errs.WithMessage("ws client: malformed envelope document"), errs.WithCause(err))
	}
	if env.Kind == "" {
		env.Kind = envelope.ParseKind(c.cfg.DefaultKind)
		if env.Kind == "" {
			env.Kind = envelope.KindEvent
		}
	} else {
		env.Kind = envelope.ParseKind(string(env.Kind))
	}
	if env.MessageID == "" {
		env.MessageID = "ws-" + uuid.NewString()
	}
	if env.SourceMeta == nil {
		env.SourceMeta = map[string]any{}
	}
	if _, ok := env.SourceMeta["source"]; !ok {
		env.SourceMeta["source"] = "ws"
	}
	return env, env.Validate()
}
