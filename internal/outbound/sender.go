package outbound

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aritmos/ibroker/errs"
	"github.com/aritmos/ibroker/internal/observability"
	"github.com/aritmos/ibroker/internal/telemetry"
)

const maxResponseBytes = 4 << 20

// Request is one outbound REST call, fully composed except for credentials.
type Request struct {
	Connector      string
	Method         string
	URL            string
	Body           []byte
	Headers        map[string]string
	IdempotencyKey string
}

// Response is the upstream reply. Body is capped at 4 MiB.
type Response struct {
	StatusCode int
	Body       []byte
}

// Sender executes REST calls against connector profiles. Credentials are
// resolved immediately before the wire write and never stored.
type Sender struct {
	connectors *ConnectorRegistry
	client     *http.Client
	metrics    observability.Metrics
}

// NewSender builds a sender over the given connector registry. The client's
// own timeout stays unset; per-call deadlines come from the connector profile.
func NewSender(connectors *ConnectorRegistry) *Sender {
	return &Sender{
		connectors: connectors,
		client:     &http.Client{},
		metrics:    observability.Telemetry(),
	}
}

// Send executes the request through its connector. A non-2xx status that the
// connector accepts (409 by default) still returns a nil error; other non-2xx
// statuses return the response alongside an UPSTREAM_HTTP_ERROR so callers
// can inspect the body.
func (s *Sender) Send(ctx context.Context, req Request) (Response, error) {
	connector, err := s.connectors.Get(req.Connector)
	if err != nil {
		return Response{}, err
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		return Response{}, errs.New("outbound", errs.CodeInvalidArgument,
			errs.WithMessage("request method is required"),
			errs.WithDetail("connector", connector.Name()),
		)
	}

	callCtx, cancel := context.WithTimeout(ctx, connector.Timeout())
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, method, connector.URL(req.URL), body)
	if err != nil {
		return Response{}, errs.New("outbound", errs.CodeInvalidArgument,
			errs.WithMessage("invalid outbound request"),
			errs.WithCause(err),
			errs.WithDetail("connector", connector.Name()),
		)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(connector.IdempotencyHeader(), req.IdempotencyKey)
	}

	// Credentials are composed here, at send time only.
	authHeaders, err := connector.auth.headers(callCtx)
	if err != nil {
		return Response{}, err
	}
	for key, value := range authHeaders {
		httpReq.Header.Set(key, value)
	}

	start := time.Now()
	httpResp, err := s.client.Do(httpReq)
	s.observe(connector.Name(), strings.ToLower(method), time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Response{}, errs.New("outbound", errs.CodeTimeout,
				errs.WithMessage("outbound call deadline exceeded"),
				errs.WithCause(err),
				errs.WithDetail("connector", connector.Name()),
			)
		}
		return Response{}, errs.New("outbound", errs.CodeUpstreamHTTP,
			errs.WithMessage("outbound call failed"),
			errs.WithCause(err),
			errs.WithDetail("connector", connector.Name()),
		)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return Response{StatusCode: httpResp.StatusCode}, errs.New("outbound", errs.CodeUpstreamHTTP,
			errs.WithMessage("reading upstream response failed"),
			errs.WithHTTP(httpResp.StatusCode),
			errs.WithCause(err),
			errs.WithDetail("connector", connector.Name()),
		)
	}

	resp := Response{StatusCode: httpResp.StatusCode, Body: respBody}
	if connector.Accepts(httpResp.StatusCode) {
		return resp, nil
	}
	if httpResp.StatusCode == http.StatusUnauthorized {
		// Drop any cached token so the next attempt refetches.
		connector.auth.invalidate()
	}
	return resp, errs.New("outbound", errs.CodeUpstreamHTTP,
		errs.WithMessage("upstream returned an error status"),
		errs.WithHTTP(httpResp.StatusCode),
		errs.WithDetail("connector", connector.Name()),
	)
}

func (s *Sender) observe(connector, operation string, elapsed time.Duration) {
	metrics := s.metrics
	if metrics == nil {
		metrics = observability.Telemetry()
	}
	metrics.ObserveHistogram(observability.MetricOutboundCallDuration, elapsed.Seconds(), map[string]string{
		string(telemetry.AttrConnector): connector,
		string(telemetry.AttrOperation): operation,
	})
}
