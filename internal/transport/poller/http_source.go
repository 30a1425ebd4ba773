package poller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/aritmos/ibroker/errs"
	"github.com/aritmos/ibroker/internal/envelope"
)

const (
	maxPollBodyBytes   = 4 << 20 // 4 MiB
	defaultHTTPTimeout = 15 * time.Second
)

// HTTPSourceConfig describes a REST endpoint that returns a JSON array of
// envelope documents per poll.
type HTTPSourceConfig struct {
	Name string
	URL  string
	// Headers are sent with every fetch (e.g. upstream auth).
	Headers map[string]string
	// DefaultKind and DefaultType fill envelopes whose documents omit them.
	DefaultKind string
	DefaultType string
	Timeout     time.Duration
}

// HTTPSource polls a REST endpoint for batched envelopes.
type HTTPSource struct {
	cfg    HTTPSourceConfig
	client *http.Client
}

// NewHTTPSource validates the configuration. A nil client uses a dedicated
// client with the configured timeout.
func NewHTTPSource(cfg HTTPSourceConfig, client *http.Client) (*HTTPSource, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, errs.New("poller", errs.CodeInvalidArgument,
			errs.WithMessage("poller: http source name required"))
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return nil, errs.New("poller", errs.CodeInvalidArgument,
			errs.WithMessage(fmt.Sprintf("poller: http source url %q must be http or https", cfg.URL)))
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPSource{cfg: cfg, client: client}, nil
}

// Name identifies the source in logs and envelope source metadata.
func (s *HTTPSource) Name() string { return s.cfg.Name }

// Fetch GETs the endpoint and decodes the returned array. A 2xx with an
// empty array is a normal idle poll.
func (s *HTTPSource) Fetch(ctx context.Context) ([]envelope.Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("poll %s: build request: %w", s.cfg.Name, err)
	}
	req.Header.Set("Accept", "application/json")
	for name, value := range s.cfg.Headers {
		req.Header.Set(name, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", s.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxPollBodyBytes))
		return nil, errs.New("poller", errs.CodeUpstreamHTTP,
			errs.WithMessage(fmt.Sprintf("poll %s: upstream status %d", s.cfg.Name, resp.StatusCode)),
			errs.WithHTTP(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPollBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("poll %s: read body: %w", s.cfg.Name, err)
	}

	var batch []envelope.Envelope
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("poll %s: decode batch: %w", s.cfg.Name, err)
	}
	for i := range batch {
		if batch[i].Kind == "" {
			batch[i].Kind = envelope.ParseKind(s.cfg.DefaultKind)
		}
		if batch[i].Type == "" {
			batch[i].Type = s.cfg.DefaultType
		}
	}
	return batch, nil
}
