// Package httpserver exposes the inbound ingress endpoint and the operator
// API: dead-letter inspection and replay, both outbox variants, idempotency
// records, the dry-run switch, and the runtime configuration.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/aritmos/ibroker/errs"
	"github.com/aritmos/ibroker/internal/app/pipeline"
	"github.com/aritmos/ibroker/internal/config"
	"github.com/aritmos/ibroker/internal/domain/dlqstore"
	"github.com/aritmos/ibroker/internal/domain/idemstore"
	"github.com/aritmos/ibroker/internal/domain/outboxstore"
	"github.com/aritmos/ibroker/internal/dryrun"
	"github.com/aritmos/ibroker/internal/envelope"
	"github.com/aritmos/ibroker/internal/infra/persistence/postgres"
	"github.com/aritmos/ibroker/internal/observability"
	"github.com/aritmos/ibroker/internal/outbound"
	"github.com/aritmos/ibroker/internal/sanitize"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	ingressPath = "/ingress"

	dlqPath         = "/dlq"
	dlqDetailPrefix = dlqPath + "/"

	messagesPath        = "/outbox/messages"
	messageDetailPrefix = messagesPath + "/"
	callsPath           = "/outbox/calls"
	callDetailPrefix    = callsPath + "/"

	idempotencyPath         = "/idempotency"
	idempotencyCountsPath   = idempotencyPath + "/counts"
	idempotencyDetailPrefix = idempotencyPath + "/"

	dryRunPath        = "/dryrun"
	runtimeConfigPath = "/config/runtime"

	replayAction = "replay"
	unlockAction = "unlock"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Processor runs one envelope through the broker pipeline.
type Processor interface {
	Process(ctx context.Context, env envelope.Envelope) (pipeline.Result, error)
}

// DeadLetterService covers the operator view of the dead-letter queue.
type DeadLetterService interface {
	Get(ctx context.Context, id int64) (dlqstore.Record, error)
	List(ctx context.Context, query dlqstore.Query) ([]dlqstore.Record, error)
	Replay(ctx context.Context, id int64) (pipeline.Result, error)
}

// Options carries the handler dependencies.
type Options struct {
	Processor    Processor
	DeadLetters  DeadLetterService
	Messages     outboxstore.MessageStore
	Calls        outboxstore.CallStore
	Idempotency  idemstore.Store
	DryRun       *dryrun.State
	RuntimeStore *config.RuntimeStore

	// Connectors, when set, is refreshed after a successful runtime config
	// update so new credentials and base URLs take effect without a restart.
	Connectors *outbound.ConnectorRegistry

	// IngressRate bounds accepted envelopes per second; zero disables the
	// limiter. IngressBurst defaults to the ceiling of IngressRate.
	IngressRate  float64
	IngressBurst int
}

type httpServer struct {
	processor    Processor
	deadletters  DeadLetterService
	messages     outboxstore.MessageStore
	calls        outboxstore.CallStore
	idempotency  idemstore.Store
	dryRun       *dryrun.State
	runtimeStore *config.RuntimeStore
	connectors   *outbound.ConnectorRegistry
	limiter      *rate.Limiter
}

// NewHandler builds the broker HTTP handler.
func NewHandler(opts Options) http.Handler {
	var limiter *rate.Limiter
	if opts.IngressRate > 0 {
		burst := opts.IngressBurst
		if burst <= 0 {
			burst = int(opts.IngressRate)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(opts.IngressRate), burst)
	}
	server := &httpServer{
		processor:    opts.Processor,
		deadletters:  opts.DeadLetters,
		messages:     opts.Messages,
		calls:        opts.Calls,
		idempotency:  opts.Idempotency,
		dryRun:       opts.DryRun,
		runtimeStore: opts.RuntimeStore,
		connectors:   opts.Connectors,
		limiter:      limiter,
	}
	mux := http.NewServeMux()

	mux.Handle(ingressPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.ingest,
	}))

	mux.Handle(dlqPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listDeadLetters,
	}))
	mux.Handle(dlqDetailPrefix, http.HandlerFunc(server.handleDeadLetterDetail))

	mux.Handle(messagesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listMessages,
	}))
	mux.Handle(messageDetailPrefix, http.HandlerFunc(server.handleMessageDetail))

	mux.Handle(callsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listCalls,
	}))
	mux.Handle(callDetailPrefix, http.HandlerFunc(server.handleCallDetail))

	mux.Handle(idempotencyPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listIdempotency,
	}))
	mux.Handle(idempotencyCountsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.idempotencyCounts,
	}))
	mux.Handle(idempotencyDetailPrefix, http.HandlerFunc(server.handleIdempotencyDetail))

	mux.Handle(dryRunPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.getDryRun,
		http.MethodPut:    server.setDryRun,
		http.MethodDelete: server.resetDryRun,
	}))

	mux.Handle(runtimeConfigPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getRuntimeConfig,
		http.MethodPut: server.updateRuntimeConfig,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// --- ingress ---

func (s *httpServer) ingest(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "ingress rate limit exceeded")
		return
	}
	limitRequestBody(w, r)
	var env envelope.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeDecodeError(w, err)
		return
	}
	env.Kind = envelope.ParseKind(string(env.Kind))
	if env.Headers == nil {
		env.Headers = map[string]string{}
	}
	// Correlation and idempotency headers propagated on the wire reach the
	// pipeline unless the envelope already carries its own.
	headerCfg := s.runtimeStore.Snapshot().Headers
	tracked := append([]string{headerCfg.CorrelationID, headerCfg.RequestID}, headerCfg.Idempotency...)
	for _, name := range tracked {
		if name == "" {
			continue
		}
		if value := r.Header.Get(name); value != "" && env.Header(name) == "" {
			env.Headers[name] = value
		}
	}
	if env.SourceMeta == nil {
		env.SourceMeta = map[string]any{}
	}
	if _, ok := env.SourceMeta["source"]; !ok {
		env.SourceMeta["source"] = "rest"
	}

	result, err := s.processor.Process(r.Context(), env)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	status := http.StatusOK
	if result.Outcome == pipeline.OutcomeLocked {
		// Another invocation holds the key; the caller may retry shortly.
		status = http.StatusAccepted
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, result)
}

// --- dead letters ---

func (s *httpServer) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	query := dlqstore.Query{
		Status:   dlqstore.Status(strings.ToUpper(r.URL.Query().Get("status"))),
		Type:     r.URL.Query().Get("type"),
		Source:   r.URL.Query().Get("source"),
		BranchID: r.URL.Query().Get("branchId"),
	}
	query.Limit, query.Offset = pagination(r)
	records, err := s.deadletters.List(r.Context(), query)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if records == nil {
		records = []dlqstore.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *httpServer) handleDeadLetterDetail(w http.ResponseWriter, r *http.Request) {
	id, action, ok := parseDetailPath(w, r.URL.Path, dlqDetailPrefix)
	if !ok {
		return
	}
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		record, err := s.deadletters.Get(r.Context(), id)
		if err != nil {
			writeBrokerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case replayAction:
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		result, err := s.deadletters.Replay(r.Context(), id)
		if err != nil {
			writeBrokerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		writeError(w, http.StatusNotFound, "unknown dead-letter action")
	}
}

// --- outbox ---

type replayRequest struct {
	ResetAttempts bool `json:"resetAttempts"`
}

func (s *httpServer) listMessages(w http.ResponseWriter, r *http.Request) {
	records, err := s.messages.List(r.Context(), outboxQuery(r))
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if records == nil {
		records = []outboxstore.MessageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *httpServer) handleMessageDetail(w http.ResponseWriter, r *http.Request) {
	id, action, ok := parseDetailPath(w, r.URL.Path, messageDetailPrefix)
	if !ok {
		return
	}
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		record, err := s.messages.Get(r.Context(), id)
		if err != nil {
			writeBrokerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case replayAction:
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		reset, ok := decodeReplayRequest(w, r)
		if !ok {
			return
		}
		if err := s.messages.Replay(r.Context(), id, reset); err != nil {
			writeBrokerError(w, err)
			return
		}
		record, err := s.messages.Get(r.Context(), id)
		if err != nil {
			writeBrokerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	default:
		writeError(w, http.StatusNotFound, "unknown outbox action")
	}
}

func (s *httpServer) listCalls(w http.ResponseWriter, r *http.Request) {
	records, err := s.calls.List(r.Context(), outboxQuery(r))
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if records == nil {
		records = []outboxstore.CallRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *httpServer) handleCallDetail(w http.ResponseWriter, r *http.Request) {
	id, action, ok := parseDetailPath(w, r.URL.Path, callDetailPrefix)
	if !ok {
		return
	}
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		record, err := s.calls.Get(r.Context(), id)
		if err != nil {
			writeBrokerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case replayAction:
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		reset, ok := decodeReplayRequest(w, r)
		if !ok {
			return
		}
		if err := s.calls.Replay(r.Context(), id, reset); err != nil {
			writeBrokerError(w, err)
			return
		}
		record, err := s.calls.Get(r.Context(), id)
		if err != nil {
			writeBrokerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	default:
		writeError(w, http.StatusNotFound, "unknown outbox action")
	}
}

func decodeReplayRequest(w http.ResponseWriter, r *http.Request) (bool, bool) {
	if r.Body == nil || r.ContentLength == 0 {
		return false, true
	}
	limitRequestBody(w, r)
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDecodeError(w, err)
		return false, false
	}
	return req.ResetAttempts, true
}

func outboxQuery(r *http.Request) outboxstore.Query {
	query := outboxstore.Query{
		Status: outboxstore.Status(strings.ToUpper(r.URL.Query().Get("status"))),
	}
	query.Limit, query.Offset = pagination(r)
	return query
}

// --- idempotency ---

type unlockRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *httpServer) listIdempotency(w http.ResponseWriter, r *http.Request) {
	query := idemstore.Query{
		Status: idemstore.Status(strings.ToUpper(r.URL.Query().Get("status"))),
		FlowID: r.URL.Query().Get("flowId"),
		Source: r.URL.Query().Get("source"),
	}
	query.Limit, query.Offset = pagination(r)
	records, err := s.idempotency.List(r.Context(), query)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if records == nil {
		records = []idemstore.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *httpServer) idempotencyCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.idempotency.Counts(r.Context())
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if counts == nil {
		counts = map[idemstore.Status]int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (s *httpServer) handleIdempotencyDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, idempotencyDetailPrefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "idempotency key required")
		return
	}
	key := rest
	action := ""
	if idx := strings.LastIndex(rest, "/"); idx >= 0 {
		key, action = rest[:idx], rest[idx+1:]
	}
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		record, err := s.idempotency.Get(r.Context(), key)
		if err != nil {
			writeBrokerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case unlockAction:
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		limitRequestBody(w, r)
		var req unlockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeDecodeError(w, err)
			return
		}
		if strings.TrimSpace(req.Actor) == "" || strings.TrimSpace(req.Reason) == "" {
			writeError(w, http.StatusBadRequest, "actor and reason required")
			return
		}
		record, err := s.idempotency.Unlock(r.Context(), key, req.Actor, req.Reason)
		if err != nil {
			writeBrokerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	default:
		writeError(w, http.StatusNotFound, "unknown idempotency action")
	}
}

// --- dry-run ---

type dryRunRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *httpServer) getDryRun(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, dryRunDocument(s.dryRun))
}

func (s *httpServer) setDryRun(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var req dryRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled required")
		return
	}
	s.dryRun.SetOverride(*req.Enabled)
	writeJSON(w, http.StatusOK, dryRunDocument(s.dryRun))
}

func (s *httpServer) resetDryRun(w http.ResponseWriter, _ *http.Request) {
	s.dryRun.ResetOverride()
	writeJSON(w, http.StatusOK, dryRunDocument(s.dryRun))
}

func dryRunDocument(state *dryrun.State) map[string]any {
	doc := map[string]any{
		"configuredDefault": state.ConfiguredDefault(),
		"effective":         state.Enabled(),
	}
	if override := state.Override(); override != nil {
		doc["override"] = *override
	}
	return doc
}

// --- runtime configuration ---

func (s *httpServer) getRuntimeConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runtimeStore.Snapshot())
}

func (s *httpServer) updateRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var cfg config.RuntimeConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeDecodeError(w, err)
		return
	}
	applied, err := s.runtimeStore.Replace(cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.connectors != nil {
		if err := s.connectors.Replace(applied.Connectors); err != nil {
			observability.Log().Warn("connector registry refresh failed", observability.Err(err))
		}
	}
	writeJSON(w, http.StatusOK, applied)
}

// --- helpers ---

func parseDetailPath(w http.ResponseWriter, path, prefix string) (int64, string, bool) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "record id required")
		return 0, "", false
	}
	idPart := rest
	action := ""
	if idx := strings.Index(rest, "/"); idx >= 0 {
		idPart, action = rest[:idx], rest[idx+1:]
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return 0, "", false
	}
	return id, action, true
}

func pagination(r *http.Request) (limit, offset int) {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			offset = v
		}
	}
	return limit, offset
}

// writeBrokerError maps pipeline and storage failures onto HTTP statuses. A
// parked envelope keeps its dead-letter id in the response so the operator can
// find it; only the sanitized message ever leaves the process.
func writeBrokerError(w http.ResponseWriter, err error) {
	var parked *pipeline.StoredInDlq
	if errors.As(err, &parked) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status":         "error",
			"error":          parked.SafeMessage,
			"code":           parked.ErrorCode,
			"dlqId":          parked.DlqID,
			"idempotencyKey": parked.IdempotencyKey,
		})
		return
	}
	if errors.Is(err, postgres.ErrNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	status := http.StatusInternalServerError
	code := errs.CodeOf(err)
	var e *errs.E
	if errors.As(err, &e) && e.HTTP > 0 {
		status = e.HTTP
	} else {
		switch code {
		case errs.CodeInvalidArgument:
			status = http.StatusBadRequest
		case errs.CodeNoFlow, errs.CodeDisabled:
			status = http.StatusUnprocessableEntity
		case errs.CodeConflict:
			status = http.StatusConflict
		case errs.CodeNotImplemented:
			status = http.StatusNotImplemented
		case errs.CodeTimeout:
			status = http.StatusGatewayTimeout
		case errs.CodeStorage:
			status = http.StatusServiceUnavailable
		case errs.CodeUpstreamHTTP:
			status = http.StatusBadGateway
		}
	}
	message := sanitize.Text(err.Error())
	if e != nil && e.Message != "" {
		message = e.Message
	}
	payload := map[string]any{"status": "error", "error": message}
	if code != "" {
		payload["code"] = string(code)
	}
	writeJSON(w, status, payload)
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
