// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/silvachamo/agrosync/internal/auth"
	"github.com/silvachamo/agrosync/internal/events"
	"github.com/silvachamo/agrosync/internal/logging"
	"github.com/silvachamo/agrosync/internal/metrics"
	"github.com/silvachamo/agrosync/internal/netmon"
	"github.com/silvachamo/agrosync/internal/ratelimit"
	"github.com/silvachamo/agrosync/internal/syncmgr"
	"github.com/silvachamo/agrosync/pkg/models"
	"github.com/silvachamo/agrosync/pkg/protocol"
)

const maxBodySize = 1 << 20

// Server is the HTTP server.
type Server struct {
	manager     *syncmgr.Manager
	monitor     *netmon.Monitor
	auth        *auth.Auth
	broadcaster *events.Broadcaster
	limiter     *ratelimit.Limiter

	persistBackend string
	remoteBackend  string
}

// Backends names the configured storage backends for the status endpoint.
type Backends struct {
	Persistence string
	Remote      string
}

// NewServer creates a new server.
func NewServer(
	manager *syncmgr.Manager,
	monitor *netmon.Monitor,
	authHandler *auth.Auth,
	broadcaster *events.Broadcaster,
	backends Backends,
) *Server {
	return &Server{
		manager:        manager,
		monitor:        monitor,
		auth:           authHandler,
		broadcaster:    broadcaster,
		persistBackend: backends.Persistence,
		remoteBackend:  backends.Remote,
	}
}

// SetRateLimiter enables per-user rate limiting on the protected routes.
func (s *Server) SetRateLimiter(l *ratelimit.Limiter) {
	s.limiter = l
}

// Handler returns the HTTP handler with auth and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	handle(mux, "GET /health", s.handleHealth)

	// Protected endpoints
	protected := http.NewServeMux()

	// Status and connectivity
	handle(protected, "GET /api/v1/status", s.handleStatus)
	handle(protected, "PUT /api/v1/connectivity", s.handleSetConnectivity)

	// Write queue
	handle(protected, "GET /api/v1/queue", s.handleQueue)
	handle(protected, "POST /api/v1/queue", s.handleEnqueue)
	handle(protected, "POST /api/v1/queue/drain", s.handleDrain)
	handle(protected, "GET /api/v1/queue/{id}", s.handleGetOperation)
	handle(protected, "POST /api/v1/queue/{id}/retry", s.handleRetry)
	handle(protected, "DELETE /api/v1/queue/{id}", s.handleDiscard)
	handle(protected, "POST /api/v1/writes", s.handleSubmit)

	// Snapshots and read-through
	handle(protected, "GET /api/v1/snapshots", s.handleListSnapshots)
	handle(protected, "GET /api/v1/snapshots/{label}", s.handleGetSnapshot)
	handle(protected, "PUT /api/v1/snapshots/{label}", s.handleSaveSnapshot)
	handle(protected, "GET /api/v1/records/{table}", s.handleRecords)

	// SSE endpoint
	handle(protected, "GET /api/v1/events", s.handleEvents)

	var h http.Handler = protected
	if s.limiter != nil {
		h = ratelimit.Middleware(s.limiter, subjectOf)(h)
	}
	mux.Handle("/api/v1/", s.auth.Middleware(h))

	return logging.Middleware(mux)
}

func subjectOf(ctx context.Context) (string, bool) {
	sub := auth.Subject(ctx)
	return sub, sub != ""
}

func handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	route := pattern
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		route = pattern[i+1:]
	}
	mux.Handle(pattern, metrics.Instrument(route, h))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": "1.0"})
}

// ─── Status ─────────────────────────────────────────────────────────────────

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, blocked := s.manager.Pending()
	sendJSON(w, http.StatusOK, protocol.StatusResponse{
		Online:          s.monitor.IsOnline(),
		LastChange:      s.monitor.LastChange(),
		Pending:         pending,
		NeedsResolution: blocked,
		Persistence:     s.persistBackend,
		Remote:          s.remoteBackend,
	})
}

func (s *Server) handleSetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req protocol.ConnectivityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if s.monitor.SetFrom(req.Online, "api") {
		logging.WithContext(r.Context()).Info("connectivity set by operator",
			zap.Bool("online", req.Online),
			zap.String("user", auth.Subject(r.Context())))
	}
	s.handleStatus(w, r)
}

// ─── Queue ──────────────────────────────────────────────────────────────────

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	ops := s.manager.Queue()
	sendJSON(w, http.StatusOK, protocol.QueueResponse{Operations: ops, Count: len(ops)})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.sendSyncError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.OperationResponse{Operation: op})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	op, ok := s.decodeOperation(w, r)
	if !ok {
		return
	}
	queued, err := s.manager.Enqueue(r.Context(), op)
	if err != nil {
		s.sendSyncError(w, r, err)
		return
	}
	sendJSON(w, http.StatusAccepted, protocol.OperationResponse{Operation: queued})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	op, ok := s.decodeOperation(w, r)
	if !ok {
		return
	}
	res, err := s.manager.Submit(r.Context(), op)
	if err != nil {
		s.sendSyncError(w, r, err)
		return
	}

	resp := protocol.SubmitResponse{Operation: res.Op, Applied: res.Applied}
	if res.Drain.Count > 0 || len(res.Drain.Failures) > 0 {
		resp.Drain = s.drainResponse(res.Drain)
	}
	code := http.StatusAccepted
	if res.Applied {
		code = http.StatusOK
	}
	sendJSON(w, code, resp)
}

func (s *Server) decodeOperation(w http.ResponseWriter, r *http.Request) (models.Operation, bool) {
	var req protocol.EnqueueRequest
	if !decodeBody(w, r, &req) {
		return models.Operation{}, false
	}
	return models.Operation{
		Table:      req.Table,
		Action:     req.Action,
		Payload:    req.Payload,
		KeyColumn:  req.KeyColumn,
		EnqueuedBy: auth.Subject(r.Context()),
	}, true
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	res := s.manager.Drain(r.Context())
	sendJSON(w, http.StatusOK, s.drainResponse(res))
}

func (s *Server) drainResponse(res syncmgr.DrainResult) *protocol.DrainResponse {
	pending, _ := s.manager.Pending()
	out := &protocol.DrainResponse{
		Count:    res.Count,
		Failures: make([]protocol.FailureInfo, 0, len(res.Failures)),
		Pending:  pending,
	}
	for _, f := range res.Failures {
		out.Failures = append(out.Failures, protocol.FailureInfo{
			Operation: f.Op,
			Kind:      f.Kind,
			Message:   f.Message,
		})
	}
	return out
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	op, err := s.manager.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendSyncError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.OperationResponse{Operation: op})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	op, err := s.manager.Discard(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendSyncError(w, r, err)
		return
	}
	logging.WithContext(r.Context()).Info("operation discarded by operator",
		zap.String("op_id", op.ID),
		zap.String("user", auth.Subject(r.Context())))
	sendJSON(w, http.StatusOK, protocol.OperationResponse{Operation: op})
}

// ─── Snapshots ──────────────────────────────────────────────────────────────

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	labels, err := s.manager.Snapshots(r.Context())
	if err != nil {
		s.sendSyncError(w, r, err)
		return
	}
	if labels == nil {
		labels = []string{}
	}
	sendJSON(w, http.StatusOK, protocol.SnapshotListResponse{Labels: labels})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("label")
	snap, found, err := s.manager.Snapshot(r.Context(), label)
	if err != nil {
		s.sendSyncError(w, r, err)
		return
	}
	if !found {
		s.sendError(w, http.StatusNotFound, fmt.Sprintf("no snapshot for label %q", label), models.KindNotFound)
		return
	}
	sendJSON(w, http.StatusOK, protocol.SnapshotResponse{
		Label:   snap.Label,
		Records: snap.Records,
		SavedAt: snap.SavedAt,
	})
}

func (s *Server) handleSaveSnapshot(w http.ResponseWriter, r *http.Request) {
	var req protocol.SaveSnapshotRequest
	if !decodeBody(w, r, &req) {
		return
	}
	label := r.PathValue("label")
	if err := s.manager.SaveSnapshot(r.Context(), label, req.Records); err != nil {
		s.sendSyncError(w, r, err)
		return
	}
	s.handleGetSnapshot(w, r)
}

// handleRecords reads a table through the snapshot cache. Query parameters
// other than label and token are filters in PostgREST form, col=op.value.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	query := r.URL.Query()
	label := query.Get("label")

	filters, err := parseFilters(query)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error(), models.KindInvalid)
		return
	}

	res, err := s.manager.Fetch(r.Context(), label, table, filters)
	if err != nil {
		s.sendSyncError(w, r, err)
		return
	}

	if label == "" {
		label = table
	}
	resp := protocol.RecordsResponse{
		Table:   table,
		Label:   label,
		Source:  string(res.Source),
		Records: res.Records,
	}
	if res.Source == syncmgr.SourceSnapshot {
		saved := res.SavedAt
		resp.SavedAt = &saved
		if res.RemoteErr != nil {
			resp.Warning = "remote unavailable: " + res.RemoteErr.Error()
		} else {
			resp.Warning = "offline"
		}
	}
	sendJSON(w, http.StatusOK, resp)
}

func parseFilters(query map[string][]string) ([]models.Filter, error) {
	columns := make([]string, 0, len(query))
	for col := range query {
		if col == "label" || col == "token" {
			continue
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)

	var filters []models.Filter
	for _, col := range columns {
		for _, v := range query[col] {
			op, value, ok := strings.Cut(v, ".")
			if !ok {
				return nil, fmt.Errorf("filter %s=%s: expected op.value", col, v)
			}
			if _, known := models.FilterOps[op]; !known {
				return nil, fmt.Errorf("filter %s: unknown operator %q", col, op)
			}
			filters = append(filters, models.Filter{Column: col, Op: op, Value: value})
		}
	}
	return filters, nil
}

// ─── Events ─────────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	// Current state first so a new subscriber does not wait for a flip.
	pending, _ := s.manager.Pending()
	online := s.monitor.IsOnline()
	writeEvent(w, events.Event{
		Type:      protocol.EventConnectivity,
		Online:    &online,
		Pending:   pending,
		Timestamp: time.Now().Unix(),
	})
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, event)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event events.Event) {
	data, err := events.MarshalEvent(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		sendJSON(w, http.StatusBadRequest, protocol.ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  http.StatusBadRequest,
			Kind:  models.KindInvalid,
		})
		return false
	}
	return true
}

// statusFor maps a manager error onto an HTTP status.
func statusFor(err error) (int, models.ErrorKind) {
	switch {
	case errors.Is(err, syncmgr.ErrNotQueued), errors.Is(err, syncmgr.ErrNoSnapshot):
		return http.StatusNotFound, models.KindNotFound
	case errors.Is(err, syncmgr.ErrInFlight):
		return http.StatusConflict, ""
	case errors.Is(err, syncmgr.ErrQueueFull):
		return http.StatusServiceUnavailable, models.KindPersistence
	}

	kind := syncmgr.KindOf(err)
	switch kind {
	case models.KindInvalid:
		return http.StatusBadRequest, kind
	case models.KindAuthorization:
		return http.StatusForbidden, kind
	case models.KindNotFound:
		return http.StatusNotFound, kind
	case models.KindRejected:
		return http.StatusUnprocessableEntity, kind
	case models.KindNeedsResolution:
		return http.StatusConflict, kind
	case models.KindPersistence:
		return http.StatusInsufficientStorage, kind
	case models.KindTransport:
		return http.StatusServiceUnavailable, kind
	}
	return http.StatusInternalServerError, kind
}

func (s *Server) sendSyncError(w http.ResponseWriter, r *http.Request, err error) {
	code, kind := statusFor(err)
	if code >= 500 {
		logging.WithContext(r.Context()).Error("request failed", zap.Int("status", code), logging.Kind(kind), zap.Error(err))
	}
	sendJSON(w, code, protocol.ErrorResponse{
		Error:     err.Error(),
		Code:      code,
		Kind:      kind,
		RequestID: logging.GetRequestID(r.Context()),
	})
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string, kind models.ErrorKind) {
	sendJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
		Kind:  kind,
	})
}

func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
