package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "reev-harness/internal/errors"
	"reev-harness/internal/execution"
	"reev-harness/internal/flow"
	"reev-harness/internal/observability/metrics"
	"reev-harness/internal/storage/pool"
	"reev-harness/internal/storage/session"
	"reev-harness/pkg/logger"
)

const maxBodyBytes = 4 << 20

// Executions is the part of execution.Service the API drives.
type Executions interface {
	Submit(ctx context.Context, req execution.SubmitRequest) (*execution.Execution, error)
	Get(ctx context.Context, id string) (*execution.Execution, error)
	List(ctx context.Context, opts ...execution.ListOption) ([]*execution.Execution, error)
	Stats(ctx context.Context, opts ...execution.ListOption) (execution.Stats, error)
}

// Sessions is the read side of the session store plus tool-call ingestion.
type Sessions interface {
	GetConsolidatedSession(ctx context.Context, consolidatedID string) (*session.ConsolidatedSession, error)
	GetSessionToolCalls(ctx context.Context, sessionID string) ([]session.ToolCall, error)
	GetToolCallStats(ctx context.Context, sessionID string) (*session.ToolCallStats, error)
	IngestToolEvents(ctx context.Context, sessionID string, events []session.ToolEvent) ([]session.ConsolidationOutcome, error)
}

// Server exposes flow submission and session queries over HTTP.
type Server struct {
	addr       string
	executions Executions
	sessions   Sessions
	poolStats  func() pool.Stats
	metrics    *metrics.Registry
	log        *slog.Logger
}

// Option customises a Server.
type Option func(*Server)

// WithPoolStats exposes the pool counters on /api/v1/pool/stats.
func WithPoolStats(stats func() pool.Stats) Option {
	return func(s *Server) {
		s.poolStats = stats
	}
}

// WithMetrics records requests on registry and serves it on /metrics.
func WithMetrics(registry *metrics.Registry) Option {
	return func(s *Server) {
		if registry != nil {
			s.metrics = registry
		}
	}
}

// NewServer builds the API server.
func NewServer(addr string, executions Executions, sessions Sessions, opts ...Option) *Server {
	s := &Server{
		addr:       addr,
		executions: executions,
		sessions:   sessions,
		metrics:    metrics.Default(),
		log:        logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/flows", s.handleSubmitFlow)
	s.route(mux, "GET /api/v1/executions", s.handleListExecutions)
	s.route(mux, "GET /api/v1/executions/stats", s.handleExecutionStats)
	s.route(mux, "GET /api/v1/executions/{id}", s.handleExecutionDetail)
	s.route(mux, "GET /api/v1/consolidated/{id}", s.handleConsolidated)
	s.route(mux, "GET /api/v1/sessions/{id}/tool-calls", s.handleToolCalls)
	s.route(mux, "GET /api/v1/sessions/{id}/tool-stats", s.handleToolStats)
	s.route(mux, "POST /api/v1/tool-calls", s.handleIngestToolCalls)
	s.route(mux, "GET /api/v1/pool/stats", s.handlePoolStats)
	s.route(mux, "GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api listening", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// route registers handler under pattern and records its request metrics.
func (s *Server) route(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	method, path, _ := strings.Cut(pattern, " ")
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		handler(rec, r)
		s.metrics.ObserveHTTPRequest(path, method, rec.status, time.Since(started))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleSubmitFlow(w http.ResponseWriter, r *http.Request) {
	if s.executions == nil {
		writeError(w, http.StatusServiceUnavailable, "execution service not initialized")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body")
		return
	}

	var req execution.SubmitRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.Contains(mediaType, "yaml") {
		plan, err := flow.ParsePlan(body)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		req = execution.SubmitRequest{ExecutionID: r.URL.Query().Get("execution_id"), Plan: plan}
	} else if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request body: "+err.Error())
		return
	}

	exec, err := s.executions.Submit(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.executions == nil {
		writeError(w, http.StatusServiceUnavailable, "execution service not initialized")
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.executions.List(r.Context(), opts...)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	for _, exec := range list {
		exec.Plan = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": list, "count": len(list)})
}

func (s *Server) handleExecutionStats(w http.ResponseWriter, r *http.Request) {
	if s.executions == nil {
		writeError(w, http.StatusServiceUnavailable, "execution service not initialized")
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := s.executions.Stats(r.Context(), opts...)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleExecutionDetail(w http.ResponseWriter, r *http.Request) {
	if s.executions == nil {
		writeError(w, http.StatusServiceUnavailable, "execution service not initialized")
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "execution id is required")
		return
	}
	exec, err := s.executions.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleConsolidated(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session store not initialized")
		return
	}
	cs, err := s.sessions.GetConsolidatedSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (s *Server) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session store not initialized")
		return
	}
	sessionID := r.PathValue("id")
	calls, err := s.sessions.GetSessionToolCalls(r.Context(), sessionID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if calls == nil {
		calls = []session.ToolCall{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "tool_calls": calls})
}

func (s *Server) handleToolStats(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session store not initialized")
		return
	}
	stats, err := s.sessions.GetToolCallStats(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type ingestRequest struct {
	SessionID string              `json:"session_id"`
	Events    []session.ToolEvent `json:"events"`
}

func (s *Server) handleIngestToolCalls(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session store not initialized")
		return
	}
	var req ingestRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	outcomes, err := s.sessions.IngestToolEvents(r.Context(), req.SessionID, req.Events)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": req.SessionID, "outcomes": outcomes})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, _ *http.Request) {
	if s.poolStats == nil {
		writeError(w, http.StatusServiceUnavailable, "connection pool not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.poolStats())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseListOptions(r *http.Request) ([]execution.ListOption, error) {
	q := r.URL.Query()
	var opts []execution.ListOption
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.New("limit must be an integer")
		}
		opts = append(opts, execution.WithLimit(limit))
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.New("offset must be an integer")
		}
		opts = append(opts, execution.WithOffset(offset))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []execution.Status
		for _, part := range strings.Split(raw, ",") {
			status := execution.Status(strings.TrimSpace(part))
			if !execution.IsValidStatus(status) {
				return nil, errors.New("unknown status " + string(status))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, execution.WithStatuses(statuses...))
	}
	if flowID := q.Get("flow_id"); flowID != "" {
		opts = append(opts, execution.WithFlowID(flowID))
	}
	if raw := q.Get("error_code"); raw != "" {
		var codes []xerrors.Code
		for _, part := range strings.Split(raw, ",") {
			codes = append(codes, xerrors.Code(part))
		}
		opts = append(opts, execution.WithErrorCodes(codes...))
	}
	if query := q.Get("q"); query != "" {
		opts = append(opts, execution.WithQuery(query))
	}
	if raw := q.Get("has_result"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.New("has_result must be a boolean")
		}
		opts = append(opts, execution.WithResultPresence(has))
	}
	if raw := q.Get("updated_since"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.New("updated_since must be unix seconds")
		}
		opts = append(opts, execution.WithUpdatedSince(time.Unix(ts, 0)))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, execution.WithSortOrder(execution.SortByUpdatedAsc))
	}
	return opts, nil
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", slog.Any("error", err))
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	})
}

func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotFound, execution.CodeExecutionNotFound:
		return http.StatusNotFound
	case xerrors.CodeInvalidArgument, execution.CodeExecutionValidation, flow.CodeInvalidFlowPlan:
		return http.StatusBadRequest
	case xerrors.CodeConflict, execution.CodeExecutionConflict:
		return http.StatusConflict
	case xerrors.CodePoolExhausted, xerrors.CodeTimeout, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// withContext rejects requests once the root context is cancelled.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
