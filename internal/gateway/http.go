// Package gateway implements the Gateway (C7): the streaming HTTP
// surface and the MCP JSON-RPC surface clients drive the Session Pool &
// Manager and Execution Loop through. This file is the HTTP half; mcp.go
// is the MCP half. Neither owns any sandbox state itself — both are thin
// glue over pool.Manager and execution.Loop, per spec §1's framing of
// the Gateway as an external collaborator to the core.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/helloimcx/sandbox-mcp/internal/audit"
	"github.com/helloimcx/sandbox-mcp/internal/config"
	"github.com/helloimcx/sandbox-mcp/internal/execution"
	"github.com/helloimcx/sandbox-mcp/internal/pool"
	"github.com/helloimcx/sandbox-mcp/internal/sandboxerr"
)

// apiPrefix is the route prefix spec §6 mandates for every sandbox route
// except /health and /.
const apiPrefix = "/ai/sandbox/v1/api"

// Server wires the HTTP and MCP surfaces to the pool Manager and
// Execution Loop. Construct with New, then call Router (HTTP) and/or
// MCPServer (MCP) to obtain the handlers to mount.
type Server struct {
	cfg    *config.Config
	pool   *pool.Manager
	loop   *execution.Loop
	audit  *audit.Log // nil disables history endpoints and audit writes
	logger *log.Logger
	start  time.Time
	version string
}

// New constructs a Server. auditLog may be nil (audit is a supplemented,
// optional feature — its absence never blocks a core operation).
func New(cfg *config.Config, p *pool.Manager, loop *execution.Loop, auditLog *audit.Log, logger *log.Logger, version string) *Server {
	return &Server{cfg: cfg, pool: p, loop: loop, audit: auditLog, logger: logger, start: time.Now(), version: version}
}

// Router builds the gorilla/mux router for the streaming/REST surface.
// gorilla/mux gives path-parameter routing for /sessions/{id} and
// /sessions/{id}/interrupt that a plain stdlib mux can't express as
// cleanly.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLogMiddleware)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)

	api := r.PathPrefix(apiPrefix).Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/execute", s.handleExecute).Methods(http.MethodPost)
	api.HandleFunc("/execute_sync", s.handleExecuteSync).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleSessionDetail).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/interrupt", s.handleInterrupt).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/history", s.handleHistory).Methods(http.MethodGet)
	return r
}

type ctxKey int

const requestIDKey ctxKey = 0

// requestLogMiddleware stamps every request with a fresh id (replacing
// the source's contextvars-based request-id log filter with Go's
// idiomatic context-value propagation, per SPEC_FULL.md §A.1) and logs
// the route and latency once the handler returns.
func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey, rid)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		s.logger.Printf("Gateway: [%s] %s %s %s", rid, r.Method, r.URL.Path, time.Since(start))
	})
}

// authMiddleware enforces spec §4.7's shared-secret bearer auth on every
// route under apiPrefix. /health and / are mounted outside this
// subrouter and so never pass through it.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("Authorization")
		if got != "Bearer "+s.cfg.APIKey {
			writeError(w, sandboxerr.New(sandboxerr.Unauthorized, "missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "sandbox-mcp", "version": s.version})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"version":         s.version,
		"active_sessions": len(s.pool.List()),
		"uptime":          time.Since(s.start).String(),
	})
}

// executeRequest is the shared body shape of /execute and /execute_sync.
type executeRequest struct {
	Code      string `json:"code"`
	SessionID string `json:"session_id"`
	Timeout   int    `json:"timeout"`
}

func decodeExecuteRequest(r *http.Request) (executeRequest, error) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, sandboxerr.Wrap(sandboxerr.BadRequest, "malformed request body", err)
	}
	if strings.TrimSpace(req.Code) == "" {
		return req, sandboxerr.New(sandboxerr.BadRequest, "code is required")
	}
	return req, nil
}

// handleExecute is spec §4.7's streaming POST /execute: one NDJSON line
// per OutputEvent, connection held open until the Execution Loop
// terminates.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, err := decodeExecuteRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	resolvedID, events, err := s.loop.Execute(r.Context(), req.SessionID, req.Code, time.Duration(req.Timeout)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	started := time.Now()
	enc := json.NewEncoder(w)
	var outcome audit.Outcome = audit.OutcomeOK
	var errClass string
	for ev := range events {
		if ev.Error != "" {
			outcome = audit.OutcomeError
			if ev.Error == "Execution timeout" {
				outcome = audit.OutcomeTimeout
			}
			errClass = ev.Error
		}
		if err := enc.Encode(ev); err != nil {
			s.logger.Printf("gateway: client stream write error: %v", err)
			break
		}
		if canFlush {
			flusher.Flush()
		}
	}
	s.recordAudit(resolvedID, req.Code, started, outcome, errClass)
}

// handleExecuteSync is spec §4.7's POST /execute_sync: the same
// Execution Loop, aggregated into a single JSON envelope.
func (s *Server) handleExecuteSync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeExecuteRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	resolvedID, events, err := s.loop.Execute(r.Context(), req.SessionID, req.Code, time.Duration(req.Timeout)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}

	started := time.Now()
	result := execution.Aggregate(events)

	outcome := audit.OutcomeOK
	var errClass string
	if len(result.Errors) > 0 {
		outcome = audit.OutcomeError
		errClass = result.Errors[len(result.Errors)-1].Error
		if errClass == "Execution timeout" {
			outcome = audit.OutcomeTimeout
		}
	}
	s.recordAudit(resolvedID, req.Code, started, outcome, errClass)

	writeJSON(w, http.StatusOK, map[string]any{
		"resultCode": 0,
		"resultMsg":  "success",
		"data":       result,
	})
}

func (s *Server) recordAudit(sessionID, code string, started time.Time, outcome audit.Outcome, errClass string) {
	if s.audit == nil {
		return
	}
	rec := audit.Record{
		SessionID:  sessionID,
		CodeHash:   audit.CodeHash(code),
		StartedAt:  started,
		DurationMS: time.Since(started).Milliseconds(),
		Outcome:    outcome,
		ErrorClass: errClass,
	}
	if err := s.audit.Append(rec); err != nil {
		s.logger.Printf("gateway: audit append failed: %v", err)
	}
}

// createSessionRequest is spec §6's POST /sessions body.
type createSessionRequest struct {
	SessionID string          `json:"session_id"`
	FileURLs  []string        `json:"file_urls"`
	Files     []fileRequestDTO `json:"files"`
	Timeout   int             `json:"timeout"`
}

type fileRequestDTO struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, sandboxerr.Wrap(sandboxerr.BadRequest, "malformed request body", err))
		return
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30
	}

	files := make([]pool.FileRequest, 0, len(req.Files))
	for _, f := range req.Files {
		files = append(files, pool.FileRequest{ID: f.ID, URL: f.URL})
	}

	sess, downloaded, errs, err := s.pool.Acquire(r.Context(), req.SessionID, req.FileURLs, files, time.Duration(timeout)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	if downloaded == nil {
		downloaded = []string{}
	}
	if errs == nil {
		errs = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":         sess.ID,
		"working_directory":  sess.Workdir,
		"downloaded_files":   downloaded,
		"errors":             errs,
	})
}

type sessionSummary struct {
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Busy         bool      `json:"busy"`
	ExecCount    int64     `json:"exec_count"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.pool.List()
	out := make(map[string]sessionSummary, len(sessions))
	for _, sess := range sessions {
		out[sess.ID] = sessionSummary{
			CreatedAt:    sess.CreatedAt,
			LastActivity: sess.LastActivity,
			Busy:         sess.IsBusy(),
			ExecCount:    sess.ExecCount,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out, "total": len(out)})
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, ok := s.pool.Get(id)
	if !ok {
		writeError(w, sandboxerr.Newf(sandboxerr.NotFound, "session %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":         sess.ID,
		"working_directory":  sess.Workdir,
		"created_at":         sess.CreatedAt,
		"last_activity":      sess.LastActivity,
		"busy":               sess.IsBusy(),
		"exec_count":         sess.ExecCount,
		"files":              sess.Manifest.All(),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.pool.Release(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.pool.Interrupt(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "interrupted"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "history": []audit.Record{}})
		return
	}
	hist, err := s.audit.History(id, 100)
	if err != nil {
		writeError(w, sandboxerr.Wrap(sandboxerr.Unknown, "read execution history", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "history": hist})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, `{"error":"encode response: %v"}`, err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := sandboxerr.KindOf(err)
	writeJSON(w, sandboxerr.HTTPStatus(kind), map[string]string{"error": err.Error()})
}
