// Package server exposes the dispatch core over HTTP. One inbound call
// maps to one Dispatcher.Process invocation; the server itself holds no
// dispatch state.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hostd/internal/kernel"
	"hostd/internal/logging"
)

// Server is the HTTP transport adapter.
type Server struct {
	addr       string
	dispatcher *kernel.Dispatcher
	httpServer *http.Server
	ready      chan struct{}
	boundAddr  string
	log        *zap.Logger

	readMu      sync.Mutex
	readSession string
}

// New creates a server bound to addr.
func New(addr string, dispatcher *kernel.Dispatcher) *Server {
	return &Server{
		addr:       addr,
		dispatcher: dispatcher,
		ready:      make(chan struct{}),
		log:        logging.L(logging.CategoryServer),
	}
}

// Ready is closed once the listener is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// BoundAddr returns the address the listener actually bound, which
// differs from the configured one when port 0 was requested. Valid only
// after Ready.
func (s *Server) BoundAddr() string {
	return s.boundAddr
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.handleSessionCreate)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleSessionClose)
	mux.HandleFunc("POST /v1/dispatch", s.handleDispatch)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/audit", s.handleAudit)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start begins serving. It blocks until the listener fails or Stop is
// called; a clean shutdown returns nil.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.boundAddr = ln.Addr().String()
	close(s.ready)
	s.log.Info("listening", zap.String("addr", s.boundAddr))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Stop drains the dispatcher, then shuts the HTTP server down. The
// dispatcher drain runs first so in-flight sessions are swept while the
// transport still reports healthy.
func (s *Server) Stop(ctx context.Context) error {
	drainErr := s.dispatcher.Shutdown(ctx)
	if drainErr != nil {
		s.log.Warn("dispatcher drain incomplete", zap.Error(drainErr))
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("http shutdown failed: %w", err)
		}
	}
	return drainErr
}

// writeJSON encodes v to w. Errors here usually mean the client went
// away mid-response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind kernel.ErrorKind, msg string) {
	s.writeJSON(w, status, kernel.Response{
		Success: false,
		Error:   &kernel.ErrorInfo{Kind: kind, Message: msg},
	})
}

// statusFor maps an envelope error kind to an HTTP status. The envelope
// stays authoritative; the status is a transport courtesy.
func statusFor(kind kernel.ErrorKind) int {
	switch kind {
	case kernel.KindSessionNotFound, kernel.KindHandleNotFound,
		kernel.KindToolNotFound, kernel.KindCapabilityNotFound:
		return http.StatusNotFound
	case kernel.KindPermissionDenied:
		return http.StatusForbidden
	case kernel.KindQuotaExceeded:
		return http.StatusInsufficientStorage
	case kernel.KindInvalidArgument:
		return http.StatusBadRequest
	case kernel.KindToolExecutionError, kernel.KindShutdownIncomplete:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type sessionCreateRequest struct {
	Metadata map[string]string `json:"metadata,omitempty"`
}

type sessionCreateResponse struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, kernel.KindInvalidArgument, "malformed request body")
			return
		}
	}
	sess := s.dispatcher.CreateSession(req.Metadata)
	s.writeJSON(w, http.StatusCreated, sessionCreateResponse{
		SessionID: sess.ID,
		CreatedAt: sess.CreatedAt,
	})
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	payload, err := s.dispatcher.CloseSession(id)
	if err != nil {
		kind := kernel.Classify(err)
		s.writeError(w, statusFor(kind), kind, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, kernel.Response{Success: true, Payload: payload})
}

// dispatchRequest is the transport framing of one dispatched call.
type dispatchRequest struct {
	SessionID string             `json:"session_id"`
	ID        string             `json:"id,omitempty"`
	Type      kernel.RequestType `json:"type"`
	Params    map[string]any     `json:"params,omitempty"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, kernel.KindInvalidArgument, "malformed request body")
		return
	}
	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, kernel.KindInvalidArgument, "session_id is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	resp := s.dispatcher.Process(r.Context(), req.SessionID, kernel.Request{
		ID:        req.ID,
		Type:      req.Type,
		Params:    req.Params,
		Timestamp: time.Now().UTC(),
	})
	status := http.StatusOK
	if !resp.Success {
		status = statusFor(resp.Error.Kind)
	}
	s.writeJSON(w, status, resp)
}

// readSessionID returns the server-owned session the GET endpoints
// dispatch under, minting one on first use or after the previous one was
// closed by a drain.
func (s *Server) readSessionID() string {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.readSession != "" {
		if sess, ok := s.dispatcher.Session(s.readSession); ok && sess.Status == kernel.StatusActive {
			return s.readSession
		}
	}
	sess := s.dispatcher.CreateSession(map[string]string{"client": "server"})
	s.readSession = sess.ID
	return s.readSession
}

// dispatchRead routes one read-only request through Process under the
// server-owned session, so the permission policy and audit log see it
// like any other call.
func (s *Server) dispatchRead(w http.ResponseWriter, r *http.Request, typ kernel.RequestType, params map[string]any) {
	resp := s.dispatcher.Process(r.Context(), s.readSessionID(), kernel.Request{
		ID:        uuid.NewString(),
		Type:      typ,
		Params:    params,
		Timestamp: time.Now().UTC(),
	})
	status := http.StatusOK
	if !resp.Success {
		status = statusFor(resp.Error.Kind)
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.dispatchRead(w, r, kernel.ReqSystemInfo, nil)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	s.dispatchRead(w, r, kernel.ReqToolsList, nil)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	params := map[string]any{}
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, kernel.KindInvalidArgument, "limit must be a non-negative integer")
			return
		}
		params["limit"] = n
	}
	s.dispatchRead(w, r, kernel.ReqSecurityAudit, params)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
