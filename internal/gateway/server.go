// Package gateway implements the Gateway Server of spec.md §4.7: the single
// HTTP listener that authenticates bearer tokens into sessions, enforces
// the configured connection and per-request limits, and dispatches MCP
// protocol calls to the Aggregator Handler. Grounded in the teacher's
// internal/httpapi.Server for the chi router/middleware shape and the
// teacher's internal/server.Server for http.Server construction and
// graceful shutdown.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/mcprouter/mcprouter/internal/aggregator"
	"github.com/mcprouter/mcprouter/internal/config"
	"github.com/mcprouter/mcprouter/internal/mcperrors"
	"github.com/mcprouter/mcprouter/internal/metrics"
	"github.com/mcprouter/mcprouter/internal/reqcontext"
	"github.com/mcprouter/mcprouter/internal/session"
	"github.com/mcprouter/mcprouter/internal/store"
	"github.com/mcprouter/mcprouter/internal/token"
)

// shutdownGrace bounds how long Shutdown waits for in-flight requests to
// drain before forcing the listener closed.
const shutdownGrace = 30 * time.Second

// statsReportInterval is how often Start's background loop reports active
// session/token gauges to the metrics Registry.
const statsReportInterval = 30 * time.Second

// Server is the gateway's single HTTP entrypoint.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	tokens   *token.Service
	sessions *session.Store
	handler  *aggregator.Handler
	metrics  *metrics.Registry
	log      *zap.Logger

	router     *chi.Mux
	httpServer *http.Server
	conns      chan struct{}

	tokenSessMu sync.Mutex
	tokenSess   map[string]string

	statsStop chan struct{}
	statsDone chan struct{}
}

// New builds a Server wired to its dependencies. Call Routes (or Start) to
// finish setup.
func New(cfg *config.Config, st *store.Store, tokens *token.Service, sessions *session.Store, handler *aggregator.Handler, reg *metrics.Registry, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	max := cfg.Server.MaxConnections
	if max <= 0 {
		max = config.DefaultConfig().Server.MaxConnections
	}
	s := &Server{
		cfg:       cfg,
		store:     st,
		tokens:    tokens,
		sessions:  sessions,
		handler:   handler,
		metrics:   reg,
		log:       log,
		conns:     make(chan struct{}, max),
		tokenSess: make(map[string]string),
	}
	s.router = s.routes()
	return s
}

// Handler exposes the underlying http.Handler, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.correlationMiddleware)
	if s.metrics != nil {
		r.Use(s.metrics.HTTPMiddleware)
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/mcp", func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout()))
		r.Use(s.connectionLimitMiddleware)
		r.Use(s.authMiddleware)
		r.Post("/", s.handleMCP)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// correlationMiddleware injects or propagates a correlation ID, mirroring
// the teacher's correlationIDMiddleware.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = reqcontext.GenerateCorrelationID()
		}
		w.Header().Set("X-Correlation-ID", id)
		ctx := reqcontext.WithCorrelationID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// connectionLimitMiddleware enforces server.max_connections (spec.md §4.7):
// a request that finds no free slot is rejected immediately rather than
// queued.
func (s *Server) connectionLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.conns <- struct{}{}:
			defer func() { <-s.conns }()
			next.ServeHTTP(w, r)
		default:
			writeError(w, http.StatusServiceUnavailable, "too many concurrent connections")
		}
	})
}

// authMiddleware extracts the bearer token, validates it against the Token
// Service, and attaches a Session ID to the request context (spec.md
// §4.7's per-request pipeline). With security.auth disabled, a missing or
// invalid token falls through to open-access dispatch instead of a 401.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value := bearerValue(r.Header.Get("Authorization"))

		if value == "" {
			if s.cfg.Security.Auth {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		tokenID, ok := s.tokens.Validate(value)
		if !ok {
			if s.cfg.Security.Auth {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		sessionID, err := s.sessionFor(tokenID)
		if err != nil {
			s.log.Error("resolve session for token failed", zap.String("token_id", tokenID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		ctx := reqcontext.WithSessionID(r.Context(), sessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerValue(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// sessionFor returns a live session ID bound to tokenID, reusing a
// previously minted one while it remains unexpired and minting a fresh
// one (with a freshly resolved permission snapshot) otherwise.
func (s *Server) sessionFor(tokenID string) (string, error) {
	s.tokenSessMu.Lock()
	existing, ok := s.tokenSess[tokenID]
	s.tokenSessMu.Unlock()
	if ok && s.sessions.Get(existing) != nil {
		return existing, nil
	}

	snap, err := session.BuildSnapshot(s.store, tokenID)
	if err != nil {
		return "", fmt.Errorf("build permission snapshot: %w", err)
	}
	id, err := s.sessions.Create(tokenID, snap)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	s.tokenSessMu.Lock()
	s.tokenSess[tokenID] = id
	s.tokenSessMu.Unlock()
	return id, nil
}

// jsonRPCVersion is the only "jsonrpc" value this gateway accepts or emits
// (spec.md §6: "Request body: JSON-RPC 2.0 MCP envelopes").
const jsonRPCVersion = "2.0"

// rpcRequest is the JSON-RPC 2.0 envelope accepted by POST /mcp.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcResponse is the JSON-RPC 2.0 envelope written by POST /mcp: exactly one
// of Result or Error is set.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type callToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// handleMCP dispatches one JSON-RPC 2.0 MCP method to the Aggregator
// Handler.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, mcperrors.JSONRPCParseError, "malformed JSON-RPC request body")
		return
	}
	if req.JSONRPC != jsonRPCVersion || req.Method == "" {
		writeRPCError(w, http.StatusBadRequest, req.ID, mcperrors.JSONRPCInvalidRequest, `request must set "jsonrpc":"2.0" and "method"`)
		return
	}

	ctx := r.Context()
	sessionID := reqcontext.SessionID(ctx)

	var (
		result interface{}
		err    error
	)
	switch req.Method {
	case "initialize":
		result, err = s.handler.Initialize(ctx, mcp.InitializeRequest{})
	case "list_tools":
		result, err = s.handler.ListTools(ctx, sessionID)
	case "list_resources":
		result, err = s.handler.ListResources(ctx, sessionID)
	case "list_prompts":
		result, err = s.handler.ListPrompts(ctx, sessionID)
	case "call_tool":
		var params callToolParams
		if len(req.Params) > 0 {
			if jsonErr := json.Unmarshal(req.Params, &params); jsonErr != nil {
				writeRPCError(w, http.StatusBadRequest, req.ID, mcperrors.JSONRPCInvalidParams, "malformed call_tool params")
				return
			}
		}
		result, err = s.handler.CallTool(ctx, sessionID, params.Name, params.Arguments)
	default:
		writeRPCError(w, http.StatusBadRequest, req.ID, mcperrors.JSONRPCMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
		return
	}

	if err != nil {
		kind := mcperrors.Classify(err)
		writeRPCError(w, kind.HTTPStatus(), req.ID, kind.JSONRPCCode(), err.Error())
		return
	}
	writeRPCResult(w, http.StatusOK, req.ID, result)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeRPCResult writes a successful JSON-RPC 2.0 envelope.
func writeRPCResult(w http.ResponseWriter, status int, id json.RawMessage, result interface{}) {
	writeJSON(w, status, rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

// writeRPCError writes a JSON-RPC 2.0 error envelope. The HTTP status still
// reflects mcperrors.Kind.HTTPStatus() so transport-level tooling that never
// parses the body still sees a meaningful code.
func writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	writeJSON(w, status, rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Error: &rpcError{Code: code, Message: message}})
}

// Start binds the configured address and begins serving in the
// background. It returns once the listener is bound; Serve errors after
// that point are logged, not returned.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.RequestTimeout(),
		WriteTimeout:      s.cfg.RequestTimeout() + shutdownGrace,
		IdleTimeout:       120 * time.Second,
	}

	s.log.Info("gateway server listening", zap.String("addr", s.cfg.Addr()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("gateway server exited", zap.Error(err))
		}
	}()

	s.statsStop = make(chan struct{})
	s.statsDone = make(chan struct{})
	go s.reportStatsLoop()

	return nil
}

// reportStatsLoop periodically pushes session/token counts to the metrics
// Registry until Shutdown closes statsStop.
func (s *Server) reportStatsLoop() {
	defer close(s.statsDone)
	if s.metrics == nil {
		return
	}
	ticker := time.NewTicker(statsReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reportActiveCounts()
		case <-s.statsStop:
			return
		}
	}
}

// reportActiveCounts reports the Session Layer's current size and the count
// of enabled, unexpired tokens.
func (s *Server) reportActiveCounts() {
	s.metrics.SetSessionsActive(s.sessions.Count())

	infos, err := s.tokens.List()
	if err != nil {
		s.log.Warn("list tokens for metrics failed", zap.Error(err))
		return
	}
	active := 0
	for _, info := range infos {
		if info.Enabled && !info.IsExpired {
			active++
		}
	}
	s.metrics.SetTokensActive(active)
}

// Shutdown gracefully drains in-flight requests within shutdownGrace,
// forcing the listener closed if that deadline passes.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.statsStop != nil {
		close(s.statsStop)
		<-s.statsDone
	}

	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("gateway server forced closed after shutdown timeout", zap.Error(err))
		return s.httpServer.Close()
	}
	s.log.Info("gateway server shutdown complete")
	return nil
}
