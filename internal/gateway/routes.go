package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelops/mcpgate/internal/gateway/errs"
)

const sessionIDHeader = "Mcp-Session-Id"

// JSON-RPC error codes.
const (
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternalError  = -32603
	codeServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/servers/{server}/mcp", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/servers/{server}/mcp", s.handleEndSession).Methods(http.MethodDelete)

	r.HandleFunc("/admin/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/admin/breakers", s.handleBreakers).Methods(http.MethodGet)
	r.HandleFunc("/admin/breakers/{server}/reset", s.handleBreakerReset).Methods(http.MethodPost)
	r.HandleFunc("/admin/audit", s.handleAudit).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  Version,
		"sessions": s.store.Len(),
	})
}

// callerFrom extracts the caller identity from request headers. The
// Mcp-Session-Id header scopes the backend session; the bearer token (if
// any) becomes the subject for credential exchange.
func callerFrom(r *http.Request) (Caller, bool) {
	clientID := r.Header.Get(sessionIDHeader)

	var subject string
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		subject = strings.TrimPrefix(auth, "Bearer ")
	}
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = "default"
	}
	return Caller{ClientID: clientID, UserID: userID, SubjectToken: subject}, clientID != ""
}

// handleRPC terminates the caller-facing MCP exchange. The initialize
// request is answered locally (the backend handshake happens lazily when
// the first operation needs a session); notifications are accepted with an
// empty 202; everything else proxies through the controller.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	serverID := mux.Vars(r)["server"]

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, codeInvalidRequest, "malformed JSON-RPC request")
		return
	}

	caller, hasSession := callerFrom(r)

	if req.Method == "initialize" {
		s.handleInitialize(w, req, caller)
		return
	}

	// Only the initialized notification completes the handshake with the
	// empty accepted form; no other method ever receives that shape.
	if req.Method == "notifications/initialized" {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if !hasSession {
		writeRPCError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "missing "+sessionIDHeader+" header")
		return
	}

	tracked := &trackingResponseWriter{ResponseWriter: w}
	opt := WithPartialOutputCheck(tracked.wroteBody)

	ctx := r.Context()
	var (
		result any
		err    error
	)
	switch req.Method {
	case "ping":
		err = s.controller.Ping(ctx, caller, serverID, opt)
		if err == nil {
			result = map[string]any{}
		}
	case "tools/list":
		result, err = s.controller.ListTools(ctx, caller, serverID, opt)
	case "tools/call":
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if uerr := unmarshalParams(req.Params, &p); uerr != nil {
			writeRPCError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, uerr.Error())
			return
		}
		result, err = s.controller.CallTool(ctx, caller, serverID, p.Name, p.Arguments, opt)
	case "resources/list":
		result, err = s.controller.ListResources(ctx, caller, serverID, opt)
	case "resources/read":
		var p struct {
			URI string `json:"uri"`
		}
		if uerr := unmarshalParams(req.Params, &p); uerr != nil {
			writeRPCError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, uerr.Error())
			return
		}
		result, err = s.controller.ReadResource(ctx, caller, serverID, p.URI, opt)
	case "prompts/list":
		result, err = s.controller.ListPrompts(ctx, caller, serverID, opt)
	case "prompts/get":
		var p struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments"`
		}
		if uerr := unmarshalParams(req.Params, &p); uerr != nil {
			writeRPCError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, uerr.Error())
			return
		}
		result, err = s.controller.GetPrompt(ctx, caller, serverID, p.Name, p.Arguments, opt)
	default:
		writeRPCError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
		return
	}

	if err != nil {
		s.writeOperationError(tracked, req.ID, serverID, err)
		return
	}
	writeRPCResult(tracked, req.ID, result)
}

// handleInitialize answers the caller's handshake locally and assigns the
// gateway session id. Capabilities are advertised optimistically; the
// backend's own handshake runs when its session is first created.
func (s *Server) handleInitialize(w http.ResponseWriter, req rpcRequest, caller Caller) {
	sessionID := caller.ClientID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = unmarshalParams(req.Params, &p)
	protocol := p.ProtocolVersion
	if protocol == "" {
		protocol = "2025-03-26"
	}

	w.Header().Set(sessionIDHeader, sessionID)
	writeRPCResult(w, req.ID, map[string]any{
		"protocolVersion": protocol,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "mcpgate",
			"version": Version,
		},
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	serverID := mux.Vars(r)["server"]
	caller, ok := callerFrom(r)
	if !ok {
		http.Error(w, "missing "+sessionIDHeader+" header", http.StatusBadRequest)
		return
	}
	s.store.Invalidate(Key{ClientID: caller.ClientID, ServerID: serverID}, "client")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.store.List()})
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.breakers.AllStats()})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	serverID := mux.Vars(r)["server"]
	s.breakers.Reset(serverID)
	s.logger.Info("breaker reset requested", "server_id", serverID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.audit.Recent(limit)})
}

// writeOperationError maps the failure taxonomy onto HTTP status codes.
// Once partial output is on the wire the status line is gone; the error can
// only be logged.
func (s *Server) writeOperationError(w *trackingResponseWriter, id json.RawMessage, serverID string, err error) {
	if w.wroteBody() {
		s.logger.Error("operation failed after partial response",
			"server_id", serverID,
			"error", err,
		)
		return
	}

	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.KindAuth:
		status = http.StatusUnauthorized
	case errs.KindCircuitOpen:
		status = http.StatusServiceUnavailable
		var gerr *errs.Error
		if errors.As(err, &gerr) && gerr.RetryAfter > 0 {
			secs := int(gerr.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	case errs.KindRetryBlocked:
		status = http.StatusConflict
	case errs.KindTransport, errs.KindSession:
		status = http.StatusBadGateway
	case errs.KindNetwork, errs.KindHandshakeTimeout:
		status = http.StatusGatewayTimeout
	}

	s.logger.Warn("operation failed",
		"server_id", serverID,
		"kind", kind,
		"status", status,
		"error", err,
	)
	writeRPCError(w, status, id, codeServerError, err.Error())
}

func unmarshalParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	writeJSON(w, status, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// trackingResponseWriter remembers whether any body bytes have been written,
// which gates retries and late error reporting.
type trackingResponseWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackingResponseWriter) Write(b []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(b)
}

func (t *trackingResponseWriter) wroteBody() bool { return t.wrote }
