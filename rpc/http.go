package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"bookingescrow/core/events"
	"bookingescrow/gateway/middleware"
	"bookingescrow/native/escrow"
	"bookingescrow/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	moduleName      = "escrow"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// methodError carries the HTTP status alongside the JSON-RPC error body.
type methodError struct {
	HTTPStatus int
	Code       int
	Message    string
	Data       interface{}
}

type handlerFunc func(r *http.Request, req *RPCRequest) (interface{}, *methodError)

type method struct {
	handler handlerFunc
	// mutating methods require an authenticated caller and are counted as
	// engine transitions.
	mutating  bool
	operation string
}

// Server dispatches JSON-RPC calls against the booking escrow engine.
type Server struct {
	engine  *escrow.Engine
	log     *events.Log
	logger  *slog.Logger
	metrics *observability.EscrowMetrics
	methods map[string]method
}

func NewServer(engine *escrow.Engine, log *events.Log, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:  engine,
		log:     log,
		logger:  logger,
		metrics: observability.Escrow(),
	}
	s.methods = map[string]method{
		"escrow_createBooking":      {handler: s.handleCreateBooking, mutating: true, operation: "create"},
		"escrow_recordVerification": {handler: s.handleRecordVerification, mutating: true, operation: "verify"},
		"escrow_releaseToPayee":     {handler: s.handleReleaseToPayee, mutating: true, operation: "release"},
		"escrow_refundToPayer":      {handler: s.handleRefundToPayer, mutating: true, operation: "refund"},
		"escrow_refundWithPenalty":  {handler: s.handleRefundWithPenalty, mutating: true, operation: "refund_penalty"},
		"escrow_handleTimeout":      {handler: s.handleTimeout, mutating: true, operation: "timeout"},
		"escrow_raiseDispute":       {handler: s.handleRaiseDispute, mutating: true, operation: "dispute"},
		"escrow_resolveDispute":     {handler: s.handleResolveDispute, mutating: true, operation: "resolve"},
		"escrow_getBooking":         {handler: s.handleGetBooking},
		"escrow_listBookings":       {handler: s.handleListBookings},
		"escrow_isTimedOut":         {handler: s.handleIsTimedOut},
		"escrow_timeRemaining":      {handler: s.handleTimeRemaining},
		"escrow_balanceOf":          {handler: s.handleBalanceOf},
		"escrow_custodyBalance":     {handler: s.handleCustodyBalance},
		"escrow_listEvents":         {handler: s.handleListEvents},
		"roles_authorize":           {handler: s.handleRolesAuthorize, mutating: true, operation: "authorize"},
		"roles_revoke":              {handler: s.handleRolesRevoke, mutating: true, operation: "revoke"},
		"roles_isAuthorized":        {handler: s.handleRolesIsAuthorized},
		"roles_members":             {handler: s.handleRolesMembers},
	}
	return s
}

// ServeHTTP implements http.Handler for the JSON-RPC endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status, methodName := s.handle(w, r)
	if methodName == "" {
		methodName = "unknown"
	}
	observability.ModuleMetrics().Observe(moduleName, methodName, status, time.Since(start))
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) (int, string) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return http.StatusMethodNotAllowed, ""
	}

	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return status, ""
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return http.StatusBadRequest, ""
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return http.StatusBadRequest, ""
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return http.StatusBadRequest, req.Method
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return http.StatusBadRequest, ""
	}

	m, ok := s.methods[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %s not found", req.Method), nil)
		return http.StatusNotFound, ""
	}
	if m.mutating {
		if _, ok := middleware.CallerFromContext(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "authenticated caller required", nil)
			return http.StatusUnauthorized, req.Method
		}
	}

	result, merr := m.handler(r, req)
	if m.operation != "" && (merr == nil || merr.Code != codeInvalidParams) {
		s.metrics.RecordTransition(m.operation, outcome(merr))
	}
	if merr != nil {
		if merr.HTTPStatus >= http.StatusInternalServerError {
			s.logger.Error("rpc: method failed", "method", req.Method, "error", merr.Data)
		} else {
			s.logger.Debug("rpc: method rejected", "method", req.Method, "code", merr.Code, "message", merr.Message)
		}
		writeError(w, merr.HTTPStatus, req.ID, merr.Code, merr.Message, merr.Data)
		return merr.HTTPStatus, req.Method
	}
	writeResult(w, req.ID, result)
	return http.StatusOK, req.Method
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// decodeParams unmarshals the single parameter object carried by req.
func decodeParams(req *RPCRequest, dst interface{}) *methodError {
	if len(req.Params) != 1 {
		return &methodError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: "expected a single parameter object"}
	}
	if err := json.Unmarshal(req.Params[0], dst); err != nil {
		return &methodError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: "invalid parameter object", Data: err.Error()}
	}
	return nil
}

func invalidParams(message string, err error) *methodError {
	merr := &methodError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: message}
	if err != nil {
		merr.Data = err.Error()
	}
	return merr
}

func outcome(merr *methodError) string {
	if merr == nil {
		return "ok"
	}
	return merr.Message
}
