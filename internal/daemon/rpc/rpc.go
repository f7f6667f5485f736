// Package rpc implements the daemon's local JSON-RPC dispatch over a
// Unix socket (spec §4.7, C7): newline-delimited JSON framing, method
// dispatch, and the structured error codes of the JSON-RPC 2.0 error
// object. Framing is grounded on
// other_examples/487cd186_viant-jsonrpc__transport-server-base-session.go.go's
// dispatcher shape (no importable dependency; see SPEC_FULL.md §B and
// DESIGN.md for why this layer is stdlib-only).
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/scriptum/scriptum/internal/metrics"
)

// Standard JSON-RPC 2.0 error codes used by Dispatch (spec §4.7).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is one local RPC call.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is Dispatch's reply: exactly one of Result or Error is set
// (spec §4.7 "Dispatch returns a response with either result or
// {code, message, data}").
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// NewError constructs an *Error.
func NewError(code int, message string) *Error { return &Error{Code: code, Message: message} }

// Handler processes one method's params and returns a result or an
// error. Returning a non-*Error error is wrapped as CodeInternalError.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Dispatcher routes Requests to registered Handlers by method name
// (spec §4.7's method table).
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register adds a handler for method, overwriting any prior
// registration.
func (d *Dispatcher) Register(method string, h Handler) {
	d.handlers[method] = h
}

// Dispatch decodes raw as a Request, routes it, and returns the
// encoded Response. A malformed request produces CodeParseError or
// CodeInvalidRequest without ever invoking a handler.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Response{Error: NewError(CodeParseError, "invalid JSON: "+err.Error())}
	}
	if req.Method == "" {
		return Response{ID: req.ID, Error: NewError(CodeInvalidRequest, "method is required")}
	}

	handler, ok := d.handlers[req.Method]
	if !ok {
		return Response{ID: req.ID, Error: NewError(CodeMethodNotFound, "unknown method: "+req.Method)}
	}

	start := time.Now()
	result, err := handler(ctx, req.Params)
	metrics.RPCRequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())

	if err != nil {
		rpcErr, ok := err.(*Error)
		if !ok {
			rpcErr = NewError(CodeInternalError, err.Error())
		}
		metrics.RPCRequestsTotal.WithLabelValues(req.Method, fmt.Sprintf("%d", rpcErr.Code)).Inc()
		return Response{ID: req.ID, Error: rpcErr}
	}

	metrics.RPCRequestsTotal.WithLabelValues(req.Method, "0").Inc()
	return Response{ID: req.ID, Result: result}
}

// Serve reads newline-delimited JSON requests off conn and writes
// newline-delimited responses, until conn is closed or ctx is done.
func (d *Dispatcher) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := d.Dispatch(ctx, line)
		encoded, err := json.Marshal(resp)
		if err != nil {
			slog.Error("rpc: failed to encode response", "error", err)
			return
		}
		if _, err := conn.Write(append(encoded, '\n')); err != nil {
			if err != io.EOF {
				slog.Debug("rpc: write failed", "error", err)
			}
			return
		}
	}
}
