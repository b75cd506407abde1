// Package rpc is the stdio JSON-RPC front end of the gateway. Requests are
// handled strictly one at a time, so responses leave in the order the
// requests arrived.
package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/audit"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/executor"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/health"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/policy"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/rsanitize"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/session"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/tools"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/upload"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/validate"
)

// Auditor records security events
type Auditor interface {
	LogEvent(eventType string, category audit.Category, severity audit.Severity, details map[string]any, sessionID string) string
	LogSubprocess(argv []string, success bool, exitCode int, sessionID string, details map[string]any) string
	LogValidationFailure(field, reason, valueType, sessionID string, details map[string]any) string
	LogInjectionAttempt(field, reason, sessionID string, details map[string]any) string
	Recent(f audit.Filter) []audit.Event
}

// Uploader stores files handed over by the agent layer
type Uploader interface {
	StoreBase64(ctx context.Context, content, originalName string, opts upload.Options) (*upload.Record, error)
}

// Metrics counts requests and tool calls
type Metrics interface {
	RPCRequest(method, outcome string)
	ToolCall(tool, outcome string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RPCRequest(string, string)               {}
func (noopMetrics) ToolCall(string, string, time.Duration) {}

// Options wires a Server. Every dependency is owned by the caller.
type Options struct {
	Interpreter string // interpreter binary, e.g. Rscript
	EntryScript string // R entry script dispatching tool names
	DebugR      bool   // surface stderr and raw output in error payloads
	MaxLine     int    // longest request line; see MaxLineFor
	Mode        validate.Mode

	Tools     *tools.Registry
	Sessions  *session.Manager
	Sanitizer *rsanitize.Sanitizer
	Executor  executor.Executor
	Policy    *policy.Policy
	Uploads   Uploader
	Audit     Auditor
	Metrics   Metrics
	Logger    *slog.Logger
}

// Server dispatches JSON-RPC requests
type Server struct {
	opts    Options
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewServer validates opts and builds a Server
func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Tools == nil:
		return nil, fmt.Errorf("tool registry is required")
	case opts.Sessions == nil:
		return nil, fmt.Errorf("session manager is required")
	case opts.Sanitizer == nil:
		return nil, fmt.Errorf("sanitizer is required")
	case opts.Executor == nil:
		return nil, fmt.Errorf("executor is required")
	case opts.Audit == nil:
		return nil, fmt.Errorf("audit logger is required")
	case opts.Interpreter == "" || opts.EntryScript == "":
		return nil, fmt.Errorf("interpreter and entry script are required")
	}
	if opts.MaxLine <= 0 {
		opts.MaxLine = DefaultMaxLine
	}

	s := &Server{opts: opts, metrics: opts.Metrics, logger: opts.Logger, now: time.Now}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Serve reads newline-delimited requests from r and writes one response
// line per request to w until r is exhausted, ctx is done, or w fails.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	br := bufio.NewReaderSize(r, 64*1024)
	bw := bufio.NewWriter(w)

	s.logger.Info("serving JSON-RPC on stdio", slog.String("mode", s.opts.Mode.String()))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := readLine(br, s.opts.MaxLine)
		var resp *Response
		switch {
		case errors.Is(err, io.EOF):
			s.logger.Info("input closed, stopping")
			return nil
		case errors.Is(err, errLineTooLong):
			s.opts.Audit.LogValidationFailure("request", "request line exceeds maximum size", "bytes", "",
				map[string]any{"max_bytes": s.opts.MaxLine})
			s.metrics.RPCRequest("invalid", "error")
			resp = failure(nil, CodeParseError, "Parse error: request too large")
		case err != nil:
			return fmt.Errorf("read request: %w", err)
		default:
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			resp = s.HandleLine(ctx, line)
		}

		if resp == nil {
			continue
		}
		if err := writeResponse(bw, resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func writeResponse(bw *bufio.Writer, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(failure(resp.ID, CodeInternalError, "Internal error: unencodable result")) //nolint:errcheck // static response
	}
	if _, err := bw.Write(append(data, '\n')); err != nil {
		return err
	}
	return bw.Flush()
}

// HandleLine handles one raw request line. It returns nil for
// notifications. A panic inside a handler becomes an internal error.
func (s *Server) HandleLine(ctx context.Context, line []byte) (resp *Response) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		if json.Valid(line) {
			s.metrics.RPCRequest("invalid", "error")
			return failure(nil, CodeInvalidRequest, "Invalid Request")
		}
		s.opts.Audit.LogValidationFailure("request", "unparsable JSON-RPC message", "json", "",
			map[string]any{"error": err.Error(), "bytes": len(line)})
		s.metrics.RPCRequest("parse", "error")
		return failure(nil, CodeParseError, "Parse error")
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while handling request",
				slog.String("method", req.Method),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			s.opts.Audit.LogEvent("HANDLER_PANIC", audit.CategoryConfiguration, audit.SeverityError,
				map[string]any{"method": truncate(req.Method, 100), "panic": fmt.Sprint(r)}, "")
			s.metrics.RPCRequest(methodLabel(req.Method), "panic")
			resp = nil
			if !req.IsNotification() {
				resp = failure(req.ID, CodeInternalError, "Internal error")
			}
		}
	}()

	if req.Method == "" || (req.JSONRPC != "" && req.JSONRPC != "2.0") {
		s.metrics.RPCRequest("invalid", "error")
		if req.IsNotification() {
			return nil
		}
		return failure(req.ID, CodeInvalidRequest, "Invalid Request")
	}

	out, rpcErr := s.dispatch(ctx, &req)
	outcome := "success"
	if rpcErr != nil {
		outcome = "error"
	}
	s.metrics.RPCRequest(methodLabel(req.Method), outcome)

	if req.IsNotification() {
		return nil
	}
	if rpcErr != nil {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	}
	return result(req.ID, out)
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, *Error) {
	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo":      map[string]any{"name": health.ServerName, "version": health.ServerVersion},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}, nil
	case "notifications/initialized", "initialized":
		return map[string]any{}, nil
	case "ping":
		return map[string]any{}, nil
	case "health":
		return health.Ping(s.now()), nil
	case "tools/list":
		return map[string]any{"tools": s.opts.Tools.List()}, nil
	case "tools/call":
		var params ToolCallParams
		if len(req.Params) == 0 || json.Unmarshal(req.Params, &params) != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: "Invalid params: expected {name, arguments}"}
		}
		return s.callTool(ctx, params.Name, params.Arguments)
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: "Method not found: " + truncate(req.Method, 100)}
	}
}

// methodLabel bounds metric label cardinality to the known methods
func methodLabel(method string) string {
	switch method {
	case "initialize", "notifications/initialized", "initialized", "ping", "health", "tools/list", "tools/call":
		return method
	}
	return "unknown"
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
