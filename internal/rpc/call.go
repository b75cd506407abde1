package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/audit"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/executor"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/rsanitize"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/session"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/tools"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/upload"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/validate"
)

// callError is a tool failure reported inside the content envelope
type callError struct {
	message string
	outcome string
	extra   map[string]any
}

func (e *callError) payload() map[string]any {
	p := map[string]any{"status": "error", "message": e.message}
	for k, v := range e.extra {
		p[k] = v
	}
	return p
}

func toolFailure(outcome, format string, args ...any) *callError {
	return &callError{message: fmt.Sprintf(format, args...), outcome: outcome}
}

func (s *Server) callTool(ctx context.Context, name string, args map[string]any) (any, *Error) {
	start := time.Now()

	if _, ok := s.opts.Tools.Lookup(name); !ok {
		// CRITICAL SECURITY: unknown tool names never reach the interpreter
		s.opts.Audit.LogEvent("UNKNOWN_TOOL", audit.CategoryAuthorization, audit.SeverityWarning,
			map[string]any{"tool": truncate(name, 100)}, "")
		s.metrics.ToolCall("unknown", "rejected", time.Since(start))
		return nil, &Error{Code: CodeMethodNotFound, Message: "Unknown tool: " + truncate(name, 100)}
	}

	req, subs, err := s.opts.Tools.Decode(name, args, s.opts.Mode)
	if err != nil {
		sid, _ := args["session_id"].(string) //nolint:errcheck // best-effort attribution
		s.auditValidation(err, sid, name)
		s.metrics.ToolCall(name, "invalid", time.Since(start))
		return envelope(map[string]any{"status": "error", "message": err.Error()}), nil
	}
	for _, sub := range subs {
		s.opts.Audit.LogEvent("VALIDATION_DEFAULT_APPLIED", audit.CategoryInputValidation, audit.SeverityWarning,
			map[string]any{"tool": name, "field": sub.Field, "reason": sub.Reason, "default": sub.Default},
			req.SessionID())
	}

	var payload map[string]any
	var cerr *callError
	switch r := req.(type) {
	case *tools.UploadFileRequest:
		payload, cerr = s.uploadFile(ctx, r)
	case *tools.SecurityEventsRequest:
		payload = s.securityEvents(r)
	case tools.Invoker:
		payload, cerr = s.invoke(ctx, r)
	default:
		cerr = toolFailure("error", "tool %s has no handler", name)
	}

	if cerr != nil {
		s.logger.Warn("tool call failed",
			slog.String("tool", name),
			slog.String("error", cerr.message),
			slog.Duration("duration", time.Since(start)))
		s.metrics.ToolCall(name, cerr.outcome, time.Since(start))
		return envelope(cerr.payload()), nil
	}
	s.metrics.ToolCall(name, "success", time.Since(start))
	return envelope(payload), nil
}

func (s *Server) auditValidation(err error, sessionID, tool string) {
	var verr *validate.Error
	field, reason := "arguments", err.Error()
	if errors.As(err, &verr) {
		field, reason = verr.Field, verr.Reason
	}
	s.opts.Audit.LogValidationFailure(field, reason, "argument", sessionID, map[string]any{"tool": tool})
}

// session resolves the session a request runs in. It returns nil for tools
// that do not use one.
func (s *Server) session(t *tools.Tool, req tools.Request) (*session.Session, *callError) {
	id := req.SessionID()
	var (
		sess *session.Session
		err  error
	)
	switch t.Session {
	case tools.SessionNone:
		return nil, nil
	case tools.SessionOptional:
		if id == "" {
			return nil, nil
		}
		sess, err = s.opts.Sessions.Resolve(id, false)
	case tools.SessionCreate:
		meta := session.Metadata{SessionID: id}
		if ini, ok := req.(*tools.InitializeRequest); ok {
			meta.Name = ini.Name
			meta.StudyType = ini.StudyType
			meta.EffectMeasure = ini.EffectMeasure
			meta.AnalysisModel = ini.AnalysisModel
		}
		sess, err = s.opts.Sessions.Create(meta)
	default:
		sess, err = s.opts.Sessions.Resolve(id, false)
	}

	switch {
	case err == nil:
		return sess, nil
	case errors.Is(err, session.ErrNotFound):
		return nil, toolFailure("invalid", "Session not found: %s", id)
	case errors.Is(err, session.ErrOutsideRoot), errors.Is(err, validate.ErrValidation):
		// CRITICAL SECURITY: session ids never resolve outside the sessions root
		s.opts.Audit.LogEvent("SESSION_PATH_REJECTED", audit.CategoryAuthorization, audit.SeverityError,
			map[string]any{"session_id": truncate(id, 100), "error": err.Error()}, "")
		return nil, toolFailure("rejected", "Invalid session id")
	default:
		return nil, toolFailure("error", "Failed to prepare session: %v", err)
	}
}

// invoke runs an interpreter-backed tool
func (s *Server) invoke(ctx context.Context, req tools.Invoker) (map[string]any, *callError) {
	name := req.ToolName()
	t, _ := s.opts.Tools.Lookup(name)

	sess, cerr := s.session(t, req)
	if cerr != nil {
		return nil, cerr
	}
	sessionID, sessionDir := "", ""
	san := s.opts.Sanitizer
	if sess != nil {
		sessionID, sessionDir = sess.ID, sess.Path
		san = san.In(sess.TmpDir())
	}

	inv := req.Invocation()
	if up, ok := req.(*tools.UploadStudyDataRequest); ok && len(up.StudyData) > 0 {
		rows, cerr := s.checkStudyRows(sessionID, up.StudyData)
		if cerr != nil {
			return nil, cerr
		}
		inv.Args["study_data"] = rows
	}

	args := make(map[string]any, len(inv.Args)+1)
	for k, v := range inv.Args {
		args[k] = v
	}
	if sessionID != "" {
		args["session_id"] = sessionID
	}

	prepared, err := san.PrepareArguments(args)
	if err != nil {
		return nil, s.rejectArgument(err, sessionID, name)
	}
	defer func() { san.Cleanup(prepared.TempFiles) }()

	for _, raw := range inv.Raw {
		if err := san.Spill(prepared, raw.Key, raw.Data, raw.Format); err != nil {
			return nil, s.rejectArgument(err, sessionID, name)
		}
	}

	argsFile, err := writeArgsFile(san.TempDir(), name, prepared.Values)
	if err != nil {
		return nil, toolFailure("error", "Failed to write arguments: %v", err)
	}
	defer san.Cleanup([]string{argsFile})

	if sessionDir == "" {
		sessionDir = san.TempDir()
	}
	argv, err := san.BuildCommand(s.opts.Interpreter, s.opts.EntryScript, name, argsFile, sessionDir)
	if err != nil {
		s.opts.Audit.LogEvent("COMMAND_REJECTED", audit.CategorySubprocess, audit.SeverityError,
			map[string]any{"tool": name, "error": err.Error()}, sessionID)
		return nil, toolFailure("rejected", "Failed to build command: %v", err)
	}

	cmd := executor.Command{Argv: argv, Dir: sessionDir}
	if s.opts.DebugR {
		cmd.Env = map[string]string{"DEBUG_R": "1"}
	}
	if s.opts.Policy != nil {
		cmd.Limits = s.opts.Policy.ApplyLimits(t.Limits)
	}

	res, err := s.opts.Executor.Run(ctx, cmd)
	exitCode := -1
	if res != nil {
		exitCode = res.ExitCode
	}
	s.opts.Audit.LogSubprocess(argv, err == nil, exitCode, sessionID, map[string]any{"tool": name})
	if err != nil {
		return nil, s.mapRunError(err, res)
	}

	payload, perr := parseOutput(res.Stdout)
	if perr != nil {
		s.logger.Warn("interpreter returned invalid JSON",
			slog.String("tool", name),
			slog.String("error", perr.Error()))
		out := toolFailure("error", "Invalid JSON from R")
		if s.opts.DebugR {
			out.extra = map[string]any{"raw_output": string(res.Stdout), "stderr": string(res.Stderr)}
		}
		return nil, out
	}

	if name == tools.InitializeMetaAnalysis && sess != nil {
		setDefault(payload, "session_id", sess.ID)
		setDefault(payload, "session_path", sess.Path)
	}
	return payload, nil
}

// checkStudyRows validates rows against the effect measure the session was
// initialized with
func (s *Server) checkStudyRows(sessionID string, rows []map[string]any) ([]any, *callError) {
	measure := "OR"
	if meta, err := s.opts.Sessions.Metadata(sessionID); err == nil && meta.EffectMeasure != "" {
		measure = meta.EffectMeasure
	}
	clean, err := validate.StudyData(rows, measure)
	if err != nil {
		s.auditValidation(err, sessionID, tools.UploadStudyData)
		return nil, toolFailure("invalid", "%s", err.Error())
	}
	out := make([]any, len(clean))
	for i, row := range clean {
		out[i] = row
	}
	return out, nil
}

func (s *Server) rejectArgument(err error, sessionID, tool string) *callError {
	if errors.Is(err, rsanitize.ErrInjection) {
		// CRITICAL SECURITY: an injection hit rejects the call in every mode
		s.opts.Audit.LogInjectionAttempt("arguments", err.Error(), sessionID, map[string]any{"tool": tool})
		return toolFailure("rejected", "Argument rejected: %v", err)
	}
	if errors.Is(err, validate.ErrValidation) {
		s.auditValidation(err, sessionID, tool)
		return toolFailure("invalid", "%s", err.Error())
	}
	return toolFailure("error", "Failed to prepare arguments: %v", err)
}

func (s *Server) mapRunError(err error, res *executor.Result) *callError {
	var (
		exitErr *executor.ExitError
		execErr *executor.Error
	)
	switch {
	case errors.As(err, &exitErr):
		out := toolFailure("error", "R script failed to execute.")
		out.extra = map[string]any{"exit_code": exitErr.ExitCode}
		if s.opts.DebugR {
			out.extra["stderr"] = string(exitErr.Stderr)
			if res != nil {
				out.extra["stdout"] = string(res.Stdout)
			}
		}
		return out
	case errors.As(err, &execErr):
		switch execErr.Kind {
		case executor.KindTimeout:
			return toolFailure("timeout", "R script execution timed out")
		case executor.KindOutputTooLarge:
			return toolFailure("error", "R script output exceeded the size limit")
		case executor.KindPolicy:
			return toolFailure("rejected", "Command rejected by execution policy")
		case executor.KindCanceled:
			return toolFailure("canceled", "R script execution was canceled")
		case executor.KindSpawn:
			return toolFailure("error", "Failed to start R: %s", execErr.Message)
		}
	}
	return toolFailure("error", "R execution failed: %v", err)
}

// writeArgsFile writes the canonical arguments under a unique name
func writeArgsFile(dir, tool string, values map[string]any) (string, error) {
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "args_"+tool+"_*.json")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()       //nolint:errcheck // write already failed
		os.Remove(name) //nolint:errcheck // partial file
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name) //nolint:errcheck // partial file
		return "", err
	}
	return filepath.Clean(name), nil
}

// parseOutput decodes the first JSON object in stdout. R packages often
// print banners before the script writes its result.
func parseOutput(stdout []byte) (map[string]any, error) {
	i := bytes.IndexByte(stdout, '{')
	if i < 0 {
		return nil, errors.New("no JSON object in output")
	}
	dec := json.NewDecoder(bytes.NewReader(stdout[i:]))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("empty JSON object")
	}
	return out, nil
}

func setDefault(m map[string]any, key string, v any) {
	if _, ok := m[key]; !ok {
		m[key] = v
	}
}

func (s *Server) uploadFile(ctx context.Context, r *tools.UploadFileRequest) (map[string]any, *callError) {
	if s.opts.Uploads == nil {
		return nil, toolFailure("error", "File uploads are not configured")
	}
	t, _ := s.opts.Tools.Lookup(tools.UploadFile)
	if _, cerr := s.session(t, r); cerr != nil {
		return nil, cerr
	}

	rec, err := s.opts.Uploads.StoreBase64(ctx, r.Content, r.Filename, upload.Options{
		SessionID:      r.Session,
		ExpectedDigest: r.ExpectedDigest,
	})
	if err != nil {
		out := toolFailure("rejected", "%s", err.Error())
		var uerr *upload.Error
		if errors.As(err, &uerr) {
			out.message = uerr.Message
			out.extra = map[string]any{"stage": string(uerr.Stage), "quarantined": uerr.Record != nil}
			if uerr.Record != nil {
				out.extra["issues"] = uerr.Record.Issues
			}
		}
		return nil, out
	}
	return map[string]any{"status": "success", "file": rec}, nil
}

func (s *Server) securityEvents(r *tools.SecurityEventsRequest) map[string]any {
	events := s.opts.Audit.Recent(audit.Filter{
		Type:      r.EventType,
		Category:  audit.Category(r.Category),
		Severity:  audit.Severity(r.Severity),
		SessionID: r.Session,
		Limit:     r.Limit,
	})
	if events == nil {
		events = []audit.Event{}
	}
	return map[string]any{"status": "success", "count": len(events), "events": events}
}
