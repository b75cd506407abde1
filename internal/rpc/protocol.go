package rpc

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
)

// JSON-RPC 2.0 error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ProtocolVersion is the MCP protocol revision reported by initialize
const ProtocolVersion = "2024-11-05"

// DefaultMaxLine caps a single request line
const DefaultMaxLine = 16 * 1024 * 1024

// lineFraming is the room left for the JSON-RPC envelope and the other tool
// arguments around an inline payload
const lineFraming = 1024 * 1024

// MaxLineFor returns a line limit that fits a base64 payload decoding to
// maxDecoded bytes, and never less than DefaultMaxLine
func MaxLineFor(maxDecoded int64) int {
	if maxDecoded <= 0 {
		return DefaultMaxLine
	}
	return max(DefaultMaxLine, base64.StdEncoding.EncodedLen(int(maxDecoded))+lineFraming)
}

// Request is one JSON-RPC message. A request without an id is a
// notification and gets no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is one JSON-RPC reply. A nil ID marshals as null.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

func result(id json.RawMessage, v any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: v}
}

func failure(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}}
}

// ToolCallParams are the params of tools/call
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Content is one item of a tool result envelope
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the content envelope returned by tools/call
type ToolResult struct {
	Content []Content `json:"content"`
}

// envelope wraps a payload as a single text content item
func envelope(payload map[string]any) ToolResult {
	text, err := json.Marshal(payload)
	if err != nil {
		text, _ = json.Marshal(map[string]any{"status": "error", "message": "failed to encode result"}) //nolint:errcheck // static map
	}
	return ToolResult{Content: []Content{{Type: "text", Text: string(text)}}}
}

// errLineTooLong is reported for lines over the configured maximum
var errLineTooLong = errors.New("request line too long")

// readLine returns the next line without its terminator. A line longer than
// limit is consumed in full and reported as errLineTooLong so the stream stays
// in sync.
func readLine(br *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit+1 {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if tooLong {
				return nil, errLineTooLong
			}
			if len(line) == 0 {
				return nil, io.EOF
			}
			return bytes.TrimRight(line, "\r\n"), nil
		case err != nil:
			return nil, err
		}

		if tooLong {
			return nil, errLineTooLong
		}
		return bytes.TrimRight(line, "\r\n"), nil
	}
}
