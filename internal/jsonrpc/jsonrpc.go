// Package jsonrpc carries the JSON-RPC 2.0 envelope types exchanged between
// the stdio side of the bridge and the HTTP backend.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is stamped on every message the bridge emits.
const Version = "2.0"

// Error codes the bridge emits. -32700 and -32603 are the standard JSON-RPC
// codes; the -3200x range belongs to the bridge. -32601 is listed for
// completeness but only the backend decides whether a method exists.
const (
	CodeParseError       = -32700
	CodeMethodNotFound   = -32601
	CodeInternalError    = -32603
	CodeHealthFailed     = -32001
	CodeRetriesExhausted = -32002
	CodeCircuitOpen      = -32003
	CodeReconnectFailed  = -32004
)

var nullID = json.RawMessage("null")

// Request is an incoming call or notification. Params and ID are kept raw so
// the payload travels to the backend byte for byte.
type Request struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no usable id and must
// therefore never be answered.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, nullID)
}

// ParseRequest decodes one framed line. It tolerates a missing jsonrpc field
// (some hosts omit it) but insists on a method name.
func ParseRequest(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("request without method")
	}
	return &req, nil
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is one outgoing line. Exactly one of result and error is encoded;
// the unexported fields force construction through NewResult, NewError or
// DecodeResponse so the union stays honest.
type Response struct {
	id     json.RawMessage
	result json.RawMessage
	err    *Error
}

// NewResult builds a success response. An empty result encodes as null.
func NewResult(id, result json.RawMessage) *Response {
	if len(result) == 0 {
		result = nullID
	}
	return &Response{id: id, result: result}
}

// NewError builds an error response.
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{id: id, err: &Error{Code: code, Message: message}}
}

// NewErrorf builds an error response with a formatted message.
func NewErrorf(id json.RawMessage, code int, format string, args ...any) *Response {
	return NewError(id, code, fmt.Sprintf(format, args...))
}

// Err exposes the error object, nil on success responses.
func (r *Response) Err() *Error { return r.err }

// ID exposes the id the response will carry.
func (r *Response) ID() json.RawMessage { return r.id }

// WithID returns a copy stamped with a different id. Cached responses are
// re-stamped this way before being served.
func (r *Response) WithID(id json.RawMessage) *Response {
	cp := *r
	cp.id = id
	return &cp
}

// MarshalJSON encodes the union. A missing id encodes as null.
func (r *Response) MarshalJSON() ([]byte, error) {
	id := r.id
	if len(id) == 0 {
		id = nullID
	}
	if r.err != nil {
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Error   *Error          `json:"error"`
		}{Version, id, r.err})
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
	}{Version, id, r.result})
}

// DecodeResponse interprets a backend reply body. An empty body becomes a
// synthesized internal error, a non-JSON body a synthesized parse error; a
// well-formed reply passes through with the id re-stamped to the one from the
// originating request.
func DecodeResponse(body, id json.RawMessage) *Response {
	if len(bytes.TrimSpace(body)) == 0 {
		return NewError(id, CodeInternalError, "Internal error: empty response from backend")
	}
	var wire struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return NewError(id, CodeParseError, "Parse error: backend returned invalid JSON")
	}
	if wire.Error != nil {
		return &Response{id: id, err: wire.Error}
	}
	return NewResult(id, wire.Result)
}
