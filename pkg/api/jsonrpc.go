// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Error codes. The -327xx/-326xx values are the JSON-RPC 2.0 reserved ones.
const (
	CodeParseError            = -32700
	CodeMethodNotFound        = -32601
	CodeInternalError         = -32000
	CodeInstanceAlreadyExists = -32001
	CodeInstanceNotFound      = -32002
	// CodeHealthCheckFailed is reserved and not emitted by the manager.
	CodeHealthCheckFailed = -32003
)

// Error is the error object of a response. It also satisfies the error
// interface so SDK callers can return it directly.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

// NewError builds an Error, marshalling data when it is not nil.
func NewError(code int, message string, data any) *Error {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// Identifier extracts data.identifier, if present.
func (e *Error) Identifier() string {
	if len(e.Data) == 0 {
		return ""
	}
	var d IdentifierData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return ""
	}
	return d.Identifier
}

var nullID = json.RawMessage("null")

// NewRequest builds a request with marshalled params and a string id.
func NewRequest(method string, params any, id string) (Request, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return Request{}, fmt.Errorf("marshal params: %w", err)
	}
	rawID, err := json.Marshal(id)
	if err != nil {
		return Request{}, fmt.Errorf("marshal id: %w", err)
	}
	return Request{
		JSONRPC: Version,
		Method:  method,
		Params:  rawParams,
		ID:      rawID,
	}, nil
}

// NewResult builds a success response echoing id.
func NewResult(id json.RawMessage, result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("marshal result: %w", err)
	}
	return Response{JSONRPC: Version, Result: raw, ID: echoID(id)}, nil
}

// NewErrorResponse builds an error response echoing id.
func NewErrorResponse(id json.RawMessage, e *Error) Response {
	return Response{JSONRPC: Version, Error: e, ID: echoID(id)}
}

// ParseErrorResponse is the reply to a line that is not a JSON request.
func ParseErrorResponse() Response {
	return NewErrorResponse(nil, &Error{Code: CodeParseError, Message: "Parse error"})
}

func echoID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}

// DecodeRequest parses one request line.
func DecodeRequest(line []byte) (Request, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Request{}, fmt.Errorf("request must be a JSON object")
	}
	var req Request
	dec := json.NewDecoder(bytes.NewReader(line))
	if err := dec.Decode(&req); err != nil {
		return Request{}, err
	}
	if dec.More() {
		return Request{}, fmt.Errorf("unexpected data after request object")
	}
	return req, nil
}

// DecodeResponse parses one response line.
func DecodeResponse(line []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// WriteLine encodes v as a single JSON line terminated by '\n'.
func WriteLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// DecodeResult unmarshals the result of a successful response into v.
// A response carrying an error returns that *Error.
func (r Response) DecodeResult(v any) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 {
		return fmt.Errorf("response has neither result nor error")
	}
	return json.Unmarshal(r.Result, v)
}

// IsNull reports whether the result is the JSON null literal.
func (r Response) IsNull() bool {
	return r.Error == nil && bytes.Equal(bytes.TrimSpace(r.Result), []byte("null"))
}
