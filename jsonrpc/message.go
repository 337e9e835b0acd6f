// Package jsonrpc holds the JSON-RPC 2.0 data model spoken with ACP agents
// and the newline-delimited framing used on every transport.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only protocol version accepted on the wire.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Kind discriminates the three message shapes.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Error is the error object carried by a failed response.
type Error struct {
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message"`
	Code    int             `json:"code"`
}

// Message is a decoded JSON-RPC message. Which fields are set depends on
// Kind: requests have ID and Method, notifications have Method only, and
// responses have ID plus exactly one of Result or Error.
type Message struct {
	ID     *ID
	Error  *Error
	Method string
	Params json.RawMessage
	Result json.RawMessage
}

// Kind reports the message shape.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && m.ID != nil:
		return KindRequest
	case m.Method != "":
		return KindNotification
	default:
		return KindResponse
	}
}

// NewRequest builds a request, marshaling params.
func NewRequest(id ID, method string, params any) (*Message, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return &Message{ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification, marshaling params.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return &Message{Method: method, Params: raw}, nil
}

// NewResult builds a successful response.
func NewResult(id ID, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{ID: &id, Result: raw}, nil
}

// NewErrorResponse builds an error response. A nil id produces "id": null,
// which is what a peer sends when it could not parse the request.
func NewErrorResponse(id *ID, code int, message string, data any) *Message {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return &Message{ID: id, Error: e}
}

// marshalPayload keeps params absent on the wire when the caller passes nil.
func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(v)
}

type wireMessage struct {
	ID      *ID             `json:"id,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// wireResponse differs only in that a missing id is written as null.
type wireResponse struct {
	ID      *ID             `json:"id"`
	Error   *Error          `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m *Message) MarshalJSON() ([]byte, error) {
	if m.Kind() == KindResponse {
		if m.Error == nil && m.Result == nil {
			return nil, errors.New("jsonrpc: response has neither result nor error")
		}
		return json.Marshal(wireResponse{JSONRPC: Version, ID: m.ID, Result: m.Result, Error: m.Error})
	}
	return json.Marshal(wireMessage{JSONRPC: Version, ID: m.ID, Method: m.Method, Params: m.Params})
}

// UnmarshalJSON implements json.Unmarshaler and enforces JSON-RPC 2.0
// structure.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.JSONRPC != Version {
		return fmt.Errorf("jsonrpc: unsupported version %q", w.JSONRPC)
	}

	hasResult := len(w.Result) > 0
	hasError := w.Error != nil
	if w.Method != "" {
		if hasResult || hasError {
			return errors.New("jsonrpc: request cannot carry result or error")
		}
	} else {
		if hasResult == hasError {
			return errors.New("jsonrpc: response must carry exactly one of result or error")
		}
		if w.ID == nil && !hasError {
			return errors.New("jsonrpc: response is missing an id")
		}
	}

	*m = Message{
		ID:     w.ID,
		Method: w.Method,
		Params: w.Params,
		Result: w.Result,
		Error:  w.Error,
	}
	return nil
}
