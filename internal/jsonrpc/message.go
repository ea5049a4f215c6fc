package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version spoken on both sides of the proxy.
const Version = "2.0"

// Kind classifies a JSON-RPC message by its shape.
type Kind int

const (
	// KindInvalid means the object is not a well-formed JSON-RPC message.
	KindInvalid Kind = iota

	// KindRequest has an id and a method.
	KindRequest

	// KindResponse has an id and exactly one of result or error.
	KindResponse

	// KindNotification has a method but no id.
	KindNotification
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// ErrorObject is the error member of a JSON-RPC response.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Well-known JSON-RPC error codes emitted locally by the proxy.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeRequestTimeout = -32000
	CodeCancelled      = -32001
	CodeAuthRequired   = -32002
)

// Message is a single JSON-RPC 2.0 message. The id, params, result and
// error values are kept as raw JSON so that forwarded messages round-trip
// byte-exactly: numeric ids are never coerced to floats and unknown
// top-level fields survive in Extra.
type Message struct {
	// ID is the raw id value, nil when the field is absent. A present
	// JSON null is stored as the literal bytes "null".
	ID json.RawMessage

	// Method is the request or notification method, "" for responses.
	Method string

	// Params is the raw params value, nil when absent.
	Params json.RawMessage

	// Result is the raw result value, nil when absent.
	Result json.RawMessage

	// Error is the parsed error object, nil when absent.
	Error *ErrorObject

	// Extra holds unknown top-level fields, preserved on forwarding.
	Extra map[string]json.RawMessage

	hasID     bool
	hasResult bool
}

// Kind classifies the message per the JSON-RPC 2.0 shapes.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && m.hasID:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.hasID && (m.hasResult || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// HasID reports whether the id field was present, including explicit null.
func (m *Message) HasID() bool { return m.hasID }

// CorrelationKey returns the printable form of the id used to correlate
// requests and responses. It is the compacted raw JSON of the id, so the
// integer 1 and the string "1" produce distinct keys.
func (m *Message) CorrelationKey() string {
	if !m.hasID {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, m.ID); err != nil {
		return string(m.ID)
	}
	return buf.String()
}

// NewRequest builds a request with the given raw id.
func NewRequest(id json.RawMessage, method string, params json.RawMessage) *Message {
	return &Message{ID: id, Method: method, Params: params, hasID: true}
}

// NewNotification builds a notification.
func NewNotification(method string, params json.RawMessage) *Message {
	return &Message{Method: method, Params: params}
}

// NewResult builds a success response for the given raw id.
func NewResult(id json.RawMessage, result json.RawMessage) *Message {
	if result == nil {
		result = json.RawMessage("{}")
	}
	return &Message{ID: id, Result: result, hasID: true, hasResult: true}
}

// NewError builds an error response for the given raw id. A nil id becomes
// an explicit null, as required for errors that cannot be correlated.
func NewError(id json.RawMessage, code int, message string) *Message {
	if id == nil {
		id = json.RawMessage("null")
	}
	return &Message{ID: id, Error: &ErrorObject{Code: code, Message: message}, hasID: true}
}

// WithResult replaces the result payload, keeping id and extras intact.
// Used by the tool filter when rewriting tools/list responses.
func (m *Message) WithResult(result json.RawMessage) *Message {
	out := *m
	out.Result = result
	out.hasResult = true
	out.Error = nil
	return &out
}

// MarshalJSON serializes the message with the jsonrpc version first and all
// preserved extra fields included.
func (m *Message) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"jsonrpc":"2.0"`)
	if m.hasID {
		buf.WriteString(`,"id":`)
		buf.Write(m.ID)
	}
	if m.Method != "" {
		buf.WriteString(`,"method":`)
		name, err := json.Marshal(m.Method)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
	}
	if m.Params != nil {
		buf.WriteString(`,"params":`)
		buf.Write(m.Params)
	}
	if m.hasResult {
		buf.WriteString(`,"result":`)
		if m.Result != nil {
			buf.Write(m.Result)
		} else {
			buf.WriteString("null")
		}
	}
	if m.Error != nil {
		buf.WriteString(`,"error":`)
		obj, err := json.Marshal(m.Error)
		if err != nil {
			return nil, err
		}
		buf.Write(obj)
	}
	for key, value := range m.Extra {
		name, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses a JSON-RPC object, keeping raw values and collecting
// unknown fields into Extra.
func (m *Message) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	*m = Message{}
	for key, value := range fields {
		switch key {
		case "jsonrpc":
			// Version field is implied on output; nothing to keep.
		case "id":
			m.ID = value
			m.hasID = true
		case "method":
			if err := json.Unmarshal(value, &m.Method); err != nil {
				return fmt.Errorf("invalid method field: %w", err)
			}
		case "params":
			m.Params = value
		case "result":
			m.Result = value
			m.hasResult = true
		case "error":
			var obj ErrorObject
			if err := json.Unmarshal(value, &obj); err != nil {
				return fmt.Errorf("invalid error field: %w", err)
			}
			m.Error = &obj
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]json.RawMessage)
			}
			m.Extra[key] = value
		}
	}
	return nil
}
