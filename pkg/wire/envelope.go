package wire

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol tag carried by every envelope.
const Version = "2.0"

// Standard JSON-RPC error codes plus the two proxy-defined codes.
const (
	CodeParseError            = -32700
	CodeInvalidRequest        = -32600
	CodeMethodNotFound        = -32601
	CodeInvalidParams         = -32602
	CodeInternalError         = -32603
	CodeSessionCreationFailed = -32000
	CodeSessionNotFound       = -32001
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    int32   `json:"code"`
	Message string  `json:"message"`
	Data    Payload `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Envelope is one JSON-RPC message: request, response, or notification.
// An id with a method is a request; a method without an id is a
// notification; an id with a result or error is a response.
type Envelope struct {
	JSONRPC string  `json:"jsonrpc"`
	ID      *ID     `json:"id,omitempty"`
	Method  string  `json:"method,omitempty"`
	Params  Payload `json:"params,omitempty"`
	Result  Payload `json:"result,omitempty"`
	Error   *Error  `json:"error,omitempty"`
}

// NewRequest builds a request envelope.
func NewRequest(id *ID, method string, params Payload) *Envelope {
	return &Envelope{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewNotification builds a notification envelope.
func NewNotification(method string, params Payload) *Envelope {
	return &Envelope{JSONRPC: Version, Method: method, Params: params}
}

// NewResult builds a success response envelope.
func NewResult(id *ID, result Payload) *Envelope {
	if result == nil {
		result = Payload("null")
	}
	return &Envelope{JSONRPC: Version, ID: id, Result: result}
}

// NewError builds an error response envelope.
func NewError(id *ID, code int32, message string, data Payload) *Envelope {
	return &Envelope{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message, Data: data}}
}

// IsRequest reports whether the envelope is a request expecting a response.
func (e *Envelope) IsRequest() bool {
	return e.Method != "" && e.ID != nil
}

// IsNotification reports whether the envelope is a notification.
func (e *Envelope) IsNotification() bool {
	return e.Method != "" && e.ID == nil
}

// IsResponse reports whether the envelope is a response.
func (e *Envelope) IsResponse() bool {
	return e.Method == "" && e.ID != nil && (len(e.Result) > 0 || e.Error != nil)
}

// Decode parses one NDJSON line into an envelope.
func Decode(line []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, err
	}
	if len(env.Result) > 0 && env.Error != nil {
		return nil, fmt.Errorf("response carries both result and error")
	}
	return &env, nil
}

// Encode serializes an envelope as one line, without the trailing newline.
func Encode(env *Envelope) ([]byte, error) {
	if env.JSONRPC == "" {
		env.JSONRPC = Version
	}
	return json.Marshal(env)
}
