package transport

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the only protocol version spoken on any wire.
const Version = "2.0"

// Message is one decoded JSON-RPC 2.0 frame. A request carries ID and
// Method; a response carries ID and exactly one of Result or Error; a
// notification carries Method without ID.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the wire error object of a failed response. It is surfaced
// to the downstream caller verbatim.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request frame. The params value is marshaled here so
// send paths deal only in complete frames.
func NewRequest(id, method string, params interface{}) (*Message, error) {
	msg := &Message{
		JSONRPC: Version,
		Method:  method,
	}
	idRaw, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request id: %w", err)
	}
	msg.ID = idRaw

	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params for %s: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewNotification builds a frame without an id.
func NewNotification(method string, params interface{}) (*Message, error) {
	msg := &Message{
		JSONRPC: Version,
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params for %s: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// DecodeMessage parses a single frame and rejects structurally invalid
// ones.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC frame: %w", err)
	}
	if msg.JSONRPC != Version {
		return nil, fmt.Errorf("invalid JSON-RPC frame: version %q", msg.JSONRPC)
	}
	if msg.Method == "" && len(msg.ID) == 0 {
		return nil, fmt.Errorf("invalid JSON-RPC frame: neither method nor id")
	}
	return &msg, nil
}

// Encode serializes the frame for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// IDString normalizes the id for pending-map correlation. Requests issued
// here always use string ids; a numeric id from a nonconforming server is
// rendered in decimal so correlation still works.
func (m *Message) IDString() string {
	if len(m.ID) == 0 || string(m.ID) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(m.ID, &n); err == nil {
		return n.String()
	}
	return string(m.ID)
}

// IsNotification reports whether the frame has a method but no id.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.IDString() == ""
}

// IsResponse reports whether the frame correlates to a pending request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.IDString() != ""
}

// UnmarshalResult decodes a response result into out.
func (m *Message) UnmarshalResult(out interface{}) error {
	if m.Error != nil {
		return m.Error
	}
	if len(m.Result) == 0 {
		return fmt.Errorf("response %s has no result", strconv.Quote(m.IDString()))
	}
	return json.Unmarshal(m.Result, out)
}
