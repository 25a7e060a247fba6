// Package protocol defines the gateway wire protocol: JSON frames,
// method and event names, scopes, and error codes.
package protocol

import "encoding/json"

// Protocol versions supported by this server.
const (
	VersionMin = 1
	VersionMax = 1
)

// MaxFrameBytes is the per-frame size limit (25 MB).
const MaxFrameBytes = 25 * 1024 * 1024

// Frame type discriminators.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Frame is the envelope used to sniff the frame type before full decode.
type Frame struct {
	Type string `json:"type"`
}

// RequestFrame is a client-to-server (or relayed server-to-node) request.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers a request. A request may receive several response
// frames: all but the last carry payload.status == "accepted"; the final
// frame's OK is authoritative.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// EventFrame is a server-initiated notification. Seq is monotonically
// increasing per connection, starting at 1.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
	Seq     uint64      `json:"seq"`
}

// ErrorInfo carries a machine-readable code and a display message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewRequest builds a request frame.
func NewRequest(id, method string, params json.RawMessage) RequestFrame {
	return RequestFrame{Type: TypeRequest, ID: id, Method: method, Params: params}
}

// NewOK builds a final successful response.
func NewOK(id string, payload interface{}) ResponseFrame {
	return ResponseFrame{Type: TypeResponse, ID: id, OK: true, Payload: payload}
}

// NewAccepted builds an intermediate streaming response.
func NewAccepted(id string) ResponseFrame {
	return ResponseFrame{Type: TypeResponse, ID: id, OK: true,
		Payload: map[string]string{"status": "accepted"}}
}

// NewError builds a final failed response.
func NewError(id, code, message string) ResponseFrame {
	return ResponseFrame{Type: TypeResponse, ID: id, OK: false,
		Error: &ErrorInfo{Code: code, Message: message}}
}

// NewEvent builds an event frame with the given sequence number.
func NewEvent(event string, payload interface{}, seq uint64) EventFrame {
	return EventFrame{Type: TypeEvent, Event: event, Payload: payload, Seq: seq}
}
