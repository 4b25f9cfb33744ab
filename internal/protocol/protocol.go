// Package protocol defines the control envelopes exchanged with
// frame-processing workers.
package protocol

import "time"

// Message types carried in the msg_type field.
const (
	MsgTypeCmd  = "cmd"
	MsgTypeAck  = "ack"
	MsgTypeNack = "nack"
)

// Command values carried in the msg_val field.
const (
	MsgValConfigure            = "configure"
	MsgValStatus               = "status"
	MsgValRequestConfiguration = "request_configuration"
)

// Params is the opaque parameter document attached to a message.
type Params map[string]any

// Request is the envelope sent to a worker.
type Request struct {
	MsgType   string `json:"msg_type"`
	MsgVal    string `json:"msg_val"`
	ID        uint64 `json:"id"`
	Timestamp string `json:"timestamp"`
	Params    Params `json:"params"`
}

// Response is the envelope received from a worker.
type Response struct {
	MsgType   string `json:"msg_type"`
	MsgVal    string `json:"msg_val,omitempty"`
	ID        uint64 `json:"id"`
	Timestamp string `json:"timestamp,omitempty"`
	Params    Params `json:"params,omitempty"`
}

// NewRequest builds a command request with the given correlation id.
func NewRequest(msgVal string, id uint64, params Params) *Request {
	if params == nil {
		params = Params{}
	}
	return &Request{
		MsgType:   MsgTypeCmd,
		MsgVal:    msgVal,
		ID:        id,
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Params:    params,
	}
}

// Valid reports whether the response carries the mandatory envelope fields.
func (r *Response) Valid() bool {
	return r != nil && r.MsgType != "" && r.ID != 0
}

// IsAck reports whether the response is an affirmative acknowledgement.
func (r *Response) IsAck() bool {
	return r != nil && r.MsgType == MsgTypeAck
}
