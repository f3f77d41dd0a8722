// Package protocol defines the Janus JSON envelope as it appears on the
// wire: request fields, reply kinds and the numeric error taxonomy.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Reply kinds carried in the "janus" field.
const (
	KindSuccess    = "success"
	KindAck        = "ack"
	KindEvent      = "event"
	KindError      = "error"
	KindPong       = "pong"
	KindServerInfo = "server_info"
)

// Error codes. These match the values clients key off, so they are part of
// the wire contract.
const (
	CodeUnauthorized      = 403
	CodeUnknownRequest    = 423
	CodeNoSuchRoom        = 426
	CodeInvalidPtype      = 430
	CodeAlreadyJoined     = 436
	CodeJSONParse         = 454
	CodeNotAnObject       = 455
	CodeMissingKey        = 456
	CodeUnhandledMethod   = 457
	CodeSessionNotFound   = 458
	CodeUnsupportedPlugin = 460
	CodeTrickleFailed     = 466
	CodeEngineFailure     = 500
	CodeSDPFailed         = 512
)

// Error is a protocol-level failure that maps directly onto the error
// envelope. It never aborts the connection, only the request it belongs to.
type Error struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("janus error %d: %s", e.Code, e.Reason)
}

// NewError builds an *Error for a code/reason pair.
func NewError(code int, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// ErrMissingTransaction is the one error class exempt from echoing a
// transaction, since there is none to echo.
var ErrMissingTransaction = NewError(CodeMissingKey, "JSON object does not contain 'transaction' key")

// JSEP is an SDP payload attached to a request or reply.
type JSEP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Request is one inbound signaling frame. Transaction is a pointer so a
// missing key can be told apart from an empty string.
type Request struct {
	Janus       string                   `json:"janus"`
	Transaction *string                  `json:"transaction"`
	SessionID   uint64                   `json:"session_id"`
	HandleID    uint64                   `json:"handle_id"`
	ID          uint64                   `json:"id"`
	Token       string                   `json:"token"`
	AdminSecret string                   `json:"admin_secret"`
	Plugin      string                   `json:"plugin"`
	Body        json.RawMessage          `json:"body"`
	JSEP        *JSEP                    `json:"jsep"`
	Candidate   *webrtc.ICECandidateInit `json:"candidate"`
}

// ParseRequest decodes one frame. Malformed JSON and non-object payloads
// produce the corresponding protocol errors rather than a Go error.
func ParseRequest(data []byte) (*Request, *Error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if json.Valid(data) {
			return nil, NewError(CodeNotAnObject, "JSON string is not an object")
		}
		return nil, NewError(CodeJSONParse, "Failed to parse JSON")
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, NewError(CodeJSONParse, "Failed to parse JSON")
	}
	return &req, nil
}

// PluginData wraps a plugin's payload in the outer envelope. Data is always
// present, empty on failure.
type PluginData struct {
	Plugin string         `json:"plugin"`
	Data   map[string]any `json:"data"`
}

// Reply is one outbound signaling frame.
type Reply struct {
	Janus       string         `json:"janus"`
	Transaction string         `json:"transaction,omitempty"`
	SessionID   uint64         `json:"session_id,omitempty"`
	Sender      uint64         `json:"sender,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	PluginData  *PluginData    `json:"plugindata,omitempty"`
	JSEP        *JSEP          `json:"jsep,omitempty"`
	Err         *Error         `json:"error,omitempty"`

	// server_info fields
	Name          string         `json:"name,omitempty"`
	VersionString string         `json:"version_string,omitempty"`
	Plugins       map[string]any `json:"plugins,omitempty"`
}

// WithError turns a reply into an error envelope for err.
func (r *Reply) WithError(err *Error) *Reply {
	r.Janus = KindError
	r.Err = err
	return r
}

// Marshal renders the reply as one wire frame.
func (r *Reply) Marshal() []byte {
	b, err := json.Marshal(r)
	if err != nil {
		// A reply is built from plain maps and strings; this cannot
		// happen with well-formed plugin output.
		return []byte(`{"janus":"error","error":{"code":500,"reason":"Failed to encode reply"}}`)
	}
	return b
}
