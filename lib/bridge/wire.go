package bridge

import "encoding/json"

// Wire shapes for outbound frames. Responses and events are distinct types
// on purpose: a response can never grow a method field and an event can
// never grow an id field, which devtools clients assert on.

// NativeResponse answers one native-protocol request. The id echoes the
// client's own id byte-identically.
type NativeResponse struct {
	ID      json.RawMessage `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// CDPError is the CDP error object.
type CDPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CDPResponse answers one CDP command.
type CDPResponse struct {
	ID        json.RawMessage `json:"id"`
	Result    any             `json:"result,omitempty"`
	Error     *CDPError       `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// CDPEvent is an outbound CDP notification.
type CDPEvent struct {
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// CDP error codes per JSON-RPC conventions.
const (
	CDPCodeMethodNotFound = -32601
	CDPCodeInvalidParams  = -32602
	CDPCodeServerError    = -32000
)

// Fixed error strings surfaced to clients.
const (
	ErrMsgTimeout         = "Timeout"
	ErrMsgLinkDown        = "LinkDown"
	ErrMsgTabIDRequired   = "tabId is required"
	ErrMsgUnknownMethod   = "UnknownMethod"
	ErrMsgTargetNotFound  = "TargetNotFound"
	ErrMsgSessionNotFound = "SessionNotFound"
	ErrMsgForbidden       = "Forbidden"
)
