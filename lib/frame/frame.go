package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind classifies an inbound upstream frame. Classification happens once at
// the edge; everything downstream dispatches on the tag instead of poking at
// raw JSON fields.
type Kind int

const (
	// KindResponse is a reply to a request the bridge forwarded upstream:
	// a numeric top-level id and no method.
	KindResponse Kind = iota
	// KindEvent is an agent-initiated notification: a method and no id.
	KindEvent
	// KindMalformed is anything else, e.g. a frame carrying both id and
	// method. Such frames are logged and dropped.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return "malformed"
	}
}

// Upstream is a parsed frame received from the extension agent.
type Upstream struct {
	Kind Kind

	// Response fields
	ID      int64
	Success *bool
	Result  json.RawMessage
	Error   string

	// Event fields
	Method string
	Params json.RawMessage

	Raw []byte
}

type upstreamEnvelope struct {
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Success *bool           `json:"success"`
	Result  json.RawMessage `json:"result"`
	Params  json.RawMessage `json:"params"`
	Error   json.RawMessage `json:"error"`
}

// agentError tolerates both a bare string error and a CDP-style
// {code, message} object.
func agentError(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

// ParseUpstream classifies one frame from the extension link.
func ParseUpstream(data []byte) Upstream {
	var env upstreamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Upstream{Kind: KindMalformed, Raw: data}
	}

	hasID := len(env.ID) > 0 && !bytes.Equal(env.ID, []byte("null"))
	hasMethod := env.Method != ""

	switch {
	case hasID && !hasMethod:
		var id int64
		if err := json.Unmarshal(env.ID, &id); err != nil {
			return Upstream{Kind: KindMalformed, Raw: data}
		}
		return Upstream{
			Kind:    KindResponse,
			ID:      id,
			Success: env.Success,
			Result:  env.Result,
			Error:   agentError(env.Error),
			Raw:     data,
		}
	case hasMethod && !hasID:
		return Upstream{
			Kind:   KindEvent,
			Method: env.Method,
			Params: env.Params,
			Raw:    data,
		}
	default:
		return Upstream{Kind: KindMalformed, Raw: data}
	}
}

// Failed reports whether a response frame carries an agent error. The agent
// answers native-style frames with an explicit success flag; CDP-style
// replies signal failure through the error field alone.
func (u Upstream) Failed() bool {
	if u.Success != nil {
		return !*u.Success
	}
	return u.Error != ""
}

// NativeRequest is the envelope clients send on the native endpoint. The id
// is kept raw so that string and numeric ids round-trip byte-identically.
type NativeRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// CDPRequest is the envelope clients send on the devtools endpoint.
type CDPRequest struct {
	ID        json.RawMessage `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId,omitempty"`
}

// WithTabID returns params with a tabId field merged in, so that
// session-scoped CDP commands can be forwarded to the agent tab-scoped.
func WithTabID(params json.RawMessage, tabID int64) (json.RawMessage, error) {
	m := map[string]any{}
	if len(params) > 0 && !bytes.Equal(params, []byte("null")) {
		if err := json.Unmarshal(params, &m); err != nil {
			return nil, fmt.Errorf("params is not an object: %w", err)
		}
	}
	m["tabId"] = tabID
	return json.Marshal(m)
}

// TabID extracts a tabId from a params object. The second return is false
// when the field is absent or not a number.
func TabID(params json.RawMessage) (int64, bool) {
	var probe struct {
		TabID *int64 `json:"tabId"`
	}
	if err := json.Unmarshal(params, &probe); err != nil || probe.TabID == nil {
		return 0, false
	}
	return *probe.TabID, true
}
