package devtools

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/ghodss/yaml"
	"github.com/samber/lo"

	"github.com/brophq/brop/lib/logger"
	"github.com/brophq/brop/lib/targets"
)

// The protocol definition is kept as YAML for readability and converted to
// JSON on first request.
//
//go:embed protocol.yaml
var protocolYAML []byte

var (
	protocolOnce sync.Once
	protocolJSON []byte
	protocolErr  error
)

func (h *Handler) serveVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"Browser":              browserProduct,
		"Protocol-Version":     protocolVersion,
		"User-Agent":           userAgent,
		"V8-Version":           v8Version,
		"WebKit-Version":       webKitVersion,
		"webSocketDebuggerUrl": fmt.Sprintf("ws://%s/devtools/browser/%s", r.Host, h.browserToken),
	})
}

type listEntry struct {
	Description          string `json:"description"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl"`
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

func (h *Handler) serveList(w http.ResponseWriter, r *http.Request) {
	entries := lo.Map(h.b.Targets.List(), func(info targets.Info, _ int) listEntry {
		wsURL := fmt.Sprintf("ws://%s/devtools/page/%s", r.Host, info.TargetID)
		return listEntry{
			DevtoolsFrontendURL:  fmt.Sprintf("/devtools/inspector.html?ws=%s/devtools/page/%s", r.Host, info.TargetID),
			ID:                   info.TargetID,
			Title:                info.Title,
			Type:                 info.Type,
			URL:                  info.URL,
			WebSocketDebuggerURL: wsURL,
		}
	})
	writeJSON(w, entries)
}

func (h *Handler) serveProtocol(w http.ResponseWriter, r *http.Request) {
	protocolOnce.Do(func() {
		protocolJSON, protocolErr = yaml.YAMLToJSON(protocolYAML)
	})
	if protocolErr != nil {
		http.Error(w, "failed to convert protocol definition", http.StatusInternalServerError)
		logger.FromContext(r.Context()).Error("protocol yaml to json", "err", protocolErr)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(protocolJSON)
}

func (h *Handler) serveLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit parameter: must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	level := r.URL.Query().Get("level")

	writeJSON(w, map[string]any{
		"entries":            h.b.Calls.Tail(limit, level),
		"link":               h.b.LinkStatus(),
		"dropped_tab_events": h.b.Bus.Dropped(),
		"dropped_frames":     h.b.ClientDrops(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
