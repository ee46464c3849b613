// Package native serves clients speaking the flat {id, method, params}
// protocol. Requests are validated at the edge, then forwarded upstream
// through the bridge; tab-lifecycle subscriptions are handled locally.
package native

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/brophq/brop/lib/bridge"
	"github.com/brophq/brop/lib/eventbus"
	"github.com/brophq/brop/lib/frame"
	"github.com/brophq/brop/lib/logger"
)

const readLimit = 32 * 1024 * 1024

// tabScoped lists the methods that must carry params.tabId. There is no
// "active tab" fallback: a missing tabId is a hard error and never reaches
// the agent.
var tabScoped = map[string]bool{
	"navigate":           true,
	"get_page_content":   true,
	"get_console_logs":   true,
	"get_screenshot":     true,
	"execute_console":    true,
	"get_simplified_dom": true,
	"close_tab":          true,
}

// urlScoped lists the methods whose params.url is checked against
// restricted schemes before forwarding.
var urlScoped = map[string]bool{
	"navigate":   true,
	"create_tab": true,
}

// Handler upgrades native-protocol websocket connections.
type Handler struct {
	b *bridge.Bridge
}

func NewHandler(b *bridge.Bridge) *Handler {
	return &Handler{b: b}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slogger := logger.FromContext(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slogger.Error("native: websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx := r.Context()
	client := h.b.AddClient(bridge.KindNative, r.URL.Query().Get("name"))
	defer h.b.RemoveClient(client)

	// single writer per socket
	writeCtx, cancelWrite := context.WithCancel(ctx)
	defer cancelWrite()
	go func() {
		for {
			select {
			case <-writeCtx.Done():
				return
			case <-client.Done():
				return
			case data := <-client.Out():
				if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
					slogger.Debug("native: write failed", "err", err, "client", client.ID())
					cancelWrite()
					return
				}
			}
		}
	}()

	var pumpOnce sync.Once
	startEventPump := func(events <-chan eventbus.TabEvent) {
		pumpOnce.Do(func() {
			go func() {
				for {
					select {
					case <-writeCtx.Done():
						return
					case <-client.Done():
						return
					case ev, ok := <-events:
						if !ok {
							return
						}
						client.EnqueueJSON(ev)
					}
				}
			}()
		})
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slogger.Debug("native: client read ended", "err", err, "client", client.ID())
			break
		}

		var req frame.NativeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			client.EnqueueJSON(bridge.NativeResponse{ID: json.RawMessage(`null`), Success: false, Error: "invalid message format"})
			continue
		}
		h.handleRequest(ctx, client, req, startEventPump)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) handleRequest(ctx context.Context, client *bridge.Client, req frame.NativeRequest, startEventPump func(<-chan eventbus.TabEvent)) {
	fail := func(msg string) {
		client.EnqueueJSON(bridge.NativeResponse{ID: req.ID, Success: false, Error: msg})
	}
	ok := func(result any) {
		raw, err := json.Marshal(result)
		if err != nil {
			fail("internal error")
			return
		}
		client.EnqueueJSON(bridge.NativeResponse{ID: req.ID, Success: true, Result: raw})
	}

	if req.Method == "" {
		fail("method is required")
		return
	}

	if tabScoped[req.Method] {
		if _, has := frame.TabID(req.Params); !has {
			fail(bridge.ErrMsgTabIDRequired)
			return
		}
	}

	if urlScoped[req.Method] {
		var p struct {
			URL string `json:"url"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if bridge.ForbiddenURL(p.URL) {
			fail(bridge.ErrMsgForbidden + ": restricted URL")
			return
		}
	}

	switch req.Method {
	case "subscribe_tab_events":
		tabID, has := frame.TabID(req.Params)
		if !has {
			fail(bridge.ErrMsgTabIDRequired)
			return
		}
		var p struct {
			Events []string `json:"events"`
		}
		_ = json.Unmarshal(req.Params, &p)
		events := h.b.Bus.Subscribe(client.ID(), tabID, p.Events)
		startEventPump(events)
		ok(map[string]any{"subscribed": true, "tabId": tabID})

	case "unsubscribe_tab_events":
		tabID, has := frame.TabID(req.Params)
		if !has {
			fail(bridge.ErrMsgTabIDRequired)
			return
		}
		h.b.Bus.Unsubscribe(client.ID(), tabID)
		ok(map[string]any{"subscribed": false, "tabId": tabID})

	case "get_bridge_status":
		st := h.b.LinkStatus()
		numTargets, numSessions := h.b.Targets.Counts()
		ok(map[string]any{
			"connected":       st.Connected,
			"last_seen_at":    st.LastSeenAt,
			"reconnect_count": st.ReconnectCount,
			"targets":         numTargets,
			"sessions":        numSessions,
			"clients":         h.b.ClientCount(),
		})

	default:
		if err := h.b.Forward(client, req.ID, req.Method, req.Params, ""); err != nil {
			// extlink.ErrLinkDown stringifies to the wire error "LinkDown"
			fail(err.Error())
		}
	}
}
