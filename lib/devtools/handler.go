// Package devtools speaks the Chrome DevTools Protocol on the wire:
// websocket endpoints for browser- and page-scope connections, command
// routing through the target manager, and the HTTP discovery surface
// standard CDP clients probe before connecting.
package devtools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/brophq/brop/lib/bridge"
	"github.com/brophq/brop/lib/frame"
	"github.com/brophq/brop/lib/logger"
)

const readLimit = 100 * 1024 * 1024

// Browser identity reported to CDP clients. The agent executes in a real
// browser, so the versions only need to look plausible.
const (
	browserProduct  = "Chrome/128.0.6613.120"
	protocolVersion = "1.3"
	userAgent       = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.6613.120 Safari/537.36"
	v8Version       = "12.8.374.22"
	webKitVersion   = "537.36 (@fd264b4411c2231d4bcc656ee85b9db545aa2658)"
)

// Handler serves the devtools endpoint: websocket CDP plus HTTP discovery.
type Handler struct {
	b *bridge.Bridge

	// token in the advertised /devtools/browser/<token> URL; any token is
	// accepted on connect.
	browserToken string
}

func NewHandler(b *bridge.Bridge) *Handler {
	return &Handler{
		b:            b,
		browserToken: uuid.NewString(),
	}
}

// Routes mounts every devtools surface on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/json", h.serveList)
	r.Get("/json/", h.serveList)
	r.Get("/json/list", h.serveList)
	r.Get("/json/list/", h.serveList)
	r.Get("/json/version", h.serveVersion)
	r.Get("/json/protocol", h.serveProtocol)
	r.Get("/logs", h.serveLogs)
	r.Get("/devtools/browser/{token}", h.serveBrowserSocket)
	r.Get("/devtools/page/{targetID}", h.servePageSocket)
}

// serveBrowserSocket handles a browser-scope CDP connection. Any token is
// accepted; the path shape is what clients require.
func (h *Handler) serveBrowserSocket(w http.ResponseWriter, r *http.Request) {
	h.serveSocket(w, r, "")
}

// servePageSocket handles a page-scope CDP connection: commands without a
// sessionId are implicitly bound to the target in the path.
func (h *Handler) servePageSocket(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "targetID")
	if _, ok := h.b.Targets.Lookup(targetID); !ok {
		http.Error(w, "no such target", http.StatusNotFound)
		return
	}
	h.serveSocket(w, r, targetID)
}

func (h *Handler) serveSocket(w http.ResponseWriter, r *http.Request, boundTarget string) {
	slogger := logger.FromContext(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		slogger.Error("devtools: websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx := r.Context()
	client := h.b.AddClient(bridge.KindDevtools, r.URL.Path)
	defer h.b.RemoveClient(client)

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
					slogger.Debug("devtools: write failed", "err", err, "client", client.ID())
					cancelWrite()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slogger.Debug("devtools: client read ended", "err", err, "client", client.ID())
			break
		}
		var req frame.CDPRequest
		if err := json.Unmarshal(data, &req); err != nil {
			slogger.Warn("devtools: unparseable command dropped", "client", client.ID())
			continue
		}
		h.handleCommand(ctx, client, req, boundTarget)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) handleCommand(ctx context.Context, client *bridge.Client, req frame.CDPRequest, boundTarget string) {
	respond := func(result any) {
		client.EnqueueJSON(bridge.CDPResponse{ID: req.ID, Result: result, SessionID: req.SessionID})
	}
	respondErr := func(code int, msg string) {
		client.EnqueueJSON(bridge.CDPResponse{ID: req.ID, Error: &bridge.CDPError{Code: code, Message: msg}, SessionID: req.SessionID})
	}

	if req.Method == "" {
		respondErr(bridge.CDPCodeInvalidParams, "method is required")
		return
	}

	// Session-scoped command: resolve the session to its tab and forward.
	if req.SessionID != "" && !isBrowserScope(req.Method) {
		tabID, ok := h.b.Targets.SessionTab(req.SessionID)
		if !ok {
			respondErr(bridge.CDPCodeServerError, bridge.ErrMsgSessionNotFound)
			return
		}
		h.forwardScoped(client, req, tabID)
		return
	}

	switch req.Method {
	case "Browser.getVersion":
		respond(map[string]string{
			"protocolVersion": protocolVersion,
			"product":         browserProduct,
			"revision":        "@fd264b4411c2231d4bcc656ee85b9db545aa2658",
			"userAgent":       userAgent,
			"jsVersion":       v8Version,
		})

	case "Browser.close":
		// the bridge never closes the real browser on behalf of a client
		respond(map[string]any{})

	case "Browser.setDownloadBehavior", "Browser.setWindowBounds":
		respond(map[string]any{})

	case "Target.getTargets":
		respond(map[string]any{"targetInfos": h.b.Targets.List()})

	case "Target.getTargetInfo":
		var p struct {
			TargetID string `json:"targetId"`
		}
		_ = json.Unmarshal(req.Params, &p)
		targetID := p.TargetID
		if targetID == "" {
			targetID = boundTarget
		}
		if targetID == "" && req.SessionID != "" {
			targetID, _, _ = h.b.Targets.ResolveSession(req.SessionID)
		}
		info, ok := h.b.Targets.Lookup(targetID)
		if !ok {
			respondErr(bridge.CDPCodeServerError, bridge.ErrMsgTargetNotFound)
			return
		}
		respond(map[string]any{"targetInfo": info})

	case "Target.createTarget":
		h.createTarget(ctx, client, req, respond, respondErr)

	case "Target.activateTarget":
		tabID, ok := h.tabForParams(req.Params)
		if !ok {
			respondErr(bridge.CDPCodeServerError, bridge.ErrMsgTargetNotFound)
			return
		}
		if _, err := h.b.Call(ctx, client, "activate_tab", map[string]int64{"tabId": tabID}); err != nil {
			respondErr(bridge.CDPCodeServerError, err.Error())
			return
		}
		respond(map[string]any{})

	case "Target.closeTarget":
		tabID, ok := h.tabForParams(req.Params)
		if !ok {
			respondErr(bridge.CDPCodeServerError, bridge.ErrMsgTargetNotFound)
			return
		}
		if _, err := h.b.Call(ctx, client, "close_tab", map[string]int64{"tabId": tabID}); err != nil {
			respondErr(bridge.CDPCodeServerError, err.Error())
			return
		}
		respond(map[string]bool{"success": true})

	case "Target.attachToTarget":
		var p struct {
			TargetID string `json:"targetId"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if p.TargetID == "" {
			p.TargetID = boundTarget
		}
		sessionID, err := h.b.Targets.Attach(client.ID(), p.TargetID)
		if err != nil {
			respondErr(bridge.CDPCodeServerError, bridge.ErrMsgTargetNotFound)
			return
		}
		respond(map[string]string{"sessionId": sessionID})

	case "Target.detachFromTarget":
		var p struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if p.SessionID == "" {
			p.SessionID = req.SessionID
		}
		if err := h.b.Targets.Detach(p.SessionID); err != nil {
			respondErr(bridge.CDPCodeServerError, bridge.ErrMsgSessionNotFound)
			return
		}
		respond(map[string]any{})

	case "Target.setAutoAttach":
		if req.SessionID != "" {
			// page sessions have no sub-targets to auto-attach
			respond(map[string]any{})
			return
		}
		var p struct {
			AutoAttach bool `json:"autoAttach"`
		}
		_ = json.Unmarshal(req.Params, &p)
		h.b.Targets.SetAutoAttach(client.ID(), p.AutoAttach)
		respond(map[string]any{})

	case "Target.setDiscoverTargets":
		var p struct {
			Discover bool `json:"discover"`
		}
		_ = json.Unmarshal(req.Params, &p)
		h.b.Targets.SetDiscoverTargets(client.ID(), p.Discover)
		respond(map[string]any{})

	case "Target.createBrowserContext":
		respond(map[string]string{"browserContextId": h.b.Targets.NewBrowserContext()})

	case "Target.disposeBrowserContext":
		respond(map[string]any{})

	case "Runtime.enable", "Page.enable", "Network.enable", "Log.enable",
		"Runtime.runIfWaitingForDebugger", "Emulation.setFocusEmulationEnabled":
		// browser-level enables are no-ops; session-scoped ones were
		// already forwarded above
		respond(map[string]any{})

	default:
		if boundTarget != "" && !isBrowserScope(req.Method) {
			// page-scope connection: bind the command to the page's tab
			if tabID, ok := h.b.Targets.TabID(boundTarget); ok {
				h.forwardScoped(client, req, tabID)
				return
			}
		}
		respondErr(bridge.CDPCodeMethodNotFound, fmt.Sprintf("'%s' wasn't found", req.Method))
	}
}

// isBrowserScope reports whether a method is handled by the bridge itself
// even when a sessionId is present. All of Target.* and Browser.* qualify:
// Playwright tags Target.setAutoAttach with the page session during connect,
// and the agent knows none of these methods.
func isBrowserScope(method string) bool {
	return strings.HasPrefix(method, "Target.") || strings.HasPrefix(method, "Browser.")
}

func (h *Handler) forwardScoped(client *bridge.Client, req frame.CDPRequest, tabID int64) {
	params, err := frame.WithTabID(req.Params, tabID)
	if err != nil {
		client.EnqueueJSON(bridge.CDPResponse{ID: req.ID, Error: &bridge.CDPError{Code: bridge.CDPCodeInvalidParams, Message: err.Error()}, SessionID: req.SessionID})
		return
	}
	if err := h.b.Forward(client, req.ID, req.Method, params, req.SessionID); err != nil {
		client.EnqueueJSON(bridge.CDPResponse{ID: req.ID, Error: &bridge.CDPError{Code: bridge.CDPCodeServerError, Message: err.Error()}, SessionID: req.SessionID})
	}
}

func (h *Handler) createTarget(ctx context.Context, client *bridge.Client, req frame.CDPRequest, respond func(any), respondErr func(int, string)) {
	var p struct {
		URL              string `json:"url"`
		BrowserContextID string `json:"browserContextId"`
	}
	_ = json.Unmarshal(req.Params, &p)
	if p.URL == "" {
		p.URL = "about:blank"
	}
	if bridge.ForbiddenURL(p.URL) {
		respondErr(bridge.CDPCodeServerError, bridge.ErrMsgForbidden+": restricted URL")
		return
	}

	result, err := h.b.Call(ctx, client, "create_tab", map[string]string{"url": p.URL})
	if err != nil {
		respondErr(bridge.CDPCodeServerError, err.Error())
		return
	}
	var created struct {
		TabID *int64 `json:"tabId"`
		ID    *int64 `json:"id"`
	}
	if err := json.Unmarshal(result, &created); err != nil || (created.TabID == nil && created.ID == nil) {
		respondErr(bridge.CDPCodeServerError, "agent did not return a tab id")
		return
	}
	tabID := created.TabID
	if tabID == nil {
		tabID = created.ID
	}

	targetID := h.b.Targets.UpsertTargetInContext(*tabID, p.URL, "", p.BrowserContextID)
	respond(map[string]string{"targetId": targetID})
}

// tabForParams resolves params.targetId to the agent tab id.
func (h *Handler) tabForParams(params json.RawMessage) (int64, bool) {
	var p struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.TargetID == "" {
		return 0, false
	}
	return h.b.Targets.TabID(p.TargetID)
}
