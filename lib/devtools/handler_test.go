package devtools

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brophq/brop/lib/bridge"
	"github.com/brophq/brop/lib/calllog"
	"github.com/brophq/brop/lib/eventbus"
	"github.com/brophq/brop/lib/extlink"
	"github.com/brophq/brop/lib/logger"
	"github.com/brophq/brop/lib/targets"
)

var sessionIDRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type env struct {
	t     *testing.T
	b     *bridge.Bridge
	h     *Handler
	srv   *httptest.Server
	agent *websocket.Conn
	ctx   context.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()
	slogger := slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))

	link := extlink.New(slogger, time.Second)
	bus := eventbus.New()
	mgr := targets.NewManager(bus)
	b := bridge.New(slogger, link, bus, mgr, calllog.New(100), 15*time.Second)
	h := NewHandler(b)

	up := make(chan struct{}, 1)
	link.OnUp(func() { up <- struct{}{} })

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(logger.AddToContext(req.Context(), slogger)))
		})
	})
	h.Routes(r)
	r.Handle("/extension", link.Handler())
	srv := httptest.NewServer(r)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	agent, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/extension", nil)
	require.NoError(t, err)
	select {
	case <-up:
	case <-ctx.Done():
		t.Fatal("link never came up")
	}

	return &env{t: t, b: b, h: h, srv: srv, agent: agent, ctx: ctx}
}

func (e *env) dialBrowser() *websocket.Conn {
	e.t.Helper()
	return e.dialPath("/devtools/browser/" + e.h.browserToken)
}

func (e *env) dialPath(path string) *websocket.Conn {
	e.t.Helper()
	conn, _, err := websocket.Dial(e.ctx, "ws"+strings.TrimPrefix(e.srv.URL, "http")+path, nil)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func (e *env) send(conn *websocket.Conn, raw string) {
	e.t.Helper()
	require.NoError(e.t, conn.Write(e.ctx, websocket.MessageText, []byte(raw)))
}

// recv reads one frame and enforces the wire invariant: a frame carries an
// id (response) or a method (event), never both.
func (e *env) recv(conn *websocket.Conn) map[string]any {
	e.t.Helper()
	readCtx, cancel := context.WithTimeout(e.ctx, 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	require.NoError(e.t, err)
	var m map[string]any
	require.NoError(e.t, json.Unmarshal(data, &m))

	_, hasID := m["id"]
	_, hasMethod := m["method"]
	assert.False(e.t, hasID && hasMethod, "frame mixes response and event shape: %s", data)
	return m
}

// agentIdle asserts no frame reaches the agent within the window.
func (e *env) agentIdle(d time.Duration) {
	e.t.Helper()
	readCtx, cancel := context.WithTimeout(e.ctx, d)
	defer cancel()
	if _, data, err := e.agent.Read(readCtx); err == nil {
		e.t.Fatalf("agent unexpectedly received frame: %s", data)
	}
}

// agentRespond answers the next upstream request using fn(method, params).
func (e *env) agentRespond(fn func(method string, params json.RawMessage) string) {
	go func() {
		_, data, err := e.agent.Read(e.ctx)
		if err != nil {
			return
		}
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &req) != nil {
			return
		}
		result := fn(req.Method, req.Params)
		reply, _ := json.Marshal(map[string]any{"id": req.ID, "success": true, "result": json.RawMessage(result)})
		_ = e.agent.Write(e.ctx, websocket.MessageText, reply)
	}()
}

func TestBrowserGetVersion(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	conn := e.dialBrowser()

	e.send(conn, `{"id":1,"method":"Browser.getVersion"}`)
	resp := e.recv(conn)
	assert.Equal(t, float64(1), resp["id"])
	result := resp["result"].(map[string]any)
	assert.Equal(t, "1.3", result["protocolVersion"])
	assert.Contains(t, result["product"], "Chrome/")
}

func TestAutoAttachOnCreateTarget(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	conn := e.dialBrowser()

	e.send(conn, `{"id":1,"method":"Target.setAutoAttach","params":{"autoAttach":true,"waitForDebuggerOnStart":false}}`)
	require.Equal(t, float64(1), e.recv(conn)["id"])

	e.agentRespond(func(method string, params json.RawMessage) string {
		assert.Equal(t, "create_tab", method)
		assert.JSONEq(t, `{"url":"https://example.com"}`, string(params))
		return `{"tabId":11}`
	})
	e.send(conn, `{"id":2,"method":"Target.createTarget","params":{"url":"https://example.com"}}`)

	// the attach event arrives before the createTarget response
	ev := e.recv(conn)
	require.Equal(t, "Target.attachedToTarget", ev["method"])
	evParams := ev["params"].(map[string]any)
	assert.Equal(t, false, evParams["waitingForDebugger"])
	sessionID := evParams["sessionId"].(string)
	assert.Regexp(t, sessionIDRe, sessionID)
	info := evParams["targetInfo"].(map[string]any)
	assert.Equal(t, "page", info["type"])
	assert.Regexp(t, `^[0-9A-F]{32}$`, info["targetId"])

	resp := e.recv(conn)
	assert.Equal(t, float64(2), resp["id"])
	result := resp["result"].(map[string]any)
	assert.Equal(t, info["targetId"], result["targetId"])
}

func TestAttachToTargetIdempotent(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	conn := e.dialBrowser()

	targetID := e.b.Targets.UpsertTarget(7, "about:blank", "tab")

	e.send(conn, `{"id":1,"method":"Target.attachToTarget","params":{"targetId":"`+targetID+`","flatten":true}}`)
	ev := e.recv(conn)
	require.Equal(t, "Target.attachedToTarget", ev["method"])
	resp := e.recv(conn)
	first := resp["result"].(map[string]any)["sessionId"].(string)
	assert.Regexp(t, sessionIDRe, first)

	// a second attach for the same pair reuses the session, with no new event
	e.send(conn, `{"id":2,"method":"Target.attachToTarget","params":{"targetId":"`+targetID+`"}}`)
	resp = e.recv(conn)
	require.Equal(t, float64(2), resp["id"])
	assert.Equal(t, first, resp["result"].(map[string]any)["sessionId"])
}

func TestSessionScopedCommandForwarded(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	conn := e.dialBrowser()

	targetID := e.b.Targets.UpsertTarget(21, "about:blank", "")
	e.send(conn, `{"id":1,"method":"Target.attachToTarget","params":{"targetId":"`+targetID+`"}}`)
	e.recv(conn) // attachedToTarget
	sessionID := e.recv(conn)["result"].(map[string]any)["sessionId"].(string)

	e.agentRespond(func(method string, params json.RawMessage) string {
		assert.Equal(t, "Page.navigate", method)
		var p struct {
			TabID int64  `json:"tabId"`
			URL   string `json:"url"`
		}
		require.NoError(t, json.Unmarshal(params, &p))
		assert.Equal(t, int64(21), p.TabID)
		assert.Equal(t, "https://example.com", p.URL)
		return `{"frameId":"F1"}`
	})
	e.send(conn, `{"id":5,"method":"Page.navigate","params":{"url":"https://example.com"},"sessionId":"`+sessionID+`"}`)

	resp := e.recv(conn)
	assert.Equal(t, float64(5), resp["id"])
	assert.Equal(t, sessionID, resp["sessionId"])
	assert.Equal(t, "F1", resp["result"].(map[string]any)["frameId"])
}

func TestSessionTaggedTargetCommandsStayLocal(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	conn := e.dialBrowser()

	targetID := e.b.Targets.UpsertTarget(50, "https://example.com", "")
	e.send(conn, `{"id":1,"method":"Target.attachToTarget","params":{"targetId":"`+targetID+`"}}`)
	e.recv(conn) // attachedToTarget
	sessionID := e.recv(conn)["result"].(map[string]any)["sessionId"].(string)

	// Playwright tags this with the page session during connect; the bridge
	// must answer it, not the agent
	e.send(conn, `{"id":2,"method":"Target.setAutoAttach","params":{"autoAttach":true,"waitForDebuggerOnStart":false,"flatten":true},"sessionId":"`+sessionID+`"}`)
	resp := e.recv(conn)
	assert.Equal(t, float64(2), resp["id"])
	assert.Equal(t, sessionID, resp["sessionId"])
	assert.NotNil(t, resp["result"])
	assert.Nil(t, resp["error"])

	e.send(conn, `{"id":3,"method":"Browser.getVersion","sessionId":"`+sessionID+`"}`)
	resp = e.recv(conn)
	assert.Equal(t, float64(3), resp["id"])
	assert.Contains(t, resp["result"].(map[string]any)["product"], "Chrome/")

	// an unknown browser-scope method fails locally too
	e.send(conn, `{"id":4,"method":"Target.exposeDevToolsProtocol","sessionId":"`+sessionID+`"}`)
	resp = e.recv(conn)
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32601), errObj["code"])

	// none of the above may reach the agent
	e.agentIdle(300 * time.Millisecond)

	// the session-tagged call must not have enabled browser-level
	// auto-attach: a new target stays unattached
	e.b.Targets.UpsertTarget(51, "https://example.com/b", "")
	_, sessions := e.b.Targets.Counts()
	assert.Equal(t, 1, sessions)
}

func TestDetachUnknownSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	conn := e.dialBrowser()

	e.send(conn, `{"id":1,"method":"Target.detachFromTarget","params":{"sessionId":"bogus"}}`)
	resp := e.recv(conn)
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32000), errObj["code"])
	assert.Equal(t, "SessionNotFound", errObj["message"])
}

func TestCommandOnStaleSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	conn := e.dialBrowser()

	targetID := e.b.Targets.UpsertTarget(3, "about:blank", "")
	e.send(conn, `{"id":1,"method":"Target.attachToTarget","params":{"targetId":"`+targetID+`"}}`)
	e.recv(conn)
	sessionID := e.recv(conn)["result"].(map[string]any)["sessionId"].(string)

	require.NoError(t, e.b.Targets.Detach(sessionID))
	e.recv(conn) // detachedFromTarget

	e.send(conn, `{"id":2,"method":"Runtime.evaluate","params":{"expression":"1"},"sessionId":"`+sessionID+`"}`)
	resp := e.recv(conn)
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, "SessionNotFound", errObj["message"])
}

func TestUnknownMethodBrowserScope(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	conn := e.dialBrowser()

	e.send(conn, `{"id":1,"method":"Tracing.start"}`)
	resp := e.recv(conn)
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32601), errObj["code"])
	assert.Equal(t, "'Tracing.start' wasn't found", errObj["message"])
}

func TestDiscoverTargetsReplay(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.b.Targets.UpsertTarget(1, "https://a.example", "A")
	e.b.Targets.UpsertTarget(2, "https://b.example", "B")

	conn := e.dialBrowser()
	e.send(conn, `{"id":1,"method":"Target.setDiscoverTargets","params":{"discover":true}}`)

	urls := map[string]bool{}
	var gotResp bool
	for i := 0; i < 3; i++ {
		m := e.recv(conn)
		if m["method"] == "Target.targetCreated" {
			info := m["params"].(map[string]any)["targetInfo"].(map[string]any)
			urls[info["url"].(string)] = true
			continue
		}
		gotResp = true
	}
	assert.True(t, gotResp)
	assert.True(t, urls["https://a.example"])
	assert.True(t, urls["https://b.example"])
}

func TestPageSocketBindsCommands(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	targetID := e.b.Targets.UpsertTarget(33, "https://example.com", "")
	conn := e.dialPath("/devtools/page/" + targetID)

	e.agentRespond(func(method string, params json.RawMessage) string {
		assert.Equal(t, "Page.reload", method)
		var p struct {
			TabID int64 `json:"tabId"`
		}
		require.NoError(t, json.Unmarshal(params, &p))
		assert.Equal(t, int64(33), p.TabID)
		return `{}`
	})
	e.send(conn, `{"id":1,"method":"Page.reload"}`)
	resp := e.recv(conn)
	assert.Equal(t, float64(1), resp["id"])
	assert.NotNil(t, resp["result"])
}

func TestPageSocketUnknownTarget(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	resp, err := http.Get(e.srv.URL + "/devtools/page/DOESNOTEXIST")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateTargetRestrictedURL(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	conn := e.dialBrowser()

	e.send(conn, `{"id":1,"method":"Target.createTarget","params":{"url":"chrome://settings"}}`)
	resp := e.recv(conn)
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32000), errObj["code"])
	assert.Contains(t, errObj["message"], "Forbidden")
}
