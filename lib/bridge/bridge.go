// Package bridge is the protocol multiplexer at the heart of the process:
// it correlates client requests with upstream responses through the request
// registry, owns the dispatch of everything the extension link delivers,
// and keeps per-client outbound queues so each socket has a single writer.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/brophq/brop/lib/calllog"
	"github.com/brophq/brop/lib/eventbus"
	"github.com/brophq/brop/lib/extlink"
	"github.com/brophq/brop/lib/frame"
	"github.com/brophq/brop/lib/registry"
	"github.com/brophq/brop/lib/targets"
)

const reapInterval = 1 * time.Second

type waiter struct {
	ch       chan frame.Upstream
	clientID string
}

// Bridge binds registry, extension link, target manager, event bus, and
// call log together.
type Bridge struct {
	logger *slog.Logger

	reg     *registry.Registry
	link    *extlink.Link
	Targets *targets.Manager
	Bus     *eventbus.Bus
	Calls   *calllog.Ring

	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*Client
	waiters map[int64]waiter
	digests map[int64]string
}

func New(logger *slog.Logger, link *extlink.Link, bus *eventbus.Bus, mgr *targets.Manager, calls *calllog.Ring, timeout time.Duration) *Bridge {
	b := &Bridge{
		logger:  logger,
		reg:     registry.New(timeout),
		link:    link,
		Targets: mgr,
		Bus:     bus,
		Calls:   calls,
		timeout: timeout,
		clients: make(map[string]*Client),
		waiters: make(map[int64]waiter),
		digests: make(map[int64]string),
	}
	link.OnFrame(b.dispatch)
	link.OnDown(b.onLinkDown)
	return b
}

// Run drives the reaper until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.reg.Close()
			return ctx.Err()
		case now := <-ticker.C:
			for _, p := range b.reg.Reap(now) {
				b.logger.Warn("request timed out", "method", p.Method, "upstream_id", p.UpstreamID, "client", p.ClientID)
				b.deliverFailure(p, ErrMsgTimeout)
			}
		}
	}
}

// LinkStatus exposes extension link health.
func (b *Bridge) LinkStatus() extlink.Status { return b.link.Status() }

// AddClient registers a new client connection.
func (b *Bridge) AddClient(kind Kind, name string) *Client {
	c := newClient(b, kind, name)
	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()
	if kind == KindDevtools {
		b.Targets.RegisterClient(c)
	}
	b.logger.Info("client connected", "client", c.id, "kind", kind.String(), "name", name)
	return c
}

// RemoveClient tears a client down: its pending requests are abandoned, its
// subscriptions and sessions purged, and no further frames reach its socket.
func (b *Bridge) RemoveClient(c *Client) {
	c.close()

	b.mu.Lock()
	delete(b.clients, c.id)
	var orphaned []chan frame.Upstream
	for id, w := range b.waiters {
		if w.clientID == c.id {
			delete(b.waiters, id)
			orphaned = append(orphaned, w.ch)
		}
	}
	b.mu.Unlock()
	for _, ch := range orphaned {
		close(ch)
	}

	forgotten := b.reg.ForgetClient(c.id)
	b.Bus.Close(c.id)
	if c.kind == KindDevtools {
		b.Targets.UnregisterClient(c.id)
	}
	b.logger.Info("client disconnected", "client", c.id, "kind", c.kind.String(), "abandoned_requests", forgotten)
}

func (b *Bridge) client(id string) (*Client, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[id]
	return c, ok
}

// ClientCount returns the number of live client connections.
func (b *Bridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// ClientDrops reports per-client outbound drop counters.
func (b *Bridge) ClientDrops() map[string]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[string]uint64{}
	for id, c := range b.clients {
		if n := c.Dropped(); n > 0 {
			out[id] = n
		}
	}
	return out
}

type upstreamRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Forward sends a client request upstream. The client's own id is replaced
// by a freshly allocated upstream id; the response is routed back and
// rewritten by the dispatcher. sessionID tags CDP session-scoped calls.
func (b *Bridge) Forward(c *Client, msgID json.RawMessage, method string, params json.RawMessage, sessionID string) error {
	upstreamID, err := b.reg.Register(c.id, msgID, method, sessionID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.digests[upstreamID] = calllog.Digest(params)
	b.mu.Unlock()

	data, err := json.Marshal(upstreamRequest{ID: upstreamID, Method: method, Params: params})
	if err != nil {
		b.abandon(upstreamID)
		return fmt.Errorf("marshal upstream request: %w", err)
	}
	if err := b.link.Send(data); err != nil {
		b.abandon(upstreamID)
		return err
	}
	return nil
}

// Call sends a request upstream on behalf of a client and waits for the
// response. Used for commands the devtools endpoint must resolve before it
// can answer (e.g. Target.createTarget -> create_tab).
func (b *Bridge) Call(ctx context.Context, c *Client, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	upstreamID, err := b.reg.Register(c.id, nil, method, "")
	if err != nil {
		return nil, err
	}
	ch := make(chan frame.Upstream, 1)
	b.mu.Lock()
	b.waiters[upstreamID] = waiter{ch: ch, clientID: c.id}
	b.digests[upstreamID] = calllog.Digest(raw)
	b.mu.Unlock()

	data, err := json.Marshal(upstreamRequest{ID: upstreamID, Method: method, Params: raw})
	if err != nil {
		b.abandon(upstreamID)
		return nil, err
	}
	if err := b.link.Send(data); err != nil {
		b.abandon(upstreamID)
		return nil, err
	}

	select {
	case <-ctx.Done():
		b.abandon(upstreamID)
		return nil, ctx.Err()
	case u, ok := <-ch:
		if !ok {
			return nil, errors.New("client disconnected")
		}
		if u.Failed() {
			msg := u.Error
			if msg == "" {
				msg = "agent error"
			}
			return nil, errors.New(msg)
		}
		return u.Result, nil
	}
}

// abandon removes registry and waiter bookkeeping for an id that will never
// get a response delivered.
func (b *Bridge) abandon(upstreamID int64) {
	b.reg.Complete(upstreamID)
	b.mu.Lock()
	delete(b.waiters, upstreamID)
	delete(b.digests, upstreamID)
	b.mu.Unlock()
}

// dispatch handles every frame the extension link delivers.
func (b *Bridge) dispatch(u frame.Upstream) {
	switch u.Kind {
	case frame.KindResponse:
		b.dispatchResponse(u)
	case frame.KindEvent:
		b.dispatchEvent(u)
	default:
		b.logger.Warn("malformed upstream frame dropped", "raw_length", len(u.Raw))
	}
}

func (b *Bridge) dispatchResponse(u frame.Upstream) {
	p, ok := b.reg.Complete(u.ID)
	if !ok {
		b.logger.Warn("late or unknown upstream response dropped", "upstream_id", u.ID)
		return
	}

	b.mu.Lock()
	w, isCall := b.waiters[u.ID]
	if isCall {
		delete(b.waiters, u.ID)
	}
	digest := b.digests[u.ID]
	delete(b.digests, u.ID)
	b.mu.Unlock()

	now := time.Now()
	b.Calls.Append(calllog.Entry{
		Method:       p.Method,
		ParamsDigest: digest,
		Success:      !u.Failed(),
		Error:        u.Error,
		DurationMS:   now.Sub(p.CreatedAt).Milliseconds(),
		StartedAt:    p.CreatedAt,
		CompletedAt:  now,
	})

	if isCall {
		w.ch <- u
		return
	}

	c, ok := b.client(p.ClientID)
	if !ok {
		b.logger.Debug("response for disconnected client dropped", "upstream_id", u.ID)
		return
	}
	b.respond(c, p, u.Result, u.Failed(), u.Error)
}

func (b *Bridge) respond(c *Client, p registry.Pending, result json.RawMessage, failed bool, errMsg string) {
	switch c.kind {
	case KindNative:
		c.EnqueueJSON(NativeResponse{ID: p.ClientMsgID, Success: !failed, Result: result, Error: errMsg})
	case KindDevtools:
		resp := CDPResponse{ID: p.ClientMsgID, SessionID: p.SessionID}
		if failed {
			resp.Error = &CDPError{Code: CDPCodeServerError, Message: errMsg}
		} else {
			if len(result) == 0 {
				result = json.RawMessage(`{}`)
			}
			resp.Result = result
		}
		c.EnqueueJSON(resp)
	}
}

// deliverFailure synthesizes an error response for a pending request that
// will never complete (timeout, link down).
func (b *Bridge) deliverFailure(p registry.Pending, msg string) {
	b.mu.Lock()
	w, isCall := b.waiters[p.UpstreamID]
	if isCall {
		delete(b.waiters, p.UpstreamID)
	}
	digest := b.digests[p.UpstreamID]
	delete(b.digests, p.UpstreamID)
	b.mu.Unlock()

	now := time.Now()
	b.Calls.Append(calllog.Entry{
		Method:       p.Method,
		ParamsDigest: digest,
		Success:      false,
		Error:        msg,
		DurationMS:   now.Sub(p.CreatedAt).Milliseconds(),
		StartedAt:    p.CreatedAt,
		CompletedAt:  now,
	})

	if isCall {
		failed := false
		w.ch <- frame.Upstream{Kind: frame.KindResponse, ID: p.UpstreamID, Success: &failed, Error: msg}
		return
	}
	// A nil ClientMsgID marks a Call-originated entry whose waiter is already
	// gone (the caller abandoned it); there is no socket frame to synthesize.
	if p.ClientMsgID == nil {
		return
	}
	if c, ok := b.client(p.ClientID); ok {
		b.respond(c, p, nil, true, msg)
	}
}

func (b *Bridge) dispatchEvent(u frame.Upstream) {
	if b.Targets.OnTabLifecycle(u.Method, u.Params) {
		return
	}

	// Session-scoped agent events (e.g. Page.frameNavigated) carry a tabId;
	// fan them out to every session attached to that tab.
	if tabID, ok := frame.TabID(u.Params); ok {
		targetID, ok := b.Targets.TargetForTab(tabID)
		if !ok {
			return
		}
		for _, ref := range b.Targets.SessionsForTarget(targetID) {
			if c, ok := b.client(ref.ClientID); ok {
				c.SendEvent(u.Method, json.RawMessage(u.Params), ref.SessionID)
			}
		}
		return
	}

	b.logger.Debug("unroutable agent event dropped", "method", u.Method)
}

// onLinkDown fails every in-flight request and resets target state; it is
// rebuilt from events after the agent reconnects.
func (b *Bridge) onLinkDown() {
	drained := b.reg.Drain()
	for _, p := range drained {
		b.deliverFailure(p, ErrMsgLinkDown)
	}
	b.Targets.Reset()
	b.logger.Warn("extension link down; in-flight requests failed", "count", len(drained))
}

// restricted URL schemes the bridge refuses to touch.
var forbiddenSchemes = []string{"chrome://", "chrome-extension://", "chrome-untrusted://", "devtools://", "edge://"}

// ForbiddenURL reports whether url points at a restricted browser surface.
func ForbiddenURL(url string) bool {
	lower := strings.ToLower(strings.TrimSpace(url))
	for _, p := range forbiddenSchemes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
