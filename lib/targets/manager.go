// Package targets is the authoritative model of browser tabs and their CDP
// attachments. It mirrors the browser's tab set from agent events,
// synthesizes sessions, and fans lifecycle notifications out to devtools
// clients (CDP events) and native subscribers (tab events).
package targets

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/brophq/brop/lib/eventbus"
)

var (
	ErrTargetNotFound  = errors.New("TargetNotFound")
	ErrSessionNotFound = errors.New("SessionNotFound")
)

// Info is the CDP-visible description of a target.
type Info struct {
	TargetID         string `json:"targetId"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	Attached         bool   `json:"attached"`
	BrowserContextID string `json:"browserContextId,omitempty"`
}

// CDPClient is the manager's view of a connected devtools client. SendEvent
// must not block; the bridge backs it with a bounded per-client queue.
type CDPClient interface {
	ID() string
	SendEvent(method string, params any, sessionID string)
}

type target struct {
	info  Info
	tabID int64
}

type session struct {
	id         string
	targetID   string
	clientID   string
	autoAttach bool
}

type clientState struct {
	sink       CDPClient
	discover   bool
	autoAttach bool
}

// Manager tracks targets and sessions. All state is mutated only through its
// operations; lifecycle events for a single target are applied in arrival
// order, so per-target fan-out is FIFO.
type Manager struct {
	mu             sync.Mutex
	targets        map[string]*target
	byTab          map[int64]string
	sessions       map[string]*session
	byClientTarget map[string]string // clientID+"\x00"+targetID -> sessionID
	clients        map[string]*clientState
	bus            *eventbus.Bus
	defaultContext string
}

func NewManager(bus *eventbus.Bus) *Manager {
	return &Manager{
		targets:        make(map[string]*target),
		byTab:          make(map[int64]string),
		sessions:       make(map[string]*session),
		byClientTarget: make(map[string]string),
		clients:        make(map[string]*clientState),
		bus:            bus,
		defaultContext: newContextID(),
	}
}

// newTargetID returns a Chrome-shaped target id: 32 uppercase hex chars.
func newTargetID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// newSessionID returns a lowercase UUID v4. Clients validate this shape.
func newSessionID() string {
	return uuid.NewString()
}

func newContextID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// DefaultBrowserContextID is the context reported for targets the agent did
// not scope to an explicit context.
func (m *Manager) DefaultBrowserContextID() string {
	return m.defaultContext
}

// RegisterClient makes a devtools client known so it can receive CDP events.
func (m *Manager) RegisterClient(c CDPClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID()] = &clientState{sink: c}
}

// UnregisterClient detaches every session owned by the client and forgets
// its discover/auto-attach flags. No further events reach its sink.
func (m *Manager) UnregisterClient(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.clientID == clientID {
			m.removeSessionLocked(id, false)
		}
	}
	delete(m.clients, clientID)
}

// SetDiscoverTargets toggles Target.targetCreated/Destroyed delivery. On
// enable, existing targets are replayed so the client sees the full set.
func (m *Manager) SetDiscoverTargets(clientID string, discover bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.clients[clientID]
	if !ok {
		return
	}
	st.discover = discover
	if !discover {
		return
	}
	for _, t := range m.targets {
		st.sink.SendEvent("Target.targetCreated", targetCreatedParams{TargetInfo: t.info}, "")
	}
}

// SetAutoAttach opts the client into automatic sessions for new targets.
// Existing targets are attached immediately, matching browser-level
// auto-attach semantics.
func (m *Manager) SetAutoAttach(clientID string, autoAttach bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.clients[clientID]
	if !ok {
		return
	}
	st.autoAttach = autoAttach
	if !autoAttach {
		return
	}
	for targetID := range m.targets {
		m.attachLocked(clientID, targetID, true)
	}
}

// List returns a snapshot of all targets.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := lo.Map(lo.Values(m.targets), func(t *target, _ int) Info { return t.info })
	return infos
}

// Lookup returns the target info for targetID.
func (m *Manager) Lookup(targetID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[targetID]
	if !ok {
		return Info{}, false
	}
	return t.info, true
}

// TabID maps a targetID to the agent-side tab id.
func (m *Manager) TabID(targetID string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[targetID]
	if !ok {
		return 0, false
	}
	return t.tabID, true
}

// TargetForTab maps an agent tab id to a targetID.
func (m *Manager) TargetForTab(tabID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTab[tabID]
	return id, ok
}

// UpsertTarget records a tab reported by the agent and returns its targetID.
// Creating an already-known tab only refreshes url/title.
func (m *Manager) UpsertTarget(tabID int64, url, title string) string {
	return m.UpsertTargetInContext(tabID, url, title, "")
}

// UpsertTargetInContext is UpsertTarget with an explicit browser context,
// used when a devtools client creates the target inside a context it made.
func (m *Manager) UpsertTargetInContext(tabID int64, url, title, browserContextID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertLocked(tabID, url, title, browserContextID)
}

// NewBrowserContext mints a context id. Contexts are bookkeeping only: the
// agent has no notion of them, so disposal is implicit with the last target.
func (m *Manager) NewBrowserContext() string {
	return newContextID()
}

func (m *Manager) upsertLocked(tabID int64, url, title, browserContextID string) string {
	if id, ok := m.byTab[tabID]; ok {
		t := m.targets[id]
		if url != "" {
			t.info.URL = url
		}
		if title != "" {
			t.info.Title = title
		}
		return id
	}
	if browserContextID == "" {
		browserContextID = m.defaultContext
	}
	id := newTargetID()
	m.targets[id] = &target{
		info: Info{
			TargetID:         id,
			Type:             "page",
			Title:            title,
			URL:              url,
			BrowserContextID: browserContextID,
		},
		tabID: tabID,
	}
	m.byTab[tabID] = id

	t := m.targets[id]
	for _, st := range m.clients {
		if st.discover {
			st.sink.SendEvent("Target.targetCreated", targetCreatedParams{TargetInfo: t.info}, "")
		}
	}
	for clientID, st := range m.clients {
		if st.autoAttach {
			m.attachLocked(clientID, id, true)
		}
	}
	return id
}

// Attach opens (or returns the existing) session between a client and a
// target. Concurrent attaches for the same pair are idempotent.
func (m *Manager) Attach(clientID, targetID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[targetID]; !ok {
		return "", ErrTargetNotFound
	}
	return m.attachLocked(clientID, targetID, false), nil
}

func (m *Manager) attachLocked(clientID, targetID string, auto bool) string {
	key := clientID + "\x00" + targetID
	if sid, ok := m.byClientTarget[key]; ok {
		return sid
	}
	sid := newSessionID()
	m.sessions[sid] = &session{id: sid, targetID: targetID, clientID: clientID, autoAttach: auto}
	m.byClientTarget[key] = sid

	t := m.targets[targetID]
	t.info.Attached = true

	if st, ok := m.clients[clientID]; ok {
		st.sink.SendEvent("Target.attachedToTarget", attachedToTargetParams{
			SessionID:          sid,
			TargetInfo:         t.info,
			WaitingForDebugger: false,
		}, "")
	}
	return sid
}

// Detach closes a session.
func (m *Manager) Detach(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	m.removeSessionLocked(sessionID, true)
	return nil
}

func (m *Manager) removeSessionLocked(sessionID string, notify bool) {
	s := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	delete(m.byClientTarget, s.clientID+"\x00"+s.targetID)

	if t, ok := m.targets[s.targetID]; ok {
		attached := false
		for _, other := range m.sessions {
			if other.targetID == s.targetID {
				attached = true
				break
			}
		}
		t.info.Attached = attached
	}

	if notify {
		if st, ok := m.clients[s.clientID]; ok {
			st.sink.SendEvent("Target.detachedFromTarget", detachedFromTargetParams{
				SessionID: sessionID,
				TargetID:  s.targetID,
			}, "")
		}
	}
}

// ResolveSession maps a sessionId to its target and owning client.
func (m *Manager) ResolveSession(sessionID string) (targetID, clientID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, found := m.sessions[sessionID]
	if !found {
		return "", "", false
	}
	return s.targetID, s.clientID, true
}

// SessionTab resolves a sessionId straight to the agent tab id.
func (m *Manager) SessionTab(sessionID string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, false
	}
	t, ok := m.targets[s.targetID]
	if !ok {
		return 0, false
	}
	return t.tabID, true
}

// SessionRef identifies one attachment for event routing.
type SessionRef struct {
	SessionID string
	ClientID  string
}

// SessionsForTarget lists attachments to the target's tab.
func (m *Manager) SessionsForTarget(targetID string) []SessionRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refs []SessionRef
	for _, s := range m.sessions {
		if s.targetID == targetID {
			refs = append(refs, SessionRef{SessionID: s.id, ClientID: s.clientID})
		}
	}
	return refs
}

// Counts reports live targets and sessions.
func (m *Manager) Counts() (targets, sessions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.targets), len(m.sessions)
}

// Reset drops all targets and sessions. Called when the extension link goes
// down: state is rebuilt from events received after reconnect.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.sessions {
		m.removeSessionLocked(id, true)
	}
	for id, t := range m.targets {
		for _, st := range m.clients {
			if st.discover {
				st.sink.SendEvent("Target.targetDestroyed", targetDestroyedParams{TargetID: id}, "")
			}
		}
		delete(m.byTab, t.tabID)
		delete(m.targets, id)
	}
}

type tabEventParams struct {
	TabID int64  `json:"tabId"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// OnTabLifecycle applies one agent-side notification: updates state, pushes
// CDP events to devtools clients, and publishes tab events to native
// subscribers. Returns false for methods it does not recognize.
func (m *Manager) OnTabLifecycle(method string, params json.RawMessage) bool {
	var p tabEventParams
	if err := json.Unmarshal(params, &p); err != nil {
		return false
	}

	switch method {
	case eventbus.EventTabCreated:
		m.UpsertTarget(p.TabID, p.URL, p.Title)
	case eventbus.EventTabUpdated:
		m.mu.Lock()
		if id, ok := m.byTab[p.TabID]; ok {
			t := m.targets[id]
			if p.URL != "" {
				t.info.URL = p.URL
			}
			if p.Title != "" {
				t.info.Title = p.Title
			}
			info := t.info
			for _, st := range m.clients {
				if st.discover {
					st.sink.SendEvent("Target.targetInfoChanged", targetCreatedParams{TargetInfo: info}, "")
				}
			}
		}
		m.mu.Unlock()
	case eventbus.EventTabActivated:
		// state untouched; native fan-out below
	case eventbus.EventTabClosed, eventbus.EventTabRemoved:
		m.destroyTab(p.TabID)
	default:
		return false
	}

	m.bus.Publish(eventbus.TabEvent{EventType: method, TabID: p.TabID, URL: p.URL, Title: p.Title})
	return true
}

func (m *Manager) destroyTab(tabID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTab[tabID]
	if !ok {
		return
	}
	for sid, s := range m.sessions {
		if s.targetID == id {
			m.removeSessionLocked(sid, true)
		}
	}
	delete(m.byTab, tabID)
	delete(m.targets, id)
	for _, st := range m.clients {
		if st.discover {
			st.sink.SendEvent("Target.targetDestroyed", targetDestroyedParams{TargetID: id}, "")
		}
	}
}

// CDP event parameter shapes. waitingForDebugger is pinned false: devtools
// clients assert on it.

type targetCreatedParams struct {
	TargetInfo Info `json:"targetInfo"`
}

type targetDestroyedParams struct {
	TargetID string `json:"targetId"`
}

type attachedToTargetParams struct {
	SessionID          string `json:"sessionId"`
	TargetInfo         Info   `json:"targetInfo"`
	WaitingForDebugger bool   `json:"waitingForDebugger"`
}

type detachedFromTargetParams struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
}
