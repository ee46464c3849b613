// Package registry correlates upstream requests with the clients that
// originated them. Upstream ids are globally unique monotonic integers, so
// responses can always be routed back no matter how clients number their own
// requests.
package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var ErrShuttingDown = errors.New("registry is shutting down")

// Pending is one request forwarded upstream whose response has not returned.
type Pending struct {
	UpstreamID  int64
	ClientID    string
	ClientMsgID json.RawMessage // opaque: number or string, echoed byte-identically
	Method      string
	SessionID   string
	CreatedAt   time.Time
	Deadline    time.Time
}

// Registry is the single source of truth for in-flight upstream requests.
// Entries are mutable only through its operations.
type Registry struct {
	mu      sync.Mutex
	next    int64
	entries map[int64]Pending
	timeout time.Duration
	closed  bool
	now     func() time.Time
}

func New(timeout time.Duration) *Registry {
	return &Registry{
		entries: make(map[int64]Pending),
		timeout: timeout,
		now:     time.Now,
	}
}

// Register allocates the next upstream id for a client request. Ids start at
// 1 and are allocated in call order.
func (r *Registry) Register(clientID string, clientMsgID json.RawMessage, method, sessionID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrShuttingDown
	}
	r.next++
	now := r.now()
	r.entries[r.next] = Pending{
		UpstreamID:  r.next,
		ClientID:    clientID,
		ClientMsgID: clientMsgID,
		Method:      method,
		SessionID:   sessionID,
		CreatedAt:   now,
		Deadline:    now.Add(r.timeout),
	}
	return r.next, nil
}

// Complete removes and returns the entry for an upstream id. The second
// return is false when the id is unknown, e.g. a response arriving after the
// request timed out or its client disconnected.
func (r *Registry) Complete(upstreamID int64) (Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[upstreamID]
	if ok {
		delete(r.entries, upstreamID)
	}
	return p, ok
}

// ForgetClient removes every entry originated by clientID and returns how
// many were dropped.
func (r *Registry) ForgetClient(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, p := range r.entries {
		if p.ClientID == clientID {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

// Reap removes entries whose deadline has passed and returns them so the
// caller can synthesize timeout errors.
func (r *Registry) Reap(now time.Time) []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	var reaped []Pending
	for id, p := range r.entries {
		if now.After(p.Deadline) {
			delete(r.entries, id)
			reaped = append(reaped, p)
		}
	}
	return reaped
}

// Drain removes and returns every entry. Used when the extension link goes
// down: all in-flight requests fail at once.
func (r *Registry) Drain() []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	drained := make([]Pending, 0, len(r.entries))
	for id, p := range r.entries {
		delete(r.entries, id)
		drained = append(drained, p)
	}
	return drained
}

// Len returns the number of in-flight entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close rejects further registrations. Existing entries remain until
// completed, reaped, or drained.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
