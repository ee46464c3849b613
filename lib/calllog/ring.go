// Package calllog keeps an in-memory ring of recent request/response
// exchanges through the bridge, served by the /logs discovery endpoint.
package calllog

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	LevelInfo  = "info"
	LevelError = "error"

	// digests keep /logs light; full params never leave the wire path
	maxDigestLen = 200
)

// Entry records one completed exchange.
type Entry struct {
	Method       string    `json:"method"`
	ParamsDigest string    `json:"params_digest,omitempty"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	Level        string    `json:"level"`
	DurationMS   int64     `json:"duration_ms"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Digest truncates raw params for logging.
func Digest(params json.RawMessage) string {
	s := string(params)
	if len(s) > maxDigestLen {
		s = s[:maxDigestLen] + "..."
	}
	return s
}

// Ring is a fixed-capacity append-only log. Single appender; readers get a
// consistent snapshot.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	full    bool
}

func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{entries: make([]Entry, capacity)}
}

// Append records one entry, evicting the oldest when full.
func (r *Ring) Append(e Entry) {
	if e.Level == "" {
		if e.Success {
			e.Level = LevelInfo
		} else {
			e.Level = LevelError
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.head] = e
	r.head = (r.head + 1) % len(r.entries)
	if r.head == 0 {
		r.full = true
	}
}

// Tail returns up to limit most recent entries, oldest first, optionally
// filtered by level. limit <= 0 means everything retained.
func (r *Ring) Tail(limit int, level string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.head
	if r.full {
		n = len(r.entries)
	}
	out := make([]Entry, 0, n)
	start := 0
	if r.full {
		start = r.head
	}
	for i := 0; i < n; i++ {
		e := r.entries[(start+i)%len(r.entries)]
		if level != "" && e.Level != level {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Len returns the number of retained entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.entries)
	}
	return r.head
}
