// Package eventbus fans tab-lifecycle events out to subscribed native
// clients. Each subscriber owns a bounded queue; overflow drops the oldest
// event for that subscriber and bumps a drop counter.
package eventbus

import (
	"sync"

	"github.com/samber/lo"
)

const (
	EventTabCreated   = "tab_created"
	EventTabClosed    = "tab_closed"
	EventTabRemoved   = "tab_removed"
	EventTabUpdated   = "tab_updated"
	EventTabActivated = "tab_activated"
)

// DefaultQueueSize bounds each subscriber's queue.
const DefaultQueueSize = 256

// TabEvent is one tab-lifecycle notification as delivered to native clients.
type TabEvent struct {
	EventType string `json:"event_type"`
	TabID     int64  `json:"tabId"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
}

type subscriber struct {
	queue   chan TabEvent
	tabs    map[int64]map[string]struct{} // tabId -> subscribed kinds; empty set = all kinds
	dropped uint64
}

// Bus is the broadcast hub. Publishing never blocks.
type Bus struct {
	mu        sync.Mutex
	subs      map[string]*subscriber
	queueSize int
}

func New() *Bus {
	return NewWithQueueSize(DefaultQueueSize)
}

func NewWithQueueSize(n int) *Bus {
	return &Bus{subs: make(map[string]*subscriber), queueSize: n}
}

// Subscribe registers clientID's interest in events for tabID. An empty
// kinds slice means every kind. Repeat calls for the same (client, tab) are
// idempotent and merge kinds. The returned channel is shared across all of
// the client's subscriptions and stays valid until Close(clientID).
func (b *Bus) Subscribe(clientID string, tabID int64, kinds []string) <-chan TabEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[clientID]
	if !ok {
		sub = &subscriber{
			queue: make(chan TabEvent, b.queueSize),
			tabs:  make(map[int64]map[string]struct{}),
		}
		b.subs[clientID] = sub
	}

	set, ok := sub.tabs[tabID]
	if !ok {
		set = make(map[string]struct{})
		sub.tabs[tabID] = set
	}
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return sub.queue
}

// Unsubscribe drops clientID's interest in tabID. Unknown pairs are a no-op.
func (b *Bus) Unsubscribe(clientID string, tabID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[clientID]; ok {
		delete(sub.tabs, tabID)
	}
}

// Close purges every subscription held by clientID and closes its queue.
func (b *Bus) Close(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[clientID]; ok {
		delete(b.subs, clientID)
		close(sub.queue)
	}
}

// Publish delivers ev to every subscriber interested in its tab and kind.
// Slow subscribers lose their oldest queued event.
func (b *Bus) Publish(ev TabEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		set, ok := sub.tabs[ev.TabID]
		if !ok {
			continue
		}
		if len(set) > 0 {
			if _, want := set[ev.EventType]; !want {
				continue
			}
		}
		select {
		case sub.queue <- ev:
		default:
			// full: drop the oldest, then retry once
			select {
			case <-sub.queue:
				sub.dropped++
			default:
			}
			select {
			case sub.queue <- ev:
			default:
				sub.dropped++
			}
		}
	}
}

// Dropped returns per-subscriber drop counters, for /logs.
func (b *Bus) Dropped() map[string]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]uint64, len(b.subs))
	for id, sub := range b.subs {
		if sub.dropped > 0 {
			out[id] = sub.dropped
		}
	}
	return out
}

// SubscribedTabs lists the tab ids clientID is currently subscribed to.
func (b *Bus) SubscribedTabs(clientID string) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[clientID]
	if !ok {
		return nil
	}
	return lo.Keys(sub.tabs)
}
