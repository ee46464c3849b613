package bridge

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/nrednav/cuid2"
)

// Kind is the endpoint a client connected through.
type Kind int

const (
	KindNative Kind = iota
	KindDevtools
)

func (k Kind) String() string {
	if k == KindDevtools {
		return "devtools"
	}
	return "native"
}

const clientQueueSize = 256

// Client is one live websocket from an external process. Outbound frames go
// through a bounded queue drained by a single writer goroutine in the
// endpoint handler, so delivery to a socket is serialized.
type Client struct {
	id   string
	kind Kind
	name string

	b *Bridge

	out     chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func newClient(b *Bridge, kind Kind, name string) *Client {
	return &Client{
		id:   cuid2.Generate(),
		kind: kind,
		name: name,
		b:    b,
		out:  make(chan []byte, clientQueueSize),
		done: make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Kind() Kind { return c.kind }

// Out is the client's outbound queue; the endpoint handler owns the only
// reader and writes each frame to the socket.
func (c *Client) Out() <-chan []byte { return c.out }

// Done is closed when the client is removed; after that no further frames
// are enqueued.
func (c *Client) Done() <-chan struct{} { return c.done }

// Enqueue queues one frame for delivery. It never blocks; a full queue
// drops the frame and bumps the drop counter.
func (c *Client) Enqueue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- data:
	default:
		c.dropped.Add(1)
		c.b.logger.Warn("client queue full, dropping frame", "client", c.id, "kind", c.kind.String())
	}
}

// EnqueueJSON marshals v and queues it.
func (c *Client) EnqueueJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.b.logger.Error("marshal outbound frame", "err", err, "client", c.id)
		return
	}
	c.Enqueue(data)
}

// SendEvent implements targets.CDPClient for devtools clients.
func (c *Client) SendEvent(method string, params any, sessionID string) {
	if c.kind != KindDevtools {
		return
	}
	c.EnqueueJSON(CDPEvent{Method: method, Params: params, SessionID: sessionID})
}

// Dropped returns how many outbound frames were lost to backpressure.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}
