// Package extlink owns the single upstream WebSocket to the browser agent.
// Nobody else writes to it: all outbound frames pass through one writer
// goroutine, and every inbound frame is handed exactly once to the
// registered dispatcher.
package extlink

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/coder/websocket"

	"github.com/brophq/brop/lib/frame"
)

var ErrLinkDown = errors.New("LinkDown")

const (
	readLimit     = 100 * 1024 * 1024
	sendQueueSize = 256

	reconnectBase = 500 * time.Millisecond
	reconnectCap  = 10 * time.Second
)

// Status is a snapshot of link health.
type Status struct {
	Connected      bool      `json:"connected"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	ReconnectCount int       `json:"reconnect_count"`
}

// Link manages the agent connection. It supports two modes: accepting the
// agent inbound via Handler (the agent is the websocket client), or dialing
// out to a configured agent URL with reconnect backoff.
type Link struct {
	logger           *slog.Logger
	handshakeTimeout time.Duration

	onFrame func(frame.Upstream)
	onUp    func()
	onDown  func()

	mu         sync.Mutex
	conn       *websocket.Conn
	out        chan []byte
	connected  bool
	lastSeen   time.Time
	everLinked bool
	reconnects int
}

func New(logger *slog.Logger, handshakeTimeout time.Duration) *Link {
	return &Link{logger: logger, handshakeTimeout: handshakeTimeout}
}

// OnFrame registers the single dispatcher for inbound frames. Must be set
// before the link goes live.
func (l *Link) OnFrame(fn func(frame.Upstream)) { l.onFrame = fn }

// OnUp registers a callback invoked after each (re)connect.
func (l *Link) OnUp(fn func()) { l.onUp = fn }

// OnDown registers a callback invoked when the live connection is lost.
func (l *Link) OnDown(fn func()) { l.onDown = fn }

// Status reports link health.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{Connected: l.connected, LastSeenAt: l.lastSeen, ReconnectCount: l.reconnects}
}

// Send enqueues one JSON frame for the agent. It fails fast with ErrLinkDown
// while the link is disconnected. Frames are written in enqueue order.
func (l *Link) Send(data []byte) error {
	l.mu.Lock()
	out, connected := l.out, l.connected
	l.mu.Unlock()
	if !connected {
		return ErrLinkDown
	}
	select {
	case out <- data:
		return nil
	default:
		return errors.New("extension link send queue full")
	}
}

// Handler accepts the agent's inbound websocket connection. A new agent
// connection replaces any existing one (the extension reloaded).
func (l *Link) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			l.logger.Error("extension link accept failed", "err", err)
			return
		}
		conn.SetReadLimit(readLimit)
		l.logger.Info("extension agent connected", "remote", r.RemoteAddr)
		l.runConn(r.Context(), conn)
	})
}

// RunDialer dials the agent at url and keeps the link alive until ctx is
// done, reconnecting with exponential backoff (base 500ms, cap 10s, jitter).
func (l *Link) RunDialer(ctx context.Context, url string) error {
	for ctx.Err() == nil {
		err := retry.New(
			retry.Attempts(0),
			retry.Delay(reconnectBase),
			retry.MaxDelay(reconnectCap),
			retry.MaxJitter(reconnectBase/5),
			retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
		).Do(func() error {
			dialCtx, cancel := context.WithTimeout(ctx, l.handshakeTimeout)
			defer cancel()
			conn, _, err := websocket.Dial(dialCtx, url, nil)
			if err != nil {
				l.logger.Debug("agent dial failed; will retry", "err", err, "url", url)
				return err
			}
			conn.SetReadLimit(readLimit)
			l.logger.Info("extension agent dialed", "url", url)
			l.runConn(ctx, conn)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

// runConn installs conn as the live link and blocks until it drops.
func (l *Link) runConn(ctx context.Context, conn *websocket.Conn) {
	out := make(chan []byte, sendQueueSize)

	l.mu.Lock()
	if l.conn != nil {
		_ = l.conn.Close(websocket.StatusPolicyViolation, "replaced by new agent connection")
	}
	l.conn = conn
	l.out = out
	l.connected = true
	l.lastSeen = time.Now()
	if l.everLinked {
		l.reconnects++
	}
	l.everLinked = true
	l.mu.Unlock()

	if l.onUp != nil {
		l.onUp()
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// single writer
	go func() {
		for {
			select {
			case <-connCtx.Done():
				return
			case data := <-out:
				if err := conn.Write(connCtx, websocket.MessageText, data); err != nil {
					l.logger.Error("extension link write failed", "err", err)
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			break
		}
		l.mu.Lock()
		l.lastSeen = time.Now()
		l.mu.Unlock()
		if l.onFrame != nil {
			l.onFrame(frame.ParseUpstream(data))
		}
	}

	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")

	l.mu.Lock()
	current := l.conn == conn
	if current {
		l.conn = nil
		l.connected = false
	}
	l.mu.Unlock()

	if current {
		l.logger.Warn("extension link down")
		if l.onDown != nil {
			l.onDown()
		}
	}
}
