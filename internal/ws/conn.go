package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
)

const (
	// sendBufferSize is the number of frames that can be queued per client.
	sendBufferSize = 16

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second
)

// Client is one accepted websocket connection held by this process.
type Client struct {
	conn   *websocket.Conn
	send   chan outbound
	id     string
	userID string
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// outbound is a queued write. A close item ends the write pump after
// everything queued before it has been written.
type outbound struct {
	data   []byte
	close  bool
	reason string
}

type connEntry struct {
	cancel      context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int   `json:"active"`
	MaxConns        int   `json:"max_conns"`
	Rejected        int64 `json:"rejected"`
	DroppedMessages int64 `json:"dropped_messages"`
	IdleReaped      int64 `json:"idle_reaped"`
}

// ConnManager tracks the websocket connections held by this process:
// per-client buffered send queues with a write pump each, connection
// limits, idle detection and graceful shutdown.
type ConnManager struct {
	mu       sync.Mutex
	clients  map[*Client]*connEntry
	byID     map[string]*Client
	closed   bool
	maxConns int
	idleTTL  time.Duration
	stopIdle context.CancelFunc

	rejected        atomic.Int64
	droppedMessages atomic.Int64
	idleReaped      atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// 0 means unlimited.
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout sets how long a connection may stay silent before it
// is closed. 0 disables idle reaping.
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// NewConnManager creates a connection manager.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients: make(map[*Client]*connEntry),
		byID:    make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.idleReapLoop(ctx)
	}
	return cm
}

// Add registers a client and starts its write pump. The returned
// context is cancelled when the client is removed or the manager shuts
// down. A closed or full manager closes the connection and returns a
// cancelled context.
func (cm *ConnManager) Add(c *Client) context.Context {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		go c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		return cancelled()
	}
	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.rejected.Add(1)
		go c.conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		return cancelled()
	}

	now := time.Now()
	c.send = make(chan outbound, sendBufferSize)
	ctx, cancel := context.WithCancel(context.Background())
	cm.clients[c] = &connEntry{
		cancel:      cancel,
		connectedAt: now,
		lastActive:  now,
	}
	cm.byID[c.id] = c

	go cm.writePump(ctx, c)

	return ctx
}

func cancelled() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// Remove stops a client's write pump. Removing twice is a no-op.
func (cm *ConnManager) Remove(c *Client) {
	cm.mu.Lock()
	entry, ok := cm.clients[c]
	if ok {
		delete(cm.clients, c)
		delete(cm.byID, c.id)
	}
	cm.mu.Unlock()

	if ok {
		entry.cancel()
	}
}

// Get returns the client with the given connection id, or nil if this
// process does not hold it.
func (cm *ConnManager) Get(id string) *Client {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.byID[id]
}

// Send queues data for the client. It returns false if the buffer is
// full (slow consumer) or the client has been removed.
func (cm *ConnManager) Send(c *Client, data []byte) bool {
	return cm.enqueue(c, outbound{data: data})
}

// Close queues a close after every frame already queued for the client.
// When the queue is full the connection is closed immediately.
func (cm *ConnManager) Close(c *Client, reason string) {
	if cm.enqueue(c, outbound{close: true, reason: reason}) {
		return
	}
	cm.mu.Lock()
	_, ok := cm.clients[c]
	cm.mu.Unlock()
	if ok {
		go c.conn.Close(websocket.StatusNormalClosure, reason)
	}
}

func (cm *ConnManager) enqueue(c *Client, item outbound) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- item:
		return true
	default:
		cm.droppedMessages.Add(1)
		log.Warn().Str("module", "ws").Str("conn", c.id).Msg("send buffer full, dropping frame")
		return false
	}
}

// TouchActivity updates the last-active timestamp for a client.
func (cm *ConnManager) TouchActivity(c *Client) {
	cm.mu.Lock()
	if entry, ok := cm.clients[c]; ok {
		entry.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:          active,
		MaxConns:        maxConns,
		Rejected:        cm.rejected.Load(),
		DroppedMessages: cm.droppedMessages.Load(),
		IdleReaped:      cm.idleReaped.Load(),
	}
}

// Shutdown closes every connection with StatusGoingAway and rejects new
// ones. It returns once all close handshakes have finished or timed out.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	clients := cm.clients
	cm.clients = make(map[*Client]*connEntry)
	cm.byID = make(map[string]*Client)
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}

	// Cancel only after the close frame is out; cancelling first would
	// drop the connection without one.
	var wg sync.WaitGroup
	for c, entry := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.conn.Close(websocket.StatusGoingAway, "server shutting down")
			entry.cancel()
		}()
	}
	wg.Wait()
}

func (cm *ConnManager) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle(time.Now())
		}
	}
}

// reapIdle closes connections that have been idle longer than idleTTL.
func (cm *ConnManager) reapIdle(now time.Time) {
	cm.mu.Lock()
	stale := make(map[*Client]*connEntry)
	for c, entry := range cm.clients {
		if now.Sub(entry.lastActive) > cm.idleTTL {
			stale[c] = entry
			delete(cm.clients, c)
			delete(cm.byID, c.id)
		}
	}
	cm.mu.Unlock()

	for c, entry := range stale {
		go func() {
			c.conn.Close(websocket.StatusPolicyViolation, "idle timeout")
			entry.cancel()
		}()
		cm.idleReaped.Add(1)
		log.Info().Str("module", "ws").Str("conn", c.id).Msg("reaped idle connection")
	}
}

// writePump drains the client's queue in order. It exits when ctx is
// cancelled, a write fails, or a close item is reached.
func (cm *ConnManager) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-c.send:
			if item.close {
				c.conn.Close(websocket.StatusNormalClosure, item.reason)
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, item.data)
			cancel()
			if err != nil {
				log.Debug().Str("module", "ws").Str("conn", c.id).Err(err).Msg("write failed")
				return
			}
		}
	}
}
