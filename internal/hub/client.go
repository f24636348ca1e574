package hub

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jarvislabs/jarvis/internal/observability"
)

const (
	maxFrameBytes  = 1 << 20
	pingInterval   = 15 * time.Second
	pongWait       = 45 * time.Second
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// Client is one connected WebSocket. Writes go through the send channel so
// only writePump touches the connection for output.
type Client struct {
	ID string

	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	// stallWait bounds how long a response frame waits for buffer space
	// before the connection is declared dead.
	stallWait time.Duration
}

func newClient(id string, conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		ID:        id,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		logger:    logger.With("client", id),
		stallWait: writeWait,
	}
}

// close is idempotent; both pumps call it on the way out.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// enqueue hands a pre-encoded frame to writePump. Frames for a client that
// cannot drain its buffer are dropped; events are advisory and dashboards
// resynchronize by calling methods.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Debug("send buffer full, dropping frame")
		return false
	}
}

// sendFrame encodes and enqueues one frame.
func (c *Client) sendFrame(f *Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Warn("encoding frame failed", "error", err)
		return
	}
	if len(data) > maxFrameBytes {
		c.logger.Warn("dropping oversized frame", "bytes", len(data))
		return
	}
	c.enqueue(data)
}

// sendResponse delivers a response frame. Responses never take the lossy
// event path: every accepted request gets exactly one response before the
// connection closes, so when the buffer is full of event frames the send
// waits for writePump to drain it, and a peer that cannot make progress
// within stallWait is disconnected instead of left with a silent gap in
// its request ids.
func (c *Client) sendResponse(f *Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Warn("encoding response failed", "id", f.ID, "error", err)
		data, err = json.Marshal(ErrorFrame(f.ID, Errf(CodeInternal, "response encoding failed")))
	}
	if err == nil && len(data) > maxFrameBytes {
		data, err = json.Marshal(ErrorFrame(f.ID, Errf(CodeInternal, "response too large")))
	}
	if err != nil {
		c.logger.Warn("encoding fallback response failed", "id", f.ID, "error", err)
		c.close()
		return
	}

	select {
	case c.send <- data:
		return
	case <-c.done:
		return
	default:
	}

	timer := time.NewTimer(c.stallWait)
	defer timer.Stop()
	select {
	case c.send <- data:
	case <-c.done:
	case <-timer.C:
		c.logger.Warn("send buffer stalled, closing connection", "id", f.ID)
		c.close()
	}
}

// readPump delivers inbound request frames to onFrame until the connection
// drops. Malformed frames are dropped silently. Runs on the connection's
// read goroutine; onFrame may block without stalling pings.
func (c *Client) readPump(onFrame func(*Frame)) {
	defer c.close()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			c.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		onFrame(frame)
	}
}

// writePump drains the send channel and keeps the connection alive with
// pings every pingInterval.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ClientRegistry tracks connected clients and fans events out to them.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client

	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewClientRegistry(metrics *observability.Metrics, logger *slog.Logger) *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		metrics: metrics,
		logger:  logger,
	}
}

func (r *ClientRegistry) Add(c *Client) {
	r.mu.Lock()
	r.clients[c.ID] = c
	n := len(r.clients)
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ClientConnected()
	}
	r.logger.Info("client connected", "client", c.ID, "clients", n)
}

func (r *ClientRegistry) Remove(id string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	n := len(r.clients)
	r.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	if r.metrics != nil {
		r.metrics.ClientDisconnected()
	}
	r.logger.Info("client disconnected", "client", id, "clients", n)
}

func (r *ClientRegistry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// IDs returns connected client ids, sorted.
func (r *ClientRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Broadcast sends an event frame to every connected client. The frame is
// encoded once.
func (r *ClientRegistry) Broadcast(event string, payload any) {
	data, err := json.Marshal(EventFrame(event, payload))
	if err != nil {
		r.logger.Warn("encoding broadcast failed", "event", event, "error", err)
		return
	}
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(data)
	}
	if r.metrics != nil && len(targets) > 0 {
		r.metrics.RecordFrame("event", "outbound")
	}
}

// SendEvent sends an event frame to one client.
func (r *ClientRegistry) SendEvent(clientID, event string, payload any) bool {
	c, ok := r.Get(clientID)
	if !ok {
		return false
	}
	c.sendFrame(EventFrame(event, payload))
	return true
}

// CloseAll disconnects every client, used at shutdown.
func (r *ClientRegistry) CloseAll() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[string]*Client)
	r.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
