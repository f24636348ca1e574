// Package wsclient is a client for the hub's WebSocket control plane. It
// matches responses to requests by id and hands pushed events to
// registered handlers. Reconnecting is the caller's job: when the
// connection drops every pending call fails and the client is done.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	maxFrameBytes      = 1 << 20
	pongWait           = 45 * time.Second
	writeWait          = 10 * time.Second
	defaultCallTimeout = 30 * time.Second
)

// ErrClosed reports a call that cannot complete because the connection is
// gone.
var ErrClosed = errors.New("wsclient: connection closed")

// Error is a method failure returned by the hub.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("hub error %d: %s", e.Code, e.Message)
}

// frame mirrors the hub's wire shape. Only the fields a client touches
// are kept.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type pendingCall struct {
	result json.RawMessage
	err    error
}

// EventHandler receives one pushed event payload. Handlers run on the
// read goroutine and must not block.
type EventHandler func(payload json.RawMessage)

// Client is one authenticated hub connection.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	callTimeout time.Duration

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan pendingCall
	handlers map[string][]EventHandler
	closed   bool
	done     chan struct{}
}

// Option adjusts a client before it connects.
type Option func(*Client)

// WithLogger routes client logs somewhere other than slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCallTimeout changes the deadline applied to calls whose context has
// none of its own.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// Dial connects and authenticates. rawURL may be the hub's http(s) base
// address or a full ws(s) endpoint; the /ws path is filled in when
// missing.
func Dial(ctx context.Context, rawURL, token string, opts ...Option) (*Client, error) {
	endpoint, err := Endpoint(rawURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		logger:      slog.Default().With("component", "wsclient"),
		callTimeout: defaultCallTimeout,
		pending:     make(map[string]chan pendingCall),
		handlers:    make(map[string][]EventHandler),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c.conn = conn
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	go c.readLoop()
	return c, nil
}

// Endpoint turns a hub address into the WebSocket endpoint. http and
// https map to ws and wss; a bare host gets ws; an empty path gets /ws.
func Endpoint(rawURL string) (string, error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "ws://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("hub url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("hub url %q: unsupported scheme %q", rawURL, u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// Call invokes one hub method and returns its raw result. A context
// without a deadline gets the client's call timeout.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		raw = data
	}

	id := uuid.NewString()
	ch := make(chan pendingCall, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	req := frame{Type: "req", ID: id, Method: method, Params: raw}
	if err := c.writeFrame(&req); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// CallInto invokes a method and decodes its result into out. A nil out
// discards the result.
func (c *Client) CallInto(ctx context.Context, method string, params, out any) error {
	result, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// On registers a handler for a pushed event. Registration order is
// delivery order; there is no way to unregister.
func (c *Client) On(event string, fn EventHandler) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], fn)
	c.mu.Unlock()
}

// Done closes when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears the connection down and fails every pending call.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan pendingCall)
	close(c.done)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- pendingCall{err: ErrClosed}
	}
	return c.conn.Close()
}

func (c *Client) writeFrame(f *frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer func() {
		_ = c.Close()
	}()

	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.mu.Lock()
				closed := c.closed
				c.mu.Unlock()
				if !closed {
					c.logger.Debug("connection lost", "error", err)
				}
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Type {
		case "res":
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if !ok {
				continue
			}
			if f.Error != nil {
				ch <- pendingCall{err: f.Error}
			} else {
				ch <- pendingCall{result: f.Result}
			}
		case "event":
			c.mu.Lock()
			handlers := append([]EventHandler(nil), c.handlers[f.Event]...)
			c.mu.Unlock()
			for _, fn := range handlers {
				fn(f.Payload)
			}
		default:
			c.logger.Debug("dropping unexpected frame", "type", f.Type)
		}
	}
}
