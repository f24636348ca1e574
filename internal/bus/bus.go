// Package bus is the inter-process backbone: subject-addressed pub/sub with
// request/reply over NATS. Delivery is at-least-once; handlers must be
// idempotent.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultRequestTimeout bounds request/reply round-trips when the caller
// passes no explicit timeout.
const DefaultRequestTimeout = 5 * time.Second

const (
	reconnectWait    = 2 * time.Second
	reconnectBufSize = 5 * 1024 * 1024
)

// Message is one delivered bus message. Reply is non-empty when the sender
// awaits a response.
type Message struct {
	Subject string
	Reply   string
	Data    []byte

	respond func([]byte) error
}

// NewMessage builds a delivered message by hand, for in-process buses and
// tests. respond may be nil for fire-and-forget messages.
func NewMessage(subject, reply string, data []byte, respond func([]byte) error) *Message {
	return &Message{Subject: subject, Reply: reply, Data: data, respond: respond}
}

// Respond answers a request message. It is a no-op error when the message
// carries no reply subject.
func (m *Message) Respond(data []byte) error {
	if m.respond == nil {
		return fmt.Errorf("message on %s has no reply subject", m.Subject)
	}
	return m.respond(data)
}

// Handler consumes one message. Handlers run on the bus dispatch goroutine
// and must not block for long; they must tolerate duplicate delivery.
type Handler func(msg *Message)

// Subscription is a live subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the fabric's messaging surface.
type Bus interface {
	Publish(subject string, data []byte) error
	PublishJSON(subject string, v any) error
	Subscribe(subject string, h Handler) (Subscription, error)
	// QueueSubscribe delivers each message to one of N subscribers sharing
	// the queue name.
	QueueSubscribe(subject, queue string, h Handler) (Subscription, error)
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)
	IsConnected() bool
	Close() error
}

// NATSBus implements Bus on a NATS connection with automatic reconnect.
type NATSBus struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// Connect dials the NATS server. Reconnection is unbounded with a fixed
// wait; connection state changes are logged.
func Connect(url, name string) (*NATSBus, error) {
	logger := slog.Default().With("component", "bus")

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.ReconnectBufSize(reconnectBufSize),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("bus disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("bus reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("bus connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("bus error", "subject", subject, "error", err)
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to bus at %s: %w", url, err)
	}

	return &NATSBus{conn: conn, logger: logger}, nil
}

func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", subject, err)
	}
	return b.Publish(subject, data)
}

func (b *NATSBus) Subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, b.wrap(h))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func (b *NATSBus) QueueSubscribe(subject, queue string, h Handler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, b.wrap(h))
	if err != nil {
		return nil, fmt.Errorf("queue subscribe %s (%s): %w", subject, queue, err)
	}
	return sub, nil
}

// Request publishes and waits for a single reply. A zero timeout falls back
// to DefaultRequestTimeout; the context may cancel earlier.
func (b *NATSBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := b.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	return msg.Data, nil
}

func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close drains the connection so in-flight handlers finish before the
// process exits.
func (b *NATSBus) Close() error {
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("drain bus: %w", err)
	}
	return nil
}

func (b *NATSBus) wrap(h Handler) nats.MsgHandler {
	return func(m *nats.Msg) {
		msg := &Message{Subject: m.Subject, Reply: m.Reply, Data: m.Data}
		if m.Reply != "" {
			msg.respond = m.Respond
		}
		h(msg)
	}
}
