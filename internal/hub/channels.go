package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jarvislabs/jarvis/internal/bus"
	"github.com/jarvislabs/jarvis/internal/cache"
	"github.com/jarvislabs/jarvis/internal/kv"
	"github.com/jarvislabs/jarvis/internal/storage"
	"github.com/jarvislabs/jarvis/pkg/models"
)

const channelHistoryFile = "messages.jsonl"

// Adapters replay recent platform history when they reconnect, so inbound
// ids are remembered for a while past any plausible replay horizon.
const (
	dedupeWindow  = 10 * time.Minute
	dedupeMaxKeys = 4096
)

// channelConfigField namespaces per-channel settings inside the shared
// config hash.
func channelConfigField(channel string) string {
	return "channel:" + channel
}

// Channels tracks external chat adapters: their connection reports, their
// message history on shared storage, and the outbound path back to them.
// Adapters are separate processes; the hub only sees their bus traffic.
type Channels struct {
	bus     bus.Bus
	kv      kv.Store
	layout  *storage.Layout
	clients *ClientRegistry
	logger  *slog.Logger

	mu     sync.Mutex
	status map[string]*models.ChannelStatus

	dedupe *cache.Dedupe
	sub    bus.Subscription
}

func NewChannels(b bus.Bus, store kv.Store, layout *storage.Layout, clients *ClientRegistry, logger *slog.Logger) *Channels {
	return &Channels{
		bus:     b,
		kv:      store,
		layout:  layout,
		clients: clients,
		logger:  logger.With("component", "channels"),
		status:  make(map[string]*models.ChannelStatus),
		dedupe:  cache.NewDedupe(dedupeWindow, dedupeMaxKeys),
	}
}

// Start restores known channel statuses from KV and subscribes to adapter
// traffic.
func (c *Channels) Start(ctx context.Context) error {
	entries, err := c.kv.HGetAll(ctx, kv.ChannelsKey)
	if err == nil {
		c.mu.Lock()
		for name, raw := range entries {
			var st models.ChannelStatus
			if err := json.Unmarshal(raw, &st); err == nil {
				c.status[name] = &st
			}
		}
		c.mu.Unlock()
	}

	sub, err := c.bus.Subscribe(bus.SubjectChatBroadcast, func(msg *bus.Message) {
		c.handleEvent(ctx, msg)
	})
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

func (c *Channels) Stop() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
}

func (c *Channels) handleEvent(ctx context.Context, msg *bus.Message) {
	var ev models.ChannelEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		c.logger.Debug("dropping malformed channel event", "error", err)
		return
	}
	switch ev.Kind {
	case "message":
		if ev.Message == nil || ev.Message.Channel == "" {
			return
		}
		if ev.Message.Direction == "inbound" &&
			c.dedupe.Seen(cache.MessageKey(ev.Message.Channel, ev.Message.ID)) {
			c.logger.Debug("dropping replayed inbound message",
				"channel", ev.Message.Channel, "id", ev.Message.ID)
			return
		}
		c.recordMessage(ctx, ev.Message)
		c.clients.Broadcast(ev.Message.Channel+".message", ev.Message)
	case "status":
		if ev.Status == nil || ev.Status.Channel == "" {
			return
		}
		c.recordStatus(ctx, ev.Status)
		c.clients.Broadcast("infrastructure.status", ev.Status)
	default:
		c.logger.Debug("dropping channel event with unknown kind", "kind", ev.Kind)
	}
}

// Send publishes an outbound message for the adapter and records it in the
// channel's history.
func (c *Channels) Send(ctx context.Context, channel, to, content string) (*models.ChannelMessage, error) {
	if channel == "" {
		return nil, errors.New("channel is required")
	}
	if content == "" {
		return nil, errors.New("content is required")
	}
	msg := &models.ChannelMessage{
		Channel:   channel,
		From:      "hub",
		To:        to,
		Content:   content,
		Direction: "outbound",
		At:        time.Now().UnixMilli(),
	}
	if err := c.bus.PublishJSON(bus.Chat(channel), msg); err != nil {
		return nil, fmt.Errorf("publish to channel %s: %w", channel, err)
	}
	c.recordMessage(ctx, msg)
	c.clients.Broadcast(channel+".message", msg)
	return msg, nil
}

// recordMessage appends to the channel's jsonl history and marks the
// channel alive.
func (c *Channels) recordMessage(ctx context.Context, msg *models.ChannelMessage) {
	if err := c.appendHistory(msg); err != nil {
		c.logger.Warn("writing channel history failed", "channel", msg.Channel, "error", err)
	}
	if msg.Direction == "inbound" {
		c.recordStatus(ctx, &models.ChannelStatus{
			Channel:   msg.Channel,
			Connected: true,
			At:        msg.At,
		})
	}
}

func (c *Channels) recordStatus(ctx context.Context, st *models.ChannelStatus) {
	if st.At == 0 {
		st.At = time.Now().UnixMilli()
	}
	c.mu.Lock()
	c.status[st.Channel] = st
	c.mu.Unlock()

	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := c.kv.HSet(ctx, kv.ChannelsKey, st.Channel, data); err != nil {
		c.logger.Warn("writing channel status failed", "channel", st.Channel, "error", err)
	}
}

func (c *Channels) appendHistory(msg *models.ChannelMessage) error {
	dir, err := c.layout.ChannelDir(msg.Channel)
	if err != nil {
		return err
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, channelHistoryFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// List returns the known channels sorted by name.
func (c *Channels) List() []models.ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.ChannelStatus, 0, len(c.status))
	for _, st := range c.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Status returns one channel's last report.
func (c *Channels) Status(channel string) (models.ChannelStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.status[channel]
	if !ok {
		return models.ChannelStatus{}, false
	}
	return *st, true
}

// Messages returns the newest limit messages from the channel's history,
// oldest first.
func (c *Channels) Messages(channel string, limit int) ([]models.ChannelMessage, error) {
	if limit <= 0 || limit > listScanLimit {
		limit = 50
	}
	dir, err := c.layout.ChannelDir(channel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, channelHistoryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	// Ring over the tail; history files stay small enough to scan.
	ring := make([]models.ChannelMessage, 0, limit)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var msg models.ChannelMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if len(ring) == limit {
			copy(ring, ring[1:])
			ring = ring[:limit-1]
		}
		ring = append(ring, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ring, nil
}

// Config returns the stored settings blob for one channel.
func (c *Channels) Config(ctx context.Context, channel string) (json.RawMessage, error) {
	raw, err := c.kv.HGet(ctx, kv.ConfigKey, channelConfigField(channel))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return json.RawMessage("{}"), nil
		}
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// SetConfig stores a settings blob for one channel. Adapters watch the
// config hash and apply changes on their side.
func (c *Channels) SetConfig(ctx context.Context, channel string, cfg json.RawMessage) error {
	if !json.Valid(cfg) {
		return errors.New("channel config must be valid JSON")
	}
	return c.kv.HSet(ctx, kv.ConfigKey, channelConfigField(channel), []byte(cfg))
}
