package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarvislabs/jarvis/internal/bus"
	"github.com/jarvislabs/jarvis/internal/config"
	"github.com/jarvislabs/jarvis/internal/kv"
	"github.com/jarvislabs/jarvis/internal/storage"
	"github.com/jarvislabs/jarvis/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBus records publishes and lets tests inject messages into handlers,
// honoring NATS-style * and > wildcards in subscription subjects.
type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	subs      []fakeSub
}

type fakeSub struct {
	pattern string
	h       bus.Handler
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[string][][]byte)}
}

func (f *fakeBus) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[subject] = append(f.published[subject], append([]byte(nil), data...))
	return nil
}

func (f *fakeBus) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.Publish(subject, data)
}

func (f *fakeBus) Subscribe(subject string, h bus.Handler) (bus.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fakeSub{pattern: subject, h: h})
	return nopSub{}, nil
}

func (f *fakeBus) QueueSubscribe(subject, queue string, h bus.Handler) (bus.Subscription, error) {
	return f.Subscribe(subject, h)
}

func (f *fakeBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	return nil, context.DeadlineExceeded
}

func (f *fakeBus) IsConnected() bool { return true }
func (f *fakeBus) Close() error      { return nil }

func (f *fakeBus) sent(subject string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.published[subject]))
	copy(out, f.published[subject])
	return out
}

func (f *fakeBus) lastJSON(t *testing.T, subject string, v any) {
	t.Helper()
	msgs := f.sent(subject)
	if len(msgs) == 0 {
		t.Fatalf("nothing published on %s", subject)
	}
	if err := json.Unmarshal(msgs[len(msgs)-1], v); err != nil {
		t.Fatalf("decode last message on %s: %v", subject, err)
	}
}

// deliver injects one fire-and-forget message into every matching handler.
func (f *fakeBus) deliver(t *testing.T, subject string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", subject, err)
	}
	f.dispatch(bus.NewMessage(subject, "", data, nil))
}

// request injects a request message and returns the captured reply, or nil
// when no handler responded.
func (f *fakeBus) request(t *testing.T, subject string, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", subject, err)
	}
	var (
		mu    sync.Mutex
		reply []byte
	)
	msg := bus.NewMessage(subject, "_INBOX.test", data, func(b []byte) error {
		mu.Lock()
		reply = append([]byte(nil), b...)
		mu.Unlock()
		return nil
	})
	f.dispatch(msg)
	mu.Lock()
	defer mu.Unlock()
	return reply
}

func (f *fakeBus) dispatch(msg *bus.Message) {
	f.mu.Lock()
	subs := make([]fakeSub, len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()
	for _, s := range subs {
		if subjectMatches(s.pattern, msg.Subject) {
			s.h(msg)
		}
	}
}

func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

type nopSub struct{}

func (nopSub) Unsubscribe() error { return nil }

// fakeKV is an in-memory kv.Store whose ZRange honors score order and
// negative indices, which the task queue and index rely on.
type fakeKV struct {
	mu     sync.Mutex
	values map[string][]byte
	hashes map[string]map[string][]byte
	zsets  map[string]map[string]float64
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		values: make(map[string][]byte),
		hashes: make(map[string]map[string][]byte),
		zsets:  make(map[string]map[string]float64),
	}
}

func (f *fakeKV) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return v, nil
}

func (f *fakeKV) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = append([]byte(nil), val...)
	return nil
}

func (f *fakeKV) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.values, k)
		delete(f.hashes, k)
		delete(f.zsets, k)
	}
	return nil
}

func (f *fakeKV) HSet(ctx context.Context, key, field string, val []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		f.hashes[key] = h
	}
	h[field] = append([]byte(nil), val...)
	return nil
}

func (f *fakeKV) HGet(ctx context.Context, key, field string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.hashes[key][field]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return v, nil
}

func (f *fakeKV) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (f *fakeKV) ZAdd(ctx context.Context, key string, score float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	z, ok := f.zsets[key]
	if !ok {
		z = make(map[string]float64)
		f.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (f *fakeKV) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	type entry struct {
		member string
		score  float64
	}
	entries := make([]entry, 0, len(f.zsets[key]))
	for m, s := range f.zsets[key] {
		entries = append(entries, entry{m, s})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score < entries[j].score
		}
		return entries[i].member < entries[j].member
	})
	n := int64(len(entries))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return nil, nil
	}
	out := make([]string, 0, stop-start+1)
	for _, e := range entries[start : stop+1] {
		out = append(out, e.member)
	}
	return out, nil
}

func (f *fakeKV) ZRem(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range members {
		delete(f.zsets[key], m)
	}
	return nil
}

func (f *fakeKV) Publish(ctx context.Context, channel string, payload []byte) error { return nil }

func (f *fakeKV) Subscribe(ctx context.Context, channel string) (<-chan kv.Message, func()) {
	ch := make(chan kv.Message)
	close(ch)
	return ch, func() {}
}

func (f *fakeKV) Close() error { return nil }

func (f *fakeKV) zlen(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.zsets[key])
}

// seedAgent writes an idle-by-default roster entry.
func seedAgent(t *testing.T, store *fakeKV, id string, mutate ...func(*models.AgentState)) models.AgentState {
	t.Helper()
	state := models.AgentState{
		Identity:      models.AgentIdentity{ID: id, Role: models.RoleDev, Host: "host-1"},
		Status:        models.AgentIdle,
		LastHeartbeat: time.Now().UnixMilli(),
	}
	for _, fn := range mutate {
		fn(&state)
	}
	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal agent state: %v", err)
	}
	if err := store.HSet(context.Background(), kv.AgentsKey, id, data); err != nil {
		t.Fatalf("seed agent %s: %v", id, err)
	}
	return state
}

// hubRig bundles a full Server with its fakes.
type hubRig struct {
	server *Server
	bus    *fakeBus
	kv     *fakeKV
	layout *storage.Layout
}

func newHubRig(t *testing.T) *hubRig {
	t.Helper()
	layout, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open layout: %v", err)
	}
	cfg := config.Default()
	cfg.Auth.Token = "test-token"
	fb := newFakeBus()
	fk := newFakeKV()
	s, err := New(cfg, fb, fk, layout, nil, nil, discardLogger())
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	t.Cleanup(func() {
		s.lockout.Destroy()
		s.limiter.Destroy()
	})
	return &hubRig{server: s, bus: fb, kv: fk, layout: layout}
}

// call dispatches one hub method the way the WS layer would.
func (r *hubRig) call(t *testing.T, method string, params any) (any, *Error) {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = data
	}
	return r.server.methods.Dispatch(context.Background(), "test-client", method, raw)
}
