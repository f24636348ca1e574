package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jarvislabs/jarvis/internal/bus"
	"github.com/jarvislabs/jarvis/internal/config"
	"github.com/jarvislabs/jarvis/internal/hooks"
	"github.com/jarvislabs/jarvis/internal/kv"
	"github.com/jarvislabs/jarvis/internal/providers"
	"github.com/jarvislabs/jarvis/internal/storage"
	"github.com/jarvislabs/jarvis/internal/tools"
	"github.com/jarvislabs/jarvis/pkg/models"
)

// fakeBus records publishes and hands subscribed handlers back to the test
// for direct message injection.
type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]bus.Handler
	reply     func(subject string, data []byte) ([]byte, error)
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		published: make(map[string][][]byte),
		handlers:  make(map[string]bus.Handler),
	}
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
	f.handlers[subject] = h
	return nopSub{}, nil
}

func (f *fakeBus) QueueSubscribe(subject, queue string, h bus.Handler) (bus.Subscription, error) {
	return f.Subscribe(subject, h)
}

func (f *fakeBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	reply := f.reply
	f.mu.Unlock()
	if reply == nil {
		return nil, context.DeadlineExceeded
	}
	return reply(subject, data)
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

func (f *fakeBus) handler(subject string) bus.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[subject]
}

// lastJSON decodes the newest message on a subject into v.
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

type nopSub struct{}

func (nopSub) Unsubscribe() error { return nil }

// fakeKV is an in-memory kv.Store.
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
	var members []string
	for m := range f.zsets[key] {
		members = append(members, m)
	}
	return members, nil
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

// fakeTurn scripts one model response.
type fakeTurn struct {
	text     string
	toolUses []models.ContentBlock
	stop     providers.StopReason
	usage    providers.Usage
	err      error
}

// fakeProvider serves scripted turns in order, repeating the last one when
// the script runs out. Requests are recorded for prompt assertions.
type fakeProvider struct {
	mu       sync.Mutex
	turns    []fakeTurn
	calls    int
	requests []*providers.ChatRequest
}

func (p *fakeProvider) ID() string        { return "fake" }
func (p *fakeProvider) Name() string      { return "Fake" }
func (p *fakeProvider) IsAvailable() bool { return true }

func (p *fakeProvider) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	return []providers.ModelInfo{{ID: "fake-model", Provider: "fake"}}, nil
}

func (p *fakeProvider) next(req *providers.ChatRequest) fakeTurn {
	p.mu.Lock()
	defer p.mu.Unlock()
	reqCopy := *req
	p.requests = append(p.requests, &reqCopy)
	i := p.calls
	if i >= len(p.turns) {
		i = len(p.turns) - 1
	}
	p.calls++
	return p.turns[i]
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) request(i int) *providers.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func (p *fakeProvider) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	t := p.next(req)
	if t.err != nil {
		return nil, t.err
	}
	stop := t.stop
	if stop == "" {
		stop = providers.StopEndTurn
	}
	msg := models.ChatMessage{Role: models.ChatRoleAssistant, Content: t.text}
	msg.Blocks = append(msg.Blocks, t.toolUses...)
	return &providers.ChatResponse{
		Model:      req.Model,
		Message:    msg,
		StopReason: stop,
		Usage:      t.usage,
	}, nil
}

func (p *fakeProvider) ChatStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.ChatChunk, error) {
	t := p.next(req)
	ch := make(chan providers.ChatChunk, 8)
	go func() {
		defer close(ch)
		if t.err != nil {
			ch <- providers.ChatChunk{Type: providers.ChunkError, Err: t.err}
			return
		}
		if t.text != "" {
			// Two deltas so consumers must buffer.
			half := len(t.text) / 2
			ch <- providers.ChatChunk{Type: providers.ChunkTextDelta, Text: t.text[:half]}
			ch <- providers.ChatChunk{Type: providers.ChunkTextDelta, Text: t.text[half:]}
		}
		for _, use := range t.toolUses {
			ch <- providers.ChatChunk{
				Type:      providers.ChunkToolUseEnd,
				ToolUseID: use.ID,
				ToolName:  use.Name,
				Args:      string(use.Input),
			}
		}
		stop := t.stop
		if stop == "" {
			stop = providers.StopEndTurn
		}
		usage := t.usage
		ch <- providers.ChatChunk{Type: providers.ChunkMessageEnd, StopReason: stop, Usage: &usage}
	}()
	return ch, nil
}

// testRig bundles a runtime with its fakes.
type testRig struct {
	rt       *Runtime
	bus      *fakeBus
	kv       *fakeKV
	provider *fakeProvider
	hooks    *hooks.Runner
	tools    *tools.Registry
}

func newTestRig(t *testing.T, cfg config.AgentConfig, turns ...fakeTurn) *testRig {
	t.Helper()
	if len(turns) == 0 {
		turns = []fakeTurn{{text: "done"}}
	}
	layout, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open layout: %v", err)
	}
	fb := newFakeBus()
	fk := newFakeKV()
	fp := &fakeProvider{turns: turns}
	preg := providers.NewRegistry()
	preg.Register(context.Background(), fp)
	treg := tools.NewRegistry()
	hr := hooks.NewRunner()

	if cfg.ID == "" {
		cfg.ID = "agent-dev"
	}
	if cfg.Role == "" {
		cfg.Role = models.RoleDev
	}
	if cfg.Host == "" {
		cfg.Host = "host-1"
	}
	if cfg.Model == "" {
		cfg.Model = "fake-model"
	}
	if cfg.MaxWallTime == 0 {
		cfg.MaxWallTime = time.Minute
	}

	rt, err := New(cfg, Deps{
		Bus:       fb,
		KV:        fk,
		Layout:    layout,
		Providers: preg,
		Tools:     treg,
		Hooks:     hr,
	})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	rt.runCtx, rt.cancel = context.WithCancel(context.Background())
	return &testRig{rt: rt, bus: fb, kv: fk, provider: fp, hooks: hr, tools: treg}
}

// hookRecorder collects fired hooks by name.
type hookRecorder struct {
	mu    sync.Mutex
	fired []hooks.Hook
}

func (h *hookRecorder) attach(r *hooks.Runner, names ...hooks.Hook) {
	for _, name := range names {
		name := name
		r.On(name, func(ctx context.Context, ev *hooks.Event) error {
			h.mu.Lock()
			h.fired = append(h.fired, ev.Hook)
			h.mu.Unlock()
			return nil
		}, "test")
	}
}

func (h *hookRecorder) count(name hooks.Hook) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, f := range h.fired {
		if f == name {
			n++
		}
	}
	return n
}

// waitFor polls until cond is true or the deadline lapses.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}
