package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarvislabs/jarvis/internal/bus"
	"github.com/jarvislabs/jarvis/internal/ratelimit"
	"github.com/jarvislabs/jarvis/internal/security"
)

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	requests  []fakeBusRequest
	reply     []byte
	replyErr  error
}

type fakeBusRequest struct {
	subject string
	data    []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[string][][]byte)}
}

func (f *fakeBus) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[subject] = append(f.published[subject], data)
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
	return nopSubscription{}, nil
}

func (f *fakeBus) QueueSubscribe(subject, queue string, h bus.Handler) (bus.Subscription, error) {
	return nopSubscription{}, nil
}

func (f *fakeBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	f.requests = append(f.requests, fakeBusRequest{subject: subject, data: data})
	f.mu.Unlock()
	if f.replyErr != nil {
		return nil, f.replyErr
	}
	return f.reply, nil
}

func (f *fakeBus) IsConnected() bool { return true }
func (f *fakeBus) Close() error      { return nil }

type nopSubscription struct{}

func (nopSubscription) Unsubscribe() error { return nil }

func echoDescriptor(name string) Descriptor {
	return Descriptor{
		Name:        name,
		Description: "echoes its input back",
		Execute: func(ctx context.Context, params json.RawMessage) (*Result, error) {
			return TextResult(string(params)), nil
		},
	}
}

func TestRegistry_RegisterRejectsBadDescriptors(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(Descriptor{Execute: func(context.Context, json.RawMessage) (*Result, error) { return nil, nil }}); err == nil {
		t.Fatal("expected error for missing name")
	}
	if err := r.Register(Descriptor{Name: "broken"}); err == nil {
		t.Fatal("expected error for missing execute function")
	}
	if err := r.Register(Descriptor{
		Name:        "badschema",
		InputSchema: json.RawMessage(`{"type":`),
		Execute:     func(context.Context, json.RawMessage) (*Result, error) { return nil, nil },
	}); err == nil {
		t.Fatal("expected error for malformed schema")
	}

	if err := r.Register(echoDescriptor("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(echoDescriptor("echo")); err == nil {
		t.Fatal("expected error for duplicate registration")
	}
}

func TestRegistry_ListAndSpecsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(echoDescriptor(name)); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}

	specs := r.Specs()
	if len(specs) != 3 {
		t.Fatalf("Specs len = %d, want 3", len(specs))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if specs[i].Name != want {
			t.Errorf("specs[%d].Name = %q, want %q", i, specs[i].Name, want)
		}
	}
	if len(specs[0].InputSchema) == 0 {
		t.Error("registered descriptor should carry the default schema")
	}
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "agent-dev", "nope", nil)
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(res.Content, "unknown tool") {
		t.Errorf("Content = %q, want unknown tool message", res.Content)
	}
}

func TestRegistry_ExecuteValidatesInput(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Calculate()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := r.Execute(context.Background(), "agent-dev", "calculate", json.RawMessage(`{`))
	if !res.IsError || !strings.Contains(res.Content, "not valid JSON") {
		t.Errorf("malformed JSON: got %+v", res)
	}

	res = r.Execute(context.Background(), "agent-dev", "calculate", json.RawMessage(`{}`))
	if !res.IsError || !strings.Contains(res.Content, "invalid input") {
		t.Errorf("missing required field: got %+v", res)
	}

	res = r.Execute(context.Background(), "agent-dev", "calculate", json.RawMessage(`{"expression":"6*7"}`))
	if res.IsError {
		t.Fatalf("valid input failed: %s", res.Content)
	}
	if res.Content != "42" {
		t.Errorf("Content = %q, want 42", res.Content)
	}
}

func TestRegistry_ExecuteRateLimited(t *testing.T) {
	limiter := ratelimit.New(1)
	defer limiter.Destroy()

	r := NewRegistry()
	r.SetLimiter(limiter)
	if err := r.Register(echoDescriptor("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if res := r.Execute(context.Background(), "agent-dev", "echo", nil); res.IsError {
		t.Fatalf("first call should pass: %s", res.Content)
	}
	res := r.Execute(context.Background(), "agent-dev", "echo", nil)
	if !res.IsError || !strings.Contains(res.Content, "rate limit") {
		t.Errorf("second call: got %+v, want rate limit error", res)
	}

	// The limit is keyed per agent and tool, so another agent still runs.
	if res := r.Execute(context.Background(), "agent-ops", "echo", nil); res.IsError {
		t.Errorf("other agent should not share the budget: %s", res.Content)
	}
}

func TestRegistry_ExecuteNilParamsDefaultToEmptyObject(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoDescriptor("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	res := r.Execute(context.Background(), "agent-dev", "echo", nil)
	if res.IsError {
		t.Fatalf("Execute: %s", res.Content)
	}
	if res.Content != "{}" {
		t.Errorf("Content = %q, want {}", res.Content)
	}
}

func TestRegistry_ExecuteNilResultBecomesEmptyText(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Descriptor{
		Name:    "quiet",
		Execute: func(context.Context, json.RawMessage) (*Result, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	res := r.Execute(context.Background(), "agent-dev", "quiet", nil)
	if res == nil || res.IsError || res.Content != "" {
		t.Errorf("got %+v, want empty success result", res)
	}
}

func TestRegistry_ExecuteClassifiesBlockedErrors(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Descriptor{
		Name: "guarded",
		Execute: func(context.Context, json.RawMessage) (*Result, error) {
			return nil, &security.BlockedError{Reason: "path escapes the sandbox"}
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := r.Execute(context.Background(), "agent-dev", "guarded", nil)
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if !res.blocked {
		t.Error("policy refusals should be classified as blocked")
	}
	if !strings.Contains(res.Content, "sandbox") {
		t.Errorf("Content = %q, want the refusal reason", res.Content)
	}
}

func TestRegistry_ExecuteRouted(t *testing.T) {
	fb := newFakeBus()
	remote := Result{Content: "deployed v1.2.3"}
	fb.reply, _ = json.Marshal(remote)

	r := NewRegistry()
	r.SetBus(fb)
	r.SetRoute("deploy", "agent-infra")

	res := r.Execute(context.Background(), "agent-dev", "deploy", json.RawMessage(`{"env":"prod"}`))
	if res.IsError {
		t.Fatalf("Execute: %s", res.Content)
	}
	if res.Content != "deployed v1.2.3" {
		t.Errorf("Content = %q", res.Content)
	}

	if len(fb.requests) != 1 {
		t.Fatalf("bus requests = %d, want 1", len(fb.requests))
	}
	req := fb.requests[0]
	if req.subject != bus.AgentExec("agent-infra") {
		t.Errorf("subject = %q", req.subject)
	}
	var exec ExecRequest
	if err := json.Unmarshal(req.data, &exec); err != nil {
		t.Fatalf("decode exec request: %v", err)
	}
	if exec.Tool != "deploy" || string(exec.Params) != `{"env":"prod"}` {
		t.Errorf("exec request = %+v", exec)
	}
}

func TestRegistry_ExecuteRoutedTransportError(t *testing.T) {
	fb := newFakeBus()
	fb.replyErr = errors.New("no responders")

	r := NewRegistry()
	r.SetBus(fb)
	r.SetRoute("deploy", "agent-infra")

	res := r.Execute(context.Background(), "agent-dev", "deploy", nil)
	if !res.IsError || !strings.Contains(res.Content, "remote execution") {
		t.Errorf("got %+v, want remote execution failure", res)
	}
}

func TestRegistry_ExecuteRoutedWithoutBus(t *testing.T) {
	r := NewRegistry()
	r.SetRoute("deploy", "agent-infra")
	res := r.Execute(context.Background(), "agent-dev", "deploy", nil)
	if !res.IsError || !strings.Contains(res.Content, "no bus") {
		t.Errorf("got %+v, want missing bus error", res)
	}
}

func TestRegistry_ClearingRouteRestoresLocalExecution(t *testing.T) {
	fb := newFakeBus()
	fb.reply, _ = json.Marshal(Result{Content: "remote"})

	r := NewRegistry()
	r.SetBus(fb)
	if err := r.Register(echoDescriptor("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r.SetRoute("echo", "agent-infra")
	if res := r.Execute(context.Background(), "agent-dev", "echo", nil); res.Content != "remote" {
		t.Fatalf("routed Content = %q, want remote", res.Content)
	}

	r.SetRoute("echo", "")
	if _, ok := r.Route("echo"); ok {
		t.Fatal("route should be cleared")
	}
	if res := r.Execute(context.Background(), "agent-dev", "echo", nil); res.Content != "{}" {
		t.Errorf("local Content = %q, want {}", res.Content)
	}
}

func TestRegistry_RoutedToolValidatesWhenRegisteredLocally(t *testing.T) {
	fb := newFakeBus()
	fb.reply, _ = json.Marshal(Result{Content: "ok"})

	r := NewRegistry()
	r.SetBus(fb)
	if err := r.Register(Calculate()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.SetRoute("calculate", "agent-math")

	res := r.Execute(context.Background(), "agent-dev", "calculate", json.RawMessage(`{}`))
	if !res.IsError || !strings.Contains(res.Content, "invalid input") {
		t.Errorf("got %+v, want local validation to run before routing", res)
	}
	if len(fb.requests) != 0 {
		t.Errorf("invalid input must not reach the bus, saw %d requests", len(fb.requests))
	}
}
