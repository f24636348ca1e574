package hub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jarvislabs/jarvis/internal/ratelimit"
)

func newTestRegistry(perMinute int) *MethodRegistry {
	var limiter *ratelimit.Limiter
	if perMinute > 0 {
		limiter = ratelimit.New(perMinute)
	}
	return NewMethodRegistry(limiter, nil, nil, discardLogger())
}

func TestDispatchUnknownMethod(t *testing.T) {
	reg := newTestRegistry(0)
	_, errp := reg.Dispatch(context.Background(), "c1", "no.such.method", nil)
	if errp == nil {
		t.Fatal("want error for unknown method")
	}
	if errp.Code != CodeNotFound || errp.Message != "method not found" {
		t.Fatalf("error = %+v", errp)
	}
}

func TestDispatchRunsHandler(t *testing.T) {
	reg := newTestRegistry(0)
	reg.Register("echo", func(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
		var p struct {
			Text string `json:"text"`
		}
		if errp := decodeParams(params, &p); errp != nil {
			return nil, errp
		}
		return map[string]string{"text": p.Text, "client": clientID}, nil
	})

	result, errp := reg.Dispatch(context.Background(), "c1", "echo", json.RawMessage(`{"text":"hi"}`))
	if errp != nil {
		t.Fatalf("dispatch: %+v", errp)
	}
	got := result.(map[string]string)
	if got["text"] != "hi" || got["client"] != "c1" {
		t.Fatalf("result = %v", got)
	}
}

func TestDispatchBadParams(t *testing.T) {
	reg := newTestRegistry(0)
	reg.Register("echo", func(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
		var p struct {
			Text string `json:"text"`
		}
		if errp := decodeParams(params, &p); errp != nil {
			return nil, errp
		}
		return p.Text, nil
	})

	_, errp := reg.Dispatch(context.Background(), "c1", "echo", json.RawMessage(`{broken`))
	if errp == nil || errp.Code != CodeBadRequest {
		t.Fatalf("error = %+v, want 400", errp)
	}
}

func TestDispatchRateLimit(t *testing.T) {
	reg := newTestRegistry(1)
	defer reg.limiter.Destroy()
	reg.Register("ping", func(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
		return "pong", nil
	})

	if _, errp := reg.Dispatch(context.Background(), "c1", "ping", nil); errp != nil {
		t.Fatalf("first call: %+v", errp)
	}
	_, errp := reg.Dispatch(context.Background(), "c1", "ping", nil)
	if errp == nil || errp.Code != CodeRateLimited {
		t.Fatalf("second call error = %+v, want 429", errp)
	}

	// Other clients have their own budget.
	if _, errp := reg.Dispatch(context.Background(), "c2", "ping", nil); errp != nil {
		t.Fatalf("other client: %+v", errp)
	}
}

func TestRegisterReplacesAndNames(t *testing.T) {
	reg := newTestRegistry(0)
	reg.Register("b.two", func(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
		return 1, nil
	})
	reg.Register("a.one", func(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
		return 1, nil
	})
	reg.Register("b.two", func(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
		return 2, nil
	})

	names := reg.Names()
	if len(names) != 2 || names[0] != "a.one" || names[1] != "b.two" {
		t.Fatalf("names = %v", names)
	}
	result, errp := reg.Dispatch(context.Background(), "c1", "b.two", nil)
	if errp != nil || result.(int) != 2 {
		t.Fatalf("result = %v, %+v; want replacement handler", result, errp)
	}
}
