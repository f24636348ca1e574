package knowledge

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestMemoryTools_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	store := MemoryStore(s, "agent-dev")
	res, err := store.Execute(ctx, json.RawMessage(`{"content":"the staging db password rotates on mondays","category":"infra"}`))
	if err != nil {
		t.Fatalf("memory_store: %v", err)
	}
	if !strings.Contains(res.Content, "remembered under infra") {
		t.Errorf("store result = %q", res.Content)
	}

	search := MemorySearch(s)
	res, err = search.Execute(ctx, json.RawMessage(`{"query":"staging db"}`))
	if err != nil {
		t.Fatalf("memory_search: %v", err)
	}
	if !strings.Contains(res.Content, "rotates on mondays") {
		t.Errorf("search result = %q", res.Content)
	}
	if !strings.Contains(res.Content, "by agent-dev") {
		t.Errorf("search result should attribute the writer: %q", res.Content)
	}
}

func TestMemorySearch_NoMatches(t *testing.T) {
	s := newTestStore(t)
	search := MemorySearch(s)
	res, err := search.Execute(context.Background(), json.RawMessage(`{"query":"nothing stored yet"}`))
	if err != nil {
		t.Fatalf("memory_search: %v", err)
	}
	if res.Content != "no matching entries" {
		t.Errorf("Content = %q", res.Content)
	}
}

func TestMemoryStore_RequiresContent(t *testing.T) {
	s := newTestStore(t)
	store := MemoryStore(s, "agent-dev")
	if _, err := store.Execute(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected content required error")
	}
}

func TestMemoryTools_SchemasDescribeInputs(t *testing.T) {
	s := newTestStore(t)
	for _, d := range []struct {
		name  string
		field string
		raw   json.RawMessage
	}{
		{"memory_store", "content", MemoryStore(s, "a").InputSchema},
		{"memory_search", "query", MemorySearch(s).InputSchema},
	} {
		var schema map[string]any
		if err := json.Unmarshal(d.raw, &schema); err != nil {
			t.Fatalf("%s schema: %v", d.name, err)
		}
		props, _ := schema["properties"].(map[string]any)
		if _, ok := props[d.field]; !ok {
			t.Errorf("%s schema missing %s: %s", d.name, d.field, d.raw)
		}
	}
}
