package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jarvislabs/jarvis/internal/tools"
)

type memoryStoreInput struct {
	Content  string `json:"content" jsonschema:"description=Fact worth remembering across tasks"`
	Category string `json:"category,omitempty" jsonschema:"description=Optional grouping such as decisions or contacts. Defaults to general."`
}

// MemoryStore exposes Save as a tool. Entries are attributed to the
// calling runtime's agent.
func MemoryStore(store *Store, agentID string) tools.Descriptor {
	return tools.Descriptor{
		Name:        "memory_store",
		Description: "Save a fact to shared team memory so any agent can find it later.",
		InputSchema: tools.SchemaFor(&memoryStoreInput{}),
		Execute: func(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
			var in memoryStoreInput
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("decode input: %w", err)
			}
			id, err := store.Save(ctx, agentID, in.Category, in.Content)
			if err != nil {
				return nil, err
			}
			category := in.Category
			if category == "" {
				category = "general"
			}
			return tools.TextResult(fmt.Sprintf("remembered under %s (id %s)", category, id)), nil
		},
	}
}

type memorySearchInput struct {
	Query string `json:"query" jsonschema:"description=Text to look for in remembered facts"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum entries to return. Defaults to 5."`
}

// MemorySearch exposes Search as a tool. Results cover the whole team and
// show which agent wrote each entry.
func MemorySearch(store *Store) tools.Descriptor {
	return tools.Descriptor{
		Name:        "memory_search",
		Description: "Search shared team memory. Returns the most recent matching facts.",
		InputSchema: tools.SchemaFor(&memorySearchInput{}),
		Execute: func(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
			var in memorySearchInput
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("decode input: %w", err)
			}
			entries, err := store.Search(ctx, "", in.Query, in.Limit)
			if err != nil {
				return nil, err
			}
			if len(entries) == 0 {
				return tools.TextResult("no matching entries"), nil
			}
			var sb strings.Builder
			for _, e := range entries {
				fmt.Fprintf(&sb, "[%s] %s (by %s, %s)\n",
					e.Category, e.Content, e.AgentID, e.CreatedAt.Format("2006-01-02"))
			}
			return tools.TextResult(strings.TrimRight(sb.String(), "\n")), nil
		},
	}
}
