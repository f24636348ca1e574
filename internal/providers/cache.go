package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jarvislabs/jarvis/internal/kv"
	"github.com/jarvislabs/jarvis/pkg/models"
)

const defaultCacheTTL = time.Hour

// ResponseCache stores non-streaming chat responses in KV, keyed by a
// digest of everything that shapes the output. Requests with a nonzero
// temperature are never cached: their outputs are not reproducible.
type ResponseCache struct {
	store  kv.Store
	ttl    time.Duration
	logger *slog.Logger
}

func NewResponseCache(store kv.Store, ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &ResponseCache{
		store:  store,
		ttl:    ttl,
		logger: slog.Default().With("component", "llmcache"),
	}
}

// Get returns the cached response for req, if any. Cache failures are
// treated as misses so a broken KV never blocks a live request.
func (c *ResponseCache) Get(ctx context.Context, req *ChatRequest) (*ChatResponse, bool) {
	if req.Temperature > 0 {
		return nil, false
	}
	key := cacheKey(req)
	var resp ChatResponse
	if err := kv.GetJSON(ctx, c.store, key, &resp); err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			c.logger.Debug("cache read failed", "error", err)
		}
		return nil, false
	}
	return &resp, true
}

// Put stores a response under the request digest.
func (c *ResponseCache) Put(ctx context.Context, req *ChatRequest, resp *ChatResponse) {
	if req.Temperature > 0 {
		return
	}
	if err := kv.SetJSON(ctx, c.store, cacheKey(req), resp, c.ttl); err != nil {
		c.logger.Debug("cache write failed", "error", err)
	}
}

func cacheKey(req *ChatRequest) string {
	payload := struct {
		Model    string               `json:"model"`
		System   string               `json:"system"`
		Messages []models.ChatMessage `json:"messages"`
		Tools    []models.ToolSpec    `json:"tools,omitempty"`
	}{req.Model, req.System, req.Messages, req.Tools}

	data, err := json.Marshal(payload)
	if err != nil {
		// Marshal of these types cannot fail, but a stable fallback key
		// beats a panic in the request path.
		data = []byte(req.Model + req.System)
	}
	sum := sha256.Sum256(data)
	return kv.LLMCacheKey(hex.EncodeToString(sum[:]))
}
