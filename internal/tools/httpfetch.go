package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jarvislabs/jarvis/internal/audit"
	"github.com/jarvislabs/jarvis/internal/security"
)

const (
	maxFetchBytes  = 1 << 20
	fetchTimeout   = 30 * time.Second
	maxFetchHops   = 5
	fetchUserAgent = "jarvis-agent/1.0"
)

type httpFetchInput struct {
	URL string `json:"url" jsonschema:"description=HTTP or HTTPS URL to fetch"`
}

type httpFetcher struct {
	client   *http.Client
	checkURL func(string) error // swapped in tests to allow loopback targets
}

func newHTTPFetcher() *httpFetcher {
	f := &httpFetcher{checkURL: security.CheckURL}
	f.client = &http.Client{
		Timeout: fetchTimeout,
		// Redirects can point anywhere, so every hop is screened again.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxFetchHops {
				return fmt.Errorf("stopped after %d redirects", maxFetchHops)
			}
			return f.checkURL(req.URL.String())
		},
	}
	return f
}

// HTTPFetch retrieves a public URL with GET. Targets are screened before any
// connection opens and again on every redirect hop.
func HTTPFetch() Descriptor {
	return newHTTPFetcher().descriptor()
}

func (f *httpFetcher) descriptor() Descriptor {
	return Descriptor{
		Name:        "http_fetch",
		Description: "Fetch a public HTTP(S) URL with GET. The response is truncated at 1 MiB.",
		InputSchema: SchemaFor(&httpFetchInput{}),
		Execute:     f.execute,
	}
}

func (f *httpFetcher) execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var in httpFetchInput
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if in.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if err := f.checkURL(in.URL); err != nil {
		f.auditBlocked(in.URL, err)
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		f.auditBlocked(in.URL, err)
		return nil, fmt.Errorf("fetch %s: %w", in.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", in.URL, err)
	}
	truncated := len(body) > maxFetchBytes
	if truncated {
		body = body[:maxFetchBytes]
	}

	// Non-2xx statuses are part of the observable result, not tool failures.
	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP %s\n", resp.Status)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		fmt.Fprintf(&sb, "Content-Type: %s\n", ct)
	}
	sb.WriteString("\n")
	sb.Write(body)
	if truncated {
		sb.WriteString("\n... [truncated at 1 MiB]")
	}
	return TextResult(sb.String()), nil
}

func (f *httpFetcher) auditBlocked(url string, err error) {
	var blocked *security.BlockedError
	if !errors.As(err, &blocked) {
		return
	}
	audit.Default().Blocked(audit.EventBlockedURL, "http_fetch", map[string]any{
		"url":    url,
		"reason": blocked.Reason,
	})
}
