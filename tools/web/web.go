// Package web provides the built-in fetch tool: it downloads a page and
// extracts readable text, with scheme, size, and pagination guards.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/scarnecchia/numina"
)

// maxFetchBytes caps the downloaded body.
const maxFetchBytes = 1 << 20 // 1 MB

// defaultPageChars is the default slice of extracted text per call;
// longer pages continue via the offset parameter.
const defaultPageChars = 10_000

// Tool fetches URLs. A small cache keyed by URL serves offset
// continuations without refetching.
type Tool struct {
	client *http.Client

	mu    sync.Mutex
	cache map[string]cachedPage
}

type cachedPage struct {
	text      string
	fetchedAt time.Time
}

// cacheTTL bounds how long a fetched page serves continuations.
const cacheTTL = 10 * time.Minute

// New creates the web tool with a 15-second request timeout.
func New() *Tool {
	return &Tool{
		client: &http.Client{Timeout: 15 * time.Second},
		cache:  make(map[string]cachedPage),
	}
}

// Name implements numina.Tool.
func (t *Tool) Name() string { return "fetch" }

// Description implements numina.Tool.
func (t *Tool) Description() string {
	return "Fetch a web page and return its readable text. Long pages are paged; pass 'offset' to continue reading."
}

type input struct {
	URL      string `json:"url"`
	MaxChars int    `json:"max_chars,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// InputSchema implements numina.Tool.
func (t *Tool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "URL to fetch (http or https)"},
			"max_chars": {"type": "integer", "minimum": 100, "maximum": 50000, "description": "Characters per page (default 10000)"},
			"offset": {"type": "integer", "minimum": 0, "description": "Continue reading from this character offset"}
		},
		"required": ["url"],
		"additionalProperties": false
	}`)
}

// Execute implements numina.Tool.
func (t *Tool) Execute(ctx context.Context, raw json.RawMessage, _ numina.ExecutionMeta) (numina.ToolOutput, error) {
	var in input
	if err := json.Unmarshal(raw, &in); err != nil {
		return numina.ToolOutput{}, &numina.ErrValidation{Field: "input", Reason: err.Error()}
	}

	parsed, err := url.Parse(in.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return errOut("url must be http or https"), nil
	}

	text, err := t.pageText(ctx, in.URL, parsed)
	if err != nil {
		return errOut(err.Error()), nil
	}

	pageChars := in.MaxChars
	if pageChars <= 0 {
		pageChars = defaultPageChars
	}
	runes := []rune(text)
	if in.Offset >= len(runes) {
		return errOut(fmt.Sprintf("offset %d past end of content (%d chars)", in.Offset, len(runes))), nil
	}
	end := in.Offset + pageChars
	if end > len(runes) {
		end = len(runes)
	}
	page := string(runes[in.Offset:end])

	meta, _ := json.Marshal(map[string]any{
		"url":         in.URL,
		"total_chars": len(runes),
		"offset":      in.Offset,
		"has_more":    end < len(runes),
	})
	if end < len(runes) {
		page += fmt.Sprintf("\n\n[%d of %d chars; continue with offset=%d]", end, len(runes), end)
	}
	return numina.ToolOutput{Content: page, Metadata: meta}, nil
}

// pageText returns the extracted text for a URL, from cache when fresh.
func (t *Tool) pageText(ctx context.Context, rawURL string, parsed *url.URL) (string, error) {
	t.mu.Lock()
	if cached, ok := t.cache[rawURL]; ok && time.Since(cached.fetchedAt) < cacheTTL {
		t.mu.Unlock()
		return cached.text, nil
	}
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; numina/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("http %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}

	text := extractText(string(body), parsed)

	t.mu.Lock()
	t.cache[rawURL] = cachedPage{text: text, fetchedAt: time.Now()}
	// Drop stale entries so the cache stays bounded.
	for key, cached := range t.cache {
		if time.Since(cached.fetchedAt) >= cacheTTL {
			delete(t.cache, key)
		}
	}
	t.mu.Unlock()
	return text, nil
}

func extractText(html string, parsed *url.URL) string {
	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent)
	}
	return stripHTML(html)
}

var (
	tagRe    = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>`)
	markupRe = regexp.MustCompile(`<[^>]+>`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// stripHTML is the fallback when readability cannot parse the page.
func stripHTML(html string) string {
	text := tagRe.ReplaceAllString(html, " ")
	text = markupRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
}

func errOut(content string) numina.ToolOutput {
	return numina.ToolOutput{Content: content, IsError: true}
}

var _ numina.Tool = (*Tool)(nil)
