package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/scarnecchia/numina"
)

func TestFetchExtractsReadableText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Doc</title><script>var x=1;</script></head>
<body><article><h1>Heading</h1><p>The actual body text of the page.</p></article></body></html>`)
	}))
	defer srv.Close()

	tool := New()
	raw, _ := json.Marshal(map[string]any{"url": srv.URL})
	out, err := tool.Execute(context.Background(), raw, numina.ExecutionMeta{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.IsError {
		t.Fatalf("out = %+v", out)
	}
	if !strings.Contains(out.Content, "actual body text") {
		t.Errorf("content = %q", out.Content)
	}
	if strings.Contains(out.Content, "var x=1") {
		t.Error("script leaked into extracted text")
	}
}

func TestFetchPagination(t *testing.T) {
	long := strings.Repeat("paragraph of steady filler text. ", 200)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "<html><body><article><p>%s</p></article></body></html>", long)
	}))
	defer srv.Close()

	tool := New()
	raw, _ := json.Marshal(map[string]any{"url": srv.URL, "max_chars": 500})
	out, err := tool.Execute(context.Background(), raw, numina.ExecutionMeta{})
	if err != nil || out.IsError {
		t.Fatalf("Execute: %v / %+v", err, out)
	}
	if !strings.Contains(out.Content, "continue with offset=500") {
		t.Errorf("no continuation marker: %q", out.Content[len(out.Content)-120:])
	}

	var meta struct {
		HasMore bool `json:"has_more"`
		Offset  int  `json:"offset"`
	}
	if err := json.Unmarshal(out.Metadata, &meta); err != nil || !meta.HasMore {
		t.Errorf("metadata = %s", out.Metadata)
	}

	// Continue from the offset; the page is served from cache.
	raw, _ = json.Marshal(map[string]any{"url": srv.URL, "max_chars": 500, "offset": 500})
	out2, err := tool.Execute(context.Background(), raw, numina.ExecutionMeta{})
	if err != nil || out2.IsError {
		t.Fatalf("continuation: %v / %+v", err, out2)
	}
	if out2.Content == out.Content {
		t.Error("continuation returned the same slice")
	}
}

func TestFetchRejectsNonHTTPSchemes(t *testing.T) {
	tool := New()
	for _, u := range []string{"file:///etc/passwd", "ftp://host/x", "not a url"} {
		raw, _ := json.Marshal(map[string]string{"url": u})
		out, err := tool.Execute(context.Background(), raw, numina.ExecutionMeta{})
		if err != nil {
			t.Fatalf("Execute(%s): %v", u, err)
		}
		if !out.IsError {
			t.Errorf("scheme %q accepted", u)
		}
	}
}

func TestFetchReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	tool := New()
	raw, _ := json.Marshal(map[string]string{"url": srv.URL})
	out, _ := tool.Execute(context.Background(), raw, numina.ExecutionMeta{})
	if !out.IsError || !strings.Contains(out.Content, "404") {
		t.Errorf("out = %+v", out)
	}
}

func TestStripHTMLFallback(t *testing.T) {
	got := stripHTML(`<div><script>evil()</script><p>kept   text</p></div>`)
	if got != "kept text" {
		t.Errorf("stripHTML = %q", got)
	}
}
