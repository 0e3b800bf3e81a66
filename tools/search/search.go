// Package search provides the unified search tool over an agent's
// conversation history and archival memory, BM25-ranked through the
// store's full-text surface.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/scarnecchia/numina"
)

// Tool searches the recall surface of the agent whose handle it holds.
type Tool struct {
	handle *numina.Handle
}

// New builds the search tool over an agent handle.
func New(handle *numina.Handle) *Tool {
	return &Tool{handle: handle}
}

// Name implements numina.Tool.
func (t *Tool) Name() string { return "search" }

// Description implements numina.Tool.
func (t *Tool) Description() string {
	return "Search past conversations and archival memory.\n" +
		"Domains: 'conversations', 'archival', or 'all'. Supports role and time filters."
}

type input struct {
	Query  string `json:"query"`
	Domain string `json:"domain,omitempty"`
	Role   string `json:"role,omitempty"`
	Since  string `json:"since,omitempty"`
	Until  string `json:"until,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	// Fuzzy is accepted for compatibility and currently ignored; results
	// metadata reports fuzzy_applied=false.
	Fuzzy bool `json:"fuzzy,omitempty"`
}

// InputSchema implements numina.Tool.
func (t *Tool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search terms"},
			"domain": {"type": "string", "enum": ["conversations", "archival", "all"], "description": "Where to search (default: all)"},
			"role": {"type": "string", "enum": ["system", "user", "assistant", "tool"], "description": "Restrict conversation hits to one role"},
			"since": {"type": "string", "format": "date-time", "description": "Only results after this time"},
			"until": {"type": "string", "format": "date-time", "description": "Only results before this time"},
			"limit": {"type": "integer", "minimum": 1, "maximum": 50},
			"fuzzy": {"type": "boolean", "description": "Accepted but not applied"}
		},
		"required": ["query"],
		"additionalProperties": false
	}`)
}

// Execute implements numina.Tool.
func (t *Tool) Execute(ctx context.Context, raw json.RawMessage, _ numina.ExecutionMeta) (numina.ToolOutput, error) {
	var in input
	if err := json.Unmarshal(raw, &in); err != nil {
		return numina.ToolOutput{}, &numina.ErrValidation{Field: "input", Reason: err.Error()}
	}
	if in.Domain == "" {
		in.Domain = "all"
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}

	opts := numina.SearchOptions{Role: in.Role, Limit: limit}
	if in.Since != "" {
		ts, err := time.Parse(time.RFC3339, in.Since)
		if err != nil {
			return numina.ToolOutput{Content: "bad 'since' timestamp: " + err.Error(), IsError: true}, nil
		}
		opts.After = ts
	}
	if in.Until != "" {
		ts, err := time.Parse(time.RFC3339, in.Until)
		if err != nil {
			return numina.ToolOutput{Content: "bad 'until' timestamp: " + err.Error(), IsError: true}, nil
		}
		opts.Before = ts
	}

	var sb strings.Builder
	total := 0

	if in.Domain == "conversations" || in.Domain == "all" {
		hits, err := t.handle.SearchMessages(ctx, in.Query, opts)
		if err != nil {
			return numina.ToolOutput{Content: "conversation search failed: " + err.Error(), IsError: true}, nil
		}
		for _, h := range hits {
			fmt.Fprintf(&sb, "[%s %s] %s\n", h.Role, h.CreatedAt.Format(time.RFC3339), snippet(h.Content.PlainText()))
			total++
		}
	}

	if in.Domain == "archival" || in.Domain == "all" {
		hits, err := t.handle.SearchArchival(ctx, in.Query, limit)
		if err != nil {
			return numina.ToolOutput{Content: "archival search failed: " + err.Error(), IsError: true}, nil
		}
		for _, h := range hits {
			fmt.Fprintf(&sb, "[archival %s] %s\n", h.Label, snippet(h.Value))
			total++
		}
	}

	meta, _ := json.Marshal(map[string]any{
		"domain":        in.Domain,
		"results":       total,
		"fuzzy_applied": false,
	})
	if total == 0 {
		return numina.ToolOutput{Content: "no results", Metadata: meta}, nil
	}
	return numina.ToolOutput{Content: strings.TrimRight(sb.String(), "\n"), Metadata: meta}, nil
}

func snippet(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

var _ numina.Tool = (*Tool)(nil)
