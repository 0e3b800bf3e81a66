// Package memorytool provides the built-in context tool: append, replace,
// read, and archive operations over an agent's memory blocks, plus
// archival insert and search through the handle's recall surface.
package memorytool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scarnecchia/numina"
)

// Tool operates on the memory of the agent whose handle it holds.
type Tool struct {
	handle *numina.Handle
}

// New builds the context tool over an agent handle.
func New(handle *numina.Handle) *Tool {
	return &Tool{handle: handle}
}

// Name implements numina.Tool.
func (t *Tool) Name() string { return "context" }

// Description implements numina.Tool.
func (t *Tool) Description() string {
	return "Manage your memory blocks.\n" +
		"Operations: append (add text to a block), replace (swap text inside a block), " +
		"read (return a block's content), archive (move a block to archival storage), " +
		"archival_insert (store a new archival entry), archival_search (search archival storage)."
}

// UsageRule implements numina.UsageRuler.
func (t *Tool) UsageRule() string {
	return "Use `context` with operation 'append' to record durable facts; avoid duplicate appends."
}

type input struct {
	Operation string `json:"operation"`
	Name      string `json:"name,omitempty"`
	Content   string `json:"content,omitempty"`
	OldText   string `json:"old_text,omitempty"`
	NewText   string `json:"new_text,omitempty"`
	Query     string `json:"query,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// InputSchema implements numina.Tool.
func (t *Tool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"operation": {
				"type": "string",
				"enum": ["append", "replace", "read", "archive", "archival_insert", "archival_search"],
				"description": "The memory operation to perform"
			},
			"name": {"type": "string", "description": "Memory block label"},
			"content": {"type": "string", "description": "Text for append/archival_insert"},
			"old_text": {"type": "string", "description": "For replace: text to find"},
			"new_text": {"type": "string", "description": "For replace: replacement text"},
			"query": {"type": "string", "description": "For archival_search: search query"},
			"limit": {"type": "integer", "minimum": 1, "maximum": 50}
		},
		"required": ["operation"],
		"additionalProperties": false
	}`)
}

// Examples implements numina.Exampler.
func (t *Tool) Examples() []numina.ToolExample {
	return []numina.ToolExample{
		{
			Description: "Record a fact about the user",
			Input:       json.RawMessage(`{"operation":"append","name":"human","content":"Prefers terse answers."}`),
			Output:      `appended to "human"`,
		},
		{
			Description: "Search archival storage",
			Input:       json.RawMessage(`{"operation":"archival_search","query":"project deadline"}`),
		},
	}
}

// Execute implements numina.Tool.
func (t *Tool) Execute(ctx context.Context, raw json.RawMessage, _ numina.ExecutionMeta) (numina.ToolOutput, error) {
	var in input
	if err := json.Unmarshal(raw, &in); err != nil {
		return numina.ToolOutput{}, &numina.ErrValidation{Field: "input", Reason: err.Error()}
	}

	switch in.Operation {
	case "append":
		if in.Name == "" || in.Content == "" {
			return errOut("append requires 'name' and 'content'"), nil
		}
		if err := t.handle.Memory().AppendValue(in.Name, in.Content); err != nil {
			return errOut(err.Error()), nil
		}
		return okOut(fmt.Sprintf("appended to %q", in.Name)), nil

	case "replace":
		if in.Name == "" || in.OldText == "" {
			return errOut("replace requires 'name' and 'old_text'"), nil
		}
		_, err := t.handle.Memory().Alter(in.Name, func(_ string, block numina.MemoryBlock) numina.MemoryBlock {
			block.Value = strings.Replace(block.Value, in.OldText, in.NewText, 1)
			return block
		})
		if err != nil {
			return errOut(err.Error()), nil
		}
		return okOut(fmt.Sprintf("replaced text in %q", in.Name)), nil

	case "read":
		if in.Name == "" {
			return errOut("read requires 'name'"), nil
		}
		block, ok := t.handle.Memory().Get(in.Name)
		if !ok {
			return errOut(fmt.Sprintf("no memory block %q (available: %s)",
				in.Name, strings.Join(t.handle.Memory().Labels(), ", "))), nil
		}
		return okOut(block.Value), nil

	case "archive":
		if in.Name == "" {
			return errOut("archive requires 'name'"), nil
		}
		block, err := t.handle.Memory().Alter(in.Name, func(_ string, b numina.MemoryBlock) numina.MemoryBlock {
			b.MemoryType = numina.MemoryArchival
			return b
		})
		if err != nil {
			return errOut(err.Error()), nil
		}
		if _, err := t.handle.InsertArchival(ctx, block.Label, block.Value); err != nil {
			return errOut("archive store failed: " + err.Error()), nil
		}
		t.handle.Memory().Remove(in.Name)
		return okOut(fmt.Sprintf("archived %q", in.Name)), nil

	case "archival_insert":
		if in.Content == "" {
			return errOut("archival_insert requires 'content'"), nil
		}
		label := in.Name
		if label == "" {
			label = "archival"
		}
		if _, err := t.handle.InsertArchival(ctx, label, in.Content); err != nil {
			return errOut(err.Error()), nil
		}
		return okOut("stored in archival memory"), nil

	case "archival_search":
		if in.Query == "" {
			return errOut("archival_search requires 'query'"), nil
		}
		limit := in.Limit
		if limit <= 0 {
			limit = 10
		}
		hits, err := t.handle.SearchArchival(ctx, in.Query, limit)
		if err != nil {
			return errOut(err.Error()), nil
		}
		if len(hits) == 0 {
			return okOut("no archival matches"), nil
		}
		var sb strings.Builder
		for _, h := range hits {
			fmt.Fprintf(&sb, "[%s] %s\n", h.Label, h.Value)
		}
		return okOut(strings.TrimRight(sb.String(), "\n")), nil

	default:
		return errOut("unknown operation: " + in.Operation), nil
	}
}

func okOut(content string) numina.ToolOutput  { return numina.ToolOutput{Content: content} }
func errOut(content string) numina.ToolOutput { return numina.ToolOutput{Content: content, IsError: true} }

var _ numina.Tool = (*Tool)(nil)
