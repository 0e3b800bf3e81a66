package numina

import (
	"fmt"
	"strings"
)

// PromptContext is the assembled per-turn prompt: ordered system sections
// and the message batches that fit the model's window.
type PromptContext struct {
	System  []string
	Batches []MessageBatch
	// Overflow is set when no message batch fits beside the system
	// sections (including when they alone fill the window); the prompt is
	// still usable (system only).
	Overflow     bool
	SystemTokens int
	MessageTokens int
}

// Messages flattens the batches into one ordered slice for a provider
// request.
func (p PromptContext) Messages() []Message {
	var out []Message
	for i := range p.Batches {
		out = append(out, p.Batches[i].Messages...)
	}
	return out
}

// ContextBuilder assembles prompts from an agent's instructions, memory,
// tool catalog, rule directives, and message history. Token accounting
// uses the configured counter (heuristic unless an exact one is supplied).
type ContextBuilder struct {
	counter TokenCounter
}

// NewContextBuilder returns a builder using the given counter, or the
// heuristic when counter is nil.
func NewContextBuilder(counter TokenCounter) *ContextBuilder {
	if counter == nil {
		counter = HeuristicTokenCounter()
	}
	return &ContextBuilder{counter: counter}
}

// ContextInput carries everything one Build call reads.
type ContextInput struct {
	BaseInstructions string
	Memory           *Memory
	Tools            []ToolDescriptor
	RuleDirectives   []string
	PinnedNotes      []string
	// ArchiveSummary is the running summary of compressed-away history,
	// rendered after memory when present.
	ArchiveSummary  string
	Batches         []MessageBatch
	ContextWindow   int
	MaxOutputTokens int
}

// Build assembles the prompt. System sections come in fixed order: base
// instructions, rendered memory, the archive summary (when present), the
// tool catalog, rule directives, pinned notes. Batches are included
// newest-last, dropping the oldest whole batches until tokens(system) +
// tokens(messages) + max_output fits the window. When not even the newest
// batch fits, Overflow is set and the system-only prompt is returned
// without error.
func (b *ContextBuilder) Build(in ContextInput) PromptContext {
	system := b.systemSections(in)

	systemTokens := 0
	for _, s := range system {
		systemTokens += b.counter.CountTokens(s)
	}

	budget := in.ContextWindow - in.MaxOutputTokens - systemTokens
	out := PromptContext{System: system, SystemTokens: systemTokens}
	if budget <= 0 {
		out.Overflow = true
		return out
	}

	// Walk newest-first, keeping whole batches while they fit.
	keepFrom := len(in.Batches)
	used := 0
	for i := len(in.Batches) - 1; i >= 0; i-- {
		t := batchTokens(b.counter, in.Batches[i])
		if used+t > budget {
			break
		}
		used += t
		keepFrom = i
	}
	if keepFrom == len(in.Batches) && len(in.Batches) > 0 {
		out.Overflow = true
		return out
	}
	out.Batches = in.Batches[keepFrom:]
	out.MessageTokens = used
	return out
}

func (b *ContextBuilder) systemSections(in ContextInput) []string {
	var sections []string

	if in.BaseInstructions != "" {
		sections = append(sections, in.BaseInstructions)
	}

	if in.Memory != nil {
		if rendered := renderMemory(in.Memory); rendered != "" {
			sections = append(sections, rendered)
		}
	}

	if in.ArchiveSummary != "" {
		sections = append(sections, "Summary of earlier conversation:\n"+in.ArchiveSummary)
	}

	if len(in.Tools) > 0 {
		var sb strings.Builder
		sb.WriteString("Available tools:\n")
		for _, t := range in.Tools {
			fmt.Fprintf(&sb, "- %s: %s\n", t.Name, firstLine(t.Description))
		}
		sections = append(sections, strings.TrimRight(sb.String(), "\n"))
	}

	if len(in.RuleDirectives) > 0 {
		var sb strings.Builder
		sb.WriteString("Tool usage rules:\n")
		for _, d := range in.RuleDirectives {
			fmt.Fprintf(&sb, "- %s\n", d)
		}
		sections = append(sections, strings.TrimRight(sb.String(), "\n"))
	}

	if len(in.PinnedNotes) > 0 {
		sections = append(sections, "Operator notes:\n"+strings.Join(in.PinnedNotes, "\n"))
	}

	return sections
}

// renderMemory renders core and working blocks as "<label> {permission}:
// value" lines. Archival blocks never render.
func renderMemory(m *Memory) string {
	var sb strings.Builder
	for _, block := range m.AllBlocks() {
		if block.MemoryType == MemoryArchival {
			continue
		}
		fmt.Fprintf(&sb, "<%s> {%s}: %s\n", block.Label, block.Permission, block.Value)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
