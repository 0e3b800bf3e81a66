package numina

import (
	"strings"
	"testing"
)

func TestContextSectionOrder(t *testing.T) {
	m := NewMemory()
	_ = m.Create("persona", "terse assistant")
	m.Set(MemoryBlock{Label: "notes", Value: "hidden", MemoryType: MemoryArchival, Permission: PermReadWrite})

	b := NewContextBuilder(nil)
	pc := b.Build(ContextInput{
		BaseInstructions: "You are a helper.",
		Memory:           m,
		Tools:            []ToolDescriptor{{Name: "echo", Description: "Echo text back.\nSecond line ignored."}},
		RuleDirectives:   []string{"Call `init` first before any other tools"},
		PinnedNotes:      []string{"stay in English"},
		ArchiveSummary:   "earlier we discussed trains",
		ContextWindow:    100_000,
		MaxOutputTokens:  1_000,
	})

	if len(pc.System) != 6 {
		t.Fatalf("got %d sections:\n%s", len(pc.System), strings.Join(pc.System, "\n---\n"))
	}
	if pc.System[0] != "You are a helper." {
		t.Errorf("section 0 = %q", pc.System[0])
	}
	if !strings.Contains(pc.System[1], "<persona> {read-write}: terse assistant") {
		t.Errorf("memory render = %q", pc.System[1])
	}
	if strings.Contains(pc.System[1], "hidden") {
		t.Error("archival block rendered into context")
	}
	if !strings.Contains(pc.System[2], "earlier we discussed trains") {
		t.Errorf("summary section = %q", pc.System[2])
	}
	if !strings.Contains(pc.System[3], "echo: Echo text back.") || strings.Contains(pc.System[3], "Second line") {
		t.Errorf("tool catalog = %q", pc.System[3])
	}
	if !strings.Contains(pc.System[4], "Call `init` first") {
		t.Errorf("rules section = %q", pc.System[4])
	}
	if !strings.Contains(pc.System[5], "stay in English") {
		t.Errorf("notes section = %q", pc.System[5])
	}
}

func TestContextDropsOldestBatches(t *testing.T) {
	alloc := NewPositionAllocator()
	long := strings.Repeat("words and more words ", 100) // ~500 tokens
	batches := []MessageBatch{
		makeBatch(alloc, BatchUserRequest, long, long),
		makeBatch(alloc, BatchUserRequest, long, long),
		makeBatch(alloc, BatchUserRequest, "short", "tail"),
	}

	b := NewContextBuilder(nil)
	pc := b.Build(ContextInput{
		BaseInstructions: "sys",
		Batches:          batches,
		ContextWindow:    1_300,
		MaxOutputTokens:  100,
	})

	if pc.Overflow {
		t.Fatal("unexpected overflow")
	}
	if len(pc.Batches) == 0 || len(pc.Batches) == 3 {
		t.Fatalf("kept %d batches, want a newest-suffix subset", len(pc.Batches))
	}
	// The newest batch must always be the last kept.
	last := pc.Batches[len(pc.Batches)-1]
	if last.Messages[0].Content.PlainText() != "short" {
		t.Error("newest batch missing from kept window")
	}
}

func TestContextOverflowSystemOnly(t *testing.T) {
	alloc := NewPositionAllocator()
	batches := []MessageBatch{makeBatch(alloc, BatchUserRequest, "hello", "world")}

	b := NewContextBuilder(nil)
	pc := b.Build(ContextInput{
		BaseInstructions: strings.Repeat("very long instructions ", 200),
		Batches:          batches,
		ContextWindow:    1_000,
		MaxOutputTokens:  500,
	})

	if !pc.Overflow {
		t.Fatal("overflow not flagged")
	}
	if len(pc.Batches) != 0 {
		t.Errorf("kept %d batches under overflow", len(pc.Batches))
	}
	if len(pc.System) == 0 {
		t.Error("system sections dropped under overflow")
	}
}

func TestHeuristicTokenCounter(t *testing.T) {
	if got := EstimateTokens("abcdefgh"); got != 2 {
		t.Errorf("EstimateTokens(8 chars) = %d, want 2", got)
	}
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("EstimateTokens(empty) = %d", got)
	}
}
