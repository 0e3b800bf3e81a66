package numina

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestCompressCompliantInputUntouched(t *testing.T) {
	alloc := NewPositionAllocator()
	batches := []MessageBatch{
		makeBatch(alloc, BatchUserRequest, "a", "b"),
		makeBatch(alloc, BatchUserRequest, "c", "d"),
	}

	c := NewCompressor(Truncate(10))
	result, err := c.Compress(context.Background(), CompressInput{Batches: batches, MessageCap: 10})
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if result.Metadata.StrategyUsed != "none" {
		t.Errorf("strategy = %q, want none", result.Metadata.StrategyUsed)
	}
	if len(result.Active) != 2 || len(result.Archived) != 0 {
		t.Errorf("active/archived = %d/%d", len(result.Active), len(result.Archived))
	}
}

func TestTruncateUnderMessageCap(t *testing.T) {
	alloc := NewPositionAllocator()
	var batches []MessageBatch
	for i := 0; i < 10; i++ {
		batches = append(batches, makeBatch(alloc, BatchUserRequest, "question", "answer"))
	}

	c := NewCompressor(Truncate(5))
	result, err := c.Compress(context.Background(), CompressInput{Batches: batches, MessageCap: 5})
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	// Covering 5 messages with 2-message batches needs 3 batches (6
	// messages), never fewer.
	if got := totalMessages(result.Active); got != 6 {
		t.Errorf("active messages = %d, want 6", got)
	}
	if got := totalMessages(result.Archived); got != 14 {
		t.Errorf("archived messages = %d, want 14", got)
	}
	if result.Metadata.StrategyUsed != "truncate" {
		t.Errorf("strategy = %q", result.Metadata.StrategyUsed)
	}
	if result.Metadata.OriginalCount != 20 {
		t.Errorf("original = %d", result.Metadata.OriginalCount)
	}

	// Order preserved on both sides, and counts conserved.
	assertAscending(t, result.Active)
	assertAscending(t, result.Archived)
	if totalMessages(result.Active)+totalMessages(result.Archived) != 20 {
		t.Error("message count not conserved")
	}
}

func assertAscending(t *testing.T, batches []MessageBatch) {
	t.Helper()
	for i := 1; i < len(batches); i++ {
		if batches[i-1].ID >= batches[i].ID {
			t.Fatalf("batch order broken at %d", i)
		}
	}
}

func TestCompressIncompleteBatchNeverArchived(t *testing.T) {
	alloc := NewPositionAllocator()
	open := NewBatch(BatchUserRequest)
	open.Append(UserMessage("pending"), alloc)
	open.Append(AssistantToolCalls(ToolCall{ID: "c1", Name: "x", Args: []byte(`{}`)}), alloc)

	batches := []MessageBatch{*open}
	c := NewCompressor(Truncate(1))
	result, err := c.Compress(context.Background(), CompressInput{Batches: batches, MessageCap: 1})
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(result.Archived) != 0 {
		t.Error("incomplete batch was archived")
	}
	if len(result.Active) != 1 {
		t.Error("incomplete batch missing from active")
	}
}

func TestCompressAtLeastOneRule(t *testing.T) {
	alloc := NewPositionAllocator()
	old := makeBatch(alloc, BatchUserRequest, "ancient", "history")
	old.Messages[0].CreatedAt = time.Now().Add(-48 * time.Hour)

	c := NewCompressor(TimeDecay(time.Hour, 0))
	result, err := c.Compress(context.Background(), CompressInput{Batches: []MessageBatch{old}, MessageCap: 1})
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(result.Active) == 0 {
		t.Error("active empty for non-empty input")
	}
}

func TestTimeDecayArchivesOldCompleteBatches(t *testing.T) {
	alloc := NewPositionAllocator()
	old := makeBatch(alloc, BatchUserRequest, "old q", "old a")
	for i := range old.Messages {
		old.Messages[i].CreatedAt = time.Now().Add(-3 * time.Hour)
	}
	fresh := makeBatch(alloc, BatchUserRequest, "new q", "new a")

	c := NewCompressor(TimeDecay(time.Hour, 2))
	result, err := c.Compress(context.Background(), CompressInput{
		Batches:    []MessageBatch{old, fresh},
		MessageCap: 2,
	})
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if totalMessages(result.Archived) != 2 {
		t.Errorf("archived = %d messages, want the old batch", totalMessages(result.Archived))
	}
	if result.Metadata.StrategyUsed != "time_decay" {
		t.Errorf("strategy = %q", result.Metadata.StrategyUsed)
	}
}

func TestImportanceBasedKeepsRecentAndScored(t *testing.T) {
	alloc := NewPositionAllocator()
	batches := []MessageBatch{
		makeBatch(alloc, BatchUserRequest, "filler", "filler"),
		makeBatch(alloc, BatchUserRequest, "remember this is critical and important", "noted, this is important"),
		makeBatch(alloc, BatchUserRequest, "more filler", "ok"),
		makeBatch(alloc, BatchUserRequest, "latest question", "latest answer"),
	}

	c := NewCompressor(ImportanceBased(2, 2))
	result, err := c.Compress(context.Background(), CompressInput{Batches: batches, MessageCap: 4})
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	// The newest batch stays via keep-recent; the keyword-heavy batch
	// stays via scoring.
	keptKeyword := false
	keptLatest := false
	for _, b := range result.Active {
		text := b.Messages[0].Content.PlainText()
		if strings.Contains(text, "critical") {
			keptKeyword = true
		}
		if strings.Contains(text, "latest") {
			keptLatest = true
		}
	}
	if !keptLatest {
		t.Error("newest batch not kept")
	}
	if !keptKeyword {
		t.Error("high-importance batch not kept")
	}
	assertAscending(t, result.Active)
}

// summarizeProvider records the system sections of each call and returns
// numbered summaries.
type summarizeProvider struct {
	scriptProvider
	systems [][]string
}

func (p *summarizeProvider) Complete(ctx context.Context, opts ResponseOptions, req Request) (Response, error) {
	p.mu.Lock()
	p.systems = append(p.systems, req.System)
	n := len(p.systems)
	p.mu.Unlock()
	return Response{Content: "summary-" + string(rune('0'+n))}, nil
}

func TestRecursiveSummarizationBuildsOnPriorSummary(t *testing.T) {
	alloc := NewPositionAllocator()
	var batches []MessageBatch
	for i := 0; i < 6; i++ {
		batches = append(batches, makeBatch(alloc, BatchUserRequest, "question text here", "answer text here"))
	}

	provider := &summarizeProvider{}
	// ChunkSize 8 archives at least four two-message batches.
	c := NewCompressor(
		CompressionStrategy{
			Kind:               StrategyRecursiveSummarization,
			ChunkSize:          8,
			SummarizationModel: "tiny-window-model",
		},
		WithCompressorProvider(provider),
	)
	// The unknown model id falls back to the default 32,768-token window,
	// so the four archived batches fit one summarization window.
	result, err := c.Compress(context.Background(), CompressInput{
		Batches:         batches,
		MessageCap:      4,
		ExistingSummary: "S0",
	})
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	if result.Summary == "" || result.Summary == "S0" {
		t.Errorf("summary = %q, want a fresh running summary", result.Summary)
	}
	if len(provider.systems) == 0 {
		t.Fatal("summarization provider never invoked")
	}
	// The first call must carry the prior summary.
	first := strings.Join(provider.systems[0], "\n")
	if !strings.Contains(first, "S0") {
		t.Errorf("first summarization call missing prior summary:\n%s", first)
	}
	if result.Metadata.StrategyUsed != "recursive_summarization" {
		t.Errorf("strategy = %q", result.Metadata.StrategyUsed)
	}
	if totalMessages(result.Active) == 0 {
		t.Error("at-least-one rule violated")
	}
}

func TestCompressSlackBoundUnderTokenCap(t *testing.T) {
	alloc := NewPositionAllocator()
	var batches []MessageBatch
	long := strings.Repeat("lorem ipsum dolor sit amet ", 40)
	for i := 0; i < 8; i++ {
		batches = append(batches, makeBatch(alloc, BatchUserRequest, long, long))
	}

	c := NewCompressor(Truncate(12))
	tokenCap := 2000
	result, err := c.Compress(context.Background(), CompressInput{
		Batches:    batches,
		MessageCap: 12,
		TokenCap:   tokenCap,
	})
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	counter := HeuristicTokenCounter()
	budget := tokenCap * 2 / 3
	if got := batchesTokens(counter, result.Active); got > budget && len(result.Active) > 1 {
		t.Errorf("active window %d tokens exceeds slack budget %d", got, budget)
	}
}
