package numina

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CompressionStrategyKind names a batch-compression strategy.
type CompressionStrategyKind string

const (
	StrategyTruncate               CompressionStrategyKind = "truncate"
	StrategyRecursiveSummarization CompressionStrategyKind = "recursive_summarization"
	StrategyImportanceBased        CompressionStrategyKind = "importance_based"
	StrategyTimeDecay              CompressionStrategyKind = "time_decay"
)

// CompressionStrategy selects and parameterizes how batches are reduced.
// Only the fields for Kind are meaningful.
type CompressionStrategy struct {
	Kind CompressionStrategyKind `json:"kind"`

	// Truncate / ImportanceBased / TimeDecay.
	KeepRecent    int `json:"keep_recent,omitempty"`
	KeepImportant int `json:"keep_important,omitempty"`
	MinKeepRecent int `json:"min_keep_recent,omitempty"`

	// RecursiveSummarization.
	ChunkSize          int    `json:"chunk_size,omitempty"`
	SummarizationModel string `json:"summarization_model,omitempty"`
	Prompt             string `json:"prompt,omitempty"`

	// TimeDecay.
	CompressAfter time.Duration `json:"compress_after,omitempty"`
}

// Truncate keeps batches covering the most recent keepRecent messages.
func Truncate(keepRecent int) CompressionStrategy {
	return CompressionStrategy{Kind: StrategyTruncate, KeepRecent: keepRecent}
}

// RecursiveSummarization archives the oldest batches and folds them into a
// running summary produced by the named model.
func RecursiveSummarization(chunkSize int, model string) CompressionStrategy {
	return CompressionStrategy{Kind: StrategyRecursiveSummarization, ChunkSize: chunkSize, SummarizationModel: model}
}

// ImportanceBased keeps the most recent messages plus the highest-scoring
// older batches.
func ImportanceBased(keepRecent, keepImportant int) CompressionStrategy {
	return CompressionStrategy{Kind: StrategyImportanceBased, KeepRecent: keepRecent, KeepImportant: keepImportant}
}

// TimeDecay archives complete batches older than compressAfter, keeping at
// least minKeepRecent messages.
func TimeDecay(compressAfter time.Duration, minKeepRecent int) CompressionStrategy {
	return CompressionStrategy{Kind: StrategyTimeDecay, CompressAfter: compressAfter, MinKeepRecent: minKeepRecent}
}

// CompressionMetadata records what a compression pass did.
type CompressionMetadata struct {
	StrategyUsed         string    `json:"strategy_used"`
	OriginalCount        int       `json:"original_count"`
	CompressedCount      int       `json:"compressed_count"`
	ArchivedCount        int       `json:"archived_count"`
	CompressedAt         time.Time `json:"compressed_at"`
	EstimatedTokensSaved int       `json:"estimated_tokens_saved"`
}

// CompressionResult is the outcome of one Compress call. Active and
// archived batches each preserve ascending id order; no incomplete batch is
// ever archived; message counts are conserved.
type CompressionResult struct {
	Active   []MessageBatch
	Archived []MessageBatch
	// Summary is the running archive summary, present only when the
	// strategy produces one. It feeds the next compression as the
	// existing summary.
	Summary  string
	Metadata CompressionMetadata
}

// ImportanceScoringConfig weights the heuristic message scorer.
type ImportanceScoringConfig struct {
	SystemWeight        float64  `json:"system_weight"`
	AssistantWeight     float64  `json:"assistant_weight"`
	UserWeight          float64  `json:"user_weight"`
	OtherWeight         float64  `json:"other_weight"`
	RecencyBonus        float64  `json:"recency_bonus"`
	ContentLengthWeight float64  `json:"content_length_weight"`
	QuestionBonus       float64  `json:"question_bonus"`
	ToolCallBonus       float64  `json:"tool_call_bonus"`
	ImportantKeywords   []string `json:"important_keywords"`
	KeywordBonus        float64  `json:"keyword_bonus"`
}

// DefaultScoringConfig returns the standard weights.
func DefaultScoringConfig() ImportanceScoringConfig {
	return ImportanceScoringConfig{
		SystemWeight:        10.0,
		AssistantWeight:     3.0,
		UserWeight:          5.0,
		OtherWeight:         1.0,
		RecencyBonus:        5.0,
		ContentLengthWeight: 1.0,
		QuestionBonus:       2.0,
		ToolCallBonus:       4.0,
		ImportantKeywords:   []string{"important", "remember", "critical", "always", "never"},
		KeywordBonus:        1.5,
	}
}

// summaryPromptOverhead reserves room for the summarization instruction
// when sizing summary windows against the model's context.
const summaryPromptOverhead = 500

// activeWindowNum/activeWindowDen bound the active window after a reduction: at most
// two thirds of the token budget remaining under the cap, leaving slack for
// the next turn's user input.
const (
	activeWindowNum = 2
	activeWindowDen = 3
)

// Compressor reduces batch lists under message and token budgets.
type Compressor struct {
	strategy CompressionStrategy
	provider Provider
	scoring  ImportanceScoringConfig
	counter  TokenCounter
	logger   *slog.Logger
	now      func() time.Time
}

// CompressorOption configures a Compressor.
type CompressorOption func(*Compressor)

// WithCompressorProvider supplies the model provider used for recursive
// summarization and LLM importance scoring.
func WithCompressorProvider(p Provider) CompressorOption {
	return func(c *Compressor) { c.provider = p }
}

// WithScoringConfig overrides the importance-scoring weights.
func WithScoringConfig(cfg ImportanceScoringConfig) CompressorOption {
	return func(c *Compressor) { c.scoring = cfg }
}

// WithCompressorCounter overrides the token counter.
func WithCompressorCounter(counter TokenCounter) CompressorOption {
	return func(c *Compressor) { c.counter = counter }
}

// WithCompressorLogger sets the structured logger.
func WithCompressorLogger(l *slog.Logger) CompressorOption {
	return func(c *Compressor) { c.logger = l }
}

// NewCompressor builds a compressor for the given strategy.
func NewCompressor(strategy CompressionStrategy, opts ...CompressorOption) *Compressor {
	c := &Compressor{
		strategy: strategy,
		scoring:  DefaultScoringConfig(),
		counter:  HeuristicTokenCounter(),
		logger:   nopLogger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CompressInput carries one Compress call's budgets and carried-forward
// state.
type CompressInput struct {
	Batches []MessageBatch
	// MessageCap is the maximum total messages in the active window.
	MessageCap int
	// TokenCap, when positive, bounds system + active-window tokens.
	TokenCap int
	// SystemTokens is the current system-prompt footprint, counted against
	// TokenCap.
	SystemTokens int
	// ExistingSummary is the running archive summary from the previous
	// compression, folded into the next one.
	ExistingSummary string
}

// withinLimits reports whether the batches already satisfy the caps.
func (c *Compressor) withinLimits(in CompressInput, batches []MessageBatch) bool {
	if totalMessages(batches) > in.MessageCap {
		return false
	}
	if in.TokenCap > 0 && in.SystemTokens+batchesTokens(c.counter, batches) > in.TokenCap {
		return false
	}
	return true
}

// Compress reduces in.Batches under the caps. A compliant input comes back
// untouched with StrategyUsed "none". Otherwise the configured strategy
// splits the input into active and archived batches, preserving order,
// batch atomicity, and the at-least-one rule. After any reduction the
// active window stays under two thirds of the remaining token budget.
func (c *Compressor) Compress(ctx context.Context, in CompressInput) (CompressionResult, error) {
	original := totalMessages(in.Batches)

	if c.withinLimits(in, in.Batches) {
		return CompressionResult{
			Active:  in.Batches,
			Summary: in.ExistingSummary,
			Metadata: CompressionMetadata{
				StrategyUsed:  "none",
				OriginalCount: original,
				CompressedCount: original,
				CompressedAt:  c.now().UTC(),
			},
		}, nil
	}

	var (
		result CompressionResult
		err    error
	)
	switch c.strategy.Kind {
	case StrategyRecursiveSummarization:
		result, err = c.recursiveSummarization(ctx, in)
	case StrategyImportanceBased:
		result, err = c.importanceBased(ctx, in)
	case StrategyTimeDecay:
		result = c.timeDecay(in)
	default:
		result = c.truncate(in)
	}
	if err != nil {
		return CompressionResult{}, err
	}

	// Enforce the post-reduction slack bound: the active window must not
	// exceed two thirds of the budget left under the token cap.
	if in.TokenCap > 0 {
		slackBudget := (in.TokenCap - in.SystemTokens) * activeWindowNum / activeWindowDen
		for len(result.Active) > 1 && batchesTokens(c.counter, result.Active) > slackBudget {
			moved := result.Active[0]
			if !moved.Complete && !moved.IsComplete() {
				break
			}
			result.Active = result.Active[1:]
			result.Archived = append(result.Archived, moved)
			result.Metadata.ArchivedCount += moved.Len()
			result.Metadata.CompressedCount -= moved.Len()
		}
	}

	result.Metadata.OriginalCount = original
	result.Metadata.CompressedAt = c.now().UTC()
	c.logger.Info("history compressed",
		"strategy", result.Metadata.StrategyUsed,
		"original", original,
		"active", totalMessages(result.Active),
		"archived", totalMessages(result.Archived))
	return result, nil
}

// splitAt partitions batches at index i into (archived, active), then
// walks incomplete batches back into the active side and applies the
// at-least-one rule.
func splitAt(batches []MessageBatch, i int) (active, archived []MessageBatch) {
	archived = append(archived, batches[:i]...)
	active = append(active, batches[i:]...)

	// Incomplete batches never archive: move them (in order) back to
	// active. Order within each side stays ascending because batches only
	// move between contiguous ordered slices.
	var archivable []MessageBatch
	for _, b := range archived {
		if b.Complete || b.IsComplete() {
			archivable = append(archivable, b)
		} else {
			active = append(active, b)
		}
	}
	archived = archivable
	sortBatches(active)

	// At-least-one: when everything archived, pull the newest archival
	// candidate back.
	if len(active) == 0 && len(archived) > 0 {
		last := archived[len(archived)-1]
		archived = archived[:len(archived)-1]
		active = append(active, last)
	}
	return active, archived
}

func sortBatches(batches []MessageBatch) {
	sort.SliceStable(batches, func(i, j int) bool { return batches[i].ID < batches[j].ID })
}

// truncate keeps, newest backward, batches until KeepRecent messages are
// covered, and archives the rest.
func (c *Compressor) truncate(in CompressInput) CompressionResult {
	keep := c.strategy.KeepRecent
	if keep <= 0 {
		keep = in.MessageCap
	}

	covered := 0
	cut := len(in.Batches)
	for i := len(in.Batches) - 1; i >= 0; i-- {
		covered += in.Batches[i].Len()
		cut = i
		if covered >= keep {
			break
		}
	}

	active, archived := splitAt(in.Batches, cut)
	return CompressionResult{
		Active:   active,
		Archived: archived,
		Summary:  in.ExistingSummary,
		Metadata: CompressionMetadata{
			StrategyUsed:         string(StrategyTruncate),
			CompressedCount:      totalMessages(active),
			ArchivedCount:        totalMessages(archived),
			EstimatedTokensSaved: batchesTokens(c.counter, archived),
		},
	}
}

// recursiveSummarization archives the oldest batches (at least ChunkSize
// messages, or enough to restore the caps) and folds them into a running
// summary via the provider, window by window.
func (c *Compressor) recursiveSummarization(ctx context.Context, in CompressInput) (CompressionResult, error) {
	chunk := c.strategy.ChunkSize
	if chunk <= 0 {
		chunk = 20
	}

	// Archive forward from the oldest batch until the chunk is covered and
	// the remainder satisfies the caps.
	cut := 0
	removed := 0
	for cut < len(in.Batches)-1 {
		if removed >= chunk && c.withinLimits(in, in.Batches[cut:]) {
			break
		}
		removed += in.Batches[cut].Len()
		cut++
	}

	active, archived := splitAt(in.Batches, cut)
	result := CompressionResult{
		Active:   active,
		Archived: archived,
		Summary:  in.ExistingSummary,
		Metadata: CompressionMetadata{
			StrategyUsed:         string(StrategyRecursiveSummarization),
			CompressedCount:      totalMessages(active),
			ArchivedCount:        totalMessages(archived),
			EstimatedTokensSaved: batchesTokens(c.counter, archived),
		},
	}

	if len(archived) == 0 || c.provider == nil {
		return result, nil
	}

	summary, err := c.summarizeArchived(ctx, archived, in.ExistingSummary)
	if err != nil {
		// Degrade: archive without a new summary rather than fail the turn.
		c.logger.Warn("summarization failed, archiving without summary", "error", err)
		return result, nil
	}
	result.Summary = summary
	return result, nil
}

// summarizeArchived folds archived batches into the running summary in
// windows bounded by the summarization model's context.
func (c *Compressor) summarizeArchived(ctx context.Context, archived []MessageBatch, prior string) (string, error) {
	model := EnhanceModelInfo(ModelInfo{ID: c.strategy.SummarizationModel, Name: c.strategy.SummarizationModel})
	window := model.ContextWindow - summaryPromptOverhead

	instruction := c.strategy.Prompt
	if instruction == "" {
		instruction = "Summarize the conversation so far, building on the existing summary when one is given. " +
			"Preserve key facts, decisions, open questions, and tool results. Be concise."
	}

	summary := prior
	var windowBatches []MessageBatch
	windowTokens := 0

	flush := func() error {
		if len(windowBatches) == 0 {
			return nil
		}
		next, err := c.summarizeWindow(ctx, model, instruction, summary, windowBatches)
		if err != nil {
			return err
		}
		summary = next
		windowBatches = nil
		windowTokens = 0
		return nil
	}

	for _, b := range archived {
		t := batchTokens(c.counter, b)
		budget := window - c.counter.CountTokens(summary)
		if len(windowBatches) > 0 && windowTokens+t > budget {
			if err := flush(); err != nil {
				return "", err
			}
		}
		windowBatches = append(windowBatches, b)
		windowTokens += t
	}
	if err := flush(); err != nil {
		return "", err
	}
	return summary, nil
}

func (c *Compressor) summarizeWindow(ctx context.Context, model ModelInfo, instruction, prior string, batches []MessageBatch) (string, error) {
	system := []string{instruction}
	if prior != "" {
		system = append(system, "Existing summary:\n"+prior)
	}

	var messages []Message
	for i := range batches {
		messages = append(messages, batches[i].Messages...)
	}

	opts := NewResponseOptions(model)
	opts.MaxTokens = CalculateMaxTokens(model, 1024)
	resp, err := c.provider.Complete(ctx, opts, Request{System: system, Messages: messages})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// importanceBased keeps the batches covering the last KeepRecent messages,
// then the highest-scoring older batches until KeepImportant messages are
// covered, and archives the rest.
func (c *Compressor) importanceBased(ctx context.Context, in CompressInput) (CompressionResult, error) {
	keepRecent := c.strategy.KeepRecent
	keepImportant := c.strategy.KeepImportant

	// Recent boundary, newest backward.
	covered := 0
	recentFrom := len(in.Batches)
	for i := len(in.Batches) - 1; i >= 0; i-- {
		if covered >= keepRecent {
			break
		}
		covered += in.Batches[i].Len()
		recentFrom = i
	}

	older := in.Batches[:recentFrom]
	recent := in.Batches[recentFrom:]

	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, len(older))
	total := totalMessages(in.Batches)
	seen := 0
	for i := range older {
		sum := 0.0
		for _, m := range older[i].Messages {
			sum += c.scoreMessage(ctx, m, seen, total)
			seen++
		}
		avg := 0.0
		if older[i].Len() > 0 {
			avg = sum / float64(older[i].Len())
		}
		scores[i] = scored{idx: i, score: avg}
	}
	sort.SliceStable(scores, func(a, b int) bool { return scores[a].score > scores[b].score })

	keepIdx := make(map[int]bool)
	importantCovered := 0
	for _, s := range scores {
		if importantCovered >= keepImportant {
			break
		}
		keepIdx[s.idx] = true
		importantCovered += older[s.idx].Len()
	}

	var active, archived []MessageBatch
	for i := range older {
		if keepIdx[i] || !(older[i].Complete || older[i].IsComplete()) {
			active = append(active, older[i])
		} else {
			archived = append(archived, older[i])
		}
	}
	active = append(active, recent...)
	sortBatches(active)

	if len(active) == 0 && len(archived) > 0 {
		last := archived[len(archived)-1]
		archived = archived[:len(archived)-1]
		active = append(active, last)
	}

	return CompressionResult{
		Active:   active,
		Archived: archived,
		Summary:  in.ExistingSummary,
		Metadata: CompressionMetadata{
			StrategyUsed:         string(StrategyImportanceBased),
			CompressedCount:      totalMessages(active),
			ArchivedCount:        totalMessages(archived),
			EstimatedTokensSaved: batchesTokens(c.counter, archived),
		},
	}, nil
}

// scoreMessage scores via the provider when configured, falling back to
// the heuristic on any failure.
func (c *Compressor) scoreMessage(ctx context.Context, m Message, idx, total int) float64 {
	if c.provider != nil {
		if score, err := c.scoreWithLLM(ctx, m); err == nil {
			return score
		}
	}
	return c.scoreHeuristic(m, idx, total)
}

func (c *Compressor) scoreHeuristic(m Message, idx, total int) float64 {
	cfg := c.scoring
	var score float64
	switch m.Role {
	case RoleSystem:
		score += cfg.SystemWeight
	case RoleAssistant:
		score += cfg.AssistantWeight
	case RoleUser:
		score += cfg.UserWeight
	default:
		score += cfg.OtherWeight
	}

	if total > 0 {
		score += float64(idx) / float64(total) * cfg.RecencyBonus
	}

	if text := m.Content.PlainText(); text != "" {
		lengthFactor := float64(len(text)) / 100.0
		if lengthFactor > 3.0 {
			lengthFactor = 3.0
		}
		score += lengthFactor * cfg.ContentLengthWeight

		if strings.Contains(text, "?") {
			score += cfg.QuestionBonus
		}
		lower := strings.ToLower(text)
		for _, kw := range cfg.ImportantKeywords {
			if strings.Contains(lower, kw) {
				score += cfg.KeywordBonus
			}
		}
	}

	if m.HasToolCalls {
		score += cfg.ToolCallBonus
	}
	return score
}

func (c *Compressor) scoreWithLLM(ctx context.Context, m Message) (float64, error) {
	prompt := fmt.Sprintf(
		"Rate the importance of this message in a conversation on a scale of 0-10. "+
			"Consider information content, decisions made, questions asked, and future relevance.\n\n"+
			"Message role: %s\nMessage content: %s\n\nRespond with just a number between 0 and 10.",
		m.Role, m.Content.PlainText())

	model := EnhanceModelInfo(ModelInfo{ID: c.strategy.SummarizationModel, Name: c.strategy.SummarizationModel})
	opts := NewResponseOptions(model)
	opts.MaxTokens = 10
	opts.Temperature = 0.3
	resp, err := c.provider.Complete(ctx, opts, Request{
		System:   []string{"You are an expert at evaluating message importance."},
		Messages: []Message{UserMessage(prompt)},
	})
	if err != nil {
		return 0, err
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(resp.Content), 64)
	if err != nil {
		return 0, err
	}
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return score, nil
}

// timeDecay archives complete batches whose first message predates
// now − CompressAfter, subject to the min-keep-recent and at-least-one
// rules.
func (c *Compressor) timeDecay(in CompressInput) CompressionResult {
	cutoff := c.now().Add(-c.strategy.CompressAfter)
	minKeep := c.strategy.MinKeepRecent

	// Messages covered by the trailing batches that must stay regardless
	// of age.
	protectedFrom := len(in.Batches)
	covered := 0
	for i := len(in.Batches) - 1; i >= 0; i-- {
		if covered >= minKeep {
			break
		}
		covered += in.Batches[i].Len()
		protectedFrom = i
	}

	var active, archived []MessageBatch
	for i, b := range in.Batches {
		old := len(b.Messages) > 0 && b.Messages[0].CreatedAt.Before(cutoff)
		complete := b.Complete || b.IsComplete()
		if i < protectedFrom && old && complete {
			archived = append(archived, b)
		} else {
			active = append(active, b)
		}
	}

	if len(active) == 0 && len(archived) > 0 {
		last := archived[len(archived)-1]
		archived = archived[:len(archived)-1]
		active = append(active, last)
	}

	return CompressionResult{
		Active:   active,
		Archived: archived,
		Summary:  in.ExistingSummary,
		Metadata: CompressionMetadata{
			StrategyUsed:         string(StrategyTimeDecay),
			CompressedCount:      totalMessages(active),
			ArchivedCount:        totalMessages(archived),
			EstimatedTokensSaved: batchesTokens(c.counter, archived),
		},
	}
}
