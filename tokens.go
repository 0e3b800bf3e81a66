package numina

// TokenCounter estimates or counts tokens for prompt budgeting. The core
// ships a provider-agnostic heuristic; tokenizer/ provides an exact counter
// backed by tiktoken when the model's encoding is known.
type TokenCounter interface {
	CountTokens(text string) int
}

// heuristicCounter approximates ≈4 characters per token, which tracks
// closely enough across providers for budget decisions.
type heuristicCounter struct{}

func (heuristicCounter) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

// HeuristicTokenCounter returns the ≈4-chars-per-token estimator.
func HeuristicTokenCounter() TokenCounter { return heuristicCounter{} }

// EstimateTokens applies the heuristic counter to text.
func EstimateTokens(text string) int { return heuristicCounter{}.CountTokens(text) }

// messageTokens estimates a message's token footprint, covering text,
// parts, tool calls (name + arguments), and tool responses.
func messageTokens(counter TokenCounter, m Message) int {
	n := counter.CountTokens(m.Content.PlainText())
	for _, c := range m.Content.Calls() {
		n += counter.CountTokens(c.Name) + counter.CountTokens(string(c.Args))
	}
	for _, r := range m.Content.Responses() {
		n += counter.CountTokens(r.Content)
	}
	return n
}

// batchTokens estimates a batch's token footprint.
func batchTokens(counter TokenCounter, b MessageBatch) int {
	n := 0
	for _, m := range b.Messages {
		n += messageTokens(counter, m)
	}
	return n
}

// batchesTokens estimates a batch list's token footprint.
func batchesTokens(counter TokenCounter, batches []MessageBatch) int {
	n := 0
	for i := range batches {
		n += batchTokens(counter, batches[i])
	}
	return n
}
