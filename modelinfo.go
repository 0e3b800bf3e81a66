package numina

// ModelCapability is a feature flag a model supports. The static defaults
// registry is the source of truth for these; provider-reported metadata is
// enriched, never trusted alone.
type ModelCapability string

const (
	CapTextGeneration   ModelCapability = "text_generation"
	CapFunctionCalling  ModelCapability = "function_calling"
	CapSystemPrompt     ModelCapability = "system_prompt"
	CapLongContext      ModelCapability = "long_context"
	CapVisionInput      ModelCapability = "vision_input"
	CapExtendedThinking ModelCapability = "extended_thinking"
	CapJSONMode         ModelCapability = "json_mode"
)

// ModelInfo is provider-reported model metadata, enriched from the static
// defaults registry before use.
type ModelInfo struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Provider            string            `json:"provider"`
	ContextWindow       int               `json:"context_window"`
	MaxOutputTokens     int               `json:"max_output_tokens,omitempty"`
	Capabilities        []ModelCapability `json:"capabilities,omitempty"`
	CostPer1kPrompt     float64           `json:"cost_per_1k_prompt,omitempty"`
	CostPer1kCompletion float64           `json:"cost_per_1k_completion,omitempty"`
}

// HasCapability reports whether the model carries the flag.
func (m ModelInfo) HasCapability(c ModelCapability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Usage tracks token consumption across model calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ResponseOptions configures one completion call.
type ResponseOptions struct {
	Model       ModelInfo
	MaxTokens   int
	Temperature float64
}

// NewResponseOptions builds options for the given (already enriched) model.
func NewResponseOptions(model ModelInfo) ResponseOptions {
	return ResponseOptions{Model: model}
}
