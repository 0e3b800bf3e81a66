package numina

import (
	"strings"
	"sync"
)

// modelDefaults is one registry entry: the authoritative metadata for a
// known model id.
type modelDefaults struct {
	contextWindow       int
	maxOutputTokens     int
	capabilities        []ModelCapability
	costPer1kPrompt     float64
	costPer1kCompletion float64
}

var modelDefaultsOnce = sync.OnceValue(initModelDefaults)

func initModelDefaults() map[string]modelDefaults {
	toolUse := []ModelCapability{CapTextGeneration, CapFunctionCalling, CapSystemPrompt}
	full := append(append([]ModelCapability{}, toolUse...), CapLongContext, CapVisionInput, CapExtendedThinking)

	return map[string]modelDefaults{
		// Anthropic
		"claude-opus-4": {
			contextWindow: 200_000, maxOutputTokens: 32_000,
			capabilities:    full,
			costPer1kPrompt: 0.015, costPer1kCompletion: 0.075,
		},
		"claude-sonnet-4": {
			contextWindow: 200_000, maxOutputTokens: 64_000,
			capabilities:    full,
			costPer1kPrompt: 0.003, costPer1kCompletion: 0.015,
		},
		"claude-3-5-haiku": {
			contextWindow: 200_000, maxOutputTokens: 8_192,
			capabilities:    append(append([]ModelCapability{}, toolUse...), CapLongContext, CapVisionInput),
			costPer1kPrompt: 0.0008, costPer1kCompletion: 0.004,
		},
		// OpenAI
		"gpt-4o": {
			contextWindow: 128_000, maxOutputTokens: 16_384,
			capabilities:    append(append([]ModelCapability{}, toolUse...), CapLongContext, CapVisionInput, CapJSONMode),
			costPer1kPrompt: 0.0025, costPer1kCompletion: 0.01,
		},
		"gpt-4o-mini": {
			contextWindow: 128_000, maxOutputTokens: 16_384,
			capabilities:    append(append([]ModelCapability{}, toolUse...), CapLongContext, CapVisionInput, CapJSONMode),
			costPer1kPrompt: 0.00015, costPer1kCompletion: 0.0006,
		},
		"o3": {
			contextWindow: 200_000, maxOutputTokens: 100_000,
			capabilities:    append(append([]ModelCapability{}, toolUse...), CapLongContext, CapExtendedThinking, CapJSONMode),
			costPer1kPrompt: 0.002, costPer1kCompletion: 0.008,
		},
		// Google
		"gemini-2.5-pro": {
			contextWindow: 1_048_576, maxOutputTokens: 65_536,
			capabilities:    append(append([]ModelCapability{}, toolUse...), CapLongContext, CapVisionInput, CapExtendedThinking, CapJSONMode),
			costPer1kPrompt: 0.00125, costPer1kCompletion: 0.01,
		},
		"gemini-2.5-flash": {
			contextWindow: 1_048_576, maxOutputTokens: 65_536,
			capabilities:    append(append([]ModelCapability{}, toolUse...), CapLongContext, CapVisionInput, CapJSONMode),
			costPer1kPrompt: 0.0003, costPer1kCompletion: 0.0025,
		},
	}
}

// providerFamilyDefaults returns conservative fallbacks when a model id is
// entirely unknown to the registry.
func providerFamilyDefaults(provider string) modelDefaults {
	base := []ModelCapability{CapTextGeneration, CapFunctionCalling, CapSystemPrompt}
	switch strings.ToLower(provider) {
	case "anthropic":
		return modelDefaults{contextWindow: 200_000, maxOutputTokens: 8_192, capabilities: append(base, CapLongContext)}
	case "openai":
		return modelDefaults{contextWindow: 128_000, maxOutputTokens: 16_384, capabilities: append(base, CapJSONMode)}
	case "gemini", "google":
		return modelDefaults{contextWindow: 1_048_576, maxOutputTokens: 8_192, capabilities: append(base, CapLongContext)}
	default:
		return modelDefaults{contextWindow: 32_768, maxOutputTokens: 4_096, capabilities: base}
	}
}

// EnhanceModelInfo fills gaps in provider-reported metadata from the static
// registry: exact id match first, then substring match, then provider-family
// defaults. Registry capability flags always win; windows, output caps and
// costs are only filled when the provider left them unset.
func EnhanceModelInfo(info ModelInfo) ModelInfo {
	registry := modelDefaultsOnce()

	d, ok := registry[info.ID]
	if !ok {
		// Substring fallback: dated or suffixed ids ("claude-sonnet-4-20250514")
		// resolve to their family entry. Longest key wins.
		bestLen := 0
		for key, entry := range registry {
			if strings.Contains(info.ID, key) && len(key) > bestLen {
				d, ok, bestLen = entry, true, len(key)
			}
		}
	}
	if !ok {
		d = providerFamilyDefaults(info.Provider)
	}

	if info.ContextWindow == 0 {
		info.ContextWindow = d.contextWindow
	}
	if info.MaxOutputTokens == 0 {
		info.MaxOutputTokens = d.maxOutputTokens
	}
	if len(d.capabilities) > 0 {
		info.Capabilities = append([]ModelCapability(nil), d.capabilities...)
	}
	if info.CostPer1kPrompt == 0 {
		info.CostPer1kPrompt = d.costPer1kPrompt
	}
	if info.CostPer1kCompletion == 0 {
		info.CostPer1kCompletion = d.costPer1kCompletion
	}
	return info
}

// CalculateMaxTokens resolves the output budget for a call: the user's
// request clamped to the model's cap, or the model's cap (falling back to a
// quarter of the context window) when the user did not ask.
func CalculateMaxTokens(info ModelInfo, userMax int) int {
	cap := info.MaxOutputTokens
	if cap == 0 {
		cap = info.ContextWindow / 4
	}
	if userMax > 0 && userMax < cap {
		return userMax
	}
	return cap
}

// EmbeddingDefaults carries the dimension and input cap for a known
// embedding model.
type EmbeddingDefaults struct {
	Dimensions     int
	MaxInputTokens int
}

var embeddingDefaultsOnce = sync.OnceValue(func() map[string]EmbeddingDefaults {
	return map[string]EmbeddingDefaults{
		"text-embedding-3-small": {Dimensions: 1536, MaxInputTokens: 8191},
		"text-embedding-3-large": {Dimensions: 3072, MaxInputTokens: 8191},
		"gemini-embedding-001":   {Dimensions: 3072, MaxInputTokens: 2048},
	}
})

// GetEmbeddingDefaults looks up defaults for an embedding model id, with
// the same substring fallback as the model registry.
func GetEmbeddingDefaults(modelID string) (EmbeddingDefaults, bool) {
	registry := embeddingDefaultsOnce()
	if d, ok := registry[modelID]; ok {
		return d, true
	}
	for key, d := range registry {
		if strings.Contains(modelID, key) {
			return d, true
		}
	}
	return EmbeddingDefaults{}, false
}
