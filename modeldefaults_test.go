package numina

import "testing"

func TestEnhanceModelInfoExactMatch(t *testing.T) {
	info := EnhanceModelInfo(ModelInfo{ID: "gpt-4o", Name: "gpt-4o", Provider: "openai"})
	if info.ContextWindow != 128_000 {
		t.Errorf("context window = %d", info.ContextWindow)
	}
	if info.MaxOutputTokens != 16_384 {
		t.Errorf("max output = %d", info.MaxOutputTokens)
	}
	if !info.HasCapability(CapFunctionCalling) || !info.HasCapability(CapJSONMode) {
		t.Errorf("capabilities = %v", info.Capabilities)
	}
	if info.CostPer1kPrompt == 0 {
		t.Error("prompt cost not filled")
	}
}

func TestEnhanceModelInfoSubstringFallback(t *testing.T) {
	info := EnhanceModelInfo(ModelInfo{ID: "claude-sonnet-4-20250514", Provider: "anthropic"})
	if info.ContextWindow != 200_000 {
		t.Errorf("context window = %d, want the claude-sonnet-4 entry", info.ContextWindow)
	}
	if !info.HasCapability(CapExtendedThinking) {
		t.Errorf("capabilities = %v", info.Capabilities)
	}
}

func TestEnhanceModelInfoProviderFamilyFallback(t *testing.T) {
	info := EnhanceModelInfo(ModelInfo{ID: "experimental-model-x", Provider: "anthropic"})
	if info.ContextWindow != 200_000 {
		t.Errorf("context window = %d, want anthropic family default", info.ContextWindow)
	}

	unknown := EnhanceModelInfo(ModelInfo{ID: "mystery", Provider: "nobody"})
	if unknown.ContextWindow != 32_768 {
		t.Errorf("unknown family window = %d", unknown.ContextWindow)
	}
}

func TestEnhanceModelInfoKeepsProviderValues(t *testing.T) {
	info := EnhanceModelInfo(ModelInfo{ID: "mystery", Provider: "nobody", ContextWindow: 9999})
	if info.ContextWindow != 9999 {
		t.Errorf("provider-supplied window overwritten: %d", info.ContextWindow)
	}
}

func TestCalculateMaxTokens(t *testing.T) {
	model := ModelInfo{ContextWindow: 100_000, MaxOutputTokens: 8_000}
	if got := CalculateMaxTokens(model, 0); got != 8_000 {
		t.Errorf("no user max = %d", got)
	}
	if got := CalculateMaxTokens(model, 2_000); got != 2_000 {
		t.Errorf("user max = %d", got)
	}
	if got := CalculateMaxTokens(model, 50_000); got != 8_000 {
		t.Errorf("clamped = %d", got)
	}

	uncapped := ModelInfo{ContextWindow: 100_000}
	if got := CalculateMaxTokens(uncapped, 0); got != 25_000 {
		t.Errorf("quarter-window fallback = %d", got)
	}
}

func TestEmbeddingDefaults(t *testing.T) {
	d, ok := GetEmbeddingDefaults("text-embedding-3-small")
	if !ok || d.Dimensions != 1536 {
		t.Errorf("defaults = %+v, %v", d, ok)
	}
	if _, ok := GetEmbeddingDefaults("no-such-embedding"); ok {
		t.Error("unknown embedding resolved")
	}
}
