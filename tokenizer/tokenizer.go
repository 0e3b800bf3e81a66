// Package tokenizer provides exact token counting backed by tiktoken for
// models whose encoding is known, satisfying the core's TokenCounter. The
// core's heuristic stays the fallback when no encoding resolves.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/scarnecchia/numina"
)

// Counter counts tokens with a model-specific encoding. Safe for
// concurrent use.
type Counter struct {
	encoding *tiktoken.Tiktoken
}

var (
	// Encodings are expensive to build; cache them per name.
	cacheMu       sync.Mutex
	encodingCache = make(map[string]*tiktoken.Tiktoken)
)

// ForModel builds a counter for the model id, falling back to the
// cl100k_base encoding when the model is unknown. An error means no
// encoding could be loaded at all; callers then keep the core heuristic.
func ForModel(model string) (*Counter, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if enc, ok := encodingCache[model]; ok {
		return &Counter{encoding: enc}, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	encodingCache[model] = enc
	return &Counter{encoding: enc}, nil
}

// CountTokens implements numina.TokenCounter.
func (c *Counter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// ForModelOrHeuristic returns the exact counter when available, else the
// core heuristic. Convenient for wiring:
//
//	builder := numina.NewContextBuilder(tokenizer.ForModelOrHeuristic("gpt-4o"))
func ForModelOrHeuristic(model string) numina.TokenCounter {
	if c, err := ForModel(model); err == nil {
		return c
	}
	return numina.HeuristicTokenCounter()
}

var _ numina.TokenCounter = (*Counter)(nil)
