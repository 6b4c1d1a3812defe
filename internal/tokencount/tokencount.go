// Package tokencount gives every package that needs a pre-flight token
// estimate (Kiro's usage block before the upstream reports its own totals,
// a future context-length guard in any OpenAI-family adapter) one shared
// tiktoken-backed counter instead of each keeping its own encoding cache.
package tokencount

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// modelEncoding picks the tiktoken encoding for a model name, matching on
// prefix since model identifiers routinely carry a date or size suffix the
// encoding doesn't care about (gpt-4o-2024-08-06, gpt-4o-mini, ...).
var modelEncoding = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", "o200k_base"},
	{"o1", "o200k_base"},
	{"o3", "o200k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5", "cl100k_base"},
}

const defaultEncoding = "cl100k_base"

func encodingForModel(model string) string {
	for _, m := range modelEncoding {
		if strings.HasPrefix(model, m.prefix) {
			return m.encoding
		}
	}
	return defaultEncoding
}

var (
	mu    sync.Mutex
	cache = map[string]*tiktoken.Tiktoken{}
)

func encoderFor(encoding string) *tiktoken.Tiktoken {
	mu.Lock()
	defer mu.Unlock()
	if enc, ok := cache[encoding]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		cache[encoding] = nil
		return nil
	}
	cache[encoding] = enc
	return enc
}

// Count estimates the token length of text under the default cl100k_base
// encoding, falling back to a byte/4 heuristic if the vocabulary couldn't
// be loaded. Kiro has no tokenizer of its own to ask, and cl100k_base is
// close enough to Claude's real tokenizer for the estimates Kiro's usage
// block is built from.
func Count(text string) int64 {
	return CountForModel("", text)
}

// CountForModel estimates text's token length under the encoding
// appropriate for model. An empty or unrecognized model falls back to
// cl100k_base.
func CountForModel(model, text string) int64 {
	if text == "" {
		return 0
	}
	enc := encoderFor(encodingForModel(model))
	if enc == nil {
		return int64(len(text)) / 4
	}
	return int64(len(enc.Encode(text, nil, nil)))
}
