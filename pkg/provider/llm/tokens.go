package llm

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// perMessageOverhead approximates the role and separator tokens the chat
// format adds around every message.
const perMessageOverhead = 4

// fallbackEncoding is used for models tiktoken does not know, which includes
// every non-OpenAI model. Counts for those are estimates.
const fallbackEncoding = "cl100k_base"

var (
	encMu    sync.Mutex
	encCache = map[string]*tiktoken.Tiktoken{}
)

// encodingFor returns the BPE encoding for model, or nil when no encoding can
// be loaded (e.g. the BPE files cannot be fetched).
func encodingFor(model string) *tiktoken.Tiktoken {
	encMu.Lock()
	defer encMu.Unlock()

	if enc, ok := encCache[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		slog.Warn("llm: tokenizer unavailable, using character estimate", "model", model, "err", err)
		enc = nil
	}
	encCache[model] = enc
	return enc
}

// CountMessageTokens counts the tokens messages occupy for model using a BPE
// tokenizer, falling back to a four-characters-per-token estimate.
func CountMessageTokens(model string, messages []Message) int {
	enc := encodingFor(model)
	total := 3 // every reply is primed with an assistant header
	for _, m := range messages {
		total += perMessageOverhead
		if enc != nil {
			total += len(enc.Encode(m.Content, nil, nil))
			continue
		}
		total += (len(m.Content) + 3) / 4
	}
	return total
}
