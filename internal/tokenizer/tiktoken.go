package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/23skdu/longbow-lens/internal/metrics"
)

// Tiktoken wraps a tiktoken-go encoding for GPT-family models whose GGUF
// metadata carries no usable SentencePiece vocabulary.
type Tiktoken struct {
	enc  *tiktoken.Tiktoken
	name string
}

// NewTiktoken loads a tiktoken encoding by name, e.g. "cl100k_base".
func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load encoding %q: %w", encoding, err)
	}
	return &Tiktoken{enc: enc, name: encoding}, nil
}

func (t *Tiktoken) Encode(text string) ([]int, error) {
	ids := t.enc.Encode(text, nil, nil)
	metrics.RecordTokenizerEncode(len(ids), 0)
	return ids, nil
}

func (t *Tiktoken) Decode(ids []int) string {
	return t.enc.Decode(ids)
}

// Piece decodes a single ID. BPE merges can split multi-byte characters,
// so a piece is not always valid UTF-8 on its own.
func (t *Tiktoken) Piece(id int) string {
	return t.enc.Decode([]int{id})
}

// VocabSize reports the encoding's vocabulary size. tiktoken-go does not
// expose it, so the known sizes are table-driven by encoding name.
func (t *Tiktoken) VocabSize() int {
	switch t.name {
	case "cl100k_base":
		return 100256
	case "o200k_base":
		return 199998
	case "p50k_base", "r50k_base":
		return 50257
	default:
		return 0
	}
}

// Name returns the encoding name this tokenizer was built with.
func (t *Tiktoken) Name() string { return t.name }
