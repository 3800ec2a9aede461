package tokenizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-lens/internal/gguf"
	"github.com/23skdu/longbow-lens/internal/metrics"
)

// GGUF token type values, matching llama.cpp's llama_token_type.
const (
	tokenTypeNormal  = 1
	tokenTypeUnknown = 2
	tokenTypeControl = 3
	tokenTypeByte    = 6
)

// spaceMarker is the SentencePiece whitespace escape.
const spaceMarker = "▁" // ▁

// SentencePiece tokenizes with the vocabulary embedded in a GGUF file:
// greedy longest-match over the token table, whitespace escaped with the
// ▁ marker, and <0xNN> byte tokens as the fallback for unmatched bytes.
type SentencePiece struct {
	tokens   []string
	index    map[string]int
	types    []int
	byteID   [256]int
	unkID    int
	bosID    int
	eosID    int
	addBOS   bool
	maxPiece int
}

// FromGGUF builds a SentencePiece tokenizer from the tokenizer.ggml.*
// metadata of an open file. The token table is copied out during parsing,
// so the tokenizer stays valid after the file is closed.
func FromGGUF(f *gguf.File) (*SentencePiece, error) {
	tokens, ok := f.KVStrings("tokenizer.ggml.tokens")
	if !ok {
		return nil, fmt.Errorf("tokenizer: missing tokenizer.ggml.tokens")
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("tokenizer: empty vocabulary")
	}

	sp := &SentencePiece{
		tokens: tokens,
		index:  make(map[string]int, len(tokens)),
		unkID:  -1,
		bosID:  -1,
		eosID:  -1,
	}
	for i := range sp.byteID {
		sp.byteID[i] = -1
	}
	if types, ok := f.KVInts("tokenizer.ggml.token_type"); ok && len(types) == len(tokens) {
		sp.types = types
	}
	for i, tok := range tokens {
		sp.index[tok] = i
		if len(tok) > sp.maxPiece {
			sp.maxPiece = len(tok)
		}
		if b, ok := parseByteToken(tok); ok {
			sp.byteID[b] = i
		}
	}

	if id, ok := f.KVUint("tokenizer.ggml.unknown_token_id"); ok && id < uint64(len(tokens)) {
		sp.unkID = int(id)
	}
	if id, ok := f.KVUint("tokenizer.ggml.bos_token_id"); ok && id < uint64(len(tokens)) {
		sp.bosID = int(id)
	}
	if id, ok := f.KVUint("tokenizer.ggml.eos_token_id"); ok && id < uint64(len(tokens)) {
		sp.eosID = int(id)
	}
	if add, ok := f.KVBool("tokenizer.ggml.add_bos_token"); ok {
		sp.addBOS = add
	} else {
		// SentencePiece models conventionally prepend BOS when one exists.
		sp.addBOS = sp.bosID >= 0
	}

	return sp, nil
}

// Encode escapes whitespace with the ▁ marker, prepends the dummy prefix,
// then consumes the text with greedy longest-match against the vocabulary.
// Bytes without a match fall back to their <0xNN> byte token, then to the
// unknown token; with neither available Encode fails rather than dropping
// input.
func (sp *SentencePiece) Encode(text string) ([]int, error) {
	var ids []int
	if sp.addBOS && sp.bosID >= 0 {
		ids = append(ids, sp.bosID)
	}
	if text == "" {
		metrics.RecordTokenizerEncode(len(ids), 0)
		return ids, nil
	}

	norm := spaceMarker + strings.ReplaceAll(text, " ", spaceMarker)
	unknown := 0
	for i := 0; i < len(norm); {
		limit := sp.maxPiece
		if rem := len(norm) - i; limit > rem {
			limit = rem
		}
		matched := 0
		for n := limit; n > 0; n-- {
			if id, ok := sp.index[norm[i:i+n]]; ok {
				ids = append(ids, id)
				matched = n
				break
			}
		}
		if matched > 0 {
			i += matched
			continue
		}
		b := norm[i]
		switch {
		case sp.byteID[b] >= 0:
			ids = append(ids, sp.byteID[b])
		case sp.unkID >= 0:
			ids = append(ids, sp.unkID)
			unknown++
		default:
			return nil, fmt.Errorf("tokenizer: no token for byte 0x%02X at offset %d", b, i)
		}
		i++
	}

	metrics.RecordTokenizerEncode(len(ids), unknown)
	return ids, nil
}

// Decode concatenates token pieces, expanding byte tokens to raw bytes and
// the ▁ marker back to spaces. Control tokens and out-of-range IDs are
// skipped, and the dummy prefix space is trimmed.
func (sp *SentencePiece) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(sp.tokens) {
			continue
		}
		if sp.isControl(id) {
			continue
		}
		tok := sp.tokens[id]
		if b, ok := parseByteToken(tok); ok {
			sb.WriteByte(b)
			continue
		}
		sb.WriteString(strings.ReplaceAll(tok, spaceMarker, " "))
	}
	return strings.TrimPrefix(sb.String(), " ")
}

// Piece returns the raw vocabulary entry for id, markers intact.
func (sp *SentencePiece) Piece(id int) string {
	if id < 0 || id >= len(sp.tokens) {
		return ""
	}
	return sp.tokens[id]
}

func (sp *SentencePiece) VocabSize() int { return len(sp.tokens) }

// BOS returns the BOS token ID, or -1 when the vocabulary has none.
func (sp *SentencePiece) BOS() int { return sp.bosID }

func (sp *SentencePiece) isControl(id int) bool {
	if sp.types != nil {
		return sp.types[id] == tokenTypeControl
	}
	return id == sp.bosID || id == sp.eosID
}

func parseByteToken(tok string) (byte, bool) {
	if len(tok) != 6 || !strings.HasPrefix(tok, "<0x") || tok[5] != '>' {
		return 0, false
	}
	n, err := strconv.ParseUint(tok[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(n), true
}
