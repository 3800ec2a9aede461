// Package tokenizer turns sentences into the token ID slices the model
// runner consumes. Two backends are provided: a SentencePiece-style
// tokenizer built from GGUF vocabulary metadata, and a tiktoken wrapper
// for GPT-family encodings.
package tokenizer

// Tokenizer encodes text to model token IDs and back.
type Tokenizer interface {
	// Encode converts text into token IDs, including any BOS marker the
	// vocabulary requests. It never silently drops input: bytes with no
	// vocabulary entry map to the unknown token or fail with an error.
	Encode(text string) ([]int, error)

	// Decode converts token IDs back into text. Out-of-range IDs and
	// control tokens contribute nothing.
	Decode(ids []int) string

	// Piece returns the display form of a single token ID with vocabulary
	// markers intact, e.g. "▁Paris" for SentencePiece entries. Unlike
	// Decode it does not normalize whitespace or skip control tokens.
	Piece(id int) string

	// VocabSize returns the number of entries in the vocabulary.
	VocabSize() int
}
