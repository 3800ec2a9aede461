package tokenizer

import (
	"testing"
)

// Tiktoken encodings are fetched from the BPE cache on first use, so these
// tests skip when the encoding cannot be loaded offline.
func loadTiktoken(t *testing.T, name string) *Tiktoken {
	t.Helper()
	tk, err := NewTiktoken(name)
	if err != nil {
		t.Skipf("encoding %q unavailable: %v", name, err)
	}
	return tk
}

func TestTiktokenRoundtrip(t *testing.T) {
	tk := loadTiktoken(t, "cl100k_base")

	for _, text := range []string{
		"hello world",
		"The capital of France is Paris.",
		"",
	} {
		ids, err := tk.Encode(text)
		if err != nil {
			t.Fatalf("Encode(%q): %v", text, err)
		}
		if got := tk.Decode(ids); got != text {
			t.Errorf("roundtrip %q = %q", text, got)
		}
	}
}

func TestTiktokenPiece(t *testing.T) {
	tk := loadTiktoken(t, "cl100k_base")

	ids, err := tk.Encode("hello world")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(ids) == 0 {
		t.Fatal("Encode returned no tokens")
	}
	var joined string
	for _, id := range ids {
		joined += tk.Piece(id)
	}
	if joined != "hello world" {
		t.Errorf("pieces join to %q, want %q", joined, "hello world")
	}
}

func TestTiktokenVocabSize(t *testing.T) {
	sizes := map[string]int{
		"cl100k_base": 100256,
		"p50k_base":   50257,
	}
	for name, want := range sizes {
		tk := loadTiktoken(t, name)
		if got := tk.VocabSize(); got != want {
			t.Errorf("VocabSize(%s) = %d, want %d", name, got, want)
		}
		if tk.Name() != name {
			t.Errorf("Name = %q, want %q", tk.Name(), name)
		}
	}
}

func TestTiktokenUnknownEncoding(t *testing.T) {
	if _, err := NewTiktoken("no_such_encoding"); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
}
