package lens

import (
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"github.com/23skdu/longbow-lens/internal/gguf/gguftest"
	"github.com/23skdu/longbow-lens/internal/model"
)

// fixtureTokenizer reads sentences of space-separated vocabulary ids, so
// model fixtures with synthetic vocabularies can be driven directly.
type fixtureTokenizer struct{ vocab int }

func (f fixtureTokenizer) Encode(text string) ([]int, error) {
	var ids []int
	for _, field := range strings.Fields(text) {
		id, err := strconv.Atoi(field)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (f fixtureTokenizer) Decode(ids []int) string {
	pieces := make([]string, len(ids))
	for i, id := range ids {
		pieces[i] = f.Piece(id)
	}
	return strings.Join(pieces, "")
}

func (f fixtureTokenizer) Piece(id int) string { return fmt.Sprintf("<t%d>", id) }

func (f fixtureTokenizer) VocabSize() int { return f.vocab }

func loadFixtureModel(t *testing.T, cfg gguftest.TinyLlamaConfig) *model.Model {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiny.gguf")
	if err := gguftest.TinyLlama(cfg).WriteFile(path); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	m, err := model.Load(path)
	if err != nil {
		t.Fatalf("load fixture: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestAnalyzeEndToEnd(t *testing.T) {
	m := loadFixtureModel(t, gguftest.TinyLlamaConfig{})
	tok := fixtureTokenizer{vocab: m.VocabSize()}
	opts := Options{ComputeRanks: true, ComputeKL: true}

	res, err := Analyze(m, tok, "1 9 2", opts)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if res.NumLayers != 2 || res.VocabSize != 16 || res.Positions != 2 {
		t.Fatalf("geometry: layers %d vocab %d positions %d", res.NumLayers, res.VocabSize, res.Positions)
	}
	if res.Device != "cpu" {
		t.Errorf("Device = %q, want cpu", res.Device)
	}
	if !reflect.DeepEqual(res.TargetIDs, []int{9, 2}) {
		t.Errorf("TargetIDs = %v", res.TargetIDs)
	}

	for l := 0; l < res.NumLayers; l++ {
		if len(res.Logits[l]) != 2 {
			t.Fatalf("layer %d: %d positions", l, len(res.Logits[l]))
		}
		for p := 0; p < 2; p++ {
			if len(res.Logits[l][p]) != 16 {
				t.Fatalf("layer %d position %d: %d logits", l, p, len(res.Logits[l][p]))
			}
			for _, v := range res.Logits[l][p] {
				if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
					t.Fatalf("non-finite logit at layer %d position %d", l, p)
				}
			}
			if r := res.Ranks[l][p]; r < 1 || r > 16 {
				t.Errorf("rank[%d][%d] = %d outside [1, 16]", l, p, r)
			}
		}
	}

	final := res.NumLayers - 1
	for p := 0; p < 2; p++ {
		if res.KL[final][p] != 0 {
			t.Errorf("final-layer KL[%d] = %v, want exactly 0", p, res.KL[final][p])
		}
		if res.KL[0][p] < 0 {
			t.Errorf("KL[0][%d] = %v, want >= 0", p, res.KL[0][p])
		}
	}
	for _, a := range res.Audits {
		if a.NaNs != 0 || a.Infs != 0 {
			t.Errorf("audit found instability: %s", a.String())
		}
	}

	// Same weights, same sentence: bit-identical artifacts.
	again, err := Analyze(m, tok, "1 9 2", opts)
	if err != nil {
		t.Fatalf("second Analyze: %v", err)
	}
	if !reflect.DeepEqual(res.Logits, again.Logits) ||
		!reflect.DeepEqual(res.Ranks, again.Ranks) ||
		!reflect.DeepEqual(res.KL, again.KL) {
		t.Error("repeated analysis not bit-identical")
	}
}

func TestAnalyzeTruncationConsistency(t *testing.T) {
	m := loadFixtureModel(t, gguftest.TinyLlamaConfig{})
	tok := fixtureTokenizer{vocab: m.VocabSize()}
	opts := Options{ComputeRanks: true, ComputeKL: true}

	for _, n := range []int{2, 3, 5} {
		ids := make([]string, n)
		for i := range ids {
			ids[i] = strconv.Itoa(i)
		}
		sentence := strings.Join(ids, " ")

		res, err := Analyze(m, tok, sentence, opts)
		if err != nil {
			t.Fatalf("Analyze(%q): %v", sentence, err)
		}
		if res.Positions != n-1 {
			t.Errorf("L=%d: Positions = %d, want %d", n, res.Positions, n-1)
		}
		for l := 0; l < res.NumLayers; l++ {
			if len(res.Logits[l]) != n-1 || len(res.Ranks[l]) != n-1 || len(res.KL[l]) != n-1 {
				t.Errorf("L=%d layer %d: logits %d ranks %d kl %d, want all %d",
					n, l, len(res.Logits[l]), len(res.Ranks[l]), len(res.KL[l]), n-1)
			}
		}
	}
}

func TestAnalyzeFinalLayerMatchesDirectHook(t *testing.T) {
	m := loadFixtureModel(t, gguftest.TinyLlamaConfig{})
	tok := fixtureTokenizer{vocab: m.VocabSize()}

	res, err := Analyze(m, tok, "3 1 4 1", Options{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	final := m.NumLayers() - 1
	capture, err := m.ForwardWithHooks([]int{3, 1, 4, 1}, []model.Hook{
		{Layer: final, Project: m.OutputHead()},
	})
	if err != nil {
		t.Fatalf("direct hook pass: %v", err)
	}

	vocab := m.VocabSize()
	flat := capture.Layers[final]
	for p := 0; p < res.Positions; p++ {
		want := flat[p*vocab : (p+1)*vocab]
		if !reflect.DeepEqual(res.Logits[final][p], want) {
			t.Fatalf("final-layer logits diverge at position %d", p)
		}
	}
}

func TestAnalyzeGQAModel(t *testing.T) {
	m := loadFixtureModel(t, gguftest.TinyLlamaConfig{Heads: 4, KVHeads: 2})
	tok := fixtureTokenizer{vocab: m.VocabSize()}

	res, err := Analyze(m, tok, "0 3 7", Options{ComputeRanks: true})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Positions != 2 {
		t.Errorf("Positions = %d, want 2", res.Positions)
	}
	for l, row := range res.Ranks {
		for p, r := range row {
			if r < 1 || r > int32(m.VocabSize()) {
				t.Errorf("rank[%d][%d] = %d out of range", l, p, r)
			}
		}
	}
}
