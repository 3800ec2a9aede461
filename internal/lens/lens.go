// Package lens implements the logit lens: every layer's hidden states are
// projected through the model's own output head, giving a per-layer view
// of how the next-token prediction forms across depth. Optional artifacts
// derive from the same captured logits: the rank of the true next token at
// each layer, and the KL divergence of each layer's distribution from the
// final layer's.
package lens

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-lens/internal/logger"
	"github.com/23skdu/longbow-lens/internal/metrics"
	"github.com/23skdu/longbow-lens/internal/model"
	"github.com/23skdu/longbow-lens/internal/tokenizer"
)

// ModelRunner is the model surface the lens consumes: layer and vocab
// geometry, the output-head projection, and a hooked forward pass. The
// runner is assumed deterministic and is never mutated.
type ModelRunner interface {
	NumLayers() int
	VocabSize() int
	Device() string
	OutputHead() func(hidden []float32, positions, dim int) ([]float32, error)
	ForwardWithHooks(ids []int, hooks []model.Hook) (*model.Capture, error)
}

// Options selects the optional artifacts Analyze derives.
type Options struct {
	ComputeRanks bool
	ComputeKL    bool

	// IncludeInput is accepted but not implemented: the embedding output
	// is not captured as a pseudo-layer. Setting it warns and changes
	// nothing else.
	IncludeInput bool
}

// Result holds one analysis run. Logits covers every layer over the
// analyzed positions (the tokenized length minus the last position, which
// has no target). Ranks and KL are nil unless requested.
type Result struct {
	RunID    string
	Device   string
	Sentence string

	TokenIDs  []int
	Tokens    []string
	TargetIDs []int

	NumLayers int
	VocabSize int
	Positions int

	Logits [][][]float32 // [layer][position][vocab]
	Ranks  [][]int32     // [layer][position]
	KL     [][]float32   // [layer][position]
	Audits []LayerAudit

	Elapsed time.Duration
}

// Analyze tokenizes the sentence, runs exactly one hooked forward pass,
// and stacks each layer's output-head projection into per-layer logits.
// Rank and KL artifacts are derived from those captured logits, never from
// additional passes.
func Analyze(m ModelRunner, tok tokenizer.Tokenizer, sentence string, opts Options) (*Result, error) {
	start := time.Now()

	if opts.IncludeInput {
		logger.Log.Warn("include_input requested but not implemented; embedding output is not captured")
	}

	ids, err := tok.Encode(sentence)
	if err != nil {
		metrics.RecordAnalysisError("tokenize")
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	if len(ids) == 0 {
		metrics.RecordAnalysisError("tokenize")
		return nil, fmt.Errorf("tokenizer produced no tokens for %q", sentence)
	}
	targets := ids[1:]

	layers := m.NumLayers()
	vocab := m.VocabSize()
	head := m.OutputHead()
	hooks := make([]model.Hook, layers)
	for l := 0; l < layers; l++ {
		hooks[l] = model.Hook{Layer: l, Project: head}
	}

	capture, err := m.ForwardWithHooks(ids, hooks)
	if err != nil {
		metrics.RecordAnalysisError("forward")
		return nil, fmt.Errorf("forward pass: %w", err)
	}

	seqLen := capture.Positions
	if seqLen != len(ids) {
		metrics.RecordAnalysisError("capture")
		return nil, fmt.Errorf("forward pass covered %d positions for %d tokens", seqLen, len(ids))
	}
	logits := make([][][]float32, layers)
	audits := make([]LayerAudit, layers)
	for l := 0; l < layers; l++ {
		flat, ok := capture.Layers[l]
		if !ok {
			metrics.RecordAnalysisError("capture")
			return nil, fmt.Errorf("layer %d: hook did not fire", l)
		}
		if len(flat) != seqLen*vocab {
			metrics.RecordAnalysisError("capture")
			return nil, fmt.Errorf("layer %d: captured %d values, want %d", l, len(flat), seqLen*vocab)
		}
		rows := make([][]float32, seqLen)
		for p := 0; p < seqLen; p++ {
			rows[p] = flat[p*vocab : (p+1)*vocab]
		}
		logits[l] = rows

		a := auditLogits(l, flat)
		audits[l] = a
		metrics.RecordLogitAudit(a.Max, a.NaNs > 0, a.HasExtreme, a.IsFlat)
		if a.NaNs > 0 || a.Infs > 0 {
			metrics.RecordNumericalInstability("lens_capture", a.NaNs, a.Infs)
		}
		if !a.healthy() {
			logger.Log.Warn("layer logits failed audit", "layer", l, "audit", a.String())
		}
	}

	var ranks [][]int32
	if opts.ComputeRanks {
		ranks = make([][]int32, layers)
		for l := 0; l < layers; l++ {
			row := make([]int32, len(targets))
			for p, target := range targets {
				if target < 0 || target >= vocab {
					metrics.RecordAnalysisError("ranks")
					return nil, fmt.Errorf("target id %d at position %d outside vocab [0, %d)", target, p, vocab)
				}
				row[p] = rankOf(logits[l][p], target)
			}
			ranks[l] = row
		}
		metrics.RecordRanks(ranks)
	}

	var kl [][]float32
	if opts.ComputeKL {
		// Final-layer rows are log-softmaxed once and reused as the
		// reference, so the final layer's divergence from itself is
		// exactly zero.
		final := make([][]float32, seqLen)
		for p := 0; p < seqLen; p++ {
			final[p] = logSoftmax(logits[layers-1][p])
		}
		kl = make([][]float32, layers)
		for l := 0; l < layers; l++ {
			row := make([]float32, seqLen)
			for p := 0; p < seqLen; p++ {
				x := final[p]
				if l != layers-1 {
					x = logSoftmax(logits[l][p])
				}
				row[p] = klDivergence(x, final[p])
			}
			kl[l] = row
		}
	}

	// The last position predicts beyond the sentence, so no target exists
	// for it: drop it from logits and kl. Ranks are already L-1 by
	// construction against targets.
	for l := 0; l < layers; l++ {
		logits[l] = logits[l][:seqLen-1]
		if kl != nil {
			kl[l] = kl[l][:seqLen-1]
		}
	}
	if kl != nil {
		metrics.RecordKL(kl)
	}

	pieces := make([]string, len(ids))
	for i, id := range ids {
		pieces[i] = tok.Piece(id)
	}

	runID := uuid.NewString()
	elapsed := time.Since(start)
	metrics.RecordAnalysis(layers, seqLen-1, elapsed)
	logger.Log.Info("analysis complete",
		"run_id", runID,
		"tokens", len(ids),
		"positions", seqLen-1,
		"layers", layers,
		"ranks", opts.ComputeRanks,
		"kl", opts.ComputeKL,
		"elapsed", elapsed)

	return &Result{
		RunID:     runID,
		Device:    m.Device(),
		Sentence:  sentence,
		TokenIDs:  ids,
		Tokens:    pieces,
		TargetIDs: targets,
		NumLayers: layers,
		VocabSize: vocab,
		Positions: seqLen - 1,
		Logits:    logits,
		Ranks:     ranks,
		KL:        kl,
		Audits:    audits,
		Elapsed:   elapsed,
	}, nil
}
