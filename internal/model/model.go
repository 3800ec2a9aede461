package model

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-lens/internal/gguf"
	"github.com/23skdu/longbow-lens/internal/logger"
	"github.com/23skdu/longbow-lens/internal/metrics"
)

// Hook pairs a layer index with a pure projection of that layer's
// post-block hidden states. Project must not retain or modify the hidden
// slice it is handed; it returns a freshly allocated result.
type Hook struct {
	Layer   int
	Project func(hidden []float32, positions, dim int) ([]float32, error)
}

// Capture holds the results of one instrumented forward pass and is owned
// by the call that created it. Layers maps layer index to whatever that
// layer's hook returned.
type Capture struct {
	Positions int
	Layers    map[int][]float32
}

// Model is a CPU llama-family runner built to be probed: the forward pass
// takes hooks and hands each one the hidden states its layer produced.
// Weights are loaded once and never mutated afterwards.
type Model struct {
	file    *gguf.File
	info    *gguf.Info
	params  Params
	weights *Weights
}

// Load opens a GGUF file and materializes every weight tensor as float32.
func Load(path string) (*Model, error) {
	start := time.Now()

	f, err := gguf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model: %w", err)
	}

	info := f.Info()
	params := paramsFromInfo(info)
	if err := params.Validate(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("model %s: %w", path, err)
	}

	weights, err := loadWeights(f, params)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("load weights: %w", err)
	}

	m := &Model{file: f, info: info, params: params, weights: weights}

	metrics.RecordModelLoad(info.TensorCount, params.Layers, time.Since(start))
	logger.Log.Info("model loaded",
		"path", path,
		"arch", info.Architecture,
		"layers", params.Layers,
		"dim", params.Dim,
		"heads", params.Heads,
		"kv_heads", params.KVHeads,
		"vocab", params.VocabSize,
		"quant", info.Quantization)

	return m, nil
}

func (m *Model) Close() error {
	m.weights = nil
	return m.file.Close()
}

func (m *Model) NumLayers() int { return m.params.Layers }

func (m *Model) VocabSize() int { return m.params.VocabSize }

func (m *Model) Device() string { return "cpu" }

func (m *Model) Params() Params { return m.params }

func (m *Model) Info() *gguf.Info { return m.info }

// File exposes the open GGUF file so callers can read metadata the model
// itself does not interpret, like the tokenizer vocabulary. The file stays
// valid until Close.
func (m *Model) File() *gguf.File { return m.file }

// OutputHead returns the projection from hidden states to vocabulary
// logits: the final RMSNorm followed by the output matmul. The lens uses
// the same function for every layer, so projecting the last layer
// reproduces the model's own output logits exactly.
func (m *Model) OutputHead() func(hidden []float32, positions, dim int) ([]float32, error) {
	w := m.weights
	p := m.params
	return func(hidden []float32, positions, dim int) ([]float32, error) {
		if dim != p.Dim {
			return nil, fmt.Errorf("output head: dim %d, model has %d", dim, p.Dim)
		}
		if len(hidden) != positions*dim {
			return nil, fmt.Errorf("output head: %d values for %d positions of dim %d",
				len(hidden), positions, dim)
		}

		normed := make([]float32, len(hidden))
		for i := 0; i < positions; i++ {
			rmsNorm(normed[i*dim:(i+1)*dim], hidden[i*dim:(i+1)*dim], w.OutputNorm, p.NormEps)
		}
		logits := make([]float32, positions*p.VocabSize)
		matmulT(normed, w.Output, positions, dim, p.VocabSize, logits)
		return logits, nil
	}
}

// ForwardWithHooks runs one full-sequence forward pass, invoking each
// hook with its layer's post-block hidden states. Nothing is cached
// across calls and weights are never written.
func (m *Model) ForwardWithHooks(ids []int, hooks []Hook) (*Capture, error) {
	start := time.Now()
	p := m.params
	w := m.weights

	if len(ids) == 0 {
		return nil, fmt.Errorf("empty token sequence")
	}
	if len(ids) > p.SeqLen {
		return nil, fmt.Errorf("sequence length %d exceeds context length %d", len(ids), p.SeqLen)
	}
	for i, id := range ids {
		if id < 0 || id >= p.VocabSize {
			return nil, fmt.Errorf("token %d at position %d outside vocab [0, %d)", id, i, p.VocabSize)
		}
	}

	hooksByLayer := make(map[int]Hook, len(hooks))
	for _, h := range hooks {
		if h.Layer < 0 || h.Layer >= p.Layers {
			return nil, fmt.Errorf("hook layer %d outside [0, %d)", h.Layer, p.Layers)
		}
		if h.Project == nil {
			return nil, fmt.Errorf("hook for layer %d has no projection", h.Layer)
		}
		if _, dup := hooksByLayer[h.Layer]; dup {
			return nil, fmt.Errorf("duplicate hook for layer %d", h.Layer)
		}
		hooksByLayer[h.Layer] = h
	}

	seqLen := len(ids)
	dim := p.Dim
	kvDim := p.KVDim()
	headDim := p.HeadDim()

	hidden := make([]float32, seqLen*dim)
	embed(w.TokenEmb, ids, dim, hidden)

	normed := make([]float32, seqLen*dim)
	q := make([]float32, seqLen*dim)
	k := make([]float32, seqLen*kvDim)
	v := make([]float32, seqLen*kvDim)
	attnOut := make([]float32, seqLen*dim)
	proj := make([]float32, seqLen*dim)
	gate := make([]float32, seqLen*p.HiddenDim)
	up := make([]float32, seqLen*p.HiddenDim)
	down := make([]float32, seqLen*dim)

	capture := &Capture{
		Positions: seqLen,
		Layers:    make(map[int][]float32, len(hooks)),
	}

	for layer := 0; layer < p.Layers; layer++ {
		for i := 0; i < seqLen; i++ {
			rmsNorm(normed[i*dim:(i+1)*dim], hidden[i*dim:(i+1)*dim], w.AttnNorm[layer], p.NormEps)
		}

		matmulT(normed, w.AttnQ[layer], seqLen, dim, dim, q)
		matmulT(normed, w.AttnK[layer], seqLen, dim, kvDim, k)
		matmulT(normed, w.AttnV[layer], seqLen, dim, kvDim, v)

		rope(q, seqLen, p.Heads, headDim, p.RopeTheta)
		rope(k, seqLen, p.KVHeads, headDim, p.RopeTheta)

		attention(q, k, v, seqLen, p.Heads, p.KVHeads, headDim, attnOut)
		matmulT(attnOut, w.AttnO[layer], seqLen, dim, dim, proj)
		for i := range hidden {
			hidden[i] += proj[i]
		}

		for i := 0; i < seqLen; i++ {
			rmsNorm(normed[i*dim:(i+1)*dim], hidden[i*dim:(i+1)*dim], w.FfnNorm[layer], p.NormEps)
		}
		matmulT(normed, w.FfnGate[layer], seqLen, dim, p.HiddenDim, gate)
		matmulT(normed, w.FfnUp[layer], seqLen, dim, p.HiddenDim, up)
		swiglu(gate, up)
		matmulT(gate, w.FfnDown[layer], seqLen, p.HiddenDim, dim, down)
		for i := range hidden {
			hidden[i] += down[i]
		}

		if h, ok := hooksByLayer[layer]; ok {
			res, err := h.Project(hidden, seqLen, dim)
			if err != nil {
				metrics.HookFailures.Inc()
				return nil, fmt.Errorf("hook at layer %d: %w", layer, err)
			}
			capture.Layers[layer] = res
		}
	}

	metrics.RecordForward(time.Since(start))
	logger.Log.Debug("forward pass complete",
		"tokens", seqLen,
		"layers", p.Layers,
		"hooks", len(hooks),
		"elapsed", time.Since(start))

	return capture, nil
}
