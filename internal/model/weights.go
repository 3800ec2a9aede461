package model

import (
	"fmt"

	"github.com/23skdu/longbow-lens/internal/gguf"
	"github.com/23skdu/longbow-lens/internal/logger"
)

// Weights holds every tensor dequantized to float32. Projection matrices
// are row-major with the input dimension contiguous, matching GGUF's
// dims[0] = columns layout, so y = W·x walks each row sequentially.
type Weights struct {
	TokenEmb   []float32 // [vocab × dim]
	Output     []float32 // [vocab × dim]; aliases TokenEmb when tied
	OutputNorm []float32 // [dim]

	AttnQ    [][]float32 // per layer [dim × dim]
	AttnK    [][]float32 // per layer [kvDim × dim]
	AttnV    [][]float32 // per layer [kvDim × dim]
	AttnO    [][]float32 // per layer [dim × dim]
	AttnNorm [][]float32 // per layer [dim]
	FfnGate  [][]float32 // per layer [hiddenDim × dim]
	FfnDown  [][]float32 // per layer [dim × hiddenDim]
	FfnUp    [][]float32 // per layer [hiddenDim × dim]
	FfnNorm  [][]float32 // per layer [dim]
}

func loadWeights(f *gguf.File, p Params) (*Weights, error) {
	w := &Weights{
		AttnQ:    make([][]float32, p.Layers),
		AttnK:    make([][]float32, p.Layers),
		AttnV:    make([][]float32, p.Layers),
		AttnO:    make([][]float32, p.Layers),
		AttnNorm: make([][]float32, p.Layers),
		FfnGate:  make([][]float32, p.Layers),
		FfnDown:  make([][]float32, p.Layers),
		FfnUp:    make([][]float32, p.Layers),
		FfnNorm:  make([][]float32, p.Layers),
	}

	load := func(name string, want int) ([]float32, error) {
		data, err := f.TensorF32(name)
		if err != nil {
			return nil, err
		}
		if len(data) != want {
			return nil, fmt.Errorf("tensor %s: %d values, want %d", name, len(data), want)
		}
		return data, nil
	}

	var err error
	if w.TokenEmb, err = load("token_embd.weight", p.VocabSize*p.Dim); err != nil {
		return nil, err
	}
	if w.OutputNorm, err = load("output_norm.weight", p.Dim); err != nil {
		return nil, err
	}
	if f.HasTensor("output.weight") {
		if w.Output, err = load("output.weight", p.VocabSize*p.Dim); err != nil {
			return nil, err
		}
	} else {
		// Tied embeddings: token_embd doubles as the output head.
		w.Output = w.TokenEmb
		logger.Log.Debug("output.weight absent, using tied embeddings")
	}

	kvDim := p.KVDim()
	for l := 0; l < p.Layers; l++ {
		prefix := fmt.Sprintf("blk.%d.", l)
		if w.AttnNorm[l], err = load(prefix+"attn_norm.weight", p.Dim); err != nil {
			return nil, err
		}
		if w.AttnQ[l], err = load(prefix+"attn_q.weight", p.Dim*p.Dim); err != nil {
			return nil, err
		}
		if w.AttnK[l], err = load(prefix+"attn_k.weight", kvDim*p.Dim); err != nil {
			return nil, err
		}
		if w.AttnV[l], err = load(prefix+"attn_v.weight", kvDim*p.Dim); err != nil {
			return nil, err
		}
		if w.AttnO[l], err = load(prefix+"attn_output.weight", p.Dim*p.Dim); err != nil {
			return nil, err
		}
		if w.FfnNorm[l], err = load(prefix+"ffn_norm.weight", p.Dim); err != nil {
			return nil, err
		}
		if w.FfnGate[l], err = load(prefix+"ffn_gate.weight", p.HiddenDim*p.Dim); err != nil {
			return nil, err
		}
		if w.FfnUp[l], err = load(prefix+"ffn_up.weight", p.HiddenDim*p.Dim); err != nil {
			return nil, err
		}
		if w.FfnDown[l], err = load(prefix+"ffn_down.weight", p.Dim*p.HiddenDim); err != nil {
			return nil, err
		}
	}

	return w, nil
}
