package model

import (
	"fmt"

	"github.com/23skdu/longbow-lens/internal/gguf"
)

// Params is the architecture geometry the forward pass needs, pulled from
// GGUF metadata.
type Params struct {
	Dim       int
	HiddenDim int
	Layers    int
	Heads     int
	KVHeads   int
	VocabSize int
	SeqLen    int
	RopeTheta float32
	NormEps   float32
}

func paramsFromInfo(info *gguf.Info) Params {
	p := Params{
		Dim:       info.EmbeddingDim,
		HiddenDim: info.FFNDim,
		Layers:    info.Layers,
		Heads:     info.Heads,
		KVHeads:   info.KVHeads,
		VocabSize: info.VocabSize,
		SeqLen:    info.ContextLength,
		RopeTheta: info.RopeTheta,
		NormEps:   info.NormEps,
	}
	if p.HiddenDim == 0 {
		p.HiddenDim = 4 * p.Dim
	}
	if p.KVHeads == 0 {
		p.KVHeads = p.Heads
	}
	return p
}

func (p Params) Validate() error {
	if p.Layers <= 0 {
		return fmt.Errorf("invalid layer count %d", p.Layers)
	}
	if p.Dim <= 0 {
		return fmt.Errorf("invalid embedding dim %d", p.Dim)
	}
	if p.Heads <= 0 || p.Dim%p.Heads != 0 {
		return fmt.Errorf("invalid head count %d for dim %d", p.Heads, p.Dim)
	}
	if p.KVHeads <= 0 || p.Heads%p.KVHeads != 0 {
		return fmt.Errorf("invalid kv head count %d for %d heads", p.KVHeads, p.Heads)
	}
	if p.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab size %d", p.VocabSize)
	}
	if p.HiddenDim <= 0 {
		return fmt.Errorf("invalid feed-forward dim %d", p.HiddenDim)
	}
	if p.SeqLen <= 0 {
		return fmt.Errorf("invalid context length %d", p.SeqLen)
	}
	return nil
}

// HeadDim is the per-head width of the query projections.
func (p Params) HeadDim() int { return p.Dim / p.Heads }

// KVDim is the width of the key and value projections under GQA.
func (p Params) KVDim() int { return p.HeadDim() * p.KVHeads }
