package gguftest

import (
	"fmt"
	"math/rand"
)

// TinyLlamaConfig controls the synthetic model written by TinyLlama.
// Zero fields get small defaults that produce a loadable 2-layer model.
type TinyLlamaConfig struct {
	Layers    int
	Dim       int
	HiddenDim int
	Heads     int
	KVHeads   int
	Vocab     int
	Ctx       int
	Seed      int64

	// TiedOutput omits output.weight so loaders fall back to the
	// embedding matrix.
	TiedOutput bool
}

func (c *TinyLlamaConfig) applyDefaults() {
	if c.Layers == 0 {
		c.Layers = 2
	}
	if c.Dim == 0 {
		c.Dim = 8
	}
	if c.HiddenDim == 0 {
		c.HiddenDim = 16
	}
	if c.Heads == 0 {
		c.Heads = 2
	}
	if c.KVHeads == 0 {
		c.KVHeads = c.Heads
	}
	if c.Vocab == 0 {
		c.Vocab = 16
	}
	if c.Ctx == 0 {
		c.Ctx = 64
	}
}

// TinyLlama builds a complete llama-architecture GGUF with random but
// seed-deterministic F32 weights. Norm weights are all ones; projection
// weights are uniform in [-0.1, 0.1) so logits stay well-scaled.
func TinyLlama(cfg TinyLlamaConfig) *Builder {
	cfg.applyDefaults()
	r := rand.New(rand.NewSource(cfg.Seed))

	randTensor := func(n int) []float32 {
		data := make([]float32, n)
		for i := range data {
			data[i] = (r.Float32()*2 - 1) * 0.1
		}
		return data
	}
	ones := func(n int) []float32 {
		data := make([]float32, n)
		for i := range data {
			data[i] = 1
		}
		return data
	}

	tokens := make([]string, cfg.Vocab)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("<t%d>", i)
	}

	headDim := cfg.Dim / cfg.Heads
	kvDim := headDim * cfg.KVHeads

	b := NewBuilder().
		KV("general.architecture", "llama").
		KV("general.name", "tiny-llama-fixture").
		KV("llama.block_count", uint32(cfg.Layers)).
		KV("llama.embedding_length", uint32(cfg.Dim)).
		KV("llama.feed_forward_length", uint32(cfg.HiddenDim)).
		KV("llama.attention.head_count", uint32(cfg.Heads)).
		KV("llama.attention.head_count_kv", uint32(cfg.KVHeads)).
		KV("llama.context_length", uint32(cfg.Ctx)).
		KV("llama.rope.freq_base", float32(10000)).
		KV("llama.attention.layer_norm_rms_epsilon", float32(1e-5)).
		KV("llama.vocab_size", uint32(cfg.Vocab)).
		KV("tokenizer.ggml.model", "llama").
		KV("tokenizer.ggml.tokens", tokens)

	b.TensorF32("token_embd.weight", []uint64{uint64(cfg.Dim), uint64(cfg.Vocab)},
		randTensor(cfg.Dim*cfg.Vocab))
	b.TensorF32("output_norm.weight", []uint64{uint64(cfg.Dim)}, ones(cfg.Dim))
	if !cfg.TiedOutput {
		b.TensorF32("output.weight", []uint64{uint64(cfg.Dim), uint64(cfg.Vocab)},
			randTensor(cfg.Dim*cfg.Vocab))
	}

	for l := 0; l < cfg.Layers; l++ {
		prefix := fmt.Sprintf("blk.%d.", l)
		b.TensorF32(prefix+"attn_norm.weight", []uint64{uint64(cfg.Dim)}, ones(cfg.Dim))
		b.TensorF32(prefix+"attn_q.weight", []uint64{uint64(cfg.Dim), uint64(cfg.Dim)},
			randTensor(cfg.Dim*cfg.Dim))
		b.TensorF32(prefix+"attn_k.weight", []uint64{uint64(cfg.Dim), uint64(kvDim)},
			randTensor(cfg.Dim*kvDim))
		b.TensorF32(prefix+"attn_v.weight", []uint64{uint64(cfg.Dim), uint64(kvDim)},
			randTensor(cfg.Dim*kvDim))
		b.TensorF32(prefix+"attn_output.weight", []uint64{uint64(cfg.Dim), uint64(cfg.Dim)},
			randTensor(cfg.Dim*cfg.Dim))
		b.TensorF32(prefix+"ffn_norm.weight", []uint64{uint64(cfg.Dim)}, ones(cfg.Dim))
		b.TensorF32(prefix+"ffn_gate.weight", []uint64{uint64(cfg.Dim), uint64(cfg.HiddenDim)},
			randTensor(cfg.Dim*cfg.HiddenDim))
		b.TensorF32(prefix+"ffn_up.weight", []uint64{uint64(cfg.Dim), uint64(cfg.HiddenDim)},
			randTensor(cfg.Dim*cfg.HiddenDim))
		b.TensorF32(prefix+"ffn_down.weight", []uint64{uint64(cfg.HiddenDim), uint64(cfg.Dim)},
			randTensor(cfg.HiddenDim*cfg.Dim))
	}

	return b
}
