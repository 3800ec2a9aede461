package gguf

import (
	"fmt"
	"math"
	"strings"
)

// Info summarizes the model described by a GGUF file. Values come from the
// architecture-prefixed KV section with llama-family fallbacks, so the same
// extraction works for llama, qwen2 and friends.
type Info struct {
	Architecture  string
	Name          string
	Layers        int
	EmbeddingDim  int
	Heads         int
	KVHeads       int
	FFNDim        int
	ContextLength int
	VocabSize     int
	RopeTheta     float32
	NormEps       float32
	Quantization  string
	TotalParams   int64
	TensorCount   int
	TensorBytes   int64
}

func (f *File) Info() *Info {
	info := &Info{
		TensorCount: len(f.Tensors),
	}

	arch, ok := f.KVString("general.architecture")
	if !ok {
		arch = "llama"
	}
	info.Architecture = arch

	info.Name, _ = f.KVString("general.name")

	if v, ok := f.KVUint(arch+".block_count", "llama.block_count"); ok {
		info.Layers = int(v)
	}
	if v, ok := f.KVUint(arch+".embedding_length", arch+".hidden_size", "llama.embedding_length"); ok {
		info.EmbeddingDim = int(v)
	}
	if v, ok := f.KVUint(arch+".attention.head_count", "llama.attention.head_count"); ok {
		info.Heads = int(v)
	}
	if v, ok := f.KVUint(arch+".attention.head_count_kv", "llama.attention.head_count_kv"); ok {
		info.KVHeads = int(v)
	} else {
		info.KVHeads = info.Heads
	}
	if v, ok := f.KVUint(arch+".feed_forward_length", "llama.feed_forward_length"); ok {
		info.FFNDim = int(v)
	}
	if v, ok := f.KVUint(arch+".context_length", "general.context_length"); ok {
		info.ContextLength = int(v)
	} else {
		info.ContextLength = 2048
	}
	if v, ok := f.KVFloat(arch+".rope.freq_base", "llama.rope.freq_base"); ok {
		info.RopeTheta = float32(v)
	} else {
		info.RopeTheta = 10000.0
	}
	if v, ok := f.KVFloat(arch+".attention.layer_norm_rms_epsilon", "llama.attention.layer_norm_rms_epsilon"); ok {
		info.NormEps = float32(v)
	} else {
		info.NormEps = 1e-5
	}

	info.VocabSize = f.vocabSize(arch)
	info.Quantization = f.dominantQuant()

	for _, t := range f.Tensors {
		info.TotalParams += int64(t.NumElements())
		info.TensorBytes += int64(t.SizeBytes())
	}

	return info
}

// vocabSize prefers the explicit KV entry, then the embedding tensor's row
// count, then the token list length.
func (f *File) vocabSize(arch string) int {
	if v, ok := f.KVUint(arch+".vocab_size", "llama.vocab_size"); ok {
		return int(v)
	}
	if t, err := f.Tensor("token_embd.weight"); err == nil && len(t.Dimensions) >= 2 {
		return int(t.Dimensions[1])
	}
	if toks, ok := f.KVStrings("tokenizer.ggml.tokens"); ok {
		return len(toks)
	}
	return 0
}

// dominantQuant reports the tensor type holding the most bytes, which is what
// people mean when they call a file "a Q4_K model" even though norms stay F32.
func (f *File) dominantQuant() string {
	bytesByType := make(map[GGMLType]uint64)
	for _, t := range f.Tensors {
		bytesByType[t.Type] += t.SizeBytes()
	}

	var best GGMLType
	var bestBytes uint64
	for typ, n := range bytesByType {
		if n > bestBytes || (n == bestBytes && typ < best) {
			best = typ
			bestBytes = n
		}
	}
	if bestBytes == 0 {
		return "unknown"
	}
	return best.String()
}

func (i *Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "architecture:    %s\n", i.Architecture)
	if i.Name != "" {
		fmt.Fprintf(&b, "name:            %s\n", i.Name)
	}
	fmt.Fprintf(&b, "layers:          %d\n", i.Layers)
	fmt.Fprintf(&b, "embedding dim:   %d\n", i.EmbeddingDim)
	fmt.Fprintf(&b, "heads:           %d (kv %d)\n", i.Heads, i.KVHeads)
	fmt.Fprintf(&b, "ffn dim:         %d\n", i.FFNDim)
	fmt.Fprintf(&b, "context length:  %d\n", i.ContextLength)
	fmt.Fprintf(&b, "vocab size:      %d\n", i.VocabSize)
	fmt.Fprintf(&b, "rope theta:      %g\n", i.RopeTheta)
	fmt.Fprintf(&b, "norm eps:        %g\n", i.NormEps)
	fmt.Fprintf(&b, "quantization:    %s\n", i.Quantization)
	fmt.Fprintf(&b, "tensors:         %d (%.2fB params, %.2f GB)\n",
		i.TensorCount, float64(i.TotalParams)/1e9, float64(i.TensorBytes)/1e9)
	return b.String()
}

// CheckLayout verifies that tensor data regions are sized and ordered
// consistently. It returns one message per problem found.
func (f *File) CheckLayout() []string {
	var issues []string

	sorted := f.SortedTensors()
	var prevEnd uint64
	for i, t := range sorted {
		size := t.SizeBytes()
		if size == 0 {
			issues = append(issues,
				fmt.Sprintf("tensor %d (%s): unknown size for type %s", i, t.Name, t.Type))
			continue
		}
		if t.Offset < prevEnd {
			issues = append(issues,
				fmt.Sprintf("tensor %d (%s): offset %d overlaps previous tensor ending at %d",
					i, t.Name, t.Offset, prevEnd))
		}
		if uint64(len(t.Data)) < size {
			issues = append(issues,
				fmt.Sprintf("tensor %d (%s): data truncated, need %d bytes have %d",
					i, t.Name, size, len(t.Data)))
		}
		prevEnd = t.Offset + size
	}

	return issues
}

// TensorStats holds summary statistics for one dequantized tensor.
type TensorStats struct {
	Name     string
	Type     string
	Elements uint64
	Bytes    uint64
	Min      float64
	Max      float64
	Mean     float64
	HasNaN   bool
	HasInf   bool
}

// Stats dequantizes the named tensor and computes its value statistics.
func (f *File) Stats(name string) (*TensorStats, error) {
	t, err := f.Tensor(name)
	if err != nil {
		return nil, err
	}

	data, err := f.TensorF32(name)
	if err != nil {
		return nil, err
	}

	stats := &TensorStats{
		Name:     t.Name,
		Type:     t.Type.String(),
		Elements: t.NumElements(),
		Bytes:    t.SizeBytes(),
	}
	if len(data) == 0 {
		return stats, nil
	}

	stats.Min = float64(data[0])
	stats.Max = float64(data[0])
	sum := 0.0
	for _, v := range data {
		fv := float64(v)
		if math.IsNaN(fv) {
			stats.HasNaN = true
			continue
		}
		if math.IsInf(fv, 0) {
			stats.HasInf = true
			continue
		}
		if fv < stats.Min {
			stats.Min = fv
		}
		if fv > stats.Max {
			stats.Max = fv
		}
		sum += fv
	}
	stats.Mean = sum / float64(len(data))

	return stats, nil
}

// TensorNames returns all tensor names in file order.
func (f *File) TensorNames() []string {
	names := make([]string, 0, len(f.Tensors))
	for _, t := range f.Tensors {
		names = append(names, t.Name)
	}
	return names
}
