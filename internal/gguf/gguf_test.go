package gguf

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-lens/internal/gguf/gguftest"
)

func writeTestFile(t *testing.T, b *gguftest.Builder) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.gguf")
	if err := b.WriteFile(path); err != nil {
		t.Fatalf("write test gguf: %v", err)
	}
	return path
}

func TestGGMLTypeString(t *testing.T) {
	tests := []struct {
		typ  GGMLType
		want string
	}{
		{GGMLTypeF32, "F32"},
		{GGMLTypeF16, "F16"},
		{GGMLTypeQ8_0, "Q8_0"},
		{GGMLTypeQ3_K, "Q3_K"},
		{GGMLTypeQ4_K, "Q4_K"},
		{GGMLTypeQ6_K, "Q6_K"},
		{GGMLType(99), "UNKNOWN_TYPE_99"},
	}
	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("GGMLType(%d).String() = %q, want %q", uint32(tt.typ), got, tt.want)
		}
	}
}

func TestSizeBytes(t *testing.T) {
	tests := []struct {
		name string
		typ  GGMLType
		dims []uint64
		want uint64
	}{
		{"f32", GGMLTypeF32, []uint64{4, 8}, 128},
		{"f16", GGMLTypeF16, []uint64{4, 8}, 64},
		{"q8_0", GGMLTypeQ8_0, []uint64{32, 2}, 68},
		{"q4_k", GGMLTypeQ4_K, []uint64{256}, 144},
		{"q6_k", GGMLTypeQ6_K, []uint64{256, 2}, 420},
		{"q3_k", GGMLTypeQ3_K, []uint64{256}, 110},
		{"q4_0", GGMLTypeQ4_0, []uint64{64}, 36},
		{"q5_0", GGMLTypeQ5_0, []uint64{32}, 22},
		{"unknown size", GGMLTypeQ2_K, []uint64{256}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ti := &TensorInfo{Type: tt.typ, Dimensions: tt.dims}
			if got := ti.SizeBytes(); got != tt.want {
				t.Errorf("SizeBytes() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestOpenParsesFile(t *testing.T) {
	emb := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8}
	b := gguftest.NewBuilder().
		KV("general.architecture", "llama").
		KV("general.name", "tiny test model").
		KV("llama.block_count", uint32(2)).
		KV("llama.rope.freq_base", float32(10000)).
		KV("llama.attention.layer_norm_rms_epsilon", float64(1e-6)).
		KV("tokenizer.ggml.tokens", []string{"<unk>", "a", "b"}).
		KV("tokenizer.ggml.token_type", []int32{2, 1, 1}).
		KV("general.file_type", uint64(1)).
		KV("some.flag", true).
		TensorF32("token_embd.weight", []uint64{4, 2}, emb)

	path := writeTestFile(t, b)
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if f.Header.Version != 3 {
		t.Errorf("version = %d, want 3", f.Header.Version)
	}
	if f.Header.TensorCount != 1 || f.Header.KVCount != 9 {
		t.Errorf("counts = (%d, %d), want (1, 9)", f.Header.TensorCount, f.Header.KVCount)
	}

	if arch, ok := f.KVString("general.architecture"); !ok || arch != "llama" {
		t.Errorf("architecture = %q, %v", arch, ok)
	}
	if v, ok := f.KVUint("llama.block_count"); !ok || v != 2 {
		t.Errorf("block_count = %d, %v", v, ok)
	}
	if v, ok := f.KVFloat("llama.rope.freq_base"); !ok || v != 10000 {
		t.Errorf("freq_base = %v, %v", v, ok)
	}
	if v, ok := f.KVFloat("llama.attention.layer_norm_rms_epsilon"); !ok || math.Abs(v-1e-6) > 1e-12 {
		t.Errorf("eps = %v, %v", v, ok)
	}
	if v, ok := f.KVBool("some.flag"); !ok || !v {
		t.Errorf("flag = %v, %v", v, ok)
	}
	toks, ok := f.KVStrings("tokenizer.ggml.tokens")
	if !ok || len(toks) != 3 || toks[1] != "a" {
		t.Errorf("tokens = %v, %v", toks, ok)
	}
	types, ok := f.KVInts("tokenizer.ggml.token_type")
	if !ok || len(types) != 3 || types[0] != 2 {
		t.Errorf("token types = %v, %v", types, ok)
	}

	ti, err := f.Tensor("token_embd.weight")
	if err != nil {
		t.Fatalf("Tensor: %v", err)
	}
	if ti.Type != GGMLTypeF32 {
		t.Errorf("type = %v, want F32", ti.Type)
	}
	if len(ti.Dimensions) != 2 || ti.Dimensions[0] != 4 || ti.Dimensions[1] != 2 {
		t.Errorf("dims = %v, want [4 2]", ti.Dimensions)
	}

	got, err := f.TensorF32("token_embd.weight")
	if err != nil {
		t.Fatalf("TensorF32: %v", err)
	}
	for i, want := range emb {
		if got[i] != want {
			t.Errorf("value %d = %v, want %v", i, got[i], want)
		}
	}
}

func TestKVFallbackOrder(t *testing.T) {
	b := gguftest.NewBuilder().
		KV("qwen2.block_count", uint32(4)).
		TensorF32("x", []uint64{1}, []float32{1})
	path := writeTestFile(t, b)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if v, ok := f.KVUint("llama.block_count", "qwen2.block_count"); !ok || v != 4 {
		t.Errorf("fallback lookup = (%d, %v), want (4, true)", v, ok)
	}
	if _, ok := f.KVUint("nope.block_count"); ok {
		t.Error("expected missing key to report !ok")
	}
}

func TestOpenBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.gguf")
	raw := make([]byte, 64)
	copy(raw, "NOTGGUF!")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(path)
	var magicErr ErrInvalidMagic
	if !errors.As(err, &magicErr) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestOpenBadVersion(t *testing.T) {
	raw := gguftest.NewBuilder().
		TensorF32("x", []uint64{1}, []float32{1}).
		Bytes()
	binary.LittleEndian.PutUint32(raw[4:], 1)

	path := filepath.Join(t.TempDir(), "old.gguf")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(path)
	var verErr ErrUnsupportedVersion
	if !errors.As(err, &verErr) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
	if verErr.Version != 1 {
		t.Errorf("version in error = %d, want 1", verErr.Version)
	}
}

func TestOpenTruncatedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunc.gguf")
	if err := os.WriteFile(path, make([]byte, 10), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(path)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestTensorNotFound(t *testing.T) {
	path := writeTestFile(t, gguftest.NewBuilder().
		TensorF32("present", []uint64{1}, []float32{1}))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if !f.HasTensor("present") {
		t.Error("HasTensor(present) = false")
	}
	if f.HasTensor("absent") {
		t.Error("HasTensor(absent) = true")
	}

	_, err = f.Tensor("absent")
	var nfErr ErrTensorNotFound
	if !errors.As(err, &nfErr) {
		t.Fatalf("expected ErrTensorNotFound, got %v", err)
	}
	if nfErr.Name != "absent" {
		t.Errorf("name in error = %q", nfErr.Name)
	}
}

func TestTruncatedTensorData(t *testing.T) {
	raw := gguftest.NewBuilder().
		TensorF32("w", []uint64{16}, make([]float32, 16)).
		Bytes()

	path := filepath.Join(t.TempDir(), "short.gguf")
	if err := os.WriteFile(path, raw[:len(raw)-40], 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if _, err := f.TensorF32("w"); err == nil {
		t.Fatal("expected error for truncated tensor data")
	}
}

func TestCustomAlignment(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6, 7, 8}
	path := writeTestFile(t, gguftest.NewBuilder().
		KV("general.alignment", uint32(64)).
		TensorF32("a", []uint64{3}, a).
		TensorF32("b", []uint64{5}, b))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	gotA, err := f.TensorF32("a")
	if err != nil {
		t.Fatalf("TensorF32(a): %v", err)
	}
	gotB, err := f.TensorF32("b")
	if err != nil {
		t.Fatalf("TensorF32(b): %v", err)
	}
	for i := range a {
		if gotA[i] != a[i] {
			t.Errorf("a[%d] = %v, want %v", i, gotA[i], a[i])
		}
	}
	for i := range b {
		if gotB[i] != b[i] {
			t.Errorf("b[%d] = %v, want %v", i, gotB[i], b[i])
		}
	}
}

func TestTensorF16(t *testing.T) {
	vals := []float32{0.5, -1.25, 3.0, 0.0, 100.0, -0.0625}
	path := writeTestFile(t, gguftest.NewBuilder().
		TensorF16("w", []uint64{6}, vals))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	got, err := f.TensorF32("w")
	if err != nil {
		t.Fatalf("TensorF32: %v", err)
	}
	for i, want := range vals {
		if math.Abs(float64(got[i]-want)) > 1e-2 {
			t.Errorf("value %d = %v, want %v", i, got[i], want)
		}
	}
}

func TestFloat16Subnormal(t *testing.T) {
	// Smallest positive f16 subnormal is 2^-24.
	got := float16ToFloat32(0x0001)
	want := float32(math.Pow(2, -24))
	if math.Abs(float64(got-want))/float64(want) > 1e-6 {
		t.Errorf("subnormal = %g, want %g", got, want)
	}

	if got := float16ToFloat32(0x8000); got != 0 || !math.Signbit(float64(got)) {
		t.Errorf("negative zero = %g (signbit %v)", got, math.Signbit(float64(got)))
	}
	if got := float16ToFloat32(0x7C00); !math.IsInf(float64(got), 1) {
		t.Errorf("+inf decoded as %g", got)
	}
	if got := float16ToFloat32(0x7C01); !math.IsNaN(float64(got)) {
		t.Errorf("NaN decoded as %g", got)
	}
}

func TestDequantizeQ8_0(t *testing.T) {
	// One block: d (f16) then 32 int8 quants.
	block := make([]byte, 34)
	binary.LittleEndian.PutUint16(block[0:2], float32ToFloat16(0.5))
	for k := 0; k < 32; k++ {
		block[2+k] = byte(int8(k - 16))
	}

	got := DequantizeQ8_0(block, 32)
	if len(got) != 32 {
		t.Fatalf("len = %d, want 32", len(got))
	}
	for k := 0; k < 32; k++ {
		want := 0.5 * float32(k-16)
		if got[k] != want {
			t.Errorf("weight %d = %v, want %v", k, got[k], want)
		}
	}
}

func TestDequantizeQ4K(t *testing.T) {
	// One super-block: d=1, dmin=1, sub-block scales sc0=2 sc1=3, mins
	// m0=m1=1. qs[0]=0x51 puts q=1 at weight 0 (low nibble, scale sc0)
	// and q=5 at weight 32 (high nibble, scale sc1).
	block := make([]byte, 144)
	binary.LittleEndian.PutUint16(block[0:2], float32ToFloat16(1.0))
	binary.LittleEndian.PutUint16(block[2:4], float32ToFloat16(1.0))
	block[4] = 2
	block[5] = 3
	block[8] = 1
	block[9] = 1
	block[16] = 0x51

	got := DequantizeQ4K(block, 256)
	if len(got) != 256 {
		t.Fatalf("len = %d, want 256", len(got))
	}

	tests := []struct {
		idx  int
		want float32
	}{
		{0, 2*1 - 1},  // d*sc0*q - dmin*m0
		{1, -1},       // q=0
		{32, 3*5 - 1}, // high nibble, sc1
		{33, -1},
		{64, 0}, // sc2=0, m2=0
	}
	for _, tt := range tests {
		if got[tt.idx] != tt.want {
			t.Errorf("weight %d = %v, want %v", tt.idx, got[tt.idx], tt.want)
		}
	}
}

func TestDequantizeQ6K(t *testing.T) {
	// All quants zero decode to -32 before scaling. Distinct scales mark
	// which quarter of the first 128 weights each scale index covers.
	block := make([]byte, 210)
	block[192] = 1 // scale 0: weights 0..15
	block[194] = 2 // scale 2: weights 32..47
	block[196] = 3 // scale 4: weights 64..79
	block[198] = 4 // scale 6: weights 96..111
	binary.LittleEndian.PutUint16(block[208:210], float32ToFloat16(1.0))

	got := DequantizeQ6K(block, 256)
	if len(got) != 256 {
		t.Fatalf("len = %d, want 256", len(got))
	}

	tests := []struct {
		idx  int
		want float32
	}{
		{0, -32},
		{16, 0}, // scale 1 is zero
		{32, -64},
		{64, -96},
		{96, -128},
		{128, 0}, // second half scales all zero
	}
	for _, tt := range tests {
		if got[tt.idx] != tt.want {
			t.Errorf("weight %d = %v, want %v", tt.idx, got[tt.idx], tt.want)
		}
	}
}

func TestDequantizeQ3K(t *testing.T) {
	// Scale 0 encodes 33 (low nibble 1 in scales[0], high bits 0b10 in
	// scales[8]), so the effective multiplier is 33-32=1. Weight 0 has
	// q=3 with its high mask bit set (no subtraction); weight 1 has q=0
	// with the mask bit clear (subtract 4).
	block := make([]byte, 110)
	block[0] = 0x01  // hmask: bit 0 set for weight 0 only
	block[32] = 0x03 // qs[0]: q=3 for weight 0 at shift 0
	block[96] = 0x01
	block[104] = 0x02
	binary.LittleEndian.PutUint16(block[108:110], float32ToFloat16(1.0))

	got := DequantizeQ3K(block, 256)
	if len(got) != 256 {
		t.Fatalf("len = %d, want 256", len(got))
	}

	if got[0] != 3 {
		t.Errorf("weight 0 = %v, want 3", got[0])
	}
	if got[1] != -4 {
		t.Errorf("weight 1 = %v, want -4", got[1])
	}
	// Scale 1 is raw zero, so multiplier -32; weight 16 has q=0 and a
	// clear mask bit: (-32)*(-4) = 128.
	if got[16] != 128 {
		t.Errorf("weight 16 = %v, want 128", got[16])
	}
}

func TestQuantizedTensorThroughFile(t *testing.T) {
	block := make([]byte, 34)
	binary.LittleEndian.PutUint16(block[0:2], float32ToFloat16(2.0))
	for k := 0; k < 32; k++ {
		block[2+k] = byte(int8(k))
	}

	path := writeTestFile(t, gguftest.NewBuilder().
		TensorRaw("w", []uint64{32}, uint32(GGMLTypeQ8_0), block))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	got, err := f.TensorF32("w")
	if err != nil {
		t.Fatalf("TensorF32: %v", err)
	}
	if got[10] != 20.0 {
		t.Errorf("weight 10 = %v, want 20", got[10])
	}
}

func TestUnsupportedQuantType(t *testing.T) {
	path := writeTestFile(t, gguftest.NewBuilder().
		TensorRaw("w", []uint64{256}, uint32(GGMLTypeQ2_K), make([]byte, 256)))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if _, err := f.TensorF32("w"); err == nil {
		t.Fatal("expected error for undequantizable type")
	}
}

func TestInfo(t *testing.T) {
	path := writeTestFile(t, gguftest.NewBuilder().
		KV("general.architecture", "llama").
		KV("general.name", "probe").
		KV("llama.block_count", uint32(2)).
		KV("llama.embedding_length", uint32(8)).
		KV("llama.attention.head_count", uint32(2)).
		KV("llama.attention.head_count_kv", uint32(1)).
		KV("llama.feed_forward_length", uint32(16)).
		KV("llama.context_length", uint32(64)).
		KV("llama.rope.freq_base", float32(50000)).
		KV("llama.attention.layer_norm_rms_epsilon", float32(1e-6)).
		KV("llama.vocab_size", uint32(11)).
		TensorF32("token_embd.weight", []uint64{8, 11}, make([]float32, 88)))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	info := f.Info()
	if info.Architecture != "llama" || info.Name != "probe" {
		t.Errorf("identity = %q/%q", info.Architecture, info.Name)
	}
	if info.Layers != 2 || info.EmbeddingDim != 8 || info.FFNDim != 16 {
		t.Errorf("shape = layers %d dim %d ffn %d", info.Layers, info.EmbeddingDim, info.FFNDim)
	}
	if info.Heads != 2 || info.KVHeads != 1 {
		t.Errorf("heads = %d/%d, want 2/1", info.Heads, info.KVHeads)
	}
	if info.ContextLength != 64 || info.VocabSize != 11 {
		t.Errorf("ctx %d vocab %d", info.ContextLength, info.VocabSize)
	}
	if info.RopeTheta != 50000 {
		t.Errorf("rope theta = %v", info.RopeTheta)
	}
	if info.Quantization != "F32" {
		t.Errorf("quantization = %q, want F32", info.Quantization)
	}
	if info.TotalParams != 88 || info.TensorCount != 1 {
		t.Errorf("params %d tensors %d", info.TotalParams, info.TensorCount)
	}

	if s := info.String(); s == "" {
		t.Error("String() empty")
	}
}

func TestInfoDefaults(t *testing.T) {
	path := writeTestFile(t, gguftest.NewBuilder().
		KV("general.architecture", "llama").
		KV("llama.block_count", uint32(1)).
		KV("llama.attention.head_count", uint32(4)).
		TensorF32("token_embd.weight", []uint64{4, 7}, make([]float32, 28)))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	info := f.Info()
	if info.KVHeads != 4 {
		t.Errorf("KVHeads = %d, want head_count fallback 4", info.KVHeads)
	}
	if info.ContextLength != 2048 {
		t.Errorf("ContextLength = %d, want default 2048", info.ContextLength)
	}
	if info.RopeTheta != 10000 {
		t.Errorf("RopeTheta = %v, want default 10000", info.RopeTheta)
	}
	if info.NormEps != 1e-5 {
		t.Errorf("NormEps = %v, want default 1e-5", info.NormEps)
	}
	if info.VocabSize != 7 {
		t.Errorf("VocabSize = %d, want 7 from token_embd dims", info.VocabSize)
	}
}

func TestDominantQuant(t *testing.T) {
	path := writeTestFile(t, gguftest.NewBuilder().
		TensorF16("big.weight", []uint64{64}, make([]float32, 64)).
		TensorF32("small.weight", []uint64{4}, make([]float32, 4)))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if q := f.Info().Quantization; q != "F16" {
		t.Errorf("quantization = %q, want F16", q)
	}
}

func TestCheckLayout(t *testing.T) {
	path := writeTestFile(t, gguftest.NewBuilder().
		TensorF32("a", []uint64{4}, make([]float32, 4)).
		TensorF32("b", []uint64{8}, make([]float32, 8)))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if issues := f.CheckLayout(); len(issues) != 0 {
		t.Errorf("unexpected layout issues: %v", issues)
	}
}

func TestStats(t *testing.T) {
	vals := []float32{1, -3, 2.5, float32(math.NaN())}
	path := writeTestFile(t, gguftest.NewBuilder().
		TensorF32("w", []uint64{4}, vals))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	stats, err := f.Stats("w")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Min != -3 || stats.Max != 2.5 {
		t.Errorf("min/max = %v/%v, want -3/2.5", stats.Min, stats.Max)
	}
	if !stats.HasNaN {
		t.Error("HasNaN = false")
	}
	if stats.HasInf {
		t.Error("HasInf = true")
	}
	if math.Abs(stats.Mean-0.125) > 1e-9 {
		t.Errorf("mean = %v, want 0.125", stats.Mean)
	}

	if _, err := f.Stats("missing"); err == nil {
		t.Error("expected error for missing tensor")
	}
}

func TestTensorNames(t *testing.T) {
	path := writeTestFile(t, gguftest.NewBuilder().
		TensorF32("first", []uint64{1}, []float32{1}).
		TensorF32("second", []uint64{1}, []float32{2}))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	names := f.TensorNames()
	if len(names) != 2 || names[0] != "first" || names[1] != "second" {
		t.Errorf("names = %v", names)
	}
}

// Helper to convert float32 to float16 for hand-built quant blocks.
func float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := (bits >> 31) & 0x1
	exp := (bits >> 23) & 0xff
	mant := bits & 0x7fffff

	if exp == 0 {
		return uint16(sign << 15)
	} else if exp == 0xff {
		return uint16((sign << 15) | 0x7c00 | (mant >> 13))
	}

	newExp := int(exp) - 127 + 15
	if newExp < 0 {
		return uint16(sign << 15)
	} else if newExp >= 31 {
		return uint16((sign << 15) | 0x7c00)
	}

	return uint16((sign << 15) | (uint32(newExp) << 10) | (mant >> 13))
}
