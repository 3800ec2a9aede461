package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-lens/internal/metrics"
)

// K-quant super-blocks cover 256 weights.
const kBlockSize = 256

// TensorF32 returns the named tensor materialized as float32, dequantizing
// block formats as needed. The returned slice is freshly allocated except
// for F32 tensors smaller than the mmap tail, which are still copied so the
// result outlives Close.
func (f *File) TensorF32(name string) ([]float32, error) {
	t, err := f.Tensor(name)
	if err != nil {
		return nil, err
	}

	n := int(t.NumElements())
	size := t.SizeBytes()
	if size == 0 {
		return nil, fmt.Errorf("tensor %s: cannot dequantize type %s", name, t.Type)
	}
	if uint64(len(t.Data)) < size {
		return nil, fmt.Errorf("tensor %s: truncated data (%d < %d bytes)", name, len(t.Data), size)
	}

	start := time.Now()
	var out []float32
	switch t.Type {
	case GGMLTypeF32:
		out = DequantizeF32(t.Data, n)
	case GGMLTypeF16:
		out = DequantizeF16(t.Data, n)
	case GGMLTypeQ8_0:
		out = DequantizeQ8_0(t.Data, n)
	case GGMLTypeQ4_K:
		out = DequantizeQ4K(t.Data, n)
	case GGMLTypeQ6_K:
		out = DequantizeQ6K(t.Data, n)
	case GGMLTypeQ3_K:
		out = DequantizeQ3K(t.Data, n)
	default:
		return nil, fmt.Errorf("tensor %s: cannot dequantize type %s", name, t.Type)
	}
	metrics.RecordDequant(t.Type.String(), time.Since(start))
	return out, nil
}

// DequantizeF32 copies raw little-endian float32 data out of the mmap.
func DequantizeF32(data []byte, numElements int) []float32 {
	out := make([]float32, numElements)
	for i := 0; i < numElements; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

func DequantizeF16(data []byte, numElements int) []float32 {
	out := make([]float32, numElements)
	for i := 0; i < numElements; i++ {
		out[i] = float16ToFloat32(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// DequantizeQ8_0 converts Q8_0 data to float32.
// Layout (34 bytes per 32 weights): d (f16) followed by 32 int8 quants.
func DequantizeQ8_0(data []byte, numElements int) []float32 {
	const blockSizeBytes = 34
	numBlocks := numElements / 32
	out := make([]float32, numElements)

	for i := 0; i < numBlocks; i++ {
		blockOffset := i * blockSizeBytes
		if blockOffset+blockSizeBytes > len(data) {
			break
		}
		block := data[blockOffset : blockOffset+blockSizeBytes]

		d := float16ToFloat32(binary.LittleEndian.Uint16(block[0:2]))
		qs := block[2:34]

		for k := 0; k < 32; k++ {
			out[i*32+k] = d * float32(int8(qs[k]))
		}
	}
	return out
}

// DequantizeQ4K converts Q4_K data to float32.
// Layout (144 bytes per 256 weights):
// - d (f16): super-block scale
// - dmin (f16): super-block min
// - scales (12 bytes): 8 6-bit scales and 8 6-bit mins
// - qs (128 bytes): 4-bit quants
func DequantizeQ4K(data []byte, numElements int) []float32 {
	const blockSizeBytes = 144
	numBlocks := numElements / kBlockSize
	out := make([]float32, numElements)

	for i := 0; i < numBlocks; i++ {
		blockOffset := i * blockSizeBytes
		if blockOffset+blockSizeBytes > len(data) {
			break
		}
		block := data[blockOffset : blockOffset+blockSizeBytes]

		d := float16ToFloat32(binary.LittleEndian.Uint16(block[0:2]))
		dmin := float16ToFloat32(binary.LittleEndian.Uint16(block[2:4]))
		scales := block[4:16]
		qs := block[16:144]

		// get_scale_min_k4 unpacking from k_quants.c
		var sc [8]uint8
		var m [8]uint8
		for j := 0; j < 8; j++ {
			if j < 4 {
				sc[j] = scales[j] & 63
				m[j] = scales[j+4] & 63
			} else {
				sc[j] = (scales[j+4] & 0xF) | ((scales[j-4] >> 6) << 4)
				m[j] = (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
			}
		}

		// Weights come in groups of 64 sharing 32 qs bytes: low nibbles are
		// the first 32 weights (scale 2g), high nibbles the next 32 (scale
		// 2g+1).
		for g := 0; g < 4; g++ {
			q := qs[g*32 : g*32+32]
			d1 := d * float32(sc[2*g])
			m1 := dmin * float32(m[2*g])
			d2 := d * float32(sc[2*g+1])
			m2 := dmin * float32(m[2*g+1])

			base := i*kBlockSize + g*64
			for l := 0; l < 32; l++ {
				out[base+l] = d1*float32(q[l]&0xF) - m1
				out[base+32+l] = d2*float32(q[l]>>4) - m2
			}
		}
	}
	return out
}

// DequantizeQ6K converts Q6_K data to float32.
// Layout (210 bytes per 256 weights):
// - ql (128 bytes): low 4 bits
// - qh (64 bytes): high 2 bits
// - scales (16 bytes): 16 int8 scales
// - d (f16): super-scale
func DequantizeQ6K(data []byte, numElements int) []float32 {
	const blockSizeBytes = 210
	numBlocks := numElements / kBlockSize
	out := make([]float32, numElements)

	for i := 0; i < numBlocks; i++ {
		blockOffset := i * blockSizeBytes
		if blockOffset+blockSizeBytes > len(data) {
			break
		}
		block := data[blockOffset : blockOffset+blockSizeBytes]

		d := float16ToFloat32(binary.LittleEndian.Uint16(block[208:210]))

		// Two 128-weight halves. Within a half, ql byte l carries the low
		// 4 bits of weights l and l+64 (as nibbles), and qh byte l carries
		// the high 2 bits of weights l, l+32, l+64, l+96.
		for half := 0; half < 2; half++ {
			ql := block[half*64 : half*64+64]
			qh := block[128+half*32 : 128+half*32+32]
			sc := block[192+half*8 : 192+half*8+8]

			base := i*kBlockSize + half*128
			for l := 0; l < 32; l++ {
				is := l / 16
				q1 := int8((ql[l]&0xF)|((qh[l]>>0&3)<<4)) - 32
				q2 := int8((ql[l+32]&0xF)|((qh[l]>>2&3)<<4)) - 32
				q3 := int8((ql[l]>>4)|((qh[l]>>4&3)<<4)) - 32
				q4 := int8((ql[l+32]>>4)|((qh[l]>>6&3)<<4)) - 32

				out[base+l] = d * float32(int8(sc[is])) * float32(q1)
				out[base+l+32] = d * float32(int8(sc[is+2])) * float32(q2)
				out[base+l+64] = d * float32(int8(sc[is+4])) * float32(q3)
				out[base+l+96] = d * float32(int8(sc[is+6])) * float32(q4)
			}
		}
	}
	return out
}

// DequantizeQ3K converts Q3_K data to float32.
// Layout (110 bytes per 256 weights):
// - hmask (32 bytes): high bit of each 3-bit quant
// - qs (64 bytes): low 2 bits
// - scales (12 bytes): 16 6-bit scales
// - d (f16): super-scale
func DequantizeQ3K(data []byte, numElements int) []float32 {
	const blockSizeBytes = 110
	numBlocks := numElements / kBlockSize
	out := make([]float32, numElements)

	for i := 0; i < numBlocks; i++ {
		blockOffset := i * blockSizeBytes
		if blockOffset+blockSizeBytes > len(data) {
			break
		}
		block := data[blockOffset : blockOffset+blockSizeBytes]

		hmask := block[0:32]
		qs := block[32:96]
		scales := block[96:108]
		d := float16ToFloat32(binary.LittleEndian.Uint16(block[108:110]))

		// 12 bytes unpack to 16 6-bit scales: low 4 bits from the first 8
		// bytes (nibble-split), high 2 bits from the last 4 bytes.
		var sc [16]uint8
		for j := 0; j < 4; j++ {
			sc[j] = (scales[j] & 0xF) | ((scales[8+j] >> 0 & 3) << 4)
			sc[j+4] = (scales[j+4] & 0xF) | ((scales[8+j] >> 2 & 3) << 4)
			sc[j+8] = (scales[j] >> 4) | ((scales[8+j] >> 4 & 3) << 4)
			sc[j+12] = (scales[j+4] >> 4) | ((scales[8+j] >> 6 & 3) << 4)
		}

		// Weight w = 128h + 32j + 16g + l reads 2 bits from
		// qs[32h+16g+l] at shift 2j, and its high bit from hmask[16g+l]
		// at bit 4h+j. A clear high bit means subtract 4.
		for half := 0; half < 2; half++ {
			for j := 0; j < 4; j++ {
				hbit := uint8(1) << (4*half + j)
				for g := 0; g < 2; g++ {
					s := d * (float32(sc[8*half+2*j+g]) - 32.0)
					for l := 0; l < 16; l++ {
						q := int8(qs[32*half+16*g+l] >> (2 * j) & 3)
						if hmask[16*g+l]&hbit == 0 {
							q -= 4
						}
						out[i*kBlockSize+half*128+32*j+16*g+l] = s * float32(q)
					}
				}
			}
		}
	}
	return out
}

func float16ToFloat32(b uint16) float32 {
	sign := uint32(b&0x8000) << 16
	exp := uint32(b&0x7C00) >> 10
	frac := uint32(b&0x03FF) << 13

	if exp == 0 {
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		// subnormal
		f := float64(frac>>13) * math.Pow(2, -10)
		if sign != 0 {
			f = -f
		}
		return float32(f * math.Pow(2, -14))
	} else if exp == 0x1F {
		if frac == 0 {
			if sign != 0 {
				return float32(math.Inf(-1))
			}
			return float32(math.Inf(1))
		}
		return float32(math.NaN())
	}

	return math.Float32frombits(sign | ((exp + 112) << 23) | frac)
}
