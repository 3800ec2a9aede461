package model

import (
	"math"
	"runtime"
	"sync"
)

// matmulT computes out = in · Wᵀ for row-major in [rows × k] and W
// [outCols × k], the layout GGUF stores projection weights in. Output
// columns are chunked across goroutines; every output value is a single
// sequential dot product, so results do not depend on scheduling.
func matmulT(in, w []float32, rows, k, outCols int, out []float32) {
	parallelism := runtime.NumCPU()
	chunk := (outCols + parallelism - 1) / parallelism
	var wg sync.WaitGroup
	for start := 0; start < outCols; start += chunk {
		end := start + chunk
		if end > outCols {
			end = outCols
		}
		wg.Add(1)
		go func(colStart, colEnd int) {
			defer wg.Done()
			for r := 0; r < rows; r++ {
				inRow := in[r*k : (r+1)*k]
				outRow := out[r*outCols : (r+1)*outCols]
				for c := colStart; c < colEnd; c++ {
					wRow := w[c*k : (c+1)*k]
					var sum float32
					for i, x := range inRow {
						sum += x * wRow[i]
					}
					outRow[c] = sum
				}
			}
		}(start, end)
	}
	wg.Wait()
}

// rmsNorm normalizes one row and applies the elementwise weight.
func rmsNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	scale := float32(1.0) / float32(math.Sqrt(float64(sum/float32(len(src)))+float64(eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// rope applies rotary position embedding in place over x, laid out
// [seqLen × heads*headDim]. Pairs are split-half within each head:
// (i, i+headDim/2) rotates by pos * theta^(-2i/headDim).
func rope(x []float32, seqLen, heads, headDim int, theta float32) {
	half := headDim / 2
	width := heads * headDim

	freqs := make([]float64, half)
	for i := 0; i < half; i++ {
		freqs[i] = math.Pow(float64(theta), -2.0*float64(i)/float64(headDim))
	}

	for pos := 0; pos < seqLen; pos++ {
		row := x[pos*width : (pos+1)*width]
		for h := 0; h < heads; h++ {
			head := row[h*headDim : (h+1)*headDim]
			for i := 0; i < half; i++ {
				angle := float64(pos) * freqs[i]
				cos := float32(math.Cos(angle))
				sin := float32(math.Sin(angle))
				x0 := head[i]
				x1 := head[i+half]
				head[i] = x0*cos - x1*sin
				head[i+half] = x0*sin + x1*cos
			}
		}
	}
}

// attention runs causal softmax attention over the whole sequence.
// q is [seqLen × heads*headDim]; k and v are [seqLen × kvHeads*headDim].
// Query head h reads kv head h/(heads/kvHeads). Heads are chunked across
// goroutines and write disjoint regions of out.
func attention(q, k, v []float32, seqLen, heads, kvHeads, headDim int, out []float32) {
	group := heads / kvHeads
	qWidth := heads * headDim
	kvWidth := kvHeads * headDim
	invScale := float32(1.0 / math.Sqrt(float64(headDim)))

	parallelism := runtime.NumCPU()
	chunk := (heads + parallelism - 1) / parallelism
	var wg sync.WaitGroup
	for start := 0; start < heads; start += chunk {
		end := start + chunk
		if end > heads {
			end = heads
		}
		wg.Add(1)
		go func(hStart, hEnd int) {
			defer wg.Done()
			scores := make([]float32, seqLen)
			for h := hStart; h < hEnd; h++ {
				kvh := h / group
				for i := 0; i < seqLen; i++ {
					qRow := q[i*qWidth+h*headDim:][:headDim]
					for j := 0; j <= i; j++ {
						kRow := k[j*kvWidth+kvh*headDim:][:headDim]
						var dot float32
						for d := 0; d < headDim; d++ {
							dot += qRow[d] * kRow[d]
						}
						scores[j] = dot * invScale
					}
					softmax(scores[:i+1])

					outRow := out[i*qWidth+h*headDim:][:headDim]
					for d := range outRow {
						outRow[d] = 0
					}
					for j := 0; j <= i; j++ {
						vRow := v[j*kvWidth+kvh*headDim:][:headDim]
						s := scores[j]
						for d := 0; d < headDim; d++ {
							outRow[d] += s * vRow[d]
						}
					}
				}
			}
		}(start, end)
	}
	wg.Wait()
}

// softmax normalizes x in place with max subtraction.
func softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		inv := float32(1.0) / sum
		for i := range x {
			x[i] *= inv
		}
	}
}

// swiglu computes silu(gate) * up elementwise into gate.
func swiglu(gate, up []float32) {
	for i := range gate {
		g := gate[i]
		sig := float32(1.0) / (float32(1.0) + float32(math.Exp(float64(-g))))
		gate[i] = g * sig * up[i]
	}
}

// embed gathers token embedding rows into out.
func embed(emb []float32, ids []int, dim int, out []float32) {
	for i, id := range ids {
		copy(out[i*dim:(i+1)*dim], emb[id*dim:(id+1)*dim])
	}
}
