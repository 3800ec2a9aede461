package lens

import (
	"math"
	"sort"
)

// rankOf returns the 1-based rank of target within logits: 1 plus the
// number of vocabulary entries with strictly greater logit value, so tied
// entries share the best rank.
func rankOf(logits []float32, target int) int32 {
	t := logits[target]
	rank := int32(1)
	for _, v := range logits {
		if v > t {
			rank++
		}
	}
	return rank
}

// logSoftmax returns log(softmax(logits)) with max subtraction, summing in
// float64 so large vocabularies stay stable.
func logSoftmax(logits []float32) []float32 {
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v - max))
	}
	logSum := math.Log(sum)

	out := make([]float32, len(logits))
	for i, v := range logits {
		out[i] = float32(float64(v-max) - logSum)
	}
	return out
}

// klDivergence computes KL(y ‖ x) with both operands in log space:
// sum over the vocabulary of exp(y_v) * (y_v - x_v). Identical slices give
// exactly zero.
func klDivergence(x, y []float32) float32 {
	var sum float64
	for v := range y {
		sum += math.Exp(float64(y[v])) * float64(y[v]-x[v])
	}
	return float32(sum)
}

// TokenLogit pairs a vocabulary ID with its logit value.
type TokenLogit struct {
	ID    int     `json:"id"`
	Logit float32 `json:"logit"`
}

// TopK returns the k highest-logit vocabulary entries in descending order.
// Ties break toward the lower ID so repeated runs order identically.
func TopK(logits []float32, k int) []TokenLogit {
	if k <= 0 {
		return nil
	}
	if k > len(logits) {
		k = len(logits)
	}
	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		if logits[idx[a]] != logits[idx[b]] {
			return logits[idx[a]] > logits[idx[b]]
		}
		return idx[a] < idx[b]
	})

	out := make([]TokenLogit, k)
	for i := 0; i < k; i++ {
		out[i] = TokenLogit{ID: idx[i], Logit: logits[idx[i]]}
	}
	return out
}
