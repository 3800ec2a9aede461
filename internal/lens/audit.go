package lens

import (
	"fmt"
	"math"
)

// extremeLogit marks logit magnitudes that indicate numerical trouble in a
// captured distribution. Healthy transformer logits sit orders of
// magnitude below it.
const extremeLogit = 1e4

// LayerAudit summarizes the numerical health of one layer's captured
// logits: NaN/Inf counts, extreme magnitudes, and flat (near-constant)
// distributions that would make rank and KL artifacts meaningless.
type LayerAudit struct {
	Layer int

	Max  float32
	Min  float32
	Mean float32
	RMS  float32

	NaNs       int
	Infs       int
	HasExtreme bool

	IsFlat        bool
	FlatnessRatio float32
}

func (a LayerAudit) healthy() bool {
	return a.NaNs == 0 && a.Infs == 0 && !a.HasExtreme && !a.IsFlat
}

func (a LayerAudit) String() string {
	return fmt.Sprintf("layer %d: max=%.4f min=%.4f mean=%.4f rms=%.4f nans=%d infs=%d extreme=%v flat=%v",
		a.Layer, a.Max, a.Min, a.Mean, a.RMS, a.NaNs, a.Infs, a.HasExtreme, a.IsFlat)
}

// auditLogits scans one layer's flat [positions × vocab] capture. It never
// fails the analysis; findings surface through logs and metrics.
func auditLogits(layer int, logits []float32) LayerAudit {
	a := LayerAudit{Layer: layer}
	if len(logits) == 0 {
		return a
	}

	var sum, sumSq float64
	minVal, maxVal := float32(math.MaxFloat32), float32(-math.MaxFloat32)
	for _, v := range logits {
		if math.IsNaN(float64(v)) {
			a.NaNs++
			continue
		}
		if math.IsInf(float64(v), 0) {
			a.Infs++
			continue
		}
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
		sum += float64(v)
		sumSq += float64(v) * float64(v)
	}

	finite := len(logits) - a.NaNs - a.Infs
	if finite == 0 {
		a.HasExtreme = true
		return a
	}

	a.Max = maxVal
	a.Min = minVal
	a.Mean = float32(sum / float64(finite))
	a.RMS = float32(math.Sqrt(sumSq / float64(finite)))
	a.HasExtreme = a.NaNs > 0 || a.Infs > 0 ||
		math.Abs(float64(a.Max)) > extremeLogit || math.Abs(float64(a.Min)) > extremeLogit

	// A constant distribution has variance zero: RMS² ≈ Mean². Flat logits
	// mean the head is not discriminating at this layer.
	if a.Mean != 0 {
		variance := a.RMS*a.RMS - a.Mean*a.Mean
		a.IsFlat = math.Abs(float64(variance)) < 0.01
		a.FlatnessRatio = a.RMS / float32(math.Abs(float64(a.Mean)))
	} else if a.RMS < 1e-3 {
		a.IsFlat = true
	}

	return a
}
