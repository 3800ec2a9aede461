// Package export turns analysis results into their external forms: a JSON
// report with per-layer top-k previews, an Arrow IPC file of the derived
// metrics, and a Flight publisher that ships the same record batch to a
// collector.
package export

import (
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/23skdu/longbow-lens/internal/lens"
	"github.com/23skdu/longbow-lens/internal/logger"
	"github.com/23skdu/longbow-lens/internal/metrics"
	"github.com/23skdu/longbow-lens/internal/tokenizer"
)

// DefaultTopK bounds the per-position preview size when the caller does
// not choose one.
const DefaultTopK = 5

// Report is the JSON document describing one analysis run. Full logit
// grids are deliberately absent: previews carry the interpretable part,
// the Arrow exports carry the bulk numbers.
type Report struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	Device    string    `json:"device"`
	Sentence  string    `json:"sentence"`

	NumLayers int `json:"num_layers"`
	VocabSize int `json:"vocab_size"`
	Positions int `json:"positions"`

	Tokens []TokenInfo   `json:"tokens"`
	Layers []LayerReport `json:"layers"`

	ElapsedMS float64 `json:"elapsed_ms"`
}

// TokenInfo names one vocabulary entry.
type TokenInfo struct {
	ID    int    `json:"id"`
	Piece string `json:"piece"`
}

// LayerReport is one layer's view of the run.
type LayerReport struct {
	Layer     int            `json:"layer"`
	Audit     AuditInfo      `json:"audit"`
	Positions []PositionView `json:"positions"`
}

// AuditInfo is the serialized form of a layer audit.
type AuditInfo struct {
	Max     float32 `json:"max"`
	Min     float32 `json:"min"`
	Mean    float32 `json:"mean"`
	RMS     float32 `json:"rms"`
	NaNs    int     `json:"nans"`
	Infs    int     `json:"infs"`
	Extreme bool    `json:"extreme"`
	Flat    bool    `json:"flat"`
}

// PositionView is one (layer, position) cell: the target token, its rank
// and KL when computed, and the layer's top-k prediction preview.
type PositionView struct {
	Position int            `json:"position"`
	Target   TokenInfo      `json:"target"`
	Rank     *int32         `json:"rank,omitempty"`
	KL       *float32       `json:"kl,omitempty"`
	Top      []TokenPreview `json:"top"`
}

// TokenPreview is one entry of a top-k preview.
type TokenPreview struct {
	ID    int     `json:"id"`
	Piece string  `json:"piece"`
	Logit float32 `json:"logit"`
}

// BuildReport assembles the JSON document for a result. The tokenizer
// renders vocabulary ids as display pieces for targets and previews.
func BuildReport(res *lens.Result, tok tokenizer.Tokenizer, topK int) *Report {
	if topK <= 0 {
		topK = DefaultTopK
	}

	tokens := make([]TokenInfo, len(res.TokenIDs))
	for i, id := range res.TokenIDs {
		tokens[i] = TokenInfo{ID: id, Piece: res.Tokens[i]}
	}

	layers := make([]LayerReport, res.NumLayers)
	for l := 0; l < res.NumLayers; l++ {
		lr := LayerReport{
			Layer:     l,
			Positions: make([]PositionView, res.Positions),
		}
		if l < len(res.Audits) {
			a := res.Audits[l]
			lr.Audit = AuditInfo{
				Max: a.Max, Min: a.Min, Mean: a.Mean, RMS: a.RMS,
				NaNs: a.NaNs, Infs: a.Infs, Extreme: a.HasExtreme, Flat: a.IsFlat,
			}
		}
		for p := 0; p < res.Positions; p++ {
			target := res.TargetIDs[p]
			view := PositionView{
				Position: p,
				Target:   TokenInfo{ID: target, Piece: tok.Piece(target)},
			}
			if res.Ranks != nil {
				r := res.Ranks[l][p]
				view.Rank = &r
			}
			if res.KL != nil {
				k := res.KL[l][p]
				view.KL = &k
			}
			top := lens.TopK(res.Logits[l][p], topK)
			view.Top = make([]TokenPreview, len(top))
			for i, tl := range top {
				view.Top[i] = TokenPreview{ID: tl.ID, Piece: tok.Piece(tl.ID), Logit: tl.Logit}
			}
			lr.Positions[p] = view
		}
		layers[l] = lr
	}

	return &Report{
		RunID:     res.RunID,
		CreatedAt: time.Now().UTC(),
		Device:    res.Device,
		Sentence:  res.Sentence,
		NumLayers: res.NumLayers,
		VocabSize: res.VocabSize,
		Positions: res.Positions,
		Tokens:    tokens,
		Layers:    layers,
		ElapsedMS: float64(res.Elapsed.Microseconds()) / 1000,
	}
}

// WriteJSON writes an indented report file.
func WriteJSON(path string, rep *Report) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	metrics.RecordExport("json", len(data))
	logger.Log.Info("wrote JSON report", "path", path, "bytes", len(data), "run_id", rep.RunID)
	return nil
}
