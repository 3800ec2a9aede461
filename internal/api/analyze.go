package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/23skdu/longbow-lens/internal/export"
	"github.com/23skdu/longbow-lens/internal/lens"
)

// AnalyzeRequest selects the sentence and the artifacts for one run.
type AnalyzeRequest struct {
	Sentence     string `json:"sentence"`
	Ranks        bool   `json:"ranks"`
	KL           bool   `json:"kl"`
	IncludeInput bool   `json:"include_input"`
	TopK         int    `json:"top_k"`
}

// AnalyzeResponse is the report document. The raw logits grid is elided
// unless the request asks for it with ?full=1.
type AnalyzeResponse struct {
	*export.Report
	Logits [][][]float32 `json:"logits,omitempty"`
}

func (s *Server) handleAnalyze(c *echo.Context) error {
	req, err := decodeJSON[AnalyzeRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if strings.TrimSpace(req.Sentence) == "" {
		return writeBadRequest(c, "sentence is required")
	}
	if req.TopK < 0 {
		return writeBadRequest(c, "top_k must be non-negative")
	}

	s.mu.Lock()
	res, err := lens.Analyze(s.model, s.tok, req.Sentence, lens.Options{
		ComputeRanks: req.Ranks,
		ComputeKL:    req.KL,
		IncludeInput: req.IncludeInput,
	})
	s.mu.Unlock()
	if err != nil {
		reqLog(c).Error("analysis failed", "error", err)
		return writeError(c, http.StatusInternalServerError, "analysis_error", err.Error())
	}

	resp := AnalyzeResponse{Report: export.BuildReport(res, s.tok, req.TopK)}
	if c.QueryParam("full") == "1" {
		resp.Logits = res.Logits
	}
	reqLog(c).Debug("analysis served", "run_id", resp.RunID, "layers", resp.NumLayers)
	return c.JSON(http.StatusOK, resp)
}
