// Package api serves a loaded model over HTTP: an analyze route, a
// health probe, and the Prometheus exposition endpoint.
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-lens/internal/lens"
	"github.com/23skdu/longbow-lens/internal/logger"
	"github.com/23skdu/longbow-lens/internal/metrics"
	"github.com/23skdu/longbow-lens/internal/tokenizer"
)

// Server exposes one loaded model. Analyze requests are serialized with
// a mutex: the model runner does not support concurrent forward passes.
type Server struct {
	mu    sync.Mutex
	model lens.ModelRunner
	tok   tokenizer.Tokenizer
}

func NewServer(m lens.ModelRunner, tok tokenizer.Tokenizer) *Server {
	return &Server{model: m, tok: tok}
}

// Register installs the request middleware and all routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.Use(requestMiddleware)
	e.POST("/v1/analyze", s.handleAnalyze)
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// HealthResponse reports the loaded model and process counters.
type HealthResponse struct {
	Status    string `json:"status"`
	Device    string `json:"device"`
	Layers    int    `json:"layers"`
	VocabSize int    `json:"vocab_size"`
	Analyses  int64  `json:"analyses_total"`
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Device:    s.model.Device(),
		Layers:    s.model.NumLayers(),
		VocabSize: s.model.VocabSize(),
		Analyses:  metrics.TotalAnalyses(),
	})
}

const requestLoggerKey = "request_logger"

// requestMiddleware tags every request with a uuid, logs it with timing,
// and feeds the route metrics.
func requestMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		start := time.Now()
		reqID := uuid.NewString()
		c.Response().Header().Set("X-Request-ID", reqID)
		log := logger.Log.With("request_id", reqID)
		c.Set(requestLoggerKey, log)

		err := next(c)

		// c.Response() is the raw http.ResponseWriter in v5; the status
		// lives on the unwrapped *echo.Response.
		status := http.StatusOK
		if res, uerr := echo.UnwrapResponse(c.Response()); uerr == nil {
			status = res.Status
		}
		if err != nil {
			status = http.StatusInternalServerError
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
		}
		elapsed := time.Since(start)
		metrics.RecordHTTPRequest(c.Request().URL.Path, strconv.Itoa(status), elapsed)
		log.Info("request handled",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", status,
			"elapsed", elapsed)
		return err
	}
}

// reqLog returns the request-scoped logger installed by the middleware.
func reqLog(c *echo.Context) *logger.Logger {
	if l, ok := c.Get(requestLoggerKey).(*logger.Logger); ok {
		return l
	}
	return logger.Log
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{"error": errorBody{Message: msg, Type: errType}})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var v T
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return v, fmt.Errorf("invalid JSON body: %w", err)
	}
	return v, nil
}
