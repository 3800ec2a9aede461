package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalAnalyses atomic.Int64

var (
	AnalysisTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lens_analysis_total",
		Help: "The total number of lens analyses run",
	})

	AnalysisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lens_analysis_errors_total",
		Help: "Total number of failed analyses by stage",
	}, []string{"stage"})

	AnalysisDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "lens_analysis_duration_seconds",
		Help: "Duration of complete lens analyses",
	})

	ForwardDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "lens_forward_duration_seconds",
		Help: "Duration of instrumented forward passes",
	})

	SequenceLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lens_sequence_length_tokens",
		Help:    "Distribution of analyzed sequence lengths",
		Buckets: []float64{2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})

	LayersCaptured = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lens_layers_captured",
		Help:    "Number of layer captures per forward pass",
		Buckets: []float64{1, 2, 4, 8, 16, 24, 32, 48, 64, 80},
	})

	HookFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lens_hook_failures_total",
		Help: "Count of layer hooks that failed or never fired",
	})

	// ===== Model Loading Metrics =====

	ModelLoadDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "lens_model_load_duration_seconds",
		Help: "Duration of GGUF model loads",
	})

	ModelTensorsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lens_model_tensors_loaded",
		Help: "Number of tensors materialized from the current model",
	})

	ModelLayers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lens_model_layers",
		Help: "Transformer block count of the current model",
	})

	DequantDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lens_dequant_duration_seconds",
		Help:    "Histogram of tensor dequantization times by quant type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// ===== Tokenizer Metrics =====

	TokenizerEncodeLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lens_tokenizer_encode_length",
		Help:    "Token count produced per encode call",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})

	TokenizerUnknownTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lens_tokenizer_unknown_total",
		Help: "Total count of unknown-token fallbacks during encoding",
	})

	// ===== Derived Metric Distributions =====

	TargetRank = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lens_target_rank",
		Help:    "Rank of the true next token in a layer's logit distribution",
		Buckets: []float64{1, 2, 3, 5, 10, 50, 100, 1000, 10000, 100000},
	}, []string{"layer_kind"})

	FinalLayerTopHit = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lens_final_layer_top_hit_total",
		Help: "Count of positions where the final layer ranks the target first",
	})

	KLToFinal = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lens_kl_to_final",
		Help:    "KL divergence between a layer's distribution and the final layer's",
		Buckets: []float64{0, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 50},
	}, []string{"layer_kind"})

	// ===== Logit Audit Metrics =====

	LogitMaxValue = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lens_logit_max_value",
		Help:    "Maximum logit value observed per layer capture",
		Buckets: []float64{-100, -50, -20, -10, -5, 0, 5, 10, 20, 50, 100, 500, 1000},
	})

	LogitNaNCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lens_logit_nan_total",
		Help: "Total count of NaN values in captured logits",
	})

	LogitExtremeValues = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lens_logit_extreme_total",
		Help: "Count of layer captures with extreme logit values",
	})

	LogitFlatDistribution = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lens_logit_flat_total",
		Help: "Count of flat (near-zero variance) layer captures",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lens_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected by origin",
	}, []string{"origin", "type"})

	// ===== Export Metrics =====

	ExportBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lens_export_bytes_total",
		Help: "Total bytes written by exporters",
	}, []string{"format"})

	FlightPublishTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lens_flight_publish_total",
		Help: "Total number of result records pushed over Flight",
	})

	FlightPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lens_flight_publish_errors_total",
		Help: "Total number of failed Flight publishes",
	})

	// ===== HTTP API Metrics =====

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lens_http_request_duration_seconds",
		Help:    "Duration of API requests by route and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)

func RecordAnalysis(layers, positions int, duration time.Duration) {
	AnalysisTotal.Inc()
	totalAnalyses.Add(1)
	AnalysisDuration.Observe(duration.Seconds())
	LayersCaptured.Observe(float64(layers))
	SequenceLength.Observe(float64(positions))
}

func RecordAnalysisError(stage string) {
	AnalysisErrors.WithLabelValues(stage).Inc()
}

func RecordForward(duration time.Duration) {
	ForwardDuration.Observe(duration.Seconds())
}

func RecordModelLoad(tensors, layers int, duration time.Duration) {
	ModelLoadDuration.Observe(duration.Seconds())
	ModelTensorsLoaded.Set(float64(tensors))
	ModelLayers.Set(float64(layers))
}

func RecordDequant(quantType string, duration time.Duration) {
	DequantDuration.WithLabelValues(quantType).Observe(duration.Seconds())
}

func RecordTokenizerEncode(length int, unknownCount int) {
	TokenizerEncodeLength.Observe(float64(length))
	if unknownCount > 0 {
		TokenizerUnknownTokens.Add(float64(unknownCount))
	}
}

// RecordRanks records the rank grid. The final layer is tracked separately
// from intermediate layers so dashboards can tell convergence from noise.
func RecordRanks(ranks [][]int32) {
	if len(ranks) == 0 {
		return
	}
	final := len(ranks) - 1
	for l, row := range ranks {
		kind := "intermediate"
		if l == final {
			kind = "final"
		}
		for _, r := range row {
			TargetRank.WithLabelValues(kind).Observe(float64(r))
			if l == final && r == 1 {
				FinalLayerTopHit.Inc()
			}
		}
	}
}

// RecordKL records the KL-to-final grid with the same layer split as RecordRanks.
func RecordKL(kl [][]float32) {
	if len(kl) == 0 {
		return
	}
	final := len(kl) - 1
	for l, row := range kl {
		kind := "intermediate"
		if l == final {
			kind = "final"
		}
		for _, v := range row {
			KLToFinal.WithLabelValues(kind).Observe(float64(v))
		}
	}
}

// RecordLogitAudit records per-capture logit audit results
func RecordLogitAudit(max float32, hasNaN, hasExtreme, isFlat bool) {
	LogitMaxValue.Observe(float64(max))
	if hasNaN {
		LogitNaNCount.Inc()
	}
	if hasExtreme {
		LogitExtremeValues.Inc()
	}
	if isFlat {
		LogitFlatDistribution.Inc()
	}
}

func RecordNumericalInstability(origin string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(origin, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(origin, "inf").Add(float64(infCount))
	}
}

func RecordExport(format string, bytes int) {
	ExportBytes.WithLabelValues(format).Add(float64(bytes))
}

func RecordFlightPublish(err error) {
	FlightPublishTotal.Inc()
	if err != nil {
		FlightPublishErrors.Inc()
	}
}

func RecordHTTPRequest(route string, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(route, status).Observe(duration.Seconds())
}

// TotalAnalyses returns the process-lifetime analysis count.
func TotalAnalyses() int64 {
	return totalAnalyses.Load()
}
