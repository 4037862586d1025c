package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	generationRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "textql_generation_requests_total",
			Help: "Total number of SQL generation requests by result code.",
		},
		[]string{"code"},
	)
	generationLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "textql_generation_latency_ms",
			Help:    "End-to-end SQL generation latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 20000},
		},
	)
	modelLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "textql_model_latency_ms",
			Help:    "Language model round trip latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 20000},
		},
	)
	validationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "textql_validation_rejections_total",
			Help: "Total number of model outputs rejected by the SQL guard, by reason.",
		},
		[]string{"reason"},
	)
	examplesRetrieved = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "textql_examples_retrieved",
			Help:    "Number of similar examples placed in each prompt.",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		},
	)
	tokensIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "textql_tokens_issued_total",
			Help: "Total number of query tokens issued.",
		},
	)
	tokenResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "textql_token_resolutions_total",
			Help: "Total number of token resolutions by outcome.",
		},
		[]string{"outcome"},
	)
	tokensActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "textql_tokens_active",
			Help: "Current number of tokens held by the token store.",
		},
	)
	tokensPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "textql_tokens_purged_total",
			Help: "Total number of expired or consumed tokens purged.",
		},
	)
	executionLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "textql_execution_latency_ms",
			Help:    "Validated query execution latency in milliseconds by outcome.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"outcome"},
	)
	feedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "textql_feedback_total",
			Help: "Total number of feedback records by verdict.",
		},
		[]string{"verdict"},
	)
	examplesAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "textql_examples_appended_total",
			Help: "Total number of examples appended to the similarity index by source.",
		},
		[]string{"source"},
	)
	archiveRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "textql_archive_runs_total",
			Help: "Total number of feedback archive runs by result.",
		},
		[]string{"result"},
	)
	archiveRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "textql_archive_records_total",
			Help: "Total number of feedback records written to the archive.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		generationRequestsTotal,
		generationLatencyMs,
		modelLatencyMs,
		validationRejectionsTotal,
		examplesRetrieved,
		tokensIssuedTotal,
		tokenResolutionsTotal,
		tokensActive,
		tokensPurgedTotal,
		executionLatencyMs,
		feedbackTotal,
		examplesAppendedTotal,
		archiveRunsTotal,
		archiveRecordsTotal,
	)
}

func ObserveGeneration(code string, examples int, elapsed time.Duration) {
	if code == "" {
		code = "OK"
	}
	generationRequestsTotal.WithLabelValues(code).Inc()
	generationLatencyMs.Observe(float64(elapsed.Milliseconds()))
	if code == "OK" {
		examplesRetrieved.Observe(float64(examples))
	}
}

func ObserveModelLatency(elapsed time.Duration) {
	modelLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func IncrementValidationRejection(reason string) {
	validationRejectionsTotal.WithLabelValues(reason).Inc()
}

func IncrementTokensIssued() {
	tokensIssuedTotal.Inc()
}

func IncrementTokenResolution(outcome string) {
	tokenResolutionsTotal.WithLabelValues(outcome).Inc()
}

func SetActiveTokens(count int) {
	if count < 0 {
		count = 0
	}
	tokensActive.Set(float64(count))
}

func AddTokensPurged(count int) {
	if count > 0 {
		tokensPurgedTotal.Add(float64(count))
	}
}

func ObserveExecution(outcome string, elapsed time.Duration) {
	executionLatencyMs.WithLabelValues(outcome).Observe(float64(elapsed.Milliseconds()))
}

func IncrementFeedback(verdict string) {
	feedbackTotal.WithLabelValues(verdict).Inc()
}

func IncrementExamplesAppended(source string) {
	examplesAppendedTotal.WithLabelValues(source).Inc()
}

func ObserveArchiveRun(records int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	archiveRunsTotal.WithLabelValues(result).Inc()
	if records > 0 {
		archiveRecordsTotal.Add(float64(records))
	}
}
