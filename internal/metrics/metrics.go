package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_requests_total",
			Help: "Total number of chat completion requests",
		},
		[]string{"provider", "model", "request_type", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgateway_request_duration_seconds",
			Help:    "Request duration in seconds, from arrival to last byte",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model", "request_type"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"provider", "model", "type"},
	)

	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_auth_failures_total",
			Help: "Requests rejected during authentication",
		},
		[]string{"reason"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_rate_limit_hits_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_type"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmgateway_active_streams",
			Help: "Number of streaming responses in flight",
		},
	)

	UsageWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_usage_write_failures_total",
			Help: "Usage records that could not be persisted",
		},
		[]string{"sink"},
	)

	CatalogRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_catalog_refreshes_total",
			Help: "Model catalog cache refreshes by result",
		},
		[]string{"result"},
	)

	RateLimitKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmgateway_rate_limit_keys",
			Help: "Scope keys currently tracked by the rate limiter",
		},
	)
)

func RecordRequest(provider, model, requestType, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(provider, model, requestType, status).Inc()
	RequestDuration.WithLabelValues(provider, model, requestType).Observe(durationSec)
}

func RecordTokens(provider, model string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

func RecordAuthFailure(reason string) {
	AuthFailures.WithLabelValues(reason).Inc()
}

// RecordRateLimitHit counts a rejection by scope kind (api_key, user, ip).
func RecordRateLimitHit(scope string) {
	RateLimitHits.WithLabelValues(scope).Inc()
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordUsageWriteFailure(sink string) {
	UsageWriteFailures.WithLabelValues(sink).Inc()
}

func RecordCatalogRefresh(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	CatalogRefreshes.WithLabelValues(result).Inc()
}

func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.Dec()
}

func SetRateLimitKeys(n int) {
	RateLimitKeys.Set(float64(n))
}
