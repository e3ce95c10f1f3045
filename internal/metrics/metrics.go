package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatkeeper_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatkeeper_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 60},
		},
		[]string{"method", "path"},
	)

	// Provider metrics
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatkeeper_provider_requests_total",
			Help: "Completion requests per provider",
		},
		[]string{"provider", "modality", "outcome"}, // outcome: ok | error
	)

	ProviderFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatkeeper_provider_fallbacks_total",
			Help: "Times a request moved on to the next provider",
		},
		[]string{"modality"},
	)

	ProvidersExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatkeeper_providers_exhausted_total",
			Help: "Requests for which every provider failed",
		},
		[]string{"modality"},
	)

	// Session metrics
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatkeeper_submissions_total",
			Help: "Prompt submissions by modality and result",
		},
		[]string{"modality", "result"}, // result: assistant | error | rejected | failed
	)

	ConversationsCollected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatkeeper_empty_conversations_collected_total",
			Help: "Empty conversations deleted when switching away from them",
		},
	)

	// Store metrics
	StoreWriteRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatkeeper_store_write_retries_total",
			Help: "Message writes that needed another attempt",
		},
	)

	StoreWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatkeeper_store_write_failures_total",
			Help: "Message writes that failed after every attempt",
		},
	)

	LiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatkeeper_live_subscriptions",
			Help: "Open live store subscriptions",
		},
	)
)
