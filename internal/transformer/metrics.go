package transformer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resume_ai_requests_total",
			Help: "Total number of AI backend requests.",
		},
		[]string{"backend", "phase", "status"},
	)
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resume_ai_request_duration_seconds",
			Help:    "Duration of AI backend requests.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"backend", "phase"},
	)
	tokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resume_ai_tokens_total",
			Help: "Tokens reported or estimated for AI backend responses.",
		},
		[]string{"model", "type"},
	)
)
