package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	phasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resume_pipeline_phases_total",
		Help: "Total number of pipeline phases by phase and terminal status.",
	}, []string{"phase", "status"})

	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "resume_pipeline_phase_duration_seconds",
		Help:    "Duration of content transformer calls by phase.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
	}, []string{"phase"})

	phaseTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resume_pipeline_tokens_total",
		Help: "Tokens used by the pipeline by phase and token type (prompt, cached, completion).",
	}, []string{"phase", "type"})

	phaseCostUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resume_pipeline_cost_usd_total",
		Help: "Estimated cost of transformer calls in USD by model.",
	}, []string{"model"})

	offersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resume_pipeline_offers_total",
		Help: "Offers reaching a terminal status.",
	}, []string{"status"})

	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resume_pipeline_tasks_total",
		Help: "Tasks reaching a terminal status.",
	}, []string{"status"})
)
