package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/malbeclabs/sqlflow/agent/pkg/catalog"
	"github.com/malbeclabs/sqlflow/agent/pkg/llm"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sqlflow_api_build_info",
			Help: "Build information of the sqlflow API",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlflow_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlflow_api_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlflow_api_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlflow_llm_requests_total",
			Help: "Total number of model requests",
		},
		[]string{"provider", "stage", "status"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlflow_llm_request_duration_seconds",
			Help:    "Duration of model requests in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"provider", "stage"},
	)

	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlflow_llm_tokens_total",
			Help: "Total number of model tokens",
		},
		[]string{"provider", "type"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlflow_query_duration_seconds",
			Help:    "Duration of catalog and executor queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlflow_workflow_stage_duration_seconds",
			Help:    "Duration of workflow stages in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage", "phase"},
	)

	StageTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlflow_workflow_transitions_total",
			Help: "Total number of transitions taken out of each stage",
		},
		[]string{"stage", "outcome"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlflow_workflow_runs_total",
			Help: "Total number of completed workflow runs by outcome",
		},
		[]string{"outcome"},
	)

	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlflow_workflow_runs_in_flight",
			Help: "Number of workflow runs currently executing",
		},
	)
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordLLMCall is an llm.Observer.
func RecordLLMCall(call llm.Call) {
	stage := string(call.Stage)
	if stage == "" {
		stage = call.Name
	}
	provider := string(call.Provider)
	LLMRequestsTotal.WithLabelValues(provider, stage, status(call.Err)).Inc()
	LLMRequestDuration.WithLabelValues(provider, stage).Observe(call.Duration.Seconds())
	if call.Err == nil {
		LLMTokensTotal.WithLabelValues(provider, "input").Add(float64(call.InputTokens))
		LLMTokensTotal.WithLabelValues(provider, "output").Add(float64(call.OutputTokens))
		LLMTokensTotal.WithLabelValues(provider, "cached").Add(float64(call.CachedTokens))
	}
}

// RecordQuery is a catalog.QueryObserver.
func RecordQuery(backend catalog.Backend, duration time.Duration, err error) {
	QueryDuration.WithLabelValues(string(backend), status(err)).Observe(duration.Seconds())
}

// RecordStage is a workflow.ProgressCallback.
func RecordStage(p workflow.Progress) {
	switch p.Phase {
	case workflow.StageCompleted, workflow.StageFailed:
		StageDuration.WithLabelValues(string(p.Stage), string(p.Phase)).Observe(p.Duration.Seconds())
		if p.Outcome != "" {
			StageTransitionsTotal.WithLabelValues(string(p.Stage), p.Outcome).Inc()
		}
	}
}

// RecordRun counts a finished run. A nil answer with an error counts as
// cancelled or failed.
func RecordRun(answer *workflow.FinalAnswer, err error) {
	switch {
	case answer != nil:
		RunsTotal.WithLabelValues(string(answer.Outcome)).Inc()
	case errors.Is(err, workflow.ErrThreadBusy):
	case err != nil:
		RunsTotal.WithLabelValues("aborted").Inc()
	}
}

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			path = rctx.RoutePattern()
		}
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}
