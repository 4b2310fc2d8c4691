// Package metrics exports prometheus metrics for jobs, validation and the
// webhook server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/validator"
)

const namespace = "taxflow"

// Registry holds every taxflow collector on a private prometheus registry.
type Registry struct {
	registry *prometheus.Registry

	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobsInFlight   prometheus.Gauge
	jobItems       *prometheus.CounterVec
	synced         *prometheus.CounterVec
	dispatched     *prometheus.CounterVec
	answers        *prometheus.CounterVec
	validations    *prometheus.CounterVec
	hallucinations *prometheus.CounterVec
	sourceValidity *prometheus.HistogramVec
	qualityScore   *prometheus.HistogramVec
	confidence     *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New creates a registry with all collectors registered.
func New() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "runs_total",
			Help:      "Job runs by job and final status.",
		}, []string{"job", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "Job run duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"job", "status"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "in_flight",
			Help:      "Jobs currently running.",
		}),
		jobItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "items_total",
			Help:      "Items handled by jobs, split into processed and failed.",
		}, []string{"job", "outcome"}),
		synced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "transactions_total",
			Help:      "Transactions seen by sync, by result (new, duplicate, transfer).",
		}, []string{"result"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "transactions_total",
			Help:      "Dispatch attempts per transaction by outcome.",
		}, []string{"outcome"}),
		answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "answers",
			Name:      "received_total",
			Help:      "Answer events by result (recorded, duplicate, rejected).",
		}, []string{"result"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "reports_total",
			Help:      "Validation reports by answer kind and review need.",
		}, []string{"kind", "needs_review"}),
		hallucinations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "hallucination_flags_total",
			Help:      "Hallucination pattern matches by answer kind.",
		}, []string{"kind"}),
		sourceValidity: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "source_validity",
			Help:      "Share of citations that resolved, per report.",
			Buckets:   []float64{0, 0.25, 0.5, 0.75, 0.9, 1},
		}, []string{"kind"}),
		qualityScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "quality_score",
			Help:      "Aggregate quality score per report.",
			Buckets:   []float64{0, 0.25, 0.5, 0.75, 0.9, 1},
		}, []string{"kind"}),
		confidence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "answers_total",
			Help:      "Validated answers by kind and confidence tier.",
		}, []string{"kind", "confidence"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	r.registry.MustRegister(
		r.jobRuns, r.jobDuration, r.jobsInFlight, r.jobItems,
		r.synced, r.dispatched, r.answers,
		r.validations, r.hallucinations, r.sourceValidity, r.qualityScore, r.confidence,
		r.httpRequests, r.httpDuration,
	)
	return r
}

// Handler serves the registry in the prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// StartJob marks a job as running.
func (r *Registry) StartJob() {
	r.jobsInFlight.Inc()
}

// FinishJob records a finished run.
func (r *Registry) FinishJob(job, status string, duration time.Duration, processed, failed int) {
	r.jobsInFlight.Dec()
	r.jobRuns.WithLabelValues(job, status).Inc()
	r.jobDuration.WithLabelValues(job, status).Observe(duration.Seconds())
	r.jobItems.WithLabelValues(job, "processed").Add(float64(processed))
	r.jobItems.WithLabelValues(job, "failed").Add(float64(failed))
}

// ObserveSync counts the outcome of one sync run.
func (r *Registry) ObserveSync(inserted, duplicates, transfers int) {
	r.synced.WithLabelValues("new").Add(float64(inserted))
	r.synced.WithLabelValues("duplicate").Add(float64(duplicates))
	r.synced.WithLabelValues("transfer").Add(float64(transfers))
}

// ObserveDispatch counts one transaction's dispatch outcome.
func (r *Registry) ObserveDispatch(outcome string) {
	r.dispatched.WithLabelValues(outcome).Inc()
}

// ObserveAnswer counts one inbound answer.
func (r *Registry) ObserveAnswer(result string) {
	r.answers.WithLabelValues(result).Inc()
}

// ObserveValidation implements validator.Observer.
func (r *Registry) ObserveValidation(kind model.AnswerKind, rep validator.Report) {
	k := string(kind)
	r.validations.WithLabelValues(k, strconv.FormatBool(rep.NeedsReview)).Inc()
	r.hallucinations.WithLabelValues(k).Add(float64(rep.HallucinationFlags))
	r.sourceValidity.WithLabelValues(k).Observe(rep.SourceValidity)
	r.qualityScore.WithLabelValues(k).Observe(rep.QualityScore)
	for tier, n := range rep.ConfidenceDistribution {
		r.confidence.WithLabelValues(k, string(tier)).Add(float64(n))
	}
}

// Middleware records request counts and latency keyed by the chi route
// pattern, so path parameters do not explode label cardinality.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, req)

		route := req.URL.Path
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		r.httpRequests.WithLabelValues(req.Method, route, strconv.Itoa(rec.statusCode)).Inc()
		r.httpDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

var _ validator.Observer = (*Registry)(nil)
