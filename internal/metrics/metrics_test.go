package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/validator"
)

func TestObserveValidation(t *testing.T) {
	r := New()
	r.ObserveValidation(model.KindQuestion, validator.Report{
		HallucinationFlags: 2,
		SourceValidity:     0.5,
		QualityScore:       0.4,
		NeedsReview:        true,
		ConfidenceDistribution: map[model.ConfidenceTier]int{
			model.TierHigh: 2,
			model.TierLow:  1,
		},
	})

	assert.InDelta(t, 1, testutil.ToFloat64(r.validations.WithLabelValues("question", "true")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(r.hallucinations.WithLabelValues("question")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(r.confidence.WithLabelValues("question", "high")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.confidence.WithLabelValues("question", "low")), 0)
}

func TestFinishJob(t *testing.T) {
	r := New()
	r.StartJob()
	assert.InDelta(t, 1, testutil.ToFloat64(r.jobsInFlight), 0)

	r.FinishJob("sync", "succeeded", 2*time.Second, 5, 1)
	assert.InDelta(t, 0, testutil.ToFloat64(r.jobsInFlight), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.jobRuns.WithLabelValues("sync", "succeeded")), 0)
	assert.InDelta(t, 5, testutil.ToFloat64(r.jobItems.WithLabelValues("sync", "processed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.jobItems.WithLabelValues("sync", "failed")), 0)
}

func TestCounters(t *testing.T) {
	r := New()
	r.ObserveSync(3, 1, 2)
	r.ObserveDispatch("dispatched")
	r.ObserveAnswer("duplicate")

	assert.InDelta(t, 3, testutil.ToFloat64(r.synced.WithLabelValues("new")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(r.synced.WithLabelValues("transfer")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.dispatched.WithLabelValues("dispatched")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.answers.WithLabelValues("duplicate")), 0)
}

func TestMiddlewareAndHandler(t *testing.T) {
	r := New()
	router := chi.NewRouter()
	router.Use(r.Middleware)
	router.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	router.Handle("/metrics", r.Handler())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/42", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	assert.InDelta(t, 1, testutil.ToFloat64(r.httpRequests.WithLabelValues("GET", "/items/{id}", "418")), 0)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "taxflow_http_requests_total"))
}
