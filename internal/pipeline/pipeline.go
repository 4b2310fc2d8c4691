// Package pipeline runs the scheduled batch jobs: bank sync, question
// dispatch, reminders, answer intake and monthly document generation.
// Every job is idempotent and isolates failures to the item that failed.
package pipeline

import (
	"context"
	"time"

	"github.com/Veraticus/taxflow/internal/document"
	"github.com/Veraticus/taxflow/internal/generation"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/notify"
	"github.com/Veraticus/taxflow/internal/validator"
)

// Job names, used for job-run records and metrics labels.
const (
	JobSync     = "sync"
	JobDispatch = "dispatch"
	JobReminder = "reminder"
	JobDocument = "document"
	JobDelivery = "delivery"
)

// Preparer runs classify -> retrieve -> assemble for one transaction.
type Preparer interface {
	Prepare(ctx context.Context, txn model.Transaction, hint *model.Category) (model.AssembledContext, error)
}

// Generator is the generation surface the jobs need.
type Generator interface {
	GenerateQuestions(ctx context.Context, txn model.Transaction, actx model.AssembledContext) ([]model.GeneratedAnswer, *validator.Report, error)
	GenerateSummary(ctx context.Context, txns []model.Transaction, contexts []model.AssembledContext) (generation.Summary, error)
	GenerateRelationship(ctx context.Context, group []model.Transaction, contexts []model.AssembledContext) (model.GeneratedAnswer, error)
	GenerateEnrichment(ctx context.Context, txn model.Transaction, actx model.AssembledContext, questions []model.GeneratedAnswer, answers []model.Answer) (generation.Enrichment, error)
}

// Sink is where batches go.
type Sink = notify.Sink

// Exporter delivers a finished document outside the store.
type Exporter interface {
	Write(ctx context.Context, doc *model.MonthlyDocument, rows []document.Row) error
}

// Metrics receives job and item level observations. Jobs built without
// one use a no-op.
type Metrics interface {
	StartJob()
	FinishJob(job, status string, d time.Duration, processed, failed int)
	ObserveSync(inserted, duplicates, transfers int)
	ObserveDispatch(outcome string)
	ObserveAnswer(result string)
}

type nopMetrics struct{}

func (nopMetrics) StartJob()                                        {}
func (nopMetrics) FinishJob(string, string, time.Duration, int, int) {}
func (nopMetrics) ObserveSync(int, int, int)                        {}
func (nopMetrics) ObserveDispatch(string)                           {}
func (nopMetrics) ObserveAnswer(string)                             {}

func metricsOrNop(m Metrics) Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}

// Result is the common shape of a job outcome, recorded on the job run.
type Result interface {
	Counts() (processed, failed int)
	Summary() string
}

var _ Generator = (*generation.Orchestrator)(nil)
