package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/document"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/notify"
	"github.com/Veraticus/taxflow/internal/service"
)

// DocumentOptions tunes a DocumentJob.
type DocumentOptions struct {
	Logger   *slog.Logger
	Location *time.Location
	// Exporters receive every saved document; failures are logged only.
	Exporters []Exporter
}

// DocumentResult describes one generated document.
type DocumentResult struct {
	Document *model.MonthlyDocument
	Input    document.Input
	Notified bool
}

// Counts implements Result.
func (r DocumentResult) Counts() (int, int) {
	if r.Document == nil {
		return 0, 0
	}
	return r.Document.Stats.TransactionCount, 0
}

// Summary implements Result.
func (r DocumentResult) Summary() string {
	if r.Document == nil {
		return "no document"
	}
	return fmt.Sprintf("%s v%d transactions=%d needs_review=%t",
		r.Document.ID, r.Document.Version, r.Document.Stats.TransactionCount, r.Document.NeedsReview)
}

// DocumentJob builds the monthly accountant document.
type DocumentJob struct {
	store     service.Storage
	generator Generator
	sink      Sink
	logger    *slog.Logger
	opts      DocumentOptions
	now       func() time.Time
}

// NewDocumentJob creates a document job. sink may be nil.
func NewDocumentJob(store service.Storage, generator Generator, sink Sink, opts DocumentOptions) *DocumentJob {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "document")
	}
	return &DocumentJob{
		store:     store,
		generator: generator,
		sink:      sink,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// Run generates and saves the document for a month. Running it again saves
// a new version; earlier versions are archived by the store.
func (j *DocumentJob) Run(ctx context.Context, year int, month time.Month) (DocumentResult, error) {
	var result DocumentResult
	id := model.DocumentID(year, month)

	in, contexts, err := j.collect(ctx, year, month)
	if err != nil {
		return result, err
	}

	version := 1
	existing, err := j.store.GetDocument(ctx, id)
	switch {
	case err == nil:
		version = existing.Version + 1
	case !errors.Is(err, common.ErrNotFound):
		return result, fmt.Errorf("failed to read current document: %w", err)
	}
	in.Version = version

	if err := j.narrate(ctx, &in, contexts); err != nil {
		return result, err
	}

	doc := &model.MonthlyDocument{
		GeneratedAt: in.GeneratedAt,
		ID:          id,
		Month:       in.Month,
		Markdown:    document.Render(in),
		Status:      model.DocumentGenerated,
		Stats:       in.Stats(),
		Version:     version,
		NeedsReview: in.NeedsReview(),
	}
	if err := j.store.SaveDocument(context.WithoutCancel(ctx), doc); err != nil {
		return result, fmt.Errorf("failed to save document: %w", err)
	}
	result.Document = doc
	result.Input = in

	rows := document.Rows(in)
	for _, exp := range j.opts.Exporters {
		if err := exp.Write(ctx, doc, rows); err != nil {
			j.logger.Error("Document export failed", "document", doc.ID, "error", err)
		}
	}

	if j.sink != nil {
		batch := notify.NewBatch(notify.KindDocumentReady, nil)
		batch.Document = &notify.DocumentNotice{
			ID:          doc.ID,
			Month:       doc.Month,
			Stats:       doc.Stats,
			Version:     doc.Version,
			NeedsReview: doc.NeedsReview,
		}
		if _, err := j.sink.Dispatch(ctx, batch); err != nil {
			j.logger.Warn("Failed to send document notice", "document", doc.ID, "error", err)
		} else {
			result.Notified = true
		}
	}

	j.logger.Info("Document generated",
		"document", doc.ID,
		"version", doc.Version,
		"transactions", doc.Stats.TransactionCount,
		"groups", len(in.Groups),
		"pending", doc.Stats.PendingCount,
		"needs_review", doc.NeedsReview)
	return result, nil
}

// Export sends the saved current version of a month's document to
// exporters without generating a new version. Rows are rebuilt from the
// store, so answers recorded since generation are reflected.
func (j *DocumentJob) Export(ctx context.Context, year int, month time.Month, exporters ...Exporter) (*model.MonthlyDocument, error) {
	doc, err := j.store.GetDocument(ctx, model.DocumentID(year, month))
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	in, _, err := j.collect(ctx, year, month)
	if err != nil {
		return nil, err
	}
	rows := document.Rows(in)
	for _, exp := range exporters {
		if err := exp.Write(ctx, doc, rows); err != nil {
			return doc, fmt.Errorf("failed to export %s: %w", doc.ID, err)
		}
	}
	return doc, nil
}

// collect partitions the month: transfers are counted and left out,
// recurring payments go first, enriched ones are grouped by their links,
// and everything without enrichment is pending review.
func (j *DocumentJob) collect(ctx context.Context, year int, month time.Month) (document.Input, map[string]model.AssembledContext, error) {
	r := service.MonthRange(year, month, j.opts.Location)
	in := document.Input{
		GeneratedAt: j.now(),
		Month:       fmt.Sprintf("%04d-%02d", year, int(month)),
	}

	txns, err := j.store.GetTransactions(ctx, service.TransactionFilter{StartDate: &r.Start, EndDate: &r.End})
	if err != nil {
		return in, nil, fmt.Errorf("failed to list month transactions: %w", err)
	}

	contexts := make(map[string]model.AssembledContext)
	enriched := make(map[string]document.Entry)
	var enrichedIDs []string
	for _, txn := range txns {
		if txn.IsInternalTransfer {
			in.Transfers++
			continue
		}
		ec, err := j.store.GetEnrichedContext(ctx, txn.ID)
		if errors.Is(err, common.ErrNotFound) {
			ec = nil
		} else if err != nil {
			return in, nil, fmt.Errorf("failed to load context for %s: %w", txn.ID, err)
		}
		if set, err := j.store.GetQuestionSet(ctx, txn.ID); err == nil {
			contexts[txn.ID] = set.Context
		} else if !errors.Is(err, common.ErrNotFound) {
			return in, nil, fmt.Errorf("failed to load questions for %s: %w", txn.ID, err)
		}

		entry := document.Entry{Transaction: txn, Context: ec}
		switch {
		case txn.IsRecurring || (ec != nil && ec.IsRecurring):
			in.Recurring = append(in.Recurring, entry)
		case ec != nil:
			enriched[txn.ID] = entry
			enrichedIDs = append(enrichedIDs, txn.ID)
		default:
			in.Pending = append(in.Pending, entry)
		}
	}

	if len(enrichedIDs) > 0 {
		links, err := j.store.GetLinks(ctx, enrichedIDs)
		if err != nil {
			return in, nil, fmt.Errorf("failed to load links: %w", err)
		}
		for _, component := range NewGraph(links...).Components(enrichedIDs) {
			if len(component) == 1 {
				in.Individual = append(in.Individual, enriched[component[0]])
				continue
			}
			g := document.Group{}
			for _, id := range component {
				g.Entries = append(g.Entries, enriched[id])
			}
			in.Groups = append(in.Groups, g)
		}
	}
	return in, contexts, nil
}

// narrate fills in the group relationships, the overview and the
// per-transaction notes. A failed generation leaves a flagged placeholder
// so the document still renders and is marked for review.
func (j *DocumentJob) narrate(ctx context.Context, in *document.Input, contexts map[string]model.AssembledContext) error {
	for i := range in.Groups {
		g := &in.Groups[i]
		group := make([]model.Transaction, len(g.Entries))
		var ctxs []model.AssembledContext
		for k, e := range g.Entries {
			group[k] = e.Transaction
			if c, ok := contexts[e.Transaction.ID]; ok {
				ctxs = append(ctxs, c)
			}
		}
		rel, err := j.generator.GenerateRelationship(ctx, group, ctxs)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("document generation interrupted: %w", ctx.Err())
			}
			j.logger.Warn("Relationship generation failed", "group", i+1, "error", err)
			rel = placeholder(model.KindRelationship, "Relationship narrative unavailable.")
		}
		g.Relationship = rel
	}

	entries := in.Entries()
	if len(entries) == 0 {
		return nil
	}
	txns := make([]model.Transaction, len(entries))
	var ctxs []model.AssembledContext
	for i, e := range entries {
		txns[i] = e.Transaction
		if c, ok := contexts[e.Transaction.ID]; ok {
			ctxs = append(ctxs, c)
		}
	}
	summary, err := j.generator.GenerateSummary(ctx, txns, ctxs)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("document generation interrupted: %w", ctx.Err())
		}
		j.logger.Warn("Overview generation failed", "month", in.Month, "error", err)
		overview := placeholder(model.KindSummary, "Overview unavailable.")
		in.Overview = &overview
		return nil
	}
	in.Overview = &summary.Overview
	in.Notes = make(map[string]model.GeneratedAnswer, len(summary.Lines))
	for _, l := range summary.Lines {
		in.Notes[l.ID] = l
	}
	return nil
}

func placeholder(kind model.AnswerKind, text string) model.GeneratedAnswer {
	return model.GeneratedAnswer{
		Kind:       kind,
		Content:    text,
		Source:     model.UnsupportedPrefix + "generation-failed",
		Confidence: model.TierLow,
		Verdict:    model.VerdictDowngraded,
	}
}
