package document

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/Veraticus/taxflow/internal/model"
)

func txn(id, party string, amount int64, day int) model.Transaction {
	dir := model.DirectionOutflow
	if amount > 0 {
		dir = model.DirectionInflow
	}
	return model.Transaction{
		ID:           id,
		Timestamp:    time.Date(2025, 1, day, 10, 0, 0, 0, time.UTC),
		BankName:     "Kookmin",
		Counterparty: party,
		Amount:       amount,
		Direction:    dir,
		Status:       model.StatusAutoClassified,
		Category:     model.CategoryCloud,
	}
}

func sampleInput() Input {
	aws1 := txn("2025-01-03-KOOK-AWS-001", "AWS", -120000, 3)
	aws1.IsRecurring = true
	aws2 := txn("2025-01-20-KOOK-AWS-001", "AWS", -118000, 20)
	aws2.IsRecurring = true

	sale := txn("2025-01-10-KOOK-ACM-001", "Acme Corp", 5000000, 10)
	sale.Category = model.CategoryRevenue
	dinner := txn("2025-01-11-KOOK-RES-001", "Restaurant", -150000, 11)
	dinner.Category = model.CategoryEntertainment
	dinner.Status = model.StatusNeedsReview
	pending := txn("2025-01-12-KOOK-UNK-001", "", -30000, 12)
	pending.Status = model.StatusAwaitingContext

	return Input{
		GeneratedAt: time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC),
		Month:       "2025-01",
		Version:     2,
		Transfers:   2,
		Recurring: []Entry{
			{Transaction: aws1, Context: &model.EnrichedContext{EvidenceStatus: model.EvidenceReady, Frequency: "Yes, monthly", AccountClassification: "Cloud services"}},
			{Transaction: aws2},
		},
		Groups: []Group{{
			Relationship: model.GeneratedAnswer{Content: "Client dinner after the Acme contract.", Source: "CIT-Art.25", Confidence: model.TierMedium},
			Entries: []Entry{
				{Transaction: sale, Context: &model.EnrichedContext{EvidenceStatus: model.EvidenceReady}},
				{Transaction: dinner, Context: &model.EnrichedContext{EvidenceStatus: model.EvidenceUnavailable, Downgraded: true}},
			},
		}},
		Pending: []Entry{{Transaction: pending}},
	}
}

func TestStats(t *testing.T) {
	s := sampleInput().Stats()
	assert.Equal(t, 5, s.TransactionCount)
	assert.Equal(t, int64(5000000), s.TotalIncome)
	assert.Equal(t, int64(120000+118000+150000+30000), s.TotalExpense)
	assert.Equal(t, 2, s.RecurringCount)
	assert.Equal(t, 2, s.NonRecurringCount)
	assert.Equal(t, 1, s.PendingCount)
	assert.Equal(t, 2, s.TransferCount)
	assert.Equal(t, 2, s.EvidenceReady)
	assert.Equal(t, 2, s.EvidenceNeeded)
	assert.Equal(t, 1, s.EvidenceMissing)
}

func TestRender(t *testing.T) {
	in := sampleInput()
	out := Render(in)

	assert.Contains(t, out, "# 2025-01 transaction summary (5 transactions)")
	assert.Contains(t, out, "**Version**: 2")
	assert.Contains(t, out, "| **Total income** | 5,000,000 KRW | 1 |")
	assert.Contains(t, out, "| **Net cash flow** | +4,582,000 KRW | - |")
	assert.Contains(t, out, "Internal transfers excluded: 2")
	assert.Contains(t, out, "| Ready | 2 |")

	assert.Contains(t, out, "### AWS\n")
	assert.Contains(t, out, "**Total**: 238,000 KRW (2)")
	assert.Contains(t, out, "**Frequency**: Yes, monthly")

	assert.Contains(t, out, "### Group 1: related transactions [REVIEW]")
	assert.Contains(t, out, "Client dinner after the Acme contract. _(source: CIT-Art.25, confidence: medium)_")
	assert.Contains(t, out, "## Pending review [REVIEW]")
	assert.Contains(t, out, "(Unknown) status awaiting-context")

	sections := []string{"## Monthly summary", "## Evidence checklist", "## Recurring", "## Non-recurring", "## Pending review"}
	last := -1
	for _, s := range sections {
		idx := strings.Index(out, s)
		require.Greater(t, idx, last, "section %q out of order", s)
		last = idx
	}
}

func TestRender_FlaggedRelationship(t *testing.T) {
	in := sampleInput()
	in.Pending = nil
	in.Groups[0].Entries[1].Context.Downgraded = false
	in.Groups[0].Entries[1].Transaction.Status = model.StatusAutoClassified
	assert.False(t, in.NeedsReview())

	in.Groups[0].Relationship.Source = model.UnsupportedPrefix + "CIT-Art.99"
	assert.True(t, in.NeedsReview())
	assert.Contains(t, Render(in), "confidence: medium)_ [REVIEW]")
}

func TestRender_TransactionNotes(t *testing.T) {
	in := sampleInput()
	in.Pending = nil
	in.Groups[0].Entries[1].Context.Downgraded = false
	in.Groups[0].Entries[1].Transaction.Status = model.StatusAutoClassified
	in.Notes = map[string]model.GeneratedAnswer{
		"2025-01-10-KOOK-ACM-001": {Content: "Contract revenue, VAT invoice issued.", Source: "VAT-Art.32", Confidence: model.TierHigh},
		"2025-01-11-KOOK-RES-001": {Content: "Dinner with the client.", Source: model.OutsideContext, Confidence: model.TierMedium},
	}
	assert.False(t, in.NeedsReview())

	out := Render(in)
	assert.Contains(t, out, "  -> Contract revenue, VAT invoice issued. _(source: VAT-Art.32, confidence: high)_\n")
	assert.Contains(t, out, "  -> Dinner with the client. _(confidence: medium)_\n")

	in.Notes["2025-01-11-KOOK-RES-001"] = model.GeneratedAnswer{
		Content: "Usually fully deductible.", Source: model.UnsupportedPrefix + "CIT-Art.99",
		Confidence: model.TierLow, Verdict: model.VerdictDowngraded,
	}
	assert.True(t, in.NeedsReview(), "a downgraded note marks the document")
	assert.Contains(t, Render(in), "Usually fully deductible. _(source: unsupported:CIT-Art.99, confidence: low)_ [REVIEW]")
}

func TestRender_EmptyMonth(t *testing.T) {
	out := Render(Input{Month: "2025-02", Version: 1})
	assert.Contains(t, out, "(0 transactions)")
	assert.Contains(t, out, "No transactions were recorded this month.")
	assert.NotContains(t, out, "## Monthly summary")
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "0 KRW", FormatAmount(0))
	assert.Equal(t, "150,000 KRW", FormatAmount(150000))
	assert.Equal(t, "-1,000 KRW", FormatAmount(-1000))
}

func TestRows(t *testing.T) {
	rows := Rows(sampleInput())
	require.Len(t, rows, 5)
	assert.Equal(t, "recurring", rows[0].Section)
	assert.Equal(t, "Cloud services", rows[0].AccountClassification)
	assert.Equal(t, "group 1", rows[2].Section)
	assert.True(t, rows[3].Review)
	assert.Equal(t, "pending", rows[4].Section)
	assert.Equal(t, string(model.EvidenceNeeded), rows[4].Evidence)
	assert.Len(t, rows[0].Values(), len(Header))
}

func TestExportXLSX(t *testing.T) {
	in := sampleInput()
	doc := &model.MonthlyDocument{ID: "MD-2025-01", Month: "2025-01", Version: 2, Stats: in.Stats(), GeneratedAt: in.GeneratedAt}

	var buf bytes.Buffer
	require.NoError(t, ExportXLSX(doc, Rows(in), &buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	assert.Equal(t, []string{summarySheet, transactionsSheet}, f.GetSheetList())
	id, err := f.GetCellValue(summarySheet, "B1")
	require.NoError(t, err)
	assert.Equal(t, "MD-2025-01", id)

	rows, err := f.GetRows(transactionsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, "Transaction ID", rows[0][1])
	assert.Equal(t, "2025-01-03-KOOK-AWS-001", rows[1][1])

	assert.Error(t, ExportXLSX(nil, nil, &buf))
}
