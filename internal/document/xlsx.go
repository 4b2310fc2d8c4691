package document

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/Veraticus/taxflow/internal/model"
)

// Row is one transaction line of the accountant export.
type Row struct {
	Date                  string
	TransactionID         string
	Bank                  string
	Account               string
	Counterparty          string
	Direction             string
	Category              string
	AccountClassification string
	Evidence              string
	Section               string
	Summary               string
	Amount                int64
	Recurring             bool
	Review                bool
}

// Header is the column order used by every export.
var Header = []string{
	"Date", "Transaction ID", "Bank", "Account", "Counterparty", "Direction", "Amount",
	"Category", "Account classification", "Recurring", "Evidence", "Section", "Summary", "Review",
}

// Values returns the row in Header order.
func (r Row) Values() []any {
	review := ""
	if r.Review {
		review = ReviewMarker
	}
	return []any{
		r.Date, r.TransactionID, r.Bank, r.Account, r.Counterparty, r.Direction, r.Amount,
		r.Category, r.AccountClassification, r.Recurring, r.Evidence, r.Section, r.Summary, review,
	}
}

// Rows flattens the input into export rows in section order.
func Rows(in Input) []Row {
	var rows []Row
	add := func(section string, e Entry) {
		t := e.Transaction
		row := Row{
			Date:          t.Timestamp.Format("2006-01-02"),
			TransactionID: t.ID,
			Bank:          t.BankName,
			Account:       t.AccountMasked,
			Counterparty:  t.Counterparty,
			Direction:     string(t.Direction),
			Amount:        t.Amount,
			Category:      e.Category().Label(),
			Recurring:     t.IsRecurring,
			Evidence:      string(e.Evidence()),
			Section:       section,
			Review:        e.NeedsReview(),
		}
		if ec := e.Context; ec != nil {
			row.AccountClassification = ec.AccountClassification
			row.Summary = ec.Summary
			row.Recurring = row.Recurring || ec.IsRecurring
		}
		rows = append(rows, row)
	}
	for _, e := range in.Recurring {
		add("recurring", e)
	}
	for i, g := range in.Groups {
		for _, e := range g.Entries {
			add(fmt.Sprintf("group %d", i+1), e)
		}
	}
	for _, e := range in.Individual {
		add("individual", e)
	}
	for _, e := range in.Pending {
		add("pending", e)
	}
	return rows
}

const (
	summarySheet      = "Summary"
	transactionsSheet = "Transactions"
)

// ExportXLSX writes a workbook with a summary sheet and a transactions sheet.
func ExportXLSX(doc *model.MonthlyDocument, rows []Row, w io.Writer) (err error) {
	if doc == nil {
		return fmt.Errorf("document is required")
	}
	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close workbook: %w", cerr)
		}
	}()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("failed to name summary sheet: %w", err)
	}
	if _, err := f.NewSheet(transactionsSheet); err != nil {
		return fmt.Errorf("failed to add transactions sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create style: %w", err)
	}
	money, err := f.NewStyle(&excelize.Style{NumFmt: 3})
	if err != nil {
		return fmt.Errorf("failed to create style: %w", err)
	}

	s := doc.Stats
	summary := [][]any{
		{"Monthly document", doc.ID},
		{"Month", doc.Month},
		{"Version", doc.Version},
		{"Generated", doc.GeneratedAt.Format("2006-01-02 15:04")},
		{"Needs review", doc.NeedsReview},
		{},
		{"Total income", s.TotalIncome},
		{"Total expense", s.TotalExpense},
		{"Net cash flow", s.TotalIncome - s.TotalExpense},
		{"Transactions", s.TransactionCount},
		{"Recurring", s.RecurringCount},
		{"Non-recurring", s.NonRecurringCount},
		{"Pending review", s.PendingCount},
		{"Internal transfers", s.TransferCount},
		{"Evidence ready", s.EvidenceReady},
		{"Evidence needed", s.EvidenceNeeded},
		{"Evidence unavailable", s.EvidenceMissing},
	}
	for i, values := range summary {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &values); err != nil {
			return fmt.Errorf("failed to write summary row %d: %w", i+1, err)
		}
	}
	if err := f.SetCellStyle(summarySheet, "A1", fmt.Sprintf("A%d", len(summary)), bold); err != nil {
		return err
	}
	if err := f.SetCellStyle(summarySheet, "B7", "B9", money); err != nil {
		return err
	}
	if err := f.SetColWidth(summarySheet, "A", "B", 22); err != nil {
		return err
	}

	header := make([]any, len(Header))
	for i, h := range Header {
		header[i] = h
	}
	if err := f.SetSheetRow(transactionsSheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	lastCol, err := excelize.ColumnNumberToName(len(Header))
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(transactionsSheet, "A1", lastCol+"1", bold); err != nil {
		return err
	}
	for i, r := range rows {
		values := r.Values()
		if err := f.SetSheetRow(transactionsSheet, fmt.Sprintf("A%d", i+2), &values); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}
	if len(rows) > 0 {
		if err := f.SetCellStyle(transactionsSheet, "G2", fmt.Sprintf("G%d", len(rows)+1), money); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(transactionsSheet, "A", lastCol, 16); err != nil {
		return err
	}
	if err := f.SetPanes(transactionsSheet, &excelize.Panes{
		Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft",
	}); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}
