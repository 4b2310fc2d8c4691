package sheets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/document"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
)

// Exporter delivers a rendered document somewhere outside the store.
type Exporter interface {
	Write(ctx context.Context, doc *model.MonthlyDocument, rows []document.Row) error
}

// Writer exports monthly documents to Google Sheets.
type Writer struct {
	service *sheets.Service
	logger  *slog.Logger
	config  Config
}

// NewWriter creates a new Google Sheets writer.
func NewWriter(ctx context.Context, config Config, logger *slog.Logger) (*Writer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default().With("component", "sheets")
	}

	service, err := createSheetsService(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	return &Writer{
		config:  config,
		service: service,
		logger:  logger,
	}, nil
}

// Write replaces the month's tab with the document summary and its rows.
func (w *Writer) Write(ctx context.Context, doc *model.MonthlyDocument, rows []document.Row) error {
	if doc == nil {
		return fmt.Errorf("document is required")
	}
	w.logger.Info("Exporting document to sheets", "document", doc.ID, "version", doc.Version, "rows", len(rows))

	spreadsheetID, err := w.getOrCreateSpreadsheet(ctx)
	if err != nil {
		return fmt.Errorf("failed to get spreadsheet: %w", err)
	}

	retryOpts := service.RetryOptions{
		MaxAttempts:  max(w.config.RetryAttempts, 1),
		InitialDelay: w.config.RetryDelay,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}

	tab := doc.Month
	var sheetID int64
	err = common.WithRetry(ctx, func() error {
		var err error
		sheetID, err = w.ensureTab(ctx, spreadsheetID, tab)
		return err
	}, retryOpts)
	if err != nil {
		return fmt.Errorf("failed to prepare tab %s: %w", tab, err)
	}

	values := prepareValues(doc, rows)
	err = common.WithRetry(ctx, func() error {
		if _, err := w.service.Spreadsheets.Values.Clear(spreadsheetID, tab+"!A:Z", &sheets.ClearValuesRequest{}).Context(ctx).Do(); err != nil {
			return err
		}
		return w.writeData(ctx, spreadsheetID, tab, values)
	}, retryOpts)
	if err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}

	if w.config.EnableFormatting {
		err = common.WithRetry(ctx, func() error {
			return w.applyFormatting(ctx, spreadsheetID, sheetID, len(values))
		}, retryOpts)
		if err != nil {
			// Formatting is cosmetic; the data is already written.
			w.logger.Warn("Failed to apply formatting", "error", err)
		}
	}

	w.logger.Info("Document exported",
		"spreadsheet_id", spreadsheetID,
		"tab", tab,
		"rows_written", len(values))
	return nil
}

func createSheetsService(ctx context.Context, config Config) (*sheets.Service, error) {
	var tokenSource oauth2.TokenSource

	if config.ServiceAccountPath != "" {
		jsonKey, err := os.ReadFile(config.ServiceAccountPath)
		if err != nil {
			return nil, fmt.Errorf("unable to read service account key file: %w", err)
		}
		jwtConfig, err := google.JWTConfigFromJSON(jsonKey, sheets.SpreadsheetsScope)
		if err != nil {
			return nil, fmt.Errorf("unable to parse service account key: %w", err)
		}
		tokenSource = jwtConfig.TokenSource(ctx)
	} else {
		client := &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{sheets.SpreadsheetsScope},
		}
		tokenSource = client.TokenSource(ctx, &oauth2.Token{
			RefreshToken: config.RefreshToken,
			TokenType:    "Bearer",
		})
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, tokenSource)))
	if err != nil {
		return nil, fmt.Errorf("unable to create sheets service: %w", err)
	}
	return srv, nil
}

func (w *Writer) getOrCreateSpreadsheet(ctx context.Context) (string, error) {
	if w.config.SpreadsheetID != "" {
		if _, err := w.service.Spreadsheets.Get(w.config.SpreadsheetID).Context(ctx).Do(); err != nil {
			return "", fmt.Errorf("unable to access spreadsheet %s: %w", w.config.SpreadsheetID, err)
		}
		return w.config.SpreadsheetID, nil
	}

	created, err := w.service.Spreadsheets.Create(&sheets.Spreadsheet{
		Properties: &sheets.SpreadsheetProperties{
			Title:    w.config.SpreadsheetName,
			TimeZone: w.config.TimeZone,
		},
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("unable to create spreadsheet: %w", err)
	}

	w.logger.Info("Created new spreadsheet",
		"id", created.SpreadsheetId,
		"url", created.SpreadsheetUrl)
	// Later exports in this process reuse it.
	w.config.SpreadsheetID = created.SpreadsheetId
	return created.SpreadsheetId, nil
}

// ensureTab returns the id of the tab named title, adding it when missing.
func (w *Writer) ensureTab(ctx context.Context, spreadsheetID, title string) (int64, error) {
	ss, err := w.service.Spreadsheets.Get(spreadsheetID).Context(ctx).Do()
	if err != nil {
		return 0, err
	}
	for _, s := range ss.Sheets {
		if s.Properties != nil && s.Properties.Title == title {
			return s.Properties.SheetId, nil
		}
	}

	resp, err := w.service.Spreadsheets.BatchUpdate(spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: title}},
		}},
	}).Context(ctx).Do()
	if err != nil {
		return 0, err
	}
	if len(resp.Replies) == 0 || resp.Replies[0].AddSheet == nil {
		return 0, fmt.Errorf("add sheet %s: empty reply", title)
	}
	return resp.Replies[0].AddSheet.Properties.SheetId, nil
}

// summaryRows is the number of rows prepareValues writes before the table header.
const summaryRows = 8

// prepareValues lays out the tab: title, summary block, blank row, header, rows.
func prepareValues(doc *model.MonthlyDocument, rows []document.Row) [][]any {
	s := doc.Stats
	values := make([][]any, 0, summaryRows+1+len(rows))
	values = append(values,
		[]any{fmt.Sprintf("%s tax document", doc.Month), fmt.Sprintf("v%d", doc.Version), doc.GeneratedAt.Format("2006-01-02 15:04")},
		[]any{},
		[]any{"Total income", s.TotalIncome},
		[]any{"Total expense", s.TotalExpense},
		[]any{"Transactions", s.TransactionCount},
		[]any{"Pending review", s.PendingCount},
		[]any{"Evidence needed", s.EvidenceNeeded},
		[]any{},
	)

	header := make([]any, len(document.Header))
	for i, h := range document.Header {
		header[i] = h
	}
	values = append(values, header)
	for _, r := range rows {
		values = append(values, r.Values())
	}
	return values
}

func (w *Writer) writeData(ctx context.Context, spreadsheetID, tab string, values [][]any) error {
	for i := 0; i < len(values); i += w.config.BatchSize {
		end := min(i+w.config.BatchSize, len(values))
		batch := values[i:end]

		rangeStr := fmt.Sprintf("%s!A%d", tab, i+1)
		_, err := w.service.Spreadsheets.Values.Update(spreadsheetID, rangeStr, &sheets.ValueRange{Values: batch}).
			ValueInputOption("USER_ENTERED").
			Context(ctx).
			Do()
		if err != nil {
			return fmt.Errorf("failed to write batch starting at row %d: %w", i+1, err)
		}

		w.logger.Debug("Wrote batch", "start_row", i+1, "rows", len(batch))
	}
	return nil
}

func (w *Writer) applyFormatting(ctx context.Context, spreadsheetID string, sheetID int64, totalRows int) error {
	headerRow := int64(summaryRows)
	requests := []*sheets.Request{
		{
			RepeatCell: &sheets.RepeatCellRequest{
				Range: &sheets.GridRange{SheetId: sheetID, StartRowIndex: 0, EndRowIndex: 1, StartColumnIndex: 0, EndColumnIndex: 3},
				Cell: &sheets.CellData{UserEnteredFormat: &sheets.CellFormat{
					TextFormat: &sheets.TextFormat{Bold: true, FontSize: 14},
				}},
				Fields: "userEnteredFormat.textFormat",
			},
		},
		{
			RepeatCell: &sheets.RepeatCellRequest{
				Range: &sheets.GridRange{SheetId: sheetID, StartRowIndex: headerRow, EndRowIndex: headerRow + 1, StartColumnIndex: 0, EndColumnIndex: int64(len(document.Header))},
				Cell: &sheets.CellData{UserEnteredFormat: &sheets.CellFormat{
					TextFormat: &sheets.TextFormat{Bold: true},
				}},
				Fields: "userEnteredFormat.textFormat",
			},
		},
		{
			// Amount column.
			RepeatCell: &sheets.RepeatCellRequest{
				Range: &sheets.GridRange{SheetId: sheetID, StartRowIndex: headerRow + 1, EndRowIndex: int64(totalRows), StartColumnIndex: 6, EndColumnIndex: 7},
				Cell: &sheets.CellData{UserEnteredFormat: &sheets.CellFormat{
					NumberFormat: &sheets.NumberFormat{Type: "NUMBER", Pattern: "#,##0"},
				}},
				Fields: "userEnteredFormat.numberFormat",
			},
		},
		{
			AutoResizeDimensions: &sheets.AutoResizeDimensionsRequest{
				Dimensions: &sheets.DimensionRange{SheetId: sheetID, Dimension: "COLUMNS", StartIndex: 0, EndIndex: int64(len(document.Header))},
			},
		},
		{
			UpdateSheetProperties: &sheets.UpdateSheetPropertiesRequest{
				Properties: &sheets.SheetProperties{
					SheetId:        sheetID,
					GridProperties: &sheets.GridProperties{FrozenRowCount: headerRow + 1},
				},
				Fields: "gridProperties.frozenRowCount",
			},
		},
	}

	_, err := w.service.Spreadsheets.BatchUpdate(spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{Requests: requests}).Context(ctx).Do()
	return err
}

var _ Exporter = (*Writer)(nil)
