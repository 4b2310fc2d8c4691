package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/taxflow/internal/cli"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/document"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/pipeline"
)

func documentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "document",
		Aliases: []string{"doc"},
		Short:   "Generate, show and export the monthly accountant document",
	}
	cmd.AddCommand(documentGenerateCmd())
	cmd.AddCommand(documentShowCmd())
	cmd.AddCommand(documentExportCmd())
	cmd.AddCommand(documentMarkCmd())
	cmd.AddCommand(documentSendCmd())
	cmd.AddCommand(documentDeliveriesCmd())
	return cmd
}

// parseMonth reads YYYY-MM, defaulting to the month before now.
func parseMonth(args []string, loc *time.Location, now time.Time) (int, time.Month, error) {
	if len(args) == 0 {
		prev := now.In(loc).AddDate(0, -1, 0)
		return prev.Year(), prev.Month(), nil
	}
	t, err := time.ParseInLocation("2006-01", args[0], loc)
	if err != nil {
		return 0, 0, common.NewUserError("Month must be YYYY-MM", err)
	}
	return t.Year(), t.Month(), nil
}

func documentGenerateCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "generate [YYYY-MM]",
		Short: "Build a new version of a month's document (default: last month)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			year, month, err := parseMonth(args, a.cfg.Location(), time.Now())
			if err != nil {
				return err
			}
			exporters, err := a.exporters(ctx, format)
			if err != nil {
				return err
			}
			job, err := a.documentJob(exporters)
			if err != nil {
				return err
			}
			result, err := runJob(cmd, a, pipeline.JobDocument, func(ctx context.Context) (pipeline.Result, error) {
				return job.Run(ctx, year, month)
			})
			if err != nil {
				return err
			}
			if res, ok := result.(pipeline.DocumentResult); ok && res.Document != nil {
				printDocumentSummary(cmd, res.Document)
				if fe, ok := exporters[0].(document.FileExporter); ok {
					fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo("Written to "+fe.Path(res.Document)))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "export format: markdown, xlsx or sheets (default: export.format)")
	return cmd
}

func documentShowCmd() *cobra.Command {
	var (
		version int
		list    bool
	)
	cmd := &cobra.Command{
		Use:   "show [YYYY-MM]",
		Short: "Print a saved document (default: last month, current version)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()

			if list {
				docs, err := a.store.ListDocuments(ctx)
				if err != nil {
					return err
				}
				fmt.Fprint(out, cli.RenderTable(documentHeaders, documentRows(docs), 2))
				return nil
			}

			year, month, err := parseMonth(args, a.cfg.Location(), time.Now())
			if err != nil {
				return err
			}
			id := model.DocumentID(year, month)
			var doc *model.MonthlyDocument
			if version > 0 {
				doc, err = a.store.GetDocumentVersion(ctx, id, version)
			} else {
				doc, err = a.store.GetDocument(ctx, id)
			}
			if err != nil {
				return common.NewUserError(fmt.Sprintf("No document for %04d-%02d; run `taxflow document generate`", year, int(month)), err)
			}
			fmt.Fprintln(out, doc.Markdown)
			return nil
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "show an archived version")
	cmd.Flags().BoolVar(&list, "list", false, "list every saved document")
	return cmd
}

func documentExportCmd() *cobra.Command {
	var (
		format string
		dir    string
	)
	cmd := &cobra.Command{
		Use:   "export [YYYY-MM]",
		Short: "Export the current version of a document without regenerating it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			year, month, err := parseMonth(args, a.cfg.Location(), time.Now())
			if err != nil {
				return err
			}
			if dir != "" {
				a.cfg.DocumentsDir = dir
			}
			exporters, err := a.exporters(ctx, format)
			if err != nil {
				return err
			}
			job, err := a.documentJob(nil)
			if err != nil {
				return err
			}
			doc, err := job.Export(ctx, year, month, exporters...)
			if err != nil {
				return err
			}

			msg := fmt.Sprintf("Exported %s v%d", doc.ID, doc.Version)
			if fe, ok := exporters[0].(document.FileExporter); ok {
				msg += " to " + fe.Path(doc)
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(msg))
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "markdown, xlsx or sheets (default: export.format)")
	cmd.Flags().StringVar(&dir, "dir", "", "output directory for file formats (default: documents.dir)")
	return cmd
}

func documentMarkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "mark <reviewed|sent> [YYYY-MM]",
		Short:     "Record that the accountant reviewed or received a document",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{string(model.DocumentReviewed), string(model.DocumentSent)},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			status := model.DocumentStatus(args[0])
			if status != model.DocumentReviewed && status != model.DocumentSent {
				return common.NewUserError("Status must be reviewed or sent", common.ErrInvalidConfig)
			}
			a, err := newApp(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			year, month, err := parseMonth(args[1:], a.cfg.Location(), time.Now())
			if err != nil {
				return err
			}
			id := model.DocumentID(year, month)
			if err := a.store.UpdateDocumentStatus(ctx, id, status); err != nil {
				return common.NewUserError(fmt.Sprintf("Could not mark %s", id), err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("%s marked %s", id, status)))
			return nil
		},
	}
	return cmd
}

func documentSendCmd() *cobra.Command {
	var (
		to    string
		name  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "send [YYYY-MM]",
		Short: "Email the current version to the accountant with the xlsx attached",
		Long: `Build the xlsx export of the month's current document and send it through
delivery.provider (console, smtp or gmail). The document must have been
marked reviewed unless --force is given. Every attempt is recorded; a
successful one marks the document sent.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			year, month, err := parseMonth(args, a.cfg.Location(), time.Now())
			if err != nil {
				return err
			}
			if to == "" {
				to = a.cfg.Delivery.AccountantEmail
			}
			if name == "" {
				name = a.cfg.Delivery.UserName
			}
			if to == "" {
				return common.NewUserError("No recipient; set delivery.accountant_email or pass --to", common.ErrMissingConfig)
			}
			mailer, err := a.mailer(ctx)
			if err != nil {
				return err
			}
			job, err := a.documentJob(nil)
			if err != nil {
				return err
			}
			req := pipeline.DeliveryRequest{Recipient: to, UserName: name, Force: force}
			_, err = runJob(cmd, a, pipeline.JobDelivery, func(ctx context.Context) (pipeline.Result, error) {
				return job.Deliver(ctx, year, month, mailer, req)
			})
			if errors.Is(err, pipeline.ErrNotReviewed) {
				return common.NewUserError("Mark the document reviewed first (`taxflow document mark reviewed`) or pass --force", err)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient address (default: delivery.accountant_email)")
	cmd.Flags().StringVar(&name, "name", "", "name shown in the subject (default: delivery.user_name)")
	cmd.Flags().BoolVar(&force, "force", false, "send even if the document has not been reviewed")
	return cmd
}

func documentDeliveriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deliveries [YYYY-MM]",
		Short: "Show the delivery status and every send attempt for a month",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()

			year, month, err := parseMonth(args, a.cfg.Location(), time.Now())
			if err != nil {
				return err
			}
			id := model.DocumentID(year, month)
			doc, err := a.store.GetDocument(ctx, id)
			if err != nil {
				return common.NewUserError(fmt.Sprintf("No document for %04d-%02d", year, int(month)), err)
			}
			status := fmt.Sprintf("%s v%d is %s", doc.ID, doc.Version, doc.Status)
			if doc.SentAt != nil {
				status += " (sent " + doc.SentAt.In(a.cfg.Location()).Format("2006-01-02 15:04") + ")"
			}
			fmt.Fprintln(out, cli.FormatInfo(status))

			deliveries, err := a.store.GetDeliveries(ctx, id)
			if err != nil {
				return err
			}
			if len(deliveries) == 0 {
				fmt.Fprintln(out, cli.FormatInfo("No delivery attempts"))
				return nil
			}
			fmt.Fprint(out, cli.RenderTable(deliveryHeaders, deliveryRows(deliveries, a.cfg.Location()), 2))
			return nil
		},
	}
}

var deliveryHeaders = []string{"ATTEMPTED", "VERSION", "STATUS", "RECIPIENT", "PROVIDER", "DETAIL"}

func deliveryRows(deliveries []model.Delivery, loc *time.Location) [][]string {
	rows := make([][]string, 0, len(deliveries))
	for _, d := range deliveries {
		detail := d.MessageID
		if d.Status == model.DeliveryFailed {
			detail = d.Error
		}
		rows = append(rows, []string{
			d.AttemptedAt.In(loc).Format("2006-01-02 15:04"),
			fmt.Sprintf("v%d", d.Version),
			string(d.Status),
			d.Recipient,
			d.Provider,
			detail,
		})
	}
	return rows
}

var documentHeaders = []string{"DOCUMENT", "VERSION", "STATUS", "TRANSACTIONS", "EXPENSE", "INCOME", "REVIEW"}

func documentRows(docs []model.MonthlyDocument) [][]string {
	rows := make([][]string, 0, len(docs))
	for _, d := range docs {
		review := ""
		if d.NeedsReview {
			review = document.ReviewMarker
		}
		rows = append(rows, []string{
			d.ID,
			fmt.Sprintf("v%d", d.Version),
			string(d.Status),
			fmt.Sprintf("%d", d.Stats.TransactionCount),
			document.FormatAmount(d.Stats.TotalExpense),
			document.FormatAmount(d.Stats.TotalIncome),
			review,
		})
	}
	return rows
}

func printDocumentSummary(cmd *cobra.Command, doc *model.MonthlyDocument) {
	s := doc.Stats
	body := fmt.Sprintf("  Transactions: %d (%d recurring, %d transfers excluded)\n", s.TransactionCount, s.RecurringCount, s.TransferCount) +
		fmt.Sprintf("  Expense: %s\n", document.FormatAmount(s.TotalExpense)) +
		fmt.Sprintf("  Income: %s\n", document.FormatAmount(s.TotalIncome)) +
		fmt.Sprintf("  Pending review: %d", s.PendingCount)
	if doc.NeedsReview {
		body += "  " + cli.WarningStyle.Render(document.ReviewMarker)
	}
	fmt.Fprintln(cmd.OutOrStdout(), cli.RenderBox(fmt.Sprintf("%s %s v%d", cli.ChartIcon, doc.ID, doc.Version), body))
}
