package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Veraticus/taxflow/internal/cli"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
)

func evidenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Attach receipts and invoices to transactions",
	}
	cmd.AddCommand(evidenceAttachCmd())
	cmd.AddCommand(evidenceListCmd())
	return cmd
}

func evidenceAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <transaction-id> <file>...",
		Short: "Store PDF, JPEG or PNG evidence for a transaction",
		Long: `Copy each file into documents.dir/evidence as invoice_<id>_<date>.<ext>
and record it on the transaction's enriched context. Attaching marks the
invoice as received. Files over 10 MiB are rejected; attaching the same
content twice is a no-op.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()

			attacher := a.evidenceAttacher()
			id := args[0]
			for _, path := range args[1:] {
				res, err := attacher.Attach(ctx, id, path)
				if err != nil {
					return common.NewUserError(fmt.Sprintf("Could not attach %s to %s", path, id), err)
				}
				if res.Duplicate {
					fmt.Fprintln(out, cli.FormatInfo(fmt.Sprintf("%s is already attached as %s", path, res.File.Path)))
					continue
				}
				fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Attached %s to %s as %s", path, id, res.File.Path)))
			}
			return nil
		},
	}
}

func evidenceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <transaction-id>",
		Short: "Show the evidence files attached to a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			files, err := a.evidenceAttacher().Evidence(ctx, args[0])
			if err != nil {
				return common.NewUserError(fmt.Sprintf("Transaction %s not found", args[0]), err)
			}
			if len(files) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo("No evidence attached to "+args[0]))
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), cli.RenderTable(evidenceHeaders, evidenceRows(files), -1))
			return nil
		},
	}
}

var evidenceHeaders = []string{"ATTACHED", "NAME", "SIZE", "SHA256", "PATH"}

func evidenceRows(files []model.EvidenceFile) [][]string {
	rows := make([][]string, 0, len(files))
	for _, f := range files {
		sum := f.SHA256
		if len(sum) > 12 {
			sum = sum[:12]
		}
		rows = append(rows, []string{
			f.AttachedAt.Format("2006-01-02 15:04"),
			f.Name,
			fmt.Sprintf("%d", f.Size),
			sum,
			f.Path,
		})
	}
	return rows
}
