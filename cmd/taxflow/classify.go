package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/taxflow/internal/cli"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
)

func classifyCmd() *cobra.Command {
	var (
		amount       int64
		counterparty string
		category     string
		date         string
		income       bool
	)
	cmd := &cobra.Command{
		Use:   "classify <description>",
		Short: "Classify a description and show the law context it would get",
		Long: `Run one description through classification, retrieval and assembly
without storing anything. Useful for checking how a memo will be treated and
which provisions back it.`,
		Example: `  taxflow classify "client lunch" --counterparty "Bistro Seoul" --amount 150000`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			ts := time.Now().In(a.cfg.Location())
			if date != "" {
				ts, err = time.ParseInLocation(time.DateOnly, date, a.cfg.Location())
				if err != nil {
					return common.NewUserError("--date must be YYYY-MM-DD", err)
				}
			}
			var hint *model.Category
			if category != "" {
				c, err := model.ParseCategory(category)
				if err != nil {
					return common.NewUserError(fmt.Sprintf("Unknown category %q", category), err)
				}
				hint = &c
			}
			direction := model.DirectionOutflow
			if income {
				direction = model.DirectionInflow
			}
			txn := model.Transaction{
				ID:           "classify-preview",
				Timestamp:    ts,
				Counterparty: counterparty,
				Memo:         strings.Join(args, " "),
				Direction:    direction,
				Amount:       model.SignedAmount(amount, direction),
			}

			eng, err := a.engine(ctx)
			if err != nil {
				return err
			}
			actx, err := eng.Prepare(ctx, txn, hint)
			if err != nil {
				return err
			}
			printContext(cmd, actx)
			return nil
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in won")
	cmd.Flags().StringVar(&counterparty, "counterparty", "", "merchant or counterparty name")
	cmd.Flags().StringVar(&category, "category", "", "category hint; skips the classifier")
	cmd.Flags().StringVar(&date, "date", "", "transaction date, YYYY-MM-DD (default: today)")
	cmd.Flags().BoolVar(&income, "income", false, "treat the amount as money received")
	return cmd
}

func printContext(cmd *cobra.Command, actx model.AssembledContext) {
	out := cmd.OutOrStdout()
	coverage := string(actx.Coverage)
	switch actx.Coverage {
	case model.CoverageComplete:
		coverage = cli.StyleSuccess(coverage)
	case model.CoveragePartial:
		coverage = cli.StyleWarning(coverage)
	default:
		coverage = cli.StyleError(coverage)
	}

	body := fmt.Sprintf("  Category: %s (%s)\n", actx.Category.Label(), actx.Category) +
		fmt.Sprintf("  Confidence: %.2f\n", actx.Confidence) +
		fmt.Sprintf("  Coverage: %s\n", coverage) +
		fmt.Sprintf("  Index: %s", actx.IndexVersion)
	if actx.Signals.ClassificationWeak {
		body += "\n  " + cli.StyleWarning("classification is weak")
	}
	if actx.Signals.LawUndersupplied {
		body += "\n  " + cli.StyleWarning("too few provisions retrieved")
	}
	fmt.Fprintln(out, cli.RenderBox("Assembled context", body))

	rows := make([][]string, 0, len(actx.Chunks))
	for _, c := range actx.Chunks {
		rows = append(rows, []string{c.ID, string(c.LawCode), c.Article, c.Title, c.EffectiveDate.Format(time.DateOnly)})
	}
	fmt.Fprint(out, cli.RenderTable([]string{"CHUNK", "LAW", "ARTICLE", "TITLE", "EFFECTIVE"}, rows, -1))

	if len(actx.Evidence) > 0 {
		fmt.Fprintln(out, "\n"+cli.BoldStyle.Render("Evidence to keep:"))
		for _, e := range actx.Evidence {
			fmt.Fprintf(out, "  • %s\n", e)
		}
	}
}
