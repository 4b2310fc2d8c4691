package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/taxflow/internal/cli"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
	"github.com/Veraticus/taxflow/internal/tui"
)

func answerCmd() *cobra.Command {
	var (
		transactionID string
		fullScreen    bool
	)
	cmd := &cobra.Command{
		Use:   "answer [transaction-id question-id value...]",
		Short: "Answer dispatched questions",
		Long: `With arguments, record a single answer, exactly as if it had arrived from
the chat integration. Without arguments, walk through every open question at
the terminal. Once a transaction's last question is answered its enriched
context is built and it is classified.`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) < 3 {
				return errors.New("expected no arguments or transaction-id question-id value")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := a.answerHandler()
			if err != nil {
				return err
			}

			if len(args) >= 3 {
				answer := model.Answer{
					ReceivedAt:    time.Now(),
					TransactionID: args[0],
					QuestionID:    args[1],
					Value:         strings.Join(args[2:], " "),
				}
				if err := handler.HandleAnswer(ctx, answer); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Recorded %s for %s", answer.QuestionID, answer.TransactionID)))
				return nil
			}

			sets, err := pendingSets(ctx, a.store, transactionID)
			if err != nil {
				return err
			}
			interrupt := cli.NewInterruptHandler(cmd.ErrOrStderr(), "answer")
			ctx = interrupt.HandleInterrupts(ctx)
			if fullScreen {
				var stats cli.SessionStats
				stats, err = tui.Run(ctx, sets, handler, cmd.InOrStdin(), cmd.OutOrStdout())
				if err == nil && stats.Asked > 0 {
					fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf(
						"Answered %d, skipped %d, rejected %d", stats.Answered, stats.Skipped, stats.Rejected)))
				}
			} else {
				_, err = cli.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout()).Run(ctx, sets, handler)
			}
			if interrupt.WasInterrupted() {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&transactionID, "transaction", "", "only ask about this transaction")
	cmd.Flags().BoolVar(&fullScreen, "tui", false, "answer in a full-screen interface")
	return cmd
}

// pendingSets loads the question sets of transactions still waiting for
// answers, oldest first.
func pendingSets(ctx context.Context, store service.Storage, onlyID string) ([]cli.PendingSet, error) {
	var txns []model.Transaction
	if onlyID != "" {
		txn, err := store.GetTransaction(ctx, onlyID)
		if err != nil {
			return nil, common.NewUserError(fmt.Sprintf("Transaction %s not found", onlyID), err)
		}
		txns = append(txns, *txn)
	} else {
		var err error
		txns, err = store.GetTransactions(ctx, service.TransactionFilter{
			Statuses: []model.Status{model.StatusContextAttached, model.StatusNeedsReview},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list transactions: %w", err)
		}
	}

	var sets []cli.PendingSet
	for _, txn := range txns {
		set, err := store.GetQuestionSet(ctx, txn.ID)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load questions for %s: %w", txn.ID, err)
		}
		answers, err := store.GetAnswers(ctx, txn.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load answers for %s: %w", txn.ID, err)
		}
		answered := make(map[string]bool, len(answers))
		for _, ans := range answers {
			answered[ans.QuestionID] = true
		}
		sets = append(sets, cli.PendingSet{Set: *set, Answered: answered})
	}
	return sets, nil
}

func linkCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "link <transaction-id> [related-id...]",
		Short: "Mark transactions as related so the monthly document groups them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()

			if list {
				links, err := a.store.GetLinks(ctx, args)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(links))
				for _, l := range links {
					rows = append(rows, []string{l.A, l.B})
				}
				fmt.Fprint(out, cli.RenderTable([]string{"TRANSACTION", "RELATED"}, rows, -1))
				return nil
			}

			if len(args) < 2 {
				return errors.New("link needs at least two transaction ids")
			}
			for _, id := range args {
				if _, err := a.store.GetTransaction(ctx, id); err != nil {
					return common.NewUserError(fmt.Sprintf("Transaction %s not found", id), err)
				}
			}
			for _, related := range args[1:] {
				if err := a.store.AddLink(ctx, model.TransactionLink{A: args[0], B: related}); err != nil {
					return fmt.Errorf("failed to link %s and %s: %w", args[0], related, err)
				}
				fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Linked %s and %s", args[0], related)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "show existing links instead of adding one")
	return cmd
}
