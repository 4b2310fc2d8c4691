package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/taxflow/internal/bank"
	"github.com/Veraticus/taxflow/internal/cli"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/pipeline"
	"github.com/Veraticus/taxflow/internal/service"
)

// runJob runs fn through the job runner so manual runs are recorded like
// scheduled ones, and prints the outcome.
func runJob(cmd *cobra.Command, a *app, name string, fn pipeline.JobFunc) (pipeline.Result, error) {
	interrupt := cli.NewInterruptHandler(cmd.ErrOrStderr(), strings.TrimPrefix(cmd.CommandPath(), "taxflow "))
	ctx := interrupt.HandleInterrupts(cmd.Context())

	result, err := a.runner().Run(ctx, name, fn)
	out := cmd.OutOrStdout()
	if result != nil {
		processed, failed := result.Counts()
		line := fmt.Sprintf("%s: %s", name, result.Summary())
		switch {
		case err != nil:
			fmt.Fprintln(out, cli.FormatError(line))
		case failed > 0:
			fmt.Fprintln(out, cli.FormatWarning(fmt.Sprintf("%s (%d processed, %d failed)", line, processed, failed)))
		default:
			fmt.Fprintln(out, cli.FormatSuccess(line))
		}
	}
	return result, err
}

func syncCmd() *cobra.Command {
	var (
		days     int
		from, to string
		accounts []string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch bank transactions into the store",
		Long: `Fetch transactions for every configured account, normalize and deduplicate
them, flag internal transfers and recurring payments, and store the rest as
awaiting context. Re-running over the same range changes nothing.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			if days == 0 {
				days = a.cfg.Jobs.SyncDays
			}
			dr, err := syncRange(from, to, days, a.cfg.Location(), time.Now())
			if err != nil {
				return err
			}
			refs, err := selectAccounts(a.cfg.Accounts, accounts)
			if err != nil {
				return err
			}
			source, err := a.bankSource()
			if err != nil {
				return err
			}

			job := pipeline.NewSyncJob(source, a.store, pipeline.SyncOptions{
				Metrics:      a.metrics,
				FetchTimeout: a.cfg.Jobs.CallTimeout,
			})
			_, err = runJob(cmd, a, pipeline.JobSync, func(ctx context.Context) (pipeline.Result, error) {
				return job.Run(ctx, refs, dr)
			})
			return err
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "days back from today to fetch (default: jobs.sync_days)")
	cmd.Flags().StringVar(&from, "from", "", "start date, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "end date, YYYY-MM-DD (default: today)")
	cmd.Flags().StringSliceVar(&accounts, "account", nil, "only sync these account ids")
	return cmd
}

// syncRange resolves the flags into a date range. --from wins over --days.
func syncRange(from, to string, days int, loc *time.Location, now time.Time) (service.DateRange, error) {
	now = now.In(loc)
	end := time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, 0, loc)
	if to != "" {
		t, err := time.ParseInLocation(time.DateOnly, to, loc)
		if err != nil {
			return service.DateRange{}, common.NewUserError("--to must be YYYY-MM-DD", err)
		}
		end = t.Add(24*time.Hour - time.Second)
	}
	start := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -days)
	if from != "" {
		t, err := time.ParseInLocation(time.DateOnly, from, loc)
		if err != nil {
			return service.DateRange{}, common.NewUserError("--from must be YYYY-MM-DD", err)
		}
		start = t
	}
	if start.After(end) {
		return service.DateRange{}, common.NewUserError("Start date is after end date", bank.ErrInvalidRange)
	}
	return service.DateRange{Start: start, End: end}, nil
}

func selectAccounts(all []bank.AccountRef, ids []string) ([]bank.AccountRef, error) {
	if len(all) == 0 {
		return nil, common.NewUserError("No accounts configured; add them under `accounts:` in the config file", common.ErrMissingConfig)
	}
	if len(ids) == 0 {
		return all, nil
	}
	var out []bank.AccountRef
	for _, id := range ids {
		i := slices.IndexFunc(all, func(a bank.AccountRef) bool { return a.ID == id })
		if i < 0 {
			return nil, common.NewUserError(fmt.Sprintf("Unknown account %q", id), common.ErrNotFound)
		}
		out = append(out, all[i])
	}
	return out, nil
}

func dispatchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Generate questions for transactions awaiting context and send them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.dispatchJob(cmd.Context(), limit)
			if err != nil {
				return err
			}
			_, err = runJob(cmd, a, pipeline.JobDispatch, func(ctx context.Context) (pipeline.Result, error) {
				return job.Run(ctx)
			})
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "dispatch at most this many transactions (0 means all)")
	return cmd
}

func remindCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "remind",
		Short: "Resend open questions that have gone unanswered",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			if olderThan == 0 {
				olderThan = a.cfg.Jobs.ReminderAge
			}
			sink, err := a.sink()
			if err != nil {
				return err
			}
			job := pipeline.NewReminderJob(a.store, sink, nil)
			_, err = runJob(cmd, a, pipeline.JobReminder, func(ctx context.Context) (pipeline.Result, error) {
				return job.Run(ctx, olderThan)
			})
			return err
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only remind about questions older than this (default: jobs.reminder_age)")
	return cmd
}
