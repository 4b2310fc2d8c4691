package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/taxflow/internal/cli"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/config"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
	"github.com/Veraticus/taxflow/internal/storage"
)

func migrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Initialize or update the database schema to the latest version.
Every other command migrates on open; this is for checking or preparing a
database ahead of time.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return common.NewUserError("Configuration is invalid", err)
			}
			store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer func() { _ = store.Close() }()
			out := cmd.OutOrStdout()

			current, err := store.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			if status {
				fmt.Fprintln(out, cli.FormatTitle("Database migration status"))
				fmt.Fprintf(out, "  Database: %s\n  Current version: %d\n  Latest version: %d\n",
					store.Path(), current, storage.ExpectedSchemaVersion)
				return nil
			}

			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Database at schema version %d (%s)", storage.ExpectedSchemaVersion, store.Path())))
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "show the schema version without migrating")
	return cmd
}

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup [destination]",
		Short: "Write a verified copy of the database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			dest := filepath.Join(filepath.Dir(a.cfg.DatabasePath), "backups",
				fmt.Sprintf("taxflow-%s.db", time.Now().Format("20060102-150405")))
			if len(args) == 1 {
				dest = config.ExpandPath(args[0])
			}
			info, err := a.store.Backup(ctx, dest)
			if err != nil {
				return err
			}

			tables := make([]string, 0, len(info.RowCounts))
			for t := range info.RowCounts {
				tables = append(tables, t)
			}
			sort.Strings(tables)
			rows := make([][]string, 0, len(tables))
			for _, t := range tables {
				rows = append(rows, []string{t, fmt.Sprintf("%d", info.RowCounts[t])})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Backed up to %s (%d bytes, schema v%d)", info.Path, info.FileSize, info.SchemaVersion)))
			fmt.Fprint(out, cli.RenderTable([]string{"TABLE", "ROWS"}, rows, -1))
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent job runs, transaction states and documents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()

			runs, err := a.store.ListJobRuns(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, cli.FormatTitle("Recent runs"))
			fmt.Fprint(out, cli.RenderTable(
				[]string{"STARTED", "JOB", "STATUS", "DURATION", "PROCESSED", "FAILED", "DETAIL"},
				jobRunRows(runs), 2))

			fmt.Fprintln(out, "\n"+cli.FormatTitle("Transactions"))
			var rows [][]string
			for _, st := range []model.Status{
				model.StatusAwaitingContext, model.StatusContextAttached,
				model.StatusNeedsReview, model.StatusAutoClassified,
			} {
				txns, err := a.store.GetTransactions(ctx, service.TransactionFilter{Statuses: []model.Status{st}, ExcludeTransfers: true})
				if err != nil {
					return err
				}
				rows = append(rows, []string{string(st), fmt.Sprintf("%d", len(txns))})
			}
			fmt.Fprint(out, cli.RenderTable([]string{"STATUS", "COUNT"}, rows, 0))

			docs, err := a.store.ListDocuments(ctx)
			if err != nil {
				return err
			}
			if len(docs) > 0 {
				fmt.Fprintln(out, "\n"+cli.FormatTitle("Documents"))
				fmt.Fprint(out, cli.RenderTable(documentHeaders, documentRows(docs), 2))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of job runs to show")
	return cmd
}

func jobRunRows(runs []model.JobRun) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		duration := "-"
		if !r.FinishedAt.IsZero() {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		detail := r.Detail
		if len(detail) > 60 {
			detail = detail[:57] + "..."
		}
		rows = append(rows, []string{
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.Job,
			r.Status,
			duration,
			fmt.Sprintf("%d", r.Processed),
			fmt.Sprintf("%d", r.Failed),
			detail,
		})
	}
	return rows
}
