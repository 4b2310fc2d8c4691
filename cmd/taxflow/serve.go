package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/taxflow/internal/cli"
	"github.com/Veraticus/taxflow/internal/notify"
	"github.com/Veraticus/taxflow/internal/pipeline"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the answer webhook and the metrics endpoint",
		Long: `Run every scheduled job on its cron spec, accept answers on
POST /interactions (and from NATS when notify.sink is nats), and expose
Prometheus metrics on /metrics. SIGINT or SIGTERM stops new runs and waits
for running jobs to persist what they finished.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.cfg.ListenAddr
			}

			handler, err := a.answerHandler()
			if err != nil {
				return err
			}
			scheduler, err := a.scheduler(ctx)
			if err != nil {
				return err
			}

			server := &http.Server{
				Addr: addr,
				Handler: notify.NewWebhookRouter(handler,
					map[string]http.Handler{"/metrics": a.metrics.Handler()},
					a.metrics.Middleware),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 2)
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("webhook server: %w", err)
				}
			}()
			if a.nats != nil {
				go func() {
					if err := a.nats.SubscribeAnswers(ctx, handler); err != nil {
						errCh <- err
					}
				}()
			}
			scheduler.Start(ctx)

			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Listening on %s", addr)))
			for i, next := range scheduler.Entries() {
				slog.Debug("Next run", "entry", i, "at", next)
			}

			select {
			case <-ctx.Done():
			case err = <-errCh:
				slog.Error("Server failed", "error", err)
			}

			slog.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if serr := server.Shutdown(shutdownCtx); serr != nil {
				slog.Warn("Webhook shutdown incomplete", "error", serr)
			}
			if serr := scheduler.Stop(shutdownCtx); serr != nil {
				slog.Warn("Jobs still running at shutdown", "error", serr)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	return cmd
}

// scheduler registers every job on its configured spec.
func (a *app) scheduler(ctx context.Context) (*pipeline.Scheduler, error) {
	loc := a.cfg.Location()
	s := pipeline.NewScheduler(a.runner(), loc, nil)

	source, err := a.bankSource()
	if err != nil {
		return nil, err
	}
	syncJob := pipeline.NewSyncJob(source, a.store, pipeline.SyncOptions{
		Metrics:      a.metrics,
		FetchTimeout: a.cfg.Jobs.CallTimeout,
	})
	dispatchJob, err := a.dispatchJob(ctx, 0)
	if err != nil {
		return nil, err
	}
	sink, err := a.sink()
	if err != nil {
		return nil, err
	}
	reminderJob := pipeline.NewReminderJob(a.store, sink, nil)
	exporters, err := a.exporters(ctx, "")
	if err != nil {
		return nil, err
	}
	documentJob, err := a.documentJob(exporters)
	if err != nil {
		return nil, err
	}

	jobs := []struct {
		spec string
		name string
		fn   pipeline.JobFunc
	}{
		{a.cfg.Schedule.Sync, pipeline.JobSync, func(ctx context.Context) (pipeline.Result, error) {
			if len(a.cfg.Accounts) == 0 {
				return nil, errors.New("no accounts configured")
			}
			dr, err := syncRange("", "", a.cfg.Jobs.SyncDays, loc, time.Now())
			if err != nil {
				return nil, err
			}
			return syncJob.Run(ctx, a.cfg.Accounts, dr)
		}},
		{a.cfg.Schedule.Dispatch, pipeline.JobDispatch, func(ctx context.Context) (pipeline.Result, error) {
			return dispatchJob.Run(ctx)
		}},
		{a.cfg.Schedule.Reminder, pipeline.JobReminder, func(ctx context.Context) (pipeline.Result, error) {
			return reminderJob.Run(ctx, a.cfg.Jobs.ReminderAge)
		}},
		{a.cfg.Schedule.Document, pipeline.JobDocument, func(ctx context.Context) (pipeline.Result, error) {
			year, month, _ := parseMonth(nil, loc, time.Now())
			return documentJob.Run(ctx, year, month)
		}},
	}
	for _, j := range jobs {
		if err := s.Add(j.spec, j.name, j.fn); err != nil {
			return nil, err
		}
	}
	return s, nil
}
