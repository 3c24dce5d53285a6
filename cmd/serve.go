package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siftlabs/sentiment-crawler/internal/api"
	"github.com/siftlabs/sentiment-crawler/internal/app"
	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
	"github.com/siftlabs/sentiment-crawler/internal/workflow"
)

// newServeCmd creates the 'serve' subcommand: the HTTP API plus the daily
// cron trigger.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run crawls on the configured schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), a)
		},
	}
}

func serve(parent context.Context, a *app.App) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := a.Log.Named("serve")

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           api.NewServer(a.Driver, a.Log.Named("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var sched *cron.Cron
	if spec := a.Config.Server.CronSpec; spec != "" {
		sched = cron.New()
		if _, err := sched.AddFunc(spec, func() { scheduledRun(ctx, a, log) }); err != nil {
			return fmt.Errorf("invalid cron spec %q: %w", spec, err)
		}
		sched.Start()
		log.Info("schedule armed", zap.String("cron_spec", spec))
	}

	go func() {
		log.Info("http server started", zap.Int("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown initiated")

	if sched != nil {
		// Wait for an in-flight scheduled run before tearing down.
		<-sched.Stop().Done()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
	return nil
}

// scheduledRun fires the daily crawl. A date that already has a run is
// resumed instead, so a restarted service picks up where it left off.
func scheduledRun(ctx context.Context, a *app.App, log *zap.Logger) {
	date := pipeline.RunDateOf(a.Clock.Now())
	log.Info("scheduled run starting", zap.String("run_date", string(date)))

	run, err := a.Driver.StartRun(ctx, date)
	if errors.Is(err, workflow.ErrRunExists) {
		run, err = a.Driver.ResumeRun(ctx, date)
	}
	if err != nil {
		log.Error("scheduled run failed", zap.String("run_date", string(date)), zap.Error(err))
		return
	}
	log.Info("scheduled run finished",
		zap.String("run_date", string(date)),
		zap.String("state", string(run.State)),
		zap.Int("tasks_succeeded", run.Summary.TasksSucceeded),
		zap.Int("items_inserted", run.Summary.ItemsInserted),
	)
}
