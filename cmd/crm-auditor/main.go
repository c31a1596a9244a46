package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/crm_auditor/checks"
	"bitbucket.org/mmdatafocus/crm_auditor/config"
	"bitbucket.org/mmdatafocus/crm_auditor/models"
	"bitbucket.org/mmdatafocus/crm_auditor/webhook"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "crm-auditor",
		Short:         "Audits CRM deals against SLA rules and records violations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newRunCmd(), newMigrateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var skipInitialRun bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the CRM webhook and run the rules on schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, skipInitialRun)
		},
	}
	cmd.Flags().BoolVar(&skipInitialRun, "skip-initial-run", false, "do not run the rules once at startup")
	return cmd
}

func newRunCmd() *cobra.Command {
	var rules []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the rules once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return logFatal(err)
			}
			defer a.Close()

			if _, err := runOnce(ctx, a, rules); err != nil {
				return logFatal(err)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&rules, "rule", nil, "rule to run (repeatable); all enabled rules when omitted")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the fact tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return logFatal(err)
			}
			db, err := config.ConnectDatabaseWithRetry(cmd.Context(), cfg)
			if err != nil {
				return logFatal(err)
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			if err := models.MigrateTable(cmd.Context(), db); err != nil {
				return logFatal(err)
			}
			config.GetLogger().Info("migration finished")
			return nil
		},
	}
}

// runOnce migrates the fact tables and evaluates the rules a single time.
func runOnce(ctx context.Context, a *app, rules []string) (checks.RunReport, error) {
	if err := models.MigrateTable(ctx, a.db); err != nil {
		return checks.RunReport{}, err
	}
	report, err := a.runner.Run(ctx, rules...)
	config.GetLogger().WithFields(logrus.Fields{
		"run_id":   report.RunID,
		"appended": report.Appended(),
	}).Info("single run finished")
	return report, err
}

func serve(ctx context.Context, skipInitialRun bool) error {
	logger := config.GetLogger()

	a, err := newApp(ctx)
	if err != nil {
		return logFatal(err)
	}
	defer a.Close()

	if err := models.MigrateTable(ctx, a.db); err != nil {
		return logFatal(err)
	}

	gin.SetMode(gin.ReleaseMode)
	handler := webhook.NewHandler(a.store, a.crm, a.cfg.AppToken, a.cfg.Location)
	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           webhook.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		logger.WithField("port", a.cfg.Port).Info("webhook server listening")
		serverErrCh <- srv.ListenAndServe()
	}()

	scheduled := func() {
		if _, err := a.runner.Run(ctx); err != nil {
			if errors.Is(err, checks.ErrRunInProgress) {
				logger.Warn("previous run still in progress; skipping")
				return
			}
			logger.WithError(err).Error("scheduled run finished with failures")
		}
	}

	scheduler := cron.New(
		cron.WithLocation(a.cfg.Location),
		cron.WithChain(cron.Recover(cron.PrintfLogger(logger)), cron.SkipIfStillRunning(cron.PrintfLogger(logger))),
	)
	if _, err := scheduler.AddFunc(a.cfg.CronSpec(), scheduled); err != nil {
		return logFatal(fmt.Errorf("schedule %q: %w", a.cfg.CronSpec(), err))
	}
	scheduler.Start()
	logger.WithFields(logrus.Fields{
		"schedule": a.cfg.CronSpec(),
		"timezone": a.cfg.Timezone,
	}).Info("scheduler started")

	if !skipInitialRun {
		go scheduled()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("webhook server: %w", err)
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}

	stopped := scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	select {
	case <-stopped.Done():
	case <-shutdownCtx.Done():
		logger.Warn("run still in progress at shutdown")
	}
	return serveErr
}

func logFatal(err error) error {
	config.GetLogger().WithError(err).Error("crm-auditor failed")
	return err
}
