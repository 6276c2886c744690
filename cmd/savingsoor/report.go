package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rcpops/savingsoor/pkg/config"
	"github.com/rcpops/savingsoor/pkg/rcp"
	"github.com/rcpops/savingsoor/pkg/report"
	"github.com/rcpops/savingsoor/pkg/store"
	"github.com/rcpops/savingsoor/pkg/upload"
)

var (
	limitClusters int
	resumeRunID   uint
	runTicket     string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Run the savings collection",
	Long: `Enumerate all Active-Active multi-clusters, fetch the current
blueprint and optimal plan for each, and persist the savings results.`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().IntVar(&limitClusters, "limit", 0,
		"Limit the number of clusters processed (for testing)")
	reportCmd.Flags().UintVar(&resumeRunID, "run-id", 0,
		"Resume an existing run instead of starting a new one")
	reportCmd.Flags().StringVar(&runTicket, "ticket", "",
		"External ticket label recorded on the run")
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	client := rcp.NewThrottled(
		log, rcp.NewClient(log, &cfg.RCP), &cfg.RateLimit, &cfg.Retry,
	)

	var uploader upload.Uploader

	if cfg.Artifact.S3 != nil && cfg.Artifact.S3.Enabled {
		uploader, err = upload.NewS3Uploader(log, cfg.Artifact.S3)
		if err != nil {
			return fmt.Errorf("creating s3 uploader: %w", err)
		}

		if err := uploader.Preflight(ctx); err != nil {
			return fmt.Errorf("s3 preflight: %w", err)
		}
	}

	opts := report.Options{
		Limit:  limitClusters,
		Ticket: runTicket,
	}

	if resumeRunID != 0 {
		opts.RunID = &resumeRunID
	}

	if opts.Ticket == "" {
		opts.Ticket = "run_" + time.Now().UTC().Format("20060102_150405")
	}

	reporter := report.New(log, cfg, st, client, uploader)

	summary, err := reporter.Run(ctx, opts)
	if err != nil {
		return fmt.Errorf("running report: %w", err)
	}

	log.WithFields(logrus.Fields{
		"run_id":    summary.RunID,
		"total":     summary.Total,
		"processed": summary.Processed,
		"failed":    summary.Failed,
		"artifact":  summary.ArtifactPath,
	}).Info("Report completed")

	return nil
}
