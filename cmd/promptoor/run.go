package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/promptoor/pkg/aggregate"
	"github.com/ethpandaops/promptoor/pkg/config"
	"github.com/ethpandaops/promptoor/pkg/fsutil"
	"github.com/ethpandaops/promptoor/pkg/outcome"
	"github.com/ethpandaops/promptoor/pkg/provider"
	"github.com/ethpandaops/promptoor/pkg/report"
	"github.com/ethpandaops/promptoor/pkg/runner"
	"github.com/ethpandaops/promptoor/pkg/scheduler"
	"github.com/ethpandaops/promptoor/pkg/suite"
	"github.com/ethpandaops/promptoor/pkg/sysinfo"
	"github.com/ethpandaops/promptoor/pkg/upload"
)

var (
	runNoCache          bool
	runVisual           bool
	runPasses           int
	runConcurrency      int
	runRetryRateLimited bool
	runFormat           string
	runNoSummary        bool
)

var runCmd = &cobra.Command{
	Use:   "run [model|test ...]",
	Short: "Run the prompt suite",
	Long: `Run every outstanding pass of the selected models and test cases and print
the aggregated results. Arguments select models and/or test cases by name;
without arguments the whole suite runs. Passes already in the result store
are not repeated unless --no-cache is given.`,
	RunE: runPrompts,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runNoCache, "no-cache", false,
		"Run every pass even if it is already stored")
	runCmd.Flags().BoolVar(&runVisual, "visual", false,
		"Include test cases with images")
	runCmd.Flags().IntVar(&runPasses, "passes", 0,
		"Required passes per model and test (overrides runner.passes)")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0,
		"Passes in flight (overrides runner.concurrency)")
	runCmd.Flags().BoolVar(&runRetryRateLimited, "retry-rate-limited", false,
		"Run rate limited passes again")
	runCmd.Flags().StringVar(&runFormat, "format", string(report.FormatText),
		"Report format (text, markdown, json)")
	runCmd.Flags().BoolVar(&runNoSummary, "no-summary", false,
		"Do not write a run summary to the results directory")
}

func runPrompts(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("passes") {
		cfg.Runner.Passes = runPasses
	}

	if cmd.Flags().Changed("concurrency") {
		cfg.Runner.Concurrency = runConcurrency
	}

	if runVisual {
		cfg.Runner.IncludeVisual = true
	}

	if runRetryRateLimited {
		cfg.Runner.RetryRateLimited = true
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	format, err := report.ParseFormat(runFormat)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}

	owner, err := fsutil.ParseOwner(cfg.Global.ResultsOwner)
	if err != nil {
		return fmt.Errorf("%w: parsing results_owner: %w", config.ErrConfiguration, err)
	}

	models, cases, err := loadSuite(cfg, args)
	if err != nil {
		return err
	}

	if !cfg.Runner.IncludeVisual {
		cases = suite.WithoutImages(cases)
	}

	registry, err := provider.NewRegistry(log, cfg.Providers)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}

	grader, err := newGrader(cfg, registry, cases)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx, &cfg.Store, owner)
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop result store")
		}
	}()

	opts := scheduler.Options{
		Passes:   cfg.Runner.Passes,
		UseCache: !runNoCache,
	}

	if cfg.Runner.RetryRateLimited {
		opts.RetryOutcomes = []outcome.Outcome{outcome.Fail(outcome.RateLimited)}
	}

	plan, err := scheduler.Schedule(ctx, store, models, cases, opts)
	if err != nil {
		return fmt.Errorf("scheduling: %w", err)
	}

	for _, s := range plan.Skipped {
		log.WithFields(logrus.Fields{
			"model": s.Model,
			"test":  s.TestName,
		}).Debug("Skipping unsupported test case")
	}

	rpm := make(map[string]int, len(models))
	for _, m := range models {
		if m.RequestsPerMinute > 0 {
			rpm[m.Name] = m.RequestsPerMinute
		}
	}

	pass := runner.NewPassRunner(log, runner.PassConfig{
		RequestTimeout: cfg.Runner.RequestTimeout,
		Temperature:    cfg.Runner.Temperature,
	}, registry, grader)

	r := runner.NewRunner(log, &runner.Config{
		Concurrency:       cfg.Runner.Concurrency,
		RequestsPerMinute: rpm,
	}, store, pass)

	summary, runErr := r.Run(ctx, plan)

	// Reporting happens even for interrupted runs.
	reportCtx := context.WithoutCancel(ctx)

	records, err := store.All(reportCtx)
	if err != nil {
		return fmt.Errorf("reading results: %w", err)
	}

	rep := report.Build(aggregate.All(records), modelNames(models), testNames(cases), plan.Skipped, cfg.Runner.Passes)

	if err := report.Write(os.Stdout, rep, format); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	if !runNoSummary && summary != nil {
		if err := writeSummary(reportCtx, cfg, owner, summary, rep); err != nil {
			log.WithError(err).Warn("Failed to write run summary")
		}
	}

	return runErr
}

// writeSummary writes the run summary and uploads results when configured.
func writeSummary(
	ctx context.Context,
	cfg *config.Config,
	owner *fsutil.OwnerConfig,
	summary *runner.Summary,
	rep *report.Report,
) error {
	sys, err := sysinfo.Collect(ctx, log)
	if err != nil {
		log.WithError(err).Warn("Failed to collect system info")
	}

	runDir, err := report.WriteRunSummary(cfg.Global.ResultsDir, owner, &report.RunSummary{
		Run:    summary,
		Passes: cfg.Runner.Passes,
		System: sys,
		Report: rep,
	})
	if err != nil {
		return err
	}

	log.WithField("dir", runDir).Info("Run summary written")

	if cfg.ResultsUpload == nil || cfg.ResultsUpload.S3 == nil || !cfg.ResultsUpload.S3.Enabled {
		return nil
	}

	uploader, err := upload.NewS3Uploader(log, cfg.ResultsUpload.S3)
	if err != nil {
		return fmt.Errorf("creating S3 uploader: %w", err)
	}

	if path, ok := storeFile(&cfg.Store); ok {
		if err := uploader.UploadStore(ctx, path); err != nil {
			return err
		}
	}

	return uploader.UploadRunDir(ctx, runDir)
}

// storeFile returns the on-disk file of file-backed stores.
func storeFile(cfg *config.StoreConfig) (string, bool) {
	switch cfg.Driver {
	case config.StoreDriverJSONL, "":
		return cfg.Path, true
	case config.StoreDriverSQLite:
		return cfg.Path, cfg.Path != ":memory:"
	default:
		return "", false
	}
}
