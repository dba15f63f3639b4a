package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/promptoor/pkg/aggregate"
	"github.com/ethpandaops/promptoor/pkg/config"
	"github.com/ethpandaops/promptoor/pkg/report"
	"github.com/ethpandaops/promptoor/pkg/scheduler"
	"github.com/ethpandaops/promptoor/pkg/suite"
)

var (
	reportFormat string
	reportPasses int
	reportVisual bool
)

var reportCmd = &cobra.Command{
	Use:   "report [model|test ...]",
	Short: "Print the aggregated results without running anything",
	RunE:  runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().StringVar(&reportFormat, "format", string(report.FormatText),
		"Report format (text, markdown, json)")
	reportCmd.Flags().IntVar(&reportPasses, "passes", 0,
		"Pass count used for totals (overrides runner.passes)")
	reportCmd.Flags().BoolVar(&reportVisual, "visual", false,
		"Include test cases with images")
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("passes") {
		cfg.Runner.Passes = reportPasses
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	format, err := report.ParseFormat(reportFormat)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}

	models, cases, err := loadSuite(cfg, args)
	if err != nil {
		return err
	}

	if !reportVisual && !cfg.Runner.IncludeVisual {
		cases = suite.WithoutImages(cases)
	}

	ctx := context.Background()

	store, err := openStore(ctx, &cfg.Store, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop result store")
		}
	}()

	plan, err := scheduler.Schedule(ctx, store, models, cases, scheduler.Options{
		Passes:   cfg.Runner.Passes,
		UseCache: true,
	})
	if err != nil {
		return fmt.Errorf("scheduling: %w", err)
	}

	records, err := store.All(ctx)
	if err != nil {
		return fmt.Errorf("reading results: %w", err)
	}

	rep := report.Build(aggregate.All(records), modelNames(models), testNames(cases), plan.Skipped, cfg.Runner.Passes)

	if err := report.Write(os.Stdout, rep, format); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	if plan.Total() > 0 {
		log.WithField("outstanding", plan.Total()).Info("Some passes have not been run yet")
	}

	return nil
}
