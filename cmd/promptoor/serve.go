package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/promptoor/pkg/api"
	"github.com/ethpandaops/promptoor/pkg/suite"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only results API server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	if err := cfg.ValidateAPI(); err != nil {
		return fmt.Errorf("validating api config: %w", err)
	}

	models, cases, err := loadSuite(cfg, nil)
	if err != nil {
		return err
	}

	if !cfg.Runner.IncludeVisual {
		cases = suite.WithoutImages(cases)
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx, &cfg.Store, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop result store")
		}
	}()

	srv := api.NewServer(log, cfg.API, store, api.Suite{
		Models: models,
		Cases:  cases,
		Passes: cfg.Runner.Passes,
	})

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	<-ctx.Done()
	log.Info("Shutting down API server")

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
