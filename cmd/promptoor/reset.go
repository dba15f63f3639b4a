package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/promptoor/pkg/fsutil"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove every record from the result store",
	RunE:  runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip confirmation prompt")
}

func runReset(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	owner, err := fsutil.ParseOwner(cfg.Global.ResultsOwner)
	if err != nil {
		return fmt.Errorf("parsing results_owner: %w", err)
	}

	ctx := context.Background()

	store, err := openStore(ctx, &cfg.Store, owner)
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop result store")
		}
	}()

	records, err := store.All(ctx)
	if err != nil {
		return fmt.Errorf("reading results: %w", err)
	}

	if len(records) == 0 {
		log.Info("Result store is already empty")

		return nil
	}

	// Prompt for confirmation if not forced.
	if !resetYes {
		fmt.Printf("Remove %d records from %s store? [y/N] ", len(records), cfg.Store.Driver)

		reader := bufio.NewReader(os.Stdin)

		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			log.Info("Reset cancelled")

			return nil
		}
	}

	if err := store.Reset(ctx); err != nil {
		return fmt.Errorf("resetting result store: %w", err)
	}

	log.WithField("records", len(records)).Info("Result store cleared")

	return nil
}
