package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/promptoor/pkg/config"
	"github.com/ethpandaops/promptoor/pkg/fsutil"
	"github.com/ethpandaops/promptoor/pkg/resultstore"
)

var (
	migrateToDriver string
	migrateToPath   string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy every record of the result store into another store",
	Long: `Copy the configured result store into a different backend, for example
to move a JSONL store into SQLite. Records already in the destination with
the same key are replaced. Postgres destinations use store.postgres.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().StringVar(&migrateToDriver, "to-driver", "",
		"Destination driver (jsonl, sqlite, postgres)")
	migrateCmd.Flags().StringVar(&migrateToPath, "to-path", "",
		"Destination file for jsonl and sqlite")

	_ = migrateCmd.MarkFlagRequired("to-driver")
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	owner, err := fsutil.ParseOwner(cfg.Global.ResultsOwner)
	if err != nil {
		return fmt.Errorf("parsing results_owner: %w", err)
	}

	dstCfg := &config.StoreConfig{
		Driver:   migrateToDriver,
		Path:     migrateToPath,
		Postgres: cfg.Store.Postgres,
	}

	if dstCfg.Driver != config.StoreDriverPostgres && dstCfg.Path == "" {
		return fmt.Errorf("%w: --to-path is required for the %s driver", config.ErrConfiguration, dstCfg.Driver)
	}

	if dstCfg.Driver == cfg.Store.Driver && dstCfg.Path == cfg.Store.Path {
		return fmt.Errorf("%w: source and destination are the same store", config.ErrConfiguration)
	}

	ctx := context.Background()

	src, err := openStore(ctx, &cfg.Store, owner)
	if err != nil {
		return err
	}

	defer func() { _ = src.Stop() }()

	dst, err := openStore(ctx, dstCfg, owner)
	if err != nil {
		return err
	}

	defer func() { _ = dst.Stop() }()

	n, err := resultstore.Import(ctx, dst, src)
	if err != nil {
		return fmt.Errorf("migrating records: %w", err)
	}

	log.WithFields(logrus.Fields{
		"records": n,
		"from":    cfg.Store.Driver,
		"to":      dstCfg.Driver,
	}).Info("Migration completed")

	return nil
}
