package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/promptoor/pkg/config"
	"github.com/ethpandaops/promptoor/pkg/report"
	"github.com/ethpandaops/promptoor/pkg/upload"
)

var (
	uploadMethod    string
	uploadResultDir string
	uploadSkipStore bool
)

var uploadResultsCmd = &cobra.Command{
	Use:   "upload-results",
	Short: "Upload results to remote storage",
	Long: `Upload the result store file and run summaries to S3-compatible storage
using the config file settings. Without --result-dir every run summary that
is not yet in the bucket is uploaded.`,
	RunE: runUploadResults,
}

func init() {
	rootCmd.AddCommand(uploadResultsCmd)
	uploadResultsCmd.Flags().StringVar(&uploadMethod, "method", "s3",
		"Upload method (currently only \"s3\")")
	uploadResultsCmd.Flags().StringVar(&uploadResultDir, "result-dir", "",
		"Path to a single run summary directory to upload")
	uploadResultsCmd.Flags().BoolVar(&uploadSkipStore, "skip-store", false,
		"Do not upload the result store file")
}

func runUploadResults(cmd *cobra.Command, _ []string) error {
	if uploadMethod != "s3" {
		return fmt.Errorf("%w: unsupported method %q (only \"s3\" is supported)",
			config.ErrConfiguration, uploadMethod)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ResultsUpload == nil ||
		cfg.ResultsUpload.S3 == nil ||
		!cfg.ResultsUpload.S3.Enabled {
		return fmt.Errorf("%w: S3 upload is not configured or not enabled in config", config.ErrConfiguration)
	}

	uploader, err := upload.NewS3Uploader(log, cfg.ResultsUpload.S3)
	if err != nil {
		return fmt.Errorf("creating S3 uploader: %w", err)
	}

	ctx := cmd.Context()

	if err := uploader.Preflight(ctx); err != nil {
		return fmt.Errorf("s3 preflight: %w", err)
	}

	if !uploadSkipStore {
		if path, ok := storeFile(&cfg.Store); ok {
			if err := uploader.UploadStore(ctx, path); err != nil {
				return err
			}
		} else {
			log.WithField("driver", cfg.Store.Driver).Info("Store is not file backed, skipping store upload")
		}
	}

	if uploadResultDir != "" {
		log.WithField("dir", uploadResultDir).Info("Uploading results")

		if err := uploader.UploadRunDir(ctx, uploadResultDir); err != nil {
			return fmt.Errorf("uploading results: %w", err)
		}

		log.Info("Upload completed successfully")

		return nil
	}

	uploaded, err := upload.NewS3Reader(log, cfg.ResultsUpload.S3).UploadedRuns(ctx)
	if err != nil {
		return fmt.Errorf("listing uploaded runs: %w", err)
	}

	runsDir := filepath.Join(cfg.Global.ResultsDir, report.RunsDir)

	entries, err := os.ReadDir(runsDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading %s: %w", runsDir, err)
	}

	var count int

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		if _, ok := uploaded[entry.Name()]; ok {
			continue
		}

		if err := uploader.UploadRunDir(ctx, filepath.Join(runsDir, entry.Name())); err != nil {
			return fmt.Errorf("uploading run %s: %w", entry.Name(), err)
		}

		count++
	}

	log.WithField("runs", count).Info("Upload completed successfully")

	return nil
}
