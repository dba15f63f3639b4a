package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/promptoor/pkg/config"
	"github.com/ethpandaops/promptoor/pkg/fsutil"
	"github.com/ethpandaops/promptoor/pkg/grading"
	"github.com/ethpandaops/promptoor/pkg/provider"
	"github.com/ethpandaops/promptoor/pkg/resultstore"
	"github.com/ethpandaops/promptoor/pkg/suite"
)

// loadConfig loads the configuration files. The config log level applies
// unless --log-level was given.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if logLevel == "" {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid global.log_level %q: %w",
				config.ErrConfiguration, cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}

// openStore creates and starts the configured result store.
func openStore(ctx context.Context, cfg *config.StoreConfig, owner *fsutil.OwnerConfig) (resultstore.Store, error) {
	store, err := resultstore.New(log, cfg, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}

	if err := store.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting result store: %w", err)
	}

	return store, nil
}

// loadSuite returns the configured models and the test cases of the prompts
// file, narrowed to tokens.
func loadSuite(cfg *config.Config, tokens []string) ([]suite.Model, []suite.TestCase, error) {
	cases, err := suite.LoadTestCases(cfg.Suite.PromptsFile)
	if err != nil {
		return nil, nil, err
	}

	return suite.Select(suite.ModelsFromConfig(cfg.Models), cases, tokens)
}

// newGrader builds the delegated grader when any test case needs one.
func newGrader(cfg *config.Config, registry provider.Registry, cases []suite.TestCase) (*grading.Grader, error) {
	needed := false

	for i := range cases {
		if cases[i].FollowUpPrompt != "" {
			needed = true

			break
		}
	}

	if !needed {
		return nil, nil
	}

	name, ok := cfg.GraderProvider()
	if !ok {
		return nil, fmt.Errorf(
			"%w: test cases use follow_up_prompt but no provider is configured for grader model %q",
			config.ErrConfiguration, cfg.Grader.Model,
		)
	}

	p, err := registry.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: grader: %w", config.ErrConfiguration, err)
	}

	return grading.NewGrader(log, p, cfg.Grader), nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}

		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

func modelNames(models []suite.Model) []string {
	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}

	return names
}

func testNames(cases []suite.TestCase) []string {
	names := make([]string, 0, len(cases))
	for _, tc := range cases {
		names = append(names, tc.Name)
	}

	return names
}
