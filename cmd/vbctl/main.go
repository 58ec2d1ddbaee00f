// vbctl is the ingestion management tool for the visa bulletin pipeline.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"visa_bulletin/pkg/core/config"
	"visa_bulletin/pkg/core/store"
)

// Exit codes reported to the shell.
const (
	exitOK      = 0
	exitPartial = 2
	exitConfig  = 3
	exitStorage = 4
	exitNetwork = 5
)

// exitError carries a shell exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func exitWith(code int, err error) error { return &exitError{code: code, err: err} }

var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "vbctl",
		Short:         "Ingest and analyze the State Department visa bulletin",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "optional YAML config file")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")

	root.AddCommand(
		newCollectCmd(),
		newFetchCmd(),
		newValidateCmd(),
		newAnalyzeCmd(),
		newForecastCmd(),
		newStatsCmd(),
	)

	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "Error:", ee.err)
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the shared logger. Invalid
// configuration is fatal with the config exit code.
func setup() (config.Config, *zap.Logger, error) {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, nil, exitWith(exitConfig, err)
	}

	var log *zap.Logger
	if flagVerbose {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return cfg, nil, exitWith(exitConfig, fmt.Errorf("failed to build logger: %w", err))
	}
	return cfg, log, nil
}

// openRepo opens the configured backend, mapping failures to the
// storage exit code.
func openRepo(cmd *cobra.Command, cfg config.Config, log *zap.Logger) (store.Repository, error) {
	repo, err := store.Open(cmd.Context(), cfg, log)
	if err != nil {
		return nil, exitWith(exitStorage, err)
	}
	return repo, nil
}
