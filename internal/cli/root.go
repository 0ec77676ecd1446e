// Package cli provides the command-line interface for memcp-migrate.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/memcp-migrate/internal/config"
	"github.com/raphaelgruber/memcp-migrate/internal/db"
	"github.com/raphaelgruber/memcp-migrate/internal/source"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	configFile string
	dataDir    string
	workspace  string

	// Global config, logger and db client
	cfg      config.Config
	logger   *slog.Logger
	cleanup  func() error
	dbClient *db.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "memcp-migrate",
	Short: "Migrate a file-based memcp dataset into SurrealDB",
	Long: `memcp-migrate moves a knowledge-graph + vector dataset from its
file-based store into SurrealDB without data loss, and runs the
ingestion queue that feeds discovered source items to workers.

Bulk moves run either as a checkpointed direct migration or as a
staged migration (backup, stage, verify, promote) that never touches
production tables until verification passes.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		if configFile != "" {
			if err := cfg.ApplyFile(configFile); err != nil {
				return err
			}
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if workspace != "" {
			cfg.Workspace = workspace
		}

		logger, cleanup = config.SetupLogger(cfg.LogFile, cfg.LogLevel)
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if dbClient != nil {
			if err := dbClient.Close(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
			}
		}
		if cleanup != nil {
			_ = cleanup()
		}
	},
}

// connectDB lazily opens the SurrealDB connection for commands that
// need the target store.
func connectDB(ctx context.Context) (*db.Client, error) {
	if dbClient != nil {
		return dbClient, nil
	}
	client, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	dbClient = client
	return dbClient, nil
}

// openSource opens the configured dataset directory.
func openSource() (*source.Store, error) {
	store, err := source.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open source dataset: %w", err)
	}
	return store, nil
}

// datasetName derives the dataset name from the data directory.
func datasetName() string {
	name := filepath.Base(filepath.Clean(cfg.DataDir))
	if name == "." || name == string(filepath.Separator) {
		return "dataset"
	}
	return name
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "source dataset directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "", "target workspace (overrides config)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
