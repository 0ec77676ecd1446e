package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/memcp-migrate/internal/backup"
	"github.com/raphaelgruber/memcp-migrate/internal/migrate"
)

var stagedYes bool

var stagedCmd = &cobra.Command{
	Use:   "staged",
	Short: "Staged migration: backup, stage, verify, promote",
	Long: `Runs the four-phase staged migration. Production tables are only
replaced after verification passes; every phase is persisted so a
crashed run resumes from its last durable phase.`,
}

// newCoordinator wires up source, target, backups and durable state.
func newCoordinator(ctx context.Context) (*migrate.Coordinator, error) {
	src, err := openSource()
	if err != nil {
		return nil, err
	}
	client, err := connectDB(ctx)
	if err != nil {
		return nil, err
	}
	backups := backup.NewManager(cfg.BackupDir, logger)
	return migrate.NewCoordinator(src, client, backups, migrate.CoordinatorConfig{
		Dataset:    datasetName(),
		Workspace:  cfg.Workspace,
		StateDir:   cfg.StateDir,
		BatchSize:  cfg.BatchSize,
		SampleSize: cfg.SampleSize,
	}, logger)
}

var stagedRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run all phases through promotion",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		coord, err := newCoordinator(ctx)
		if err != nil {
			return err
		}
		report, err := coord.Run(ctx)
		if report != nil {
			printReport(report)
		}
		if err != nil {
			return err
		}
		fmt.Println("Staged migration promoted.")
		return nil
	},
}

var stagedPrepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Back up the source dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		coord, err := newCoordinator(ctx)
		if err != nil {
			return err
		}
		backupID, err := coord.Prepare(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Prepared; backup %s\n", backupID)
		return nil
	},
}

var stagedStageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Copy all record kinds into staging tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		coord, err := newCoordinator(ctx)
		if err != nil {
			return err
		}
		if err := coord.MigrateToStaging(ctx); err != nil {
			return err
		}
		fmt.Println("Staging complete.")
		return nil
	},
}

var stagedVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify staging tables against the source",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		coord, err := newCoordinator(ctx)
		if err != nil {
			return err
		}
		report, err := coord.VerifyStaging(ctx)
		if report != nil {
			printReport(report)
		}
		return err
	},
}

var stagedPromoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Replace production tables with the verified staging set",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		coord, err := newCoordinator(ctx)
		if err != nil {
			return err
		}
		if err := coord.Promote(ctx); err != nil {
			return err
		}
		fmt.Println("Promoted.")
		return nil
	},
}

var stagedRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore the prepare-time backup over the source dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !stagedYes {
			return fmt.Errorf("rollback overwrites the source dataset; re-run with --yes to confirm")
		}
		ctx := cmd.Context()
		coord, err := newCoordinator(ctx)
		if err != nil {
			return err
		}
		if err := coord.Rollback(ctx); err != nil {
			return err
		}
		fmt.Println("Rolled back.")
		return nil
	},
}

var stagedStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the durable migration state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		coord, err := newCoordinator(ctx)
		if err != nil {
			return err
		}
		st := coord.Status()
		fmt.Printf("Dataset:      %s\n", st.Dataset)
		fmt.Printf("Phase:        %s\n", st.Phase)
		fmt.Printf("Backup:       %s\n", st.BackupID)
		fmt.Printf("Staged:       %v\n", st.StagingComplete)
		fmt.Printf("Verified:     %v\n", st.VerificationPassed)
		fmt.Printf("Promoted:     %v\n", st.Promoted)
		if st.VectorDim > 0 {
			fmt.Printf("Vector width: %d\n", st.VectorDim)
		}
		for _, e := range st.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		return nil
	},
}

func init() {
	stagedRollbackCmd.Flags().BoolVar(&stagedYes, "yes", false, "confirm the destructive restore")
	stagedCmd.AddCommand(stagedRunCmd, stagedPrepareCmd, stagedStageCmd,
		stagedVerifyCmd, stagedPromoteCmd, stagedRollbackCmd, stagedStatusCmd)
	rootCmd.AddCommand(stagedCmd)
}
