package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/memcp-migrate/internal/migrate"
	"github.com/raphaelgruber/memcp-migrate/internal/source"
)

var (
	migrateBatchSize       int
	migrateDryRun          bool
	migrateContinueOnError bool
	migrateNoVerify        bool
	migrateNoTUI           bool
	migrateCheckpoint      string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run a checkpointed direct migration into the live target",
	Long: `Copies all four record kinds (entities, relations, chunks, document
status) from the source dataset into the production tables, batch by
batch, persisting a checkpoint after every batch. An interrupted run
resumes from its checkpoint; completed kinds are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		src, err := openSource()
		if err != nil {
			return err
		}

		checkpointPath := migrateCheckpoint
		if checkpointPath == "" {
			checkpointPath = filepath.Join(cfg.StateDir, datasetName()+".checkpoint.json")
		}

		batchSize := migrateBatchSize
		if batchSize <= 0 {
			batchSize = cfg.BatchSize
		}

		jobCfg := migrate.JobConfig{
			Workspace:       cfg.Workspace,
			BatchSize:       batchSize,
			CheckpointPath:  checkpointPath,
			ContinueOnError: migrateContinueOnError,
			DryRun:          migrateDryRun,
			SampleSize:      cfg.SampleSize,
		}

		if migrateDryRun {
			job := migrate.NewJob(src, nil, jobCfg, logger)
			result, err := job.Run(ctx, false)
			if err != nil {
				return err
			}
			fmt.Println("Dry run; nothing written.")
			printCounts(result)
			return nil
		}

		client, err := connectDB(ctx)
		if err != nil {
			return err
		}
		dim, err := src.DetectVectorDim(0)
		if err != nil {
			return err
		}
		if err := client.InitSchema(ctx, dim); err != nil {
			return err
		}

		job := migrate.NewJob(src, client, jobCfg, logger)

		var result *migrate.Result
		if migrateNoTUI {
			result, err = job.Run(ctx, !migrateNoVerify)
		} else {
			result, err = runWithProgress(ctx, job, !migrateNoVerify)
		}
		if err != nil {
			return err
		}

		fmt.Printf("Migration %s finished in %s\n", result.JobID, result.Duration.Round(time.Millisecond))
		printCounts(result)
		for _, msg := range result.Errors {
			fmt.Printf("  error: %s\n", msg)
		}
		if result.Verification != nil {
			printReport(result.Verification)
		}
		return nil
	},
}

func printCounts(result *migrate.Result) {
	for _, kind := range source.Kinds {
		p := result.Counts[kind]
		if result.DryRun {
			fmt.Printf("  %-12s %d records\n", kind, p.Total)
		} else {
			fmt.Printf("  %-12s %d/%d migrated\n", kind, p.Migrated, p.Total)
		}
	}
}

func printReport(report *migrate.Report) {
	passed := 0
	for _, c := range report.Checks {
		if c.Passed {
			passed++
		}
	}
	fmt.Printf("Verification: %d/%d checks passed\n", passed, len(report.Checks))
	for _, c := range report.Checks {
		status := "ok"
		if !c.Passed {
			status = "FAIL"
		}
		fmt.Printf("  %-18s %s\n", c.Name, status)
		if c.Error != "" {
			fmt.Printf("      error: %s\n", c.Error)
		}
		for _, d := range c.Discrepancies {
			fmt.Printf("      %s/%s: %s\n", d.Kind, d.Key, d.Description)
		}
	}
}

func init() {
	migrateCmd.Flags().IntVar(&migrateBatchSize, "batch-size", 0, "records per batch (default from config)")
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "report source counts without writing anything")
	migrateCmd.Flags().BoolVar(&migrateContinueOnError, "continue-on-error", false, "record failed batches and keep going")
	migrateCmd.Flags().BoolVar(&migrateNoVerify, "no-verify", false, "skip post-migration verification")
	migrateCmd.Flags().BoolVar(&migrateNoTUI, "no-tui", false, "plain log output instead of the progress view")
	migrateCmd.Flags().StringVar(&migrateCheckpoint, "checkpoint", "", "checkpoint file path (default under state dir)")
	rootCmd.AddCommand(migrateCmd)
}
