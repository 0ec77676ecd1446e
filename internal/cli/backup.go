package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/memcp-migrate/internal/backup"
)

var (
	backupYes  bool
	backupKeep int
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage dataset backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Archive the current dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := backup.NewManager(cfg.BackupDir, logger)
		meta, err := mgr.Create(datasetName(), cfg.DataDir)
		if err != nil {
			return err
		}
		fmt.Printf("Created %s (%d files, %d bytes)\n", meta.ID, meta.FileCount, meta.TotalSize)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := backup.NewManager(cfg.BackupDir, logger)
		metas, err := mgr.List(datasetName())
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			fmt.Println("No backups.")
			return nil
		}
		for _, m := range metas {
			fmt.Printf("%s  %s  %d files  %d bytes\n",
				m.ID, m.CreatedAt.Format("2006-01-02 15:04:05"), m.FileCount, m.TotalSize)
		}
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Replace the current dataset with a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !backupYes {
			return fmt.Errorf("restore overwrites %s; re-run with --yes to confirm", cfg.DataDir)
		}
		mgr := backup.NewManager(cfg.BackupDir, logger)
		if err := mgr.Restore(datasetName(), args[0], cfg.DataDir); err != nil {
			return err
		}
		fmt.Printf("Restored %s into %s\n", args[0], cfg.DataDir)
		return nil
	},
}

var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := backup.NewManager(cfg.BackupDir, logger)
		removed, err := mgr.Prune(datasetName(), backupKeep)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d backups, kept %d newest.\n", len(removed), backupKeep)
		return nil
	},
}

func init() {
	backupRestoreCmd.Flags().BoolVar(&backupYes, "yes", false, "confirm the destructive restore")
	backupPruneCmd.Flags().IntVar(&backupKeep, "keep", 5, "number of backups to keep")
	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupRestoreCmd, backupPruneCmd)
	rootCmd.AddCommand(backupCmd)
}
