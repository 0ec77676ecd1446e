package cli

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/memcp-migrate/internal/models"
	"github.com/raphaelgruber/memcp-migrate/internal/queue"
)

var (
	queueLockTimeout time.Duration
	queuePriority    int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the ingestion queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show item counts per status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := connectDB(ctx)
		if err != nil {
			return err
		}
		q := queue.New(client, logger)
		stats, err := q.Stats(ctx)
		if err != nil {
			return err
		}
		total := 0
		for _, status := range models.QueueStatuses {
			n := stats[status]
			total += n
			fmt.Printf("%-12s %d\n", status, n)
		}
		fmt.Printf("%-12s %d\n", "total", total)
		return nil
	},
}

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Release locks held longer than the timeout",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := connectDB(ctx)
		if err != nil {
			return err
		}
		q := queue.New(client, logger)
		timeout := queueLockTimeout
		if timeout <= 0 {
			timeout = cfg.LockTimeout
		}
		recovered, err := q.CleanupStaleLocks(ctx, timeout)
		if err != nil {
			return err
		}
		fmt.Printf("Recovered %d stale items.\n", recovered)
		return nil
	},
}

var queueAddCmd = &cobra.Command{
	Use:   "add <path>...",
	Short: "Enqueue files for ingestion",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := connectDB(ctx)
		if err != nil {
			return err
		}
		q := queue.New(client, logger)
		for _, path := range args {
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			item, err := observeFile(abs)
			if err != nil {
				return err
			}
			item.Priority = queuePriority
			stored, err := q.Enqueue(ctx, item)
			if err != nil {
				return fmt.Errorf("enqueue %s: %w", abs, err)
			}
			fmt.Printf("%s  %s\n", stored.Status, stored.Path)
		}
		return nil
	},
}

// observeFile builds a queue observation from the file's current
// content and stat data.
func observeFile(path string) (models.QueueItem, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return models.QueueItem{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return models.QueueItem{}, err
	}
	sum := sha256.Sum256(content)
	return models.QueueItem{
		Path:        path,
		ContentHash: hex.EncodeToString(sum[:]),
		ModifiedAt:  info.ModTime().UTC(),
		Size:        info.Size(),
	}, nil
}

func init() {
	queueCleanupCmd.Flags().DurationVar(&queueLockTimeout, "timeout", 0, "lock age before an item counts as stale (default from config)")
	queueAddCmd.Flags().IntVar(&queuePriority, "priority", 0, "priority for new items, lower is more urgent (0 = default)")
	queueCmd.AddCommand(queueStatsCmd, queueCleanupCmd, queueAddCmd)
	rootCmd.AddCommand(queueCmd)
}
