package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/memcp-migrate/internal/queue"
)

var (
	ingestBatchSize   int
	ingestConcurrency int
	ingestWait        time.Duration
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Batch ingestion of pending source files",
	Long: `Drains the durable pending list in fixed-size batches, pausing at
batch boundaries while CPU or memory load exceeds the configured
ceilings. Processed files land in the ingestion queue as discovered
items; files that vanished from disk are dropped with a logged error.`,
}

func pendingListPath() string {
	return filepath.Join(cfg.StateDir, "pending.json")
}

var ingestAddCmd = &cobra.Command{
	Use:   "add <path>...",
	Short: "Append files to the pending list",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pending, err := queue.LoadPendingList(pendingListPath())
		if err != nil {
			return err
		}
		paths := make([]string, 0, len(args))
		for _, arg := range args {
			abs, err := filepath.Abs(arg)
			if err != nil {
				return err
			}
			paths = append(paths, abs)
		}
		if err := pending.Append(paths...); err != nil {
			return err
		}
		fmt.Printf("Pending: %d items.\n", pending.Len())
		return nil
	},
}

var ingestRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Process the pending list",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pending, err := queue.LoadPendingList(pendingListPath())
		if err != nil {
			return err
		}
		if pending.Len() == 0 {
			fmt.Println("Nothing pending.")
			return nil
		}
		client, err := connectDB(ctx)
		if err != nil {
			return err
		}
		q := queue.New(client, logger)

		batchSize := ingestBatchSize
		if batchSize <= 0 {
			batchSize = cfg.BatchSize
		}
		ctrl := queue.NewController(pending, &enqueueProcessor{queue: q}, nil, queue.ControllerConfig{
			BatchSize:       batchSize,
			CPUThreshold:    cfg.CPUThreshold,
			MemoryThreshold: cfg.MemoryThreshold,
			ThrottleWait:    ingestWait,
			Concurrency:     ingestConcurrency,
		}, logger)

		result, err := ctrl.Run(ctx)
		if result != nil {
			fmt.Printf("Processed:  %d\n", result.Processed)
			fmt.Printf("Duplicates: %d\n", result.Duplicates)
			fmt.Printf("Missing:    %d\n", result.Missing)
			fmt.Printf("Failed:     %d\n", result.Failed)
			for _, e := range result.Errors {
				fmt.Printf("  error: %s\n", e)
			}
		}
		return err
	},
}

// enqueueProcessor lands each processed file in the ingestion queue as
// a discovered item, applying the queue's write rules against any
// existing row for the same path.
type enqueueProcessor struct {
	queue *queue.Queue
}

func (p *enqueueProcessor) Process(ctx context.Context, path string, content []byte, contentHash string) error {
	item, err := observeFile(path)
	if err != nil {
		return err
	}
	item.ContentHash = contentHash
	_, err = p.queue.Enqueue(ctx, item)
	return err
}

var _ queue.Processor = (*enqueueProcessor)(nil)

func init() {
	ingestRunCmd.Flags().IntVar(&ingestBatchSize, "batch-size", 0, "items per batch (default from config)")
	ingestRunCmd.Flags().IntVar(&ingestConcurrency, "concurrency", 0, "parallel workers within a batch (default 4)")
	ingestRunCmd.Flags().DurationVar(&ingestWait, "throttle-wait", 0, "sleep between resource re-checks while throttled")
	ingestCmd.AddCommand(ingestAddCmd, ingestRunCmd)
	rootCmd.AddCommand(ingestCmd)
}
