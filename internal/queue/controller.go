package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/raphaelgruber/memcp-migrate/internal/metrics"
)

// Processor ingests one source item. Implementations live outside this
// core (vectorization, graph extraction); tests inject fakes.
type Processor interface {
	Process(ctx context.Context, path string, content []byte, contentHash string) error
}

// ControllerConfig configures the batch ingestion controller.
type ControllerConfig struct {
	BatchSize int

	// Resource ceilings in percent. Exceeding either pauses the
	// controller before the next batch.
	CPUThreshold    float64
	MemoryThreshold float64

	// ThrottleWait is the sleep between resource re-checks while
	// throttled. Defaults to 5s.
	ThrottleWait time.Duration

	// Concurrency bounds within-batch item parallelism. Defaults to 4.
	Concurrency int
}

// ControllerResult summarizes one controller run.
type ControllerResult struct {
	Processed  int
	Duplicates int
	Missing    int
	Failed     int
	Errors     []string
}

// Controller drains the pending list in fixed-size batches. Items are
// re-read from disk at processing time, deduplicated by content hash
// and removed from the durable pending list on confirmed success, so
// the run is interruptible and resumable at batch granularity.
type Controller struct {
	pending   *PendingList
	processor Processor
	monitor   ResourceMonitor
	cfg       ControllerConfig
	logger    *slog.Logger
	metrics   *metrics.Collector

	mu        sync.Mutex
	seen      map[string]struct{}
	result    ControllerResult
	completed []string
}

// NewController creates a batch ingestion controller.
func NewController(pending *PendingList, processor Processor, monitor ResourceMonitor, cfg ControllerConfig, logger *slog.Logger) *Controller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.ThrottleWait <= 0 {
		cfg.ThrottleWait = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if monitor == nil {
		monitor = SystemMonitor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		pending:   pending,
		processor: processor,
		monitor:   monitor,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics.NewCollector(),
		seen:      make(map[string]struct{}),
	}
}

// Run processes every pending item in batches, pausing at batch
// boundaries while system load exceeds the configured ceilings.
// Missing files are logged and dropped, never fatal; items that fail
// processing stay pending for the next run.
func (c *Controller) Run(ctx context.Context) (*ControllerResult, error) {
	items := c.pending.Items()
	c.logger.Info("ingestion run starting",
		"pending", len(items), "batch_size", c.cfg.BatchSize,
		"cpu_threshold", c.cfg.CPUThreshold, "mem_threshold", c.cfg.MemoryThreshold)

	pool, err := ants.NewPool(c.cfg.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	for start := 0; start < len(items); start += c.cfg.BatchSize {
		if err := c.waitForResources(ctx); err != nil {
			return c.snapshot(), err
		}

		end := start + c.cfg.BatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		var wg sync.WaitGroup
		for _, path := range batch {
			wg.Add(1)
			path := path
			if err := pool.Submit(func() {
				defer wg.Done()
				c.processItem(ctx, path)
			}); err != nil {
				wg.Done()
				c.recordError(path, fmt.Errorf("submit to pool: %w", err))
			}
		}
		wg.Wait()

		// One persisted removal per batch boundary keeps the pending
		// list consistent if the process is killed between batches.
		if err := c.flushCompleted(); err != nil {
			return c.snapshot(), err
		}
		if err := ctx.Err(); err != nil {
			return c.snapshot(), err
		}
	}

	result := c.snapshot()
	if ing := c.metrics.Snapshot().Ingest; ing != nil {
		c.logger.Info("ingestion run finished",
			"processed", result.Processed, "duplicates", result.Duplicates,
			"missing", result.Missing, "failed", result.Failed,
			"avg_item_ms", ing.AvgTimeMs)
	} else {
		c.logger.Info("ingestion run finished",
			"processed", result.Processed, "duplicates", result.Duplicates,
			"missing", result.Missing, "failed", result.Failed)
	}
	return result, nil
}

// processItem ingests a single pending path. Content always comes from
// a fresh disk read so a file modified after discovery is ingested in
// its latest form.
func (c *Controller) processItem(ctx context.Context, path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Error("pending item no longer exists", "path", path)
			c.mu.Lock()
			c.result.Missing++
			c.result.Errors = append(c.result.Errors, fmt.Sprintf("%s: missing", path))
			c.completed = append(c.completed, path)
			c.mu.Unlock()
			return
		}
		c.recordError(path, fmt.Errorf("read: %w", err))
		return
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	// Reserve the hash before processing so concurrent workers holding
	// identical content race for one reservation instead of all
	// processing.
	c.mu.Lock()
	_, duplicate := c.seen[hash]
	if !duplicate {
		c.seen[hash] = struct{}{}
	}
	c.mu.Unlock()
	if duplicate {
		c.logger.Debug("skipping duplicate content", "path", path)
		c.mu.Lock()
		c.result.Duplicates++
		c.completed = append(c.completed, path)
		c.mu.Unlock()
		return
	}

	processStart := time.Now()
	err = c.processor.Process(ctx, path, content, hash)
	c.metrics.RecordTiming(metrics.OpIngest, time.Since(processStart))
	if err != nil {
		c.mu.Lock()
		delete(c.seen, hash)
		c.mu.Unlock()
		c.recordError(path, err)
		return
	}

	c.mu.Lock()
	c.result.Processed++
	c.completed = append(c.completed, path)
	c.mu.Unlock()
}

// waitForResources blocks in a sleep-then-recheck loop while CPU or
// memory utilization exceeds its ceiling. It never aborts on load; the
// only exit besides healthy readings is context cancellation.
func (c *Controller) waitForResources(ctx context.Context) error {
	for {
		cpuPct, memPct, err := c.monitor.Sample()
		if err != nil {
			// An unreadable monitor must not wedge ingestion.
			c.logger.Warn("resource sampling failed, continuing", "error", err)
			return nil
		}
		if cpuPct <= c.cfg.CPUThreshold && memPct <= c.cfg.MemoryThreshold {
			return nil
		}

		c.logger.Info("throttling on system load",
			"cpu", cpuPct, "cpu_threshold", c.cfg.CPUThreshold,
			"mem", memPct, "mem_threshold", c.cfg.MemoryThreshold,
			"wait", c.cfg.ThrottleWait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ThrottleWait):
		}
	}
}

func (c *Controller) flushCompleted() error {
	c.mu.Lock()
	done := c.completed
	c.completed = nil
	c.mu.Unlock()
	if len(done) == 0 {
		return nil
	}
	return c.pending.Remove(done...)
}

func (c *Controller) recordError(path string, err error) {
	c.logger.Error("failed to process pending item", "path", path, "error", err)
	c.mu.Lock()
	c.result.Failed++
	c.result.Errors = append(c.result.Errors, fmt.Sprintf("%s: %v", path, err))
	c.mu.Unlock()
}

func (c *Controller) snapshot() *ControllerResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := c.result
	result.Errors = append([]string(nil), c.result.Errors...)
	return &result
}
