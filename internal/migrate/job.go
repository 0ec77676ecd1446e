package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/memcp-migrate/internal/metrics"
	"github.com/raphaelgruber/memcp-migrate/internal/source"
)

// JobConfig configures a direct migration job.
type JobConfig struct {
	Workspace      string
	BatchSize      int
	CheckpointPath string

	// ContinueOnError records a failed batch in the checkpoint error
	// list and moves on instead of aborting the job. Records in a
	// skipped batch count as migrated; the error list names them for
	// operator re-runs.
	ContinueOnError bool

	// Staging routes writes to the staging tables (used by the staged
	// coordinator).
	Staging bool

	// DryRun reports source counts and writes nothing, not even the
	// checkpoint.
	DryRun bool

	// SampleSize for post-run verification. Zero means the default.
	SampleSize int

	// OnProgress, if set, is called after every batch.
	OnProgress func(Snapshot)
}

// Snapshot is a point-in-time progress view for reporting.
type Snapshot struct {
	Kind            source.Kind
	KindMigrated    int
	KindTotal       int
	OverallMigrated int
	OverallTotal    int
}

// Result summarizes a job run.
type Result struct {
	JobID        string
	DryRun       bool
	Counts       map[source.Kind]KindProgress
	Errors       []string
	Duration     time.Duration
	Verification *Report
}

// Job copies all four record kinds from a source store into the
// target, batch by batch, persisting a checkpoint after every batch.
// Single-writer per dataset by contract.
type Job struct {
	src     *source.Store
	target  TargetStore
	cfg     JobConfig
	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewJob creates a direct migration job.
func NewJob(src *source.Store, target TargetStore, cfg JobConfig, logger *slog.Logger) *Job {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{src: src, target: target, cfg: cfg, logger: logger, metrics: metrics.NewCollector()}
}

// Metrics returns a snapshot of the job's runtime statistics.
func (j *Job) Metrics() metrics.Snapshot {
	return j.metrics.Snapshot()
}

// SetProgressFunc installs a per-batch progress callback. Call before
// Run.
func (j *Job) SetProgressFunc(fn func(Snapshot)) {
	j.cfg.OnProgress = fn
}

// Run executes the migration. An existing resumable checkpoint is
// picked up; kinds already fully migrated are skipped and the current
// kind resumes from its migrated offset. With verify set, the
// verification engine runs against the live target afterwards; a
// failed report never rolls back migrated data.
func (j *Job) Run(ctx context.Context, verify bool) (*Result, error) {
	start := time.Now()

	if j.cfg.DryRun {
		return j.dryRun(start)
	}

	cp, err := j.loadOrCreateCheckpoint()
	if err != nil {
		return nil, err
	}

	for _, kind := range source.Kinds {
		if err := j.migrateKind(ctx, cp, kind); err != nil {
			cp.Status = CheckpointFailed
			cp.RecordError(err)
			if saveErr := cp.Save(j.cfg.CheckpointPath); saveErr != nil {
				j.logger.Error("failed to persist checkpoint after error", "error", saveErr)
			}
			return nil, err
		}
	}

	cp.Status = CheckpointCompleted
	if err := cp.Save(j.cfg.CheckpointPath); err != nil {
		return nil, err
	}

	result := &Result{
		JobID:    cp.JobID,
		Counts:   snapshotCounts(cp),
		Errors:   append([]string(nil), cp.Errors...),
		Duration: time.Since(start),
	}

	if verify {
		verifier := NewVerifier(j.src, j.target, VerifierConfig{
			Workspace:  j.cfg.Workspace,
			SampleSize: j.cfg.SampleSize,
			Staging:    j.cfg.Staging,
		}, j.logger)
		result.Verification = verifier.VerifyAll(ctx)
		if !result.Verification.Passed {
			j.logger.Warn("post-migration verification failed",
				"job_id", cp.JobID, "failed_checks", result.Verification.FailedCheckNames())
		}
	}

	if up := j.metrics.Snapshot().Upsert; up != nil && up.RecordsPerSecond != nil {
		j.logger.Info("migration job finished",
			"job_id", cp.JobID, "duration", result.Duration,
			"errors", len(result.Errors), "records_per_sec", *up.RecordsPerSecond)
	} else {
		j.logger.Info("migration job finished",
			"job_id", cp.JobID, "duration", result.Duration, "errors", len(result.Errors))
	}
	return result, nil
}

// dryRun counts all four kinds and writes nothing.
func (j *Job) dryRun(start time.Time) (*Result, error) {
	counts := make(map[source.Kind]KindProgress, len(source.Kinds))
	for _, kind := range source.Kinds {
		n, err := j.src.Count(kind)
		if err != nil {
			return nil, fmt.Errorf("dry run count %s: %w", kind, err)
		}
		counts[kind] = KindProgress{Total: n}
	}
	return &Result{DryRun: true, Counts: counts, Duration: time.Since(start)}, nil
}

func (j *Job) loadOrCreateCheckpoint() (*Checkpoint, error) {
	cp, err := LoadCheckpoint(j.cfg.CheckpointPath)
	if err != nil {
		return nil, err
	}
	if cp != nil && cp.Resumable() {
		j.logger.Info("resuming from checkpoint",
			"job_id", cp.JobID, "status", cp.Status, "last_key", cp.LastKey)
		cp.Status = CheckpointInProgress
		return cp, nil
	}
	cp = NewCheckpoint()
	j.logger.Info("starting new migration job", "job_id", cp.JobID)
	if err := cp.Save(j.cfg.CheckpointPath); err != nil {
		return nil, err
	}
	return cp, nil
}

// migrateKind copies one record kind, resuming from the checkpoint
// offset. The checkpoint is persisted after every batch so a crash
// reprocesses at most one batch.
func (j *Job) migrateKind(ctx context.Context, cp *Checkpoint, kind source.Kind) error {
	total, err := j.src.Count(kind)
	if err != nil {
		return fmt.Errorf("count %s: %w", kind, err)
	}

	progress := cp.Progress(kind)
	progress.Total = total
	if progress.Migrated >= total {
		j.logger.Debug("kind already migrated", "kind", kind, "count", total)
		return nil
	}

	j.logger.Info("migrating kind",
		"kind", kind, "total", total, "resume_offset", progress.Migrated)

	for progress.Migrated < total {
		if err := ctx.Err(); err != nil {
			return err
		}

		readStart := time.Now()
		batch, err := j.src.Range(kind, progress.Migrated, j.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("read %s batch at %d: %w", kind, progress.Migrated, err)
		}
		j.metrics.RecordBatch(metrics.OpSourceRead, time.Since(readStart), int64(len(batch)))
		if len(batch) == 0 {
			// Source shrank since totals were read; trust the source.
			progress.Total = progress.Migrated
			break
		}

		upsertStart := time.Now()
		err = j.target.UpsertRecords(ctx, kind, j.cfg.Workspace, batch, j.cfg.Staging)
		j.metrics.RecordBatch(metrics.OpUpsert, time.Since(upsertStart), int64(len(batch)))
		if err != nil {
			batchErr := fmt.Errorf("migrate %s batch at %d: %w", kind, progress.Migrated, err)
			if !j.cfg.ContinueOnError {
				return batchErr
			}
			j.logger.Warn("batch failed, continuing", "kind", kind, "offset", progress.Migrated, "error", err)
			cp.RecordError(batchErr)
		}

		progress.Migrated += len(batch)
		cp.LastKey = batch[len(batch)-1].Key
		if err := cp.Save(j.cfg.CheckpointPath); err != nil {
			return err
		}
		j.report(cp, kind)
	}

	return nil
}

func (j *Job) report(cp *Checkpoint, kind source.Kind) {
	if j.cfg.OnProgress == nil {
		return
	}
	var overallMigrated, overallTotal int
	for _, k := range source.Kinds {
		if p, ok := cp.Kinds[k]; ok {
			overallMigrated += p.Migrated
			overallTotal += p.Total
		}
	}
	p := cp.Progress(kind)
	j.cfg.OnProgress(Snapshot{
		Kind:            kind,
		KindMigrated:    p.Migrated,
		KindTotal:       p.Total,
		OverallMigrated: overallMigrated,
		OverallTotal:    overallTotal,
	})
}

func snapshotCounts(cp *Checkpoint) map[source.Kind]KindProgress {
	counts := make(map[source.Kind]KindProgress, len(cp.Kinds))
	for kind, p := range cp.Kinds {
		counts[kind] = *p
	}
	return counts
}
