package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/raphaelgruber/memcp-migrate/internal/backup"
	"github.com/raphaelgruber/memcp-migrate/internal/source"
)

// CoordinatorConfig configures a staged migration.
type CoordinatorConfig struct {
	Dataset    string
	Workspace  string
	StateDir   string
	BatchSize  int
	SampleSize int
}

// Coordinator drives the staged migration state machine:
//
//	initial -> prepared -> staged -> verified -> promoted
//
// verify_staging may land in verification_failed instead of verified,
// and rollback() moves any post-prepare phase to rolled_back. Every
// phase write is persisted before the method returns, so a crashed run
// resumes from the last durable phase; re-running a completed step is
// a no-op.
type Coordinator struct {
	cfg     CoordinatorConfig
	src     *source.Store
	target  StagingStore
	backups *backup.Manager
	logger  *slog.Logger

	statePath string
	state     *State
}

// NewCoordinator loads (or initializes) the durable state for the
// dataset and returns a coordinator resuming from it.
func NewCoordinator(src *source.Store, target StagingStore, backups *backup.Manager, cfg CoordinatorConfig, logger *slog.Logger) (*Coordinator, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	statePath := filepath.Join(cfg.StateDir, cfg.Dataset+".migration.json")
	state, err := LoadState(statePath, cfg.Dataset)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		cfg:       cfg,
		src:       src,
		target:    target,
		backups:   backups,
		logger:    logger,
		statePath: statePath,
		state:     state,
	}, nil
}

// Status returns a copy of the durable state.
func (c *Coordinator) Status() State {
	return *c.state
}

// Prepare backs up the source dataset and records the backup id.
// Idempotent: once the phase has reached prepared, the recorded backup
// id is returned without re-backing-up.
func (c *Coordinator) Prepare(ctx context.Context) (string, error) {
	if c.state.AtLeast(PhasePrepared) && c.state.BackupID != "" {
		c.logger.Info("prepare already done", "backup_id", c.state.BackupID)
		return c.state.BackupID, nil
	}

	meta, err := c.backups.Create(c.cfg.Dataset, c.src.Dir())
	if err != nil {
		return "", c.fail(fmt.Errorf("prepare: %w", err))
	}

	c.state.BackupID = meta.ID
	c.state.Phase = PhasePrepared
	if err := c.state.Save(c.statePath); err != nil {
		return "", err
	}
	c.logger.Info("dataset prepared", "dataset", c.cfg.Dataset, "backup_id", meta.ID)
	return meta.ID, nil
}

// MigrateToStaging copies all four record kinds into staging tables
// sized to the detected source vector width. Requires prepared. The
// copy itself is checkpointed, so a crashed staging run resumes rather
// than restarting. The source is not re-validated against the prepare
// backup; drift between prepare and staging surfaces in verification.
func (c *Coordinator) MigrateToStaging(ctx context.Context) error {
	if c.state.StagingComplete && c.state.AtLeast(PhaseStaged) {
		c.logger.Info("staging already complete")
		return nil
	}
	if !c.state.AtLeast(PhasePrepared) {
		return fmt.Errorf("%w: migrate_to_staging requires prepared, have %s", ErrInvalidPhase, c.state.Phase)
	}

	dim, err := c.src.DetectVectorDim(0)
	if err != nil {
		return c.fail(fmt.Errorf("detect vector dim: %w", err))
	}
	c.logger.Info("staging migration starting", "vector_dim", dim)

	// Only create tables on a fresh staging run; a resumed run keeps
	// its partially filled tables and checkpoint.
	checkpointPath := c.stagingCheckpointPath()
	cp, err := LoadCheckpoint(checkpointPath)
	if err != nil {
		return c.fail(err)
	}
	if cp == nil || !cp.Resumable() {
		if err := c.target.CreateStagingTables(ctx, dim); err != nil {
			return c.fail(err)
		}
	}

	job := NewJob(c.src, c.target, JobConfig{
		Workspace:      c.cfg.Workspace,
		BatchSize:      c.cfg.BatchSize,
		CheckpointPath: checkpointPath,
		Staging:        true,
	}, c.logger)
	if _, err := job.Run(ctx, false); err != nil {
		return c.fail(fmt.Errorf("staging copy: %w", err))
	}

	c.state.VectorDim = dim
	c.state.StagingComplete = true
	c.state.Phase = PhaseStaged
	if err := c.state.Save(c.statePath); err != nil {
		return err
	}
	c.logger.Info("staging migration complete")
	return nil
}

// VerifyStaging runs the verification engine against the staging
// tables. Pass moves the phase to verified; fail moves it to
// verification_failed with the discrepancy list retained. Nothing is
// discarded on failure.
func (c *Coordinator) VerifyStaging(ctx context.Context) (*Report, error) {
	// After a pass the staging tables may already be promoted away, so
	// re-verifying would compare against nothing. Return the recorded
	// outcome instead.
	if c.state.VerificationPassed && c.state.AtLeast(PhaseVerified) {
		c.logger.Info("verification already passed", "phase", c.state.Phase)
		return &Report{Passed: true, CheckedAt: c.state.UpdatedAt}, nil
	}
	if !c.state.AtLeast(PhaseStaged) || !c.state.StagingComplete {
		return nil, fmt.Errorf("%w: verify_staging requires staged, have %s", ErrInvalidPhase, c.state.Phase)
	}

	verifier := NewVerifier(c.src, c.target, VerifierConfig{
		Workspace:  c.cfg.Workspace,
		SampleSize: c.cfg.SampleSize,
		Staging:    true,
	}, c.logger)
	report := verifier.VerifyAll(ctx)

	if report.Passed {
		c.state.VerificationPassed = true
		c.state.Phase = PhaseVerified
	} else {
		c.state.VerificationPassed = false
		c.state.Phase = PhaseVerificationFailed
		for _, d := range report.Discrepancies() {
			c.state.Errors = append(c.state.Errors,
				fmt.Sprintf("%s/%s: %s", d.Kind, d.Key, d.Description))
		}
	}
	if err := c.state.Save(c.statePath); err != nil {
		return report, err
	}
	return report, nil
}

// Promote atomically replaces the production tables with the verified
// staging set. Requires verified. A promotion failure leaves the phase
// unchanged so retry or rollback remains possible.
func (c *Coordinator) Promote(ctx context.Context) error {
	if c.state.Phase == PhasePromoted {
		c.logger.Info("already promoted")
		return nil
	}
	if c.state.Phase != PhaseVerified {
		return fmt.Errorf("%w: promote requires verified, have %s", ErrInvalidPhase, c.state.Phase)
	}

	if err := c.target.PromoteStaging(ctx, c.state.VectorDim); err != nil {
		return c.fail(fmt.Errorf("promote: %w", err))
	}

	c.state.Promoted = true
	c.state.Phase = PhasePromoted
	if err := c.state.Save(c.statePath); err != nil {
		return err
	}
	c.logger.Info("promotion complete", "dataset", c.cfg.Dataset)
	return nil
}

// Rollback restores the prepare-time backup over the source dataset
// and marks the migration rolled back. Valid from any phase reached
// after prepare.
func (c *Coordinator) Rollback(ctx context.Context) error {
	if !c.state.AtLeast(PhasePrepared) || c.state.BackupID == "" {
		return fmt.Errorf("%w: rollback requires a prepare backup", ErrInvalidPhase)
	}

	if err := c.backups.Restore(c.cfg.Dataset, c.state.BackupID, c.src.Dir()); err != nil {
		return c.fail(fmt.Errorf("rollback: %w", err))
	}
	if err := c.target.DropStagingTables(ctx); err != nil {
		c.logger.Warn("failed to drop staging tables during rollback", "error", err)
	}

	c.state.Phase = PhaseRolledBack
	if err := c.state.Save(c.statePath); err != nil {
		return err
	}
	c.logger.Info("rollback complete", "dataset", c.cfg.Dataset, "backup_id", c.state.BackupID)
	return nil
}

// Run drives the full pipeline from the last durable phase through
// promotion. Returns the verification report when one was produced.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	if c.state.Phase == PhasePromoted {
		c.logger.Info("already promoted", "dataset", c.cfg.Dataset)
		return nil, nil
	}
	if _, err := c.Prepare(ctx); err != nil {
		return nil, err
	}
	if err := c.MigrateToStaging(ctx); err != nil {
		return nil, err
	}
	report, err := c.VerifyStaging(ctx)
	if err != nil {
		return report, err
	}
	if !report.Passed {
		return report, fmt.Errorf("staging verification failed: %v", report.FailedCheckNames())
	}
	if err := c.Promote(ctx); err != nil {
		return report, err
	}
	return report, nil
}

func (c *Coordinator) stagingCheckpointPath() string {
	return filepath.Join(c.cfg.StateDir, c.cfg.Dataset+".staging.checkpoint.json")
}

// fail persists the error into the durable state before returning it,
// so a resumed run observes the same error context.
func (c *Coordinator) fail(err error) error {
	c.state.Errors = append(c.state.Errors, err.Error())
	if saveErr := c.state.Save(c.statePath); saveErr != nil {
		c.logger.Error("failed to persist error state", "error", saveErr)
	}
	return err
}
