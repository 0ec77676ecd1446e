package migrate

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/raphaelgruber/memcp-migrate/internal/fsutil"
)

// Phase is the staged migration state machine phase.
type Phase string

const (
	PhaseInitial            Phase = "initial"
	PhasePrepared           Phase = "prepared"
	PhaseStaged             Phase = "staged"
	PhaseVerified           Phase = "verified"
	PhasePromoted           Phase = "promoted"
	PhaseVerificationFailed Phase = "verification_failed"
	PhaseRolledBack         Phase = "rolled_back"
)

// phaseRank orders the forward phases for at-least comparisons.
// Failure phases rank below their predecessors so resume re-enters at
// the failed step.
var phaseRank = map[Phase]int{
	PhaseInitial:            0,
	PhaseRolledBack:         0,
	PhasePrepared:           1,
	PhaseVerificationFailed: 2,
	PhaseStaged:             2,
	PhaseVerified:           3,
	PhasePromoted:           4,
}

// ErrInvalidPhase indicates a coordinator method was called out of
// order for the current durable phase.
var ErrInvalidPhase = errors.New("invalid migration phase")

// State is the durable source of truth for one dataset's staged
// migration. Every phase transition is persisted synchronously before
// the transitioning method returns.
type State struct {
	Dataset            string    `json:"dataset"`
	Phase              Phase     `json:"phase"`
	BackupID           string    `json:"backup_id,omitempty"`
	StagingComplete    bool      `json:"staging_complete"`
	VerificationPassed bool      `json:"verification_passed"`
	Promoted           bool      `json:"promoted"`
	VectorDim          int       `json:"vector_dim,omitempty"`
	Errors             []string  `json:"errors,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// LoadState reads the state file for a dataset, or returns a fresh
// initial state when none exists.
func LoadState(path, dataset string) (*State, error) {
	var st State
	if err := fsutil.ReadJSON(path, &st); err != nil {
		if os.IsNotExist(err) {
			return &State{Dataset: dataset, Phase: PhaseInitial}, nil
		}
		return nil, fmt.Errorf("load migration state: %w", err)
	}
	if st.Dataset != dataset {
		return nil, fmt.Errorf("state file belongs to dataset %q, not %q", st.Dataset, dataset)
	}
	return &st, nil
}

// Save persists the state atomically.
func (s *State) Save(path string) error {
	s.UpdatedAt = time.Now().UTC()
	if err := fsutil.WriteJSONAtomic(path, s); err != nil {
		return fmt.Errorf("save migration state: %w", err)
	}
	return nil
}

// AtLeast reports whether the current phase has reached p.
func (s *State) AtLeast(p Phase) bool {
	return phaseRank[s.Phase] >= phaseRank[p]
}
