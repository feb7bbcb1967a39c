package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/fatih/color"

	"github.com/dtrain-org/dtrain/internal/logger"
)

// Status is the resume state machine's terminal state.
type Status int

const (
	// StatusNoCheckpoint means there was nothing to resume; training starts
	// from step 0. Not an error.
	StatusNoCheckpoint Status = iota
	// StatusPrimaryLoaded means the native sharded checkpoint was loaded.
	StatusPrimaryLoaded
	// StatusUniversalLoaded means the topology-independent fallback was
	// converted and loaded.
	StatusUniversalLoaded
	// StatusFailed means resuming was attempted and failed fatally.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNoCheckpoint:
		return "no_checkpoint"
	case StatusPrimaryLoaded:
		return "primary_loaded"
	case StatusUniversalLoaded:
		return "universal_loaded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is the result of one resume attempt.
type State struct {
	Status   Status
	Manifest Manifest
	LastStep int64
}

// Resumer loads persisted training state at process startup. The latest
// manifest is written by the training loop and only read here, before any
// writer in this process has run, so no locking is needed on the read path.
type Resumer struct {
	loader             Loader
	dir                string
	effectiveBatchSize int
	localRank          int
}

// NewResumer creates a resumer for the checkpoint directory.
func NewResumer(loader Loader, dir string, effectiveBatchSize, localRank int) *Resumer {
	return &Resumer{
		loader:             loader,
		dir:                dir,
		effectiveBatchSize: effectiveBatchSize,
		localRank:          localRank,
	}
}

// Resume attempts to load the most recent checkpoint. strictModuleMatch is
// false when only partial (adapter-only) weights are expected to match.
//
// A primary-format load that fails with a topology mismatch triggers exactly
// one universal conversion and one retry; any other failure is fatal with no
// retry. A missing manifest is a no-op: training starts from step 0.
func (r *Resumer) Resume(ctx context.Context, strictModuleMatch bool) (State, error) {
	m, err := ReadLatest(r.dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Debug(ctx, "No checkpoint manifest found, starting from step 0", "dir", r.dir)
		return State{Status: StatusNoCheckpoint}, nil
	case err != nil:
		return State{Status: StatusFailed}, err
	}

	status := StatusPrimaryLoaded
	res := r.loader.Load(ctx, r.dir, m, LoadOptions{StrictModuleMatch: strictModuleMatch})
	switch res.Outcome {
	case OutcomeLoaded:
	case OutcomeIncompatibleTopology:
		logger.Info(ctx, "Checkpoint topology mismatch, falling back to universal format",
			"checkpoint", m.Name, "reason", res.Err)
		if err := PrepareUniversal(ctx, r.dir, m); err != nil {
			return State{Status: StatusFailed}, fmt.Errorf("%w: universal conversion: %v", ErrCheckpointLoad, err)
		}
		retry := r.loader.Load(ctx, r.dir, m, LoadOptions{
			StrictModuleMatch: strictModuleMatch,
			Universal:         true,
		})
		if retry.Outcome != OutcomeLoaded {
			return State{Status: StatusFailed}, fmt.Errorf("%w: %v", ErrCheckpointLoad, retry.Err)
		}
		status = StatusUniversalLoaded
	default:
		return State{Status: StatusFailed}, fmt.Errorf("%w: %v", ErrCheckpointLoad, res.Err)
	}

	lastStep := LastStep(m.SamplesSeen, r.effectiveBatchSize)

	// Operator visibility only; must not affect control flow.
	if r.localRank == 0 {
		color.Yellow("Starting from: %d", lastStep)
	}
	logger.Info(ctx, "Resumed from checkpoint",
		"checkpoint", m.Name, "status", status.String(),
		"samples_seen", m.SamplesSeen, "last_step", lastStep)

	return State{Status: status, Manifest: m, LastStep: lastStep}, nil
}
