package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"github.com/dtrain-org/dtrain/internal/fileutil"
)

// ErrCheckpointLoad indicates a checkpoint exists but could not be loaded
// for a reason other than the recoverable topology mismatch. Fatal, no
// retry.
var ErrCheckpointLoad = errors.New("checkpoint load failed")

// Outcome classifies a load attempt. The resumer switches on the variant
// instead of inspecting error text.
type Outcome int

const (
	// OutcomeLoaded means the checkpoint was applied.
	OutcomeLoaded Outcome = iota
	// OutcomeIncompatibleTopology means the checkpoint was produced under a
	// different rank/shard topology; a universal conversion may recover it.
	OutcomeIncompatibleTopology
	// OutcomeFatal means the checkpoint is structurally invalid.
	OutcomeFatal
)

// LoadOptions controls one load attempt.
type LoadOptions struct {
	// StrictModuleMatch requires the full module state to be present. It is
	// false when only partial (adapter-only) weights are expected to match.
	StrictModuleMatch bool
	// Universal loads the topology-independent representation instead of
	// the native sharded one. Scoped to a single call, so the flag cannot
	// leak into subsequent loads.
	Universal bool
}

// Result is the typed outcome of a load attempt.
type Result struct {
	Outcome Outcome
	Err     error
}

// Loader applies persisted training state to a live model/optimizer. The
// actual weight application is an external collaborator; implementations in
// this package validate the on-disk structure.
type Loader interface {
	Load(ctx context.Context, dir string, m Manifest, opts LoadOptions) Result
}

// shardMeta is the metadata the training loop writes next to the shard
// files of a native checkpoint.
type shardMeta struct {
	Tag         string `yaml:"tag"`
	WorldSize   int    `yaml:"world_size"`
	SamplesSeen int64  `yaml:"samples_seen"`
}

// FileLoader loads the structural checkpoint layout: a per-rank shard file
// set plus meta.yaml for the native format, and a consolidated state under
// universal/ for the fallback format.
type FileLoader struct {
	worldSize int
}

// NewFileLoader creates a loader for the current run topology.
func NewFileLoader(worldSize int) *FileLoader {
	return &FileLoader{worldSize: worldSize}
}

var _ Loader = (*FileLoader)(nil)

// Load implements Loader.
func (l *FileLoader) Load(_ context.Context, dir string, m Manifest, opts LoadOptions) Result {
	ckptDir := filepath.Join(dir, m.Name)
	if opts.Universal {
		return l.loadUniversal(ckptDir)
	}
	return l.loadNative(ckptDir, opts.StrictModuleMatch)
}

func (l *FileLoader) loadNative(ckptDir string, strict bool) Result {
	meta, err := readShardMeta(ckptDir)
	if err != nil {
		return Result{Outcome: OutcomeFatal, Err: err}
	}
	if meta.WorldSize != l.worldSize {
		return Result{
			Outcome: OutcomeIncompatibleTopology,
			Err: fmt.Errorf("checkpoint saved with world size %d, current world size is %d",
				meta.WorldSize, l.worldSize),
		}
	}
	for rank := 0; rank < meta.WorldSize; rank++ {
		if fileutil.FileExists(shardPath(ckptDir, rank)) {
			continue
		}
		if strict {
			return Result{
				Outcome: OutcomeFatal,
				Err:     fmt.Errorf("missing shard %d in %s", rank, ckptDir),
			}
		}
		// Partial state is acceptable for adapter-only checkpoints.
	}
	return Result{Outcome: OutcomeLoaded}
}

func (l *FileLoader) loadUniversal(ckptDir string) Result {
	idxPath := filepath.Join(ckptDir, universalDir, universalIndexFile)
	data, err := os.ReadFile(idxPath)
	if err != nil {
		return Result{Outcome: OutcomeFatal, Err: fmt.Errorf("universal checkpoint index: %w", err)}
	}
	var idx universalIndex
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return Result{Outcome: OutcomeFatal, Err: fmt.Errorf("universal checkpoint index: %w", err)}
	}
	if !fileutil.FileExists(filepath.Join(ckptDir, universalDir, universalStateFile)) {
		return Result{Outcome: OutcomeFatal, Err: fmt.Errorf("universal checkpoint state missing in %s", ckptDir)}
	}
	return Result{Outcome: OutcomeLoaded}
}

func readShardMeta(ckptDir string) (shardMeta, error) {
	data, err := os.ReadFile(filepath.Join(ckptDir, "meta.yaml"))
	if err != nil {
		return shardMeta{}, fmt.Errorf("checkpoint metadata: %w", err)
	}
	var meta shardMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return shardMeta{}, fmt.Errorf("checkpoint metadata: %w", err)
	}
	if meta.WorldSize < 1 {
		return shardMeta{}, fmt.Errorf("checkpoint metadata: invalid world_size %d", meta.WorldSize)
	}
	return meta, nil
}

func shardPath(ckptDir string, rank int) string {
	return filepath.Join(ckptDir, fmt.Sprintf("shard_%d.state", rank))
}
