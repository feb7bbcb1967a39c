package checkpoint

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/gofrs/flock"

	"github.com/dtrain-org/dtrain/internal/fileutil"
	"github.com/dtrain-org/dtrain/internal/logger"
)

const (
	universalDir       = "universal"
	universalIndexFile = "index.yaml"
	universalStateFile = "state.bin"
	universalLockFile  = ".universal.lock"
)

// universalIndex describes a converted, topology-independent checkpoint.
type universalIndex struct {
	SourceTag   string    `yaml:"source_tag"`
	SamplesSeen int64     `yaml:"samples_seen"`
	Shards      int       `yaml:"shards"`
	CreatedAt   time.Time `yaml:"created_at"`
}

// PrepareUniversal re-shards the checkpoint named by the manifest into a
// topology-independent representation under <dir>/<name>/universal. All
// ranks of a run hit the topology mismatch at the same time, so the
// conversion is guarded by a file lock: one process converts, the rest find
// the finished result.
func PrepareUniversal(ctx context.Context, dir string, m Manifest) error {
	ckptDir := filepath.Join(dir, m.Name)
	if !fileutil.IsDir(ckptDir) {
		return fmt.Errorf("%w: checkpoint directory %s does not exist", ErrCheckpointLoad, ckptDir)
	}

	lock := flock.New(filepath.Join(ckptDir, universalLockFile))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock checkpoint for conversion: %w", err)
	}
	defer func() {
		_ = lock.Unlock()
	}()

	idxPath := filepath.Join(ckptDir, universalDir, universalIndexFile)
	if fileutil.FileExists(idxPath) {
		logger.Debug(ctx, "Universal checkpoint already prepared", "checkpoint", m.Name)
		return nil
	}

	meta, err := readShardMeta(ckptDir)
	if err != nil {
		return err
	}

	logger.Info(ctx, "Preparing universal checkpoint",
		"checkpoint", m.Name, "shards", meta.WorldSize)

	if err := os.MkdirAll(filepath.Join(ckptDir, universalDir), 0750); err != nil {
		return fmt.Errorf("failed to create universal directory: %w", err)
	}
	if err := consolidateShards(ckptDir, meta.WorldSize); err != nil {
		return err
	}

	idx := universalIndex{
		SourceTag:   meta.Tag,
		SamplesSeen: meta.SamplesSeen,
		Shards:      meta.WorldSize,
		CreatedAt:   time.Now().UTC(),
	}
	data, err := yaml.Marshal(idx)
	if err != nil {
		return fmt.Errorf("failed to serialize universal index: %w", err)
	}
	// The index is written last: its presence marks the conversion complete.
	if err := os.WriteFile(idxPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write universal index: %w", err)
	}
	return nil
}

// consolidateShards merges the per-rank shard files into one state file,
// written to a temp path and renamed so readers never see a partial state.
func consolidateShards(ckptDir string, shards int) error {
	tmp, err := os.CreateTemp(ckptDir, universalStateFile+".tmp")
	if err != nil {
		return fmt.Errorf("failed to create universal state: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	for rank := 0; rank < shards; rank++ {
		src, err := os.Open(shardPath(ckptDir, rank))
		if err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to read shard %d: %w", rank, err)
		}
		_, err = io.Copy(tmp, src)
		_ = src.Close()
		if err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to consolidate shard %d: %w", rank, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to finalize universal state: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(ckptDir, universalDir, universalStateFile))
}
