package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
)

// Backend selects the distributed training framework the rank processes run
// under.
type Backend string

const (
	BackendDeepSpeed Backend = "deepspeed"
	BackendFSDP      Backend = "fsdp"
)

// Errors returned while resolving configuration.
var (
	ErrMissingEnv        = errors.New("required environment variable is not set")
	ErrInvalidEnv        = errors.New("environment variable must be an integer")
	ErrInvalidRank       = errors.New("rank must be in [0, world_size)")
	ErrInvalidWorldSize  = errors.New("world_size must be a positive integer")
	ErrBatchLenTooSmall  = errors.New("max_batch_len cannot be less than max_seq_len")
	ErrUnknownBackend    = errors.New("unknown distributed training backend")
	ErrMissingModelPath  = errors.New("model_path is required")
	ErrMissingOutputDir  = errors.New("output_dir is required")
)

// Environment variables read by every rank process at startup.
const (
	EnvRank      = "RANK"
	EnvLocalRank = "LOCAL_RANK"
	EnvWorldSize = "WORLD_SIZE"
)

// RankEnv holds the identity a rank process derives from its environment.
type RankEnv struct {
	Rank      int `json:"rank"`
	LocalRank int `json:"local_rank"`
	WorldSize int `json:"world_size"`
}

// LoadRankEnv reads RANK, LOCAL_RANK and WORLD_SIZE through lookup (usually
// os.LookupEnv). The process fails fast if any is absent or non-integer.
func LoadRankEnv(lookup func(string) (string, bool)) (RankEnv, error) {
	var env RankEnv
	for _, v := range []struct {
		key string
		dst *int
	}{
		{EnvRank, &env.Rank},
		{EnvLocalRank, &env.LocalRank},
		{EnvWorldSize, &env.WorldSize},
	} {
		raw, ok := lookup(v.key)
		if !ok {
			return RankEnv{}, fmt.Errorf("%w: %s", ErrMissingEnv, v.key)
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return RankEnv{}, fmt.Errorf("%w: %s=%q", ErrInvalidEnv, v.key, raw)
		}
		*v.dst = n
	}
	if env.WorldSize < 1 {
		return RankEnv{}, fmt.Errorf("%w: got %d", ErrInvalidWorldSize, env.WorldSize)
	}
	if env.Rank < 0 || env.Rank >= env.WorldSize {
		return RankEnv{}, fmt.Errorf("%w: rank=%d world_size=%d", ErrInvalidRank, env.Rank, env.WorldSize)
	}
	return env, nil
}

// LoRA holds adapter-injection parameters. Rank 0 disables LoRA entirely.
type LoRA struct {
	Rank          int      `mapstructure:"rank" json:"rank"`
	Alpha         int      `mapstructure:"alpha" json:"alpha"`
	Dropout       float64  `mapstructure:"dropout" json:"dropout"`
	QuantBits     int      `mapstructure:"quant_bits" json:"quant_bits"`
	TargetModules []string `mapstructure:"target_modules" json:"target_modules,omitempty"`
}

// Enabled reports whether LoRA adapters are in use.
func (l LoRA) Enabled() bool { return l.Rank > 0 }

// RunConfig is the immutable set of resolved parameters for one rank
// process. It is constructed once at process entry and passed explicitly to
// every component; no component reads ambient global state directly.
type RunConfig struct {
	RankEnv

	ModelPath          string `json:"model_path"`
	DataPath           string `json:"data_path"`
	OutputDir          string `json:"output_dir"`
	RendezvousEndpoint string `json:"rdzv_endpoint"`

	NumEpochs          int     `json:"num_epochs"`
	EffectiveBatchSize int     `json:"effective_batch_size"`
	MaxBatchLen        int     `json:"max_batch_len"`
	LearningRate       float64 `json:"learning_rate"`
	Scheduler          string  `json:"lr_scheduler"`
	WarmupSteps        int     `json:"num_warmup_steps"`
	SaveSamples        int     `json:"save_samples"`
	Seed               int64   `json:"seed"`

	MockData    bool `json:"mock_data"`
	MockBatches int  `json:"mock_batches"`

	LoRA     LoRA    `json:"lora"`
	Backend  Backend `json:"distributed_backend"`
	Sharding string  `json:"fsdp_sharding_strategy"`
}

// Validate checks the invariants a rank process requires before doing any
// distributed work.
func (c *RunConfig) Validate() error {
	if c.OutputDir == "" {
		return ErrMissingOutputDir
	}
	if c.EffectiveBatchSize < 1 {
		return fmt.Errorf("effective_batch_size must be positive, got %d", c.EffectiveBatchSize)
	}
	switch c.Backend {
	case BackendDeepSpeed, BackendFSDP:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
	return nil
}

// IsReportingRank reports whether this rank is the one allowed to append
// metric records. Keeping the single-writer invariant behind one check is
// what makes it enforceable.
func (c *RunConfig) IsReportingRank() bool { return c.Rank == 0 }

// CheckpointDir is where the training loop saves native-format checkpoints
// and the `latest` manifest.
func (c *RunConfig) CheckpointDir() string {
	return filepath.Join(c.OutputDir, "native")
}
