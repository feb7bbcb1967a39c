package config

import (
	"fmt"
	"strconv"
	"strings"
)

// TrainConfig is the driver-side description of one training job: everything
// needed to build the multi-rank launcher command line and supervise it.
type TrainConfig struct {
	// Launcher is the multi-rank launcher binary (torchrun-compatible
	// argument surface).
	Launcher string `mapstructure:"launcher"`

	// Topology of the launch.
	NNodes       int    `mapstructure:"nnodes"`
	NodeRank     int    `mapstructure:"node_rank"`
	NprocPerNode int    `mapstructure:"nproc_per_node"`
	RdzvID       string `mapstructure:"rdzv_id"`
	RdzvEndpoint string `mapstructure:"rdzv_endpoint"`

	// Run parameters forwarded to every rank.
	ModelPath          string  `mapstructure:"model_path"`
	DataPath           string  `mapstructure:"data_path"`
	DataOutputDir      string  `mapstructure:"data_output_dir"`
	CkptOutputDir      string  `mapstructure:"ckpt_output_dir"`
	NumEpochs          int     `mapstructure:"num_epochs"`
	EffectiveBatchSize int     `mapstructure:"effective_batch_size"`
	MaxSeqLen          int     `mapstructure:"max_seq_len"`
	MaxBatchLen        int     `mapstructure:"max_batch_len"`
	LearningRate       float64 `mapstructure:"learning_rate"`
	Scheduler          string  `mapstructure:"lr_scheduler"`
	WarmupSteps        int     `mapstructure:"num_warmup_steps"`
	SaveSamples        int     `mapstructure:"save_samples"`
	Seed               int64   `mapstructure:"seed"`

	MockData    bool `mapstructure:"mock_data"`
	MockBatches int  `mapstructure:"mock_batches"`

	LoRA     LoRA    `mapstructure:"lora"`
	Backend  Backend `mapstructure:"distributed_backend"`
	Sharding string  `mapstructure:"fsdp_sharding_strategy"`
}

// Validate performs the early checks the driver runs before spawning
// anything. Failing here is cheaper than failing across N ranks.
func (c *TrainConfig) Validate() error {
	if c.ModelPath == "" && !c.MockData {
		return ErrMissingModelPath
	}
	if c.CkptOutputDir == "" {
		return ErrMissingOutputDir
	}
	if c.MaxBatchLen < c.MaxSeqLen {
		return fmt.Errorf("%w: max_batch_len=%d max_seq_len=%d", ErrBatchLenTooSmall, c.MaxBatchLen, c.MaxSeqLen)
	}
	if c.NNodes < 1 || c.NprocPerNode < 1 {
		return fmt.Errorf("invalid topology: nnodes=%d nproc_per_node=%d", c.NNodes, c.NprocPerNode)
	}
	if c.NodeRank < 0 || c.NodeRank >= c.NNodes {
		return fmt.Errorf("node_rank=%d out of range for nnodes=%d", c.NodeRank, c.NNodes)
	}
	switch c.Backend {
	case BackendDeepSpeed, BackendFSDP:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
	return nil
}

// RankCommand builds the launcher command line. rankEntry is the argv prefix
// the launcher runs once per rank (typically the dtrain executable followed
// by "rank").
func (c *TrainConfig) RankCommand(rankEntry []string) []string {
	command := []string{
		c.Launcher,
		"--nnodes=" + strconv.Itoa(c.NNodes),
		"--node_rank=" + strconv.Itoa(c.NodeRank),
		"--nproc_per_node=" + strconv.Itoa(c.NprocPerNode),
		"--rdzv_id=" + c.RdzvID,
		"--rdzv_endpoint=" + c.RdzvEndpoint,
	}
	command = append(command, rankEntry...)
	command = append(command,
		"--model-path="+c.ModelPath,
		"--data-path="+c.DataPath,
		"--output-dir="+c.CkptOutputDir,
		"--rdzv-endpoint="+c.RdzvEndpoint,
		"--num-epochs="+strconv.Itoa(c.NumEpochs),
		"--effective-batch-size="+strconv.Itoa(c.EffectiveBatchSize),
		"--learning-rate="+strconv.FormatFloat(c.LearningRate, 'g', -1, 64),
		"--lr-scheduler="+c.Scheduler,
		"--num-warmup-steps="+strconv.Itoa(c.WarmupSteps),
		"--save-samples="+strconv.Itoa(c.SaveSamples),
		"--max-batch-len="+strconv.Itoa(c.MaxBatchLen),
		"--seed="+strconv.FormatInt(c.Seed, 10),
	)

	if c.MockData {
		command = append(command, "--mock-data")
		if c.MockBatches > 0 {
			command = append(command, "--mock-batches="+strconv.Itoa(c.MockBatches))
		}
	}

	if c.LoRA.Enabled() {
		command = append(command,
			"--lora-r="+strconv.Itoa(c.LoRA.Rank),
			"--lora-alpha="+strconv.Itoa(c.LoRA.Alpha),
			"--lora-dropout="+strconv.FormatFloat(c.LoRA.Dropout, 'g', -1, 64),
		)
		if len(c.LoRA.TargetModules) > 0 {
			command = append(command, "--lora-target-modules="+strings.Join(c.LoRA.TargetModules, ","))
		}
		if c.LoRA.QuantBits == 4 {
			command = append(command, "--lora-quant-bits=4")
		}
	}

	command = append(command, "--distributed-backend="+string(c.Backend))
	if c.Sharding != "" {
		command = append(command, "--fsdp-sharding-strategy="+c.Sharding)
	}

	return command
}
