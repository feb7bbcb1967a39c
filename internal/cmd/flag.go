package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type commandLineFlag struct {
	name, shorthand, usage string
	defaultValue           any
	required               bool
}

var (
	configFlag = commandLineFlag{
		name:      "config",
		shorthand: "c",
		usage:     "training job config file",
	}
	quietFlag = commandLineFlag{
		name:         "quiet",
		shorthand:    "q",
		defaultValue: false,
		usage:        "suppress log output",
	}
	debugFlag = commandLineFlag{
		name:         "debug",
		defaultValue: false,
		usage:        "enable debug logging",
	}
)

// Flags every rank process accepts. The names mirror what the driver emits
// in the launcher command line.
var rankFlags = []commandLineFlag{
	{name: "model-path", usage: "path to the pretrained model"},
	{name: "data-path", usage: "path to the processed data shards"},
	{name: "output-dir", usage: "checkpoint and log output directory", required: true},
	{name: "rdzv-endpoint", usage: "host:port of the collective rendezvous", required: true},
	{name: "num-epochs", defaultValue: 1, usage: "number of training epochs"},
	{name: "effective-batch-size", defaultValue: 3840, usage: "global batch size in samples"},
	{name: "max-batch-len", defaultValue: 60000, usage: "max tokens per gpu batch"},
	{name: "learning-rate", defaultValue: 1e-4, usage: "peak learning rate"},
	{name: "lr-scheduler", defaultValue: "cosine", usage: "learning rate scheduler"},
	{name: "num-warmup-steps", defaultValue: 1000, usage: "scheduler warmup steps"},
	{name: "save-samples", defaultValue: 0, usage: "checkpoint save interval in samples"},
	{name: "seed", defaultValue: int64(42), usage: "random seed"},
	{name: "mock-data", defaultValue: false, usage: "use synthetic evaluation batches"},
	{name: "mock-batches", defaultValue: 8, usage: "number of synthetic batches per rank"},
	{name: "lora-r", defaultValue: 0, usage: "LoRA rank (0 disables LoRA)"},
	{name: "lora-alpha", defaultValue: 32, usage: "LoRA alpha"},
	{name: "lora-dropout", defaultValue: 0.1, usage: "LoRA dropout"},
	{name: "lora-quant-bits", defaultValue: 0, usage: "LoRA base model quantization bits"},
	{name: "lora-target-modules", usage: "comma-separated LoRA target module names"},
	{name: "distributed-backend", defaultValue: "deepspeed", usage: "distributed training backend"},
	{name: "fsdp-sharding-strategy", defaultValue: "SHARD_GRAD_OP", usage: "FSDP sharding strategy"},
}

func initFlags(cmd *cobra.Command, addFlags ...commandLineFlag) {
	addFlags = append(addFlags, configFlag, quietFlag, debugFlag)
	for _, flag := range addFlags {
		switch v := flag.defaultValue.(type) {
		case bool:
			cmd.Flags().BoolP(flag.name, flag.shorthand, v, flag.usage)
		case int:
			cmd.Flags().IntP(flag.name, flag.shorthand, v, flag.usage)
		case int64:
			cmd.Flags().Int64P(flag.name, flag.shorthand, v, flag.usage)
		case float64:
			cmd.Flags().Float64P(flag.name, flag.shorthand, v, flag.usage)
		case string:
			cmd.Flags().StringP(flag.name, flag.shorthand, v, flag.usage)
		default:
			cmd.Flags().StringP(flag.name, flag.shorthand, "", flag.usage)
		}
		if flag.required {
			if err := cmd.MarkFlagRequired(flag.name); err != nil {
				fmt.Printf("failed to mark flag %s as required: %v\n", flag.name, err)
			}
		}
	}
}

func bindFlags(cmd *cobra.Command, addFlags ...commandLineFlag) {
	flags := append([]commandLineFlag{configFlag, quietFlag, debugFlag}, addFlags...)
	for _, flag := range flags {
		_ = viper.BindPFlag(flag.name, cmd.Flags().Lookup(flag.name))
	}
}
