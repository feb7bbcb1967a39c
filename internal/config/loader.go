package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Loader reads and merges training-job configuration from defaults and an
// optional config file.
type Loader struct {
	configFile string
}

// LoaderOption defines a functional option for configuring a Loader.
type LoaderOption func(*Loader)

// WithConfigFile sets the configuration file path.
func WithConfigFile(configFile string) LoaderOption {
	return func(l *Loader) {
		l.configFile = configFile
	}
}

// Load resolves a TrainConfig from defaults and the optional config file,
// then validates it.
func Load(opts ...LoaderOption) (*TrainConfig, error) {
	l := &Loader{}
	for _, opt := range opts {
		opt(l)
	}

	v := viper.New()
	setDefaults(v)

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	var cfg TrainConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("launcher", "torchrun")
	v.SetDefault("nnodes", 1)
	v.SetDefault("node_rank", 0)
	v.SetDefault("nproc_per_node", 1)
	v.SetDefault("num_epochs", 1)
	v.SetDefault("effective_batch_size", 3840)
	v.SetDefault("max_batch_len", 60000)
	v.SetDefault("learning_rate", 1e-4)
	v.SetDefault("lr_scheduler", "cosine")
	v.SetDefault("num_warmup_steps", 1000)
	v.SetDefault("seed", 42)
	v.SetDefault("distributed_backend", string(BackendDeepSpeed))
	v.SetDefault("fsdp_sharding_strategy", "SHARD_GRAD_OP")
}
