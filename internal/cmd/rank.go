package cmd

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dtrain-org/dtrain/internal/checkpoint"
	"github.com/dtrain-org/dtrain/internal/collective"
	"github.com/dtrain-org/dtrain/internal/config"
	"github.com/dtrain-org/dtrain/internal/eval"
	"github.com/dtrain-org/dtrain/internal/logger"
	"github.com/dtrain-org/dtrain/internal/metrics"
)

// CmdRank creates the per-rank entry point. The launcher invokes it once per
// rank with RANK, LOCAL_RANK and WORLD_SIZE in the environment; operators do
// not run it directly.
func CmdRank() *cobra.Command {
	cmd := NewCommand(
		&cobra.Command{
			Use:    "rank [flags]",
			Short:  "Run one rank of a training job",
			Args:   cobra.NoArgs,
			Hidden: true,
		}, rankFlags, runRank,
	)
	return cmd
}

func runRank(ctx *Context, _ []string) error {
	env, err := config.LoadRankEnv(os.LookupEnv)
	if err != nil {
		return err
	}

	cfg, err := rankConfigFromFlags(ctx.Command.Flags(), env)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// One config dump per node, on the local leader only.
	if cfg.LocalRank == 0 && !ctx.Quiet {
		dump, err := yaml.Marshal(cfg)
		if err == nil {
			color.Cyan("%s", dump)
		}
	}

	if err := os.MkdirAll(cfg.OutputDir, 0750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	sink, err := metrics.New(metrics.LogPath(cfg.OutputDir, cfg.Rank))
	if err != nil {
		return err
	}
	defer sink.Close()
	logger.Debug(ctx, "Metric log opened", "rank", cfg.Rank, "path", sink.Path())

	// The reporting rank hosts the collective coordinator for the group.
	if cfg.Rank == 0 {
		coord := collective.NewCoordinator(cfg.WorldSize)
		bind, err := coordinatorBindAddr(cfg.RendezvousEndpoint)
		if err != nil {
			return err
		}
		if err := coord.Start(ctx, bind); err != nil {
			return err
		}
		defer func() { _ = coord.Shutdown(ctx) }()
	}

	client := collective.NewClient(cfg.RendezvousEndpoint, cfg.Rank, cfg.WorldSize)
	if err := client.Join(ctx); err != nil {
		return err
	}
	logger.Info(ctx, "Joined process group",
		"rank", cfg.Rank, "local_rank", cfg.LocalRank, "world_size", cfg.WorldSize)

	// First line of the metric log: the full resolved run configuration.
	if cfg.IsReportingRank() {
		if err := sink.LogSync(scriptParamsRecord(cfg)); err != nil {
			return err
		}
	}

	// With LoRA only the adapter weights are expected in the checkpoint, so
	// the module match is relaxed.
	resumer := checkpoint.NewResumer(
		checkpoint.NewFileLoader(cfg.WorldSize),
		cfg.CheckpointDir(),
		cfg.EffectiveBatchSize,
		cfg.LocalRank,
	)
	state, err := resumer.Resume(ctx, !cfg.LoRA.Enabled())
	if err != nil {
		return err
	}
	if cfg.IsReportingRank() {
		if err := sink.LogSync(metrics.Record{
			"resume_status": state.Status.String(),
			"samples_seen":  state.Manifest.SamplesSeen,
			"last_step":     state.LastStep,
		}); err != nil {
			return err
		}
	}

	src, closeSrc, err := batchSource(cfg)
	if err != nil {
		return err
	}
	defer closeSrc()

	if cfg.IsReportingRank() {
		summary := metrics.Record{
			"num_gpus":              cfg.WorldSize,
			"effective_batch_size":  cfg.EffectiveBatchSize,
			"max_batch_len_per_gpu": cfg.MaxBatchLen,
		}
		// The batch count is only known up front for synthetic data.
		if cfg.MockData {
			summary["num_batches"] = cfg.MockBatches
		}
		if err := sink.LogSync(summary); err != nil {
			return err
		}
	}

	perplexity, err := eval.New(cfg, client, sink).Run(ctx, src)
	if err != nil {
		return err
	}
	if cfg.LocalRank == 0 && !ctx.Quiet {
		color.Green("Perplexity: %f", perplexity)
	}

	// Keep the coordinator alive until every rank has read its final result.
	return client.Barrier(ctx)
}

// scriptParamsRecord nests the complete resolved run configuration under
// the script_params key, so log consumers can read every parameter of the
// run from the first record.
func scriptParamsRecord(cfg *config.RunConfig) metrics.Record {
	return metrics.Record{"script_params": cfg}
}

// rankConfigFromFlags assembles the immutable per-process config from the
// command line and environment.
func rankConfigFromFlags(f *pflag.FlagSet, env config.RankEnv) (*config.RunConfig, error) {
	r := flagReader{f: f}
	cfg := &config.RunConfig{
		RankEnv:            env,
		ModelPath:          r.str("model-path"),
		DataPath:           r.str("data-path"),
		OutputDir:          r.str("output-dir"),
		RendezvousEndpoint: r.str("rdzv-endpoint"),
		NumEpochs:          r.num("num-epochs"),
		EffectiveBatchSize: r.num("effective-batch-size"),
		MaxBatchLen:        r.num("max-batch-len"),
		LearningRate:       r.flt("learning-rate"),
		Scheduler:          r.str("lr-scheduler"),
		WarmupSteps:        r.num("num-warmup-steps"),
		SaveSamples:        r.num("save-samples"),
		Seed:               r.num64("seed"),
		MockData:           r.flag("mock-data"),
		MockBatches:        r.num("mock-batches"),
		LoRA: config.LoRA{
			Rank:      r.num("lora-r"),
			Alpha:     r.num("lora-alpha"),
			Dropout:   r.flt("lora-dropout"),
			QuantBits: r.num("lora-quant-bits"),
		},
		Backend:  config.Backend(r.str("distributed-backend")),
		Sharding: r.str("fsdp-sharding-strategy"),
	}
	if modules := r.str("lora-target-modules"); modules != "" {
		cfg.LoRA.TargetModules = strings.Split(modules, ",")
	}
	if r.err != nil {
		return nil, fmt.Errorf("failed to read rank flags: %w", r.err)
	}
	return cfg, nil
}

// flagReader collects the first flag lookup error instead of checking each
// call site.
type flagReader struct {
	f   *pflag.FlagSet
	err error
}

func (r *flagReader) str(name string) string {
	v, err := r.f.GetString(name)
	r.keep(err)
	return v
}

func (r *flagReader) num(name string) int {
	v, err := r.f.GetInt(name)
	r.keep(err)
	return v
}

func (r *flagReader) num64(name string) int64 {
	v, err := r.f.GetInt64(name)
	r.keep(err)
	return v
}

func (r *flagReader) flt(name string) float64 {
	v, err := r.f.GetFloat64(name)
	r.keep(err)
	return v
}

func (r *flagReader) flag(name string) bool {
	v, err := r.f.GetBool(name)
	r.keep(err)
	return v
}

func (r *flagReader) keep(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}

// coordinatorBindAddr turns the rendezvous endpoint into the address the
// hosting rank binds, listening on all interfaces for the endpoint's port.
func coordinatorBindAddr(endpoint string) (string, error) {
	_, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid rendezvous endpoint %q: %w", endpoint, err)
	}
	return ":" + port, nil
}

// batchSource picks the evaluation input for this rank: synthetic batches
// for smoke runs, otherwise this rank's pre-sharded data file.
func batchSource(cfg *config.RunConfig) (eval.BatchSource, func(), error) {
	if cfg.MockData {
		return eval.NewMockSource(cfg.Seed, cfg.Rank, cfg.MockBatches), func() {}, nil
	}
	path := filepath.Join(cfg.DataPath, fmt.Sprintf("shard_%d.jsonl", cfg.Rank))
	src, err := eval.OpenFileSource(path)
	if err != nil {
		return nil, nil, err
	}
	return src, func() { _ = src.Close() }, nil
}
