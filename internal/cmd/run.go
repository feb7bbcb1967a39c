package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dtrain-org/dtrain/internal/config"
	"github.com/dtrain-org/dtrain/internal/logger"
	"github.com/dtrain-org/dtrain/internal/supervisor"
)

// CmdRun creates the driver command: it validates the job config, builds the
// multi-rank launcher command line, and supervises it until exit.
func CmdRun() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "run [flags]",
			Short: "Launch and supervise a multi-rank training run",
			Long: `Launch the configured multi-rank launcher as a supervised process group.

The combined output of all local ranks is streamed to a per-node log file
and mirrored to stdout. On interruption the whole process group receives a
graceful termination signal, then a forced kill if it does not exit within
the grace period.

Example:
  dtrain run --config job.yaml
`,
			Args: cobra.NoArgs,
		}, nil, runRun,
	)
}

func runRun(ctx *Context, _ []string) error {
	var loaderOpts []config.LoaderOption
	if cfgPath := viper.GetString("config"); cfgPath != "" {
		loaderOpts = append(loaderOpts, config.WithConfigFile(cfgPath))
	}
	cfg, err := config.Load(loaderOpts...)
	if err != nil {
		return fmt.Errorf("failed to load job config: %w", err)
	}

	if cfg.RdzvID == "" {
		cfg.RdzvID = uuid.NewString()
	}
	if err := os.MkdirAll(cfg.CkptOutputDir, 0750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if cfg.DataOutputDir != "" {
		if err := os.MkdirAll(cfg.DataOutputDir, 0750); err != nil {
			return fmt.Errorf("failed to create data output directory: %w", err)
		}
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve own executable: %w", err)
	}
	command := cfg.RankCommand([]string{executable, "rank"})
	logPath := filepath.Join(cfg.CkptOutputDir, fmt.Sprintf("full_logs_global%d.log", cfg.NodeRank))

	logger.Info(ctx, "Starting training run",
		"rdzv_id", cfg.RdzvID,
		"nnodes", cfg.NNodes,
		"nproc_per_node", cfg.NprocPerNode,
		"log", logPath)
	if !ctx.Quiet {
		color.Green("Running command: %s", strings.Join(command, " "))
	}

	err = supervisor.New().Run(ctx, logPath, command)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Warn(ctx, "Training run interrupted", "rdzv_id", cfg.RdzvID)
		return err
	case err != nil:
		return fmt.Errorf("training run failed: %w", err)
	}

	logger.Info(ctx, "Training run finished", "rdzv_id", cfg.RdzvID)
	return nil
}
