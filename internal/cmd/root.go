package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dtrain-org/dtrain/internal/build"
)

var rootCmd = &cobra.Command{
	Use:   build.Slug,
	Short: "dtrain supervises multi-rank training runs",
	Long: `dtrain launches and supervises distributed training runs.

The run command builds the multi-rank launcher command line from a job
config, starts it as a supervised process group, and streams its output.
Each rank process resumes from the latest checkpoint, evaluates its data
shard, and cooperates in a cross-rank perplexity reduction.
`,
}

func init() {
	rootCmd.AddCommand(CmdRun())
	rootCmd.AddCommand(CmdRank())
	rootCmd.AddCommand(CmdVersion())
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM,
// which drives the supervised process group's termination protocol.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
