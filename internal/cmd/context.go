package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dtrain-org/dtrain/internal/logger"
)

// Context holds the resolved environment for one command invocation.
type Context struct {
	context.Context

	Command *cobra.Command
	Flags   []commandLineFlag
	Quiet   bool
}

// NewContext binds the command's flags, builds the logger, and wraps the
// cobra context.
func NewContext(cmd *cobra.Command, flags []commandLineFlag) (*Context, error) {
	ctx := cmd.Context()

	bindFlags(cmd, flags...)

	quiet, err := cmd.Flags().GetBool("quiet")
	if err != nil {
		return nil, fmt.Errorf("failed to get quiet flag: %w", err)
	}
	debug, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return nil, fmt.Errorf("failed to get debug flag: %w", err)
	}

	var opts []logger.Option
	if debug || os.Getenv("DEBUG") != "" {
		opts = append(opts, logger.WithDebug())
	}
	if quiet {
		opts = append(opts, logger.WithQuiet())
	}
	ctx = logger.WithLogger(ctx, logger.NewLogger(opts...))

	return &Context{
		Context: ctx,
		Command: cmd,
		Flags:   flags,
		Quiet:   quiet,
	}, nil
}

// NewCommand wires a cobra command to its flag set and run function.
func NewCommand(cmd *cobra.Command, flags []commandLineFlag, runFunc func(ctx *Context, args []string) error) *cobra.Command {
	initFlags(cmd, flags...)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx, err := NewContext(cmd, flags)
		if err != nil {
			fmt.Printf("Initialization error: %v\n", err)
			os.Exit(1)
		}
		if err := runFunc(ctx, args); err != nil {
			logger.Error(ctx.Context, "Command failed", "err", err)
			os.Exit(1)
		}
		return nil
	}

	return cmd
}
