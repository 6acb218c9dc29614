// Package main provides the CLI entry point for conductor.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/devhaven/conductor/internal/terminal"
)

// version is overridden at release time via -ldflags.
var version = "dev"

var (
	projectPath string
	noConfig    bool
	verbose     bool
)

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "Conductor - orchestrate AI coding agents",
		Long: `Coordinate AI coding agent backends (Claude, Cursor, OpenCode, Codex)
behind one query protocol: run pipeline steps against features, drive the
autonomous development loop, gate PR merges, and review code.

Exit codes:
  0 - Success
  1 - Work completed with failures (failed step, failed review gate)
  2 - Error
  130 - Interrupted`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       buildVersionString(),
	}

	rootCmd.SetVersionTemplate("{{.Version}}\n")

	rootCmd.PersistentFlags().StringVarP(&projectPath, "project", "p", ".",
		"Project directory (holds .conductor.yaml and .conductor/ state)")
	rootCmd.PersistentFlags().BoolVar(&noConfig, "no-config", false,
		"Skip loading the .conductor.yaml config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Print provider messages as they arrive")

	rootCmd.AddCommand(
		newProvidersCmd(),
		newQueryCmd(),
		newPipelineCmd(),
		newAutomodeCmd(),
		newMergeCmd(),
		newReviewCmd(),
		newVersionCmd(),
	)

	// One cancellable context for every subcommand; SIGINT/SIGTERM cancel it
	// so provider subprocesses and poll loops shut down cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var exitErr exitCodeError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		if errors.Is(err, context.Canceled) {
			terminal.Log("Interrupted, shutting down...", terminal.StyleWarning)
			return 130
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

// exitCodeError carries a non-zero exit code through the error interface
// without printing a redundant message.
type exitCodeError struct {
	code int
	msg  string
}

func (e exitCodeError) Error() string { return e.msg }

func buildVersionString() string {
	v := version
	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
	}
	return "conductor " + v
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the conductor version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildVersionString())
		},
	}
}
