// Package main provides the strand CLI: a terminal front-end for the
// agent runtime.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:     "strand",
		Short:   "strand is an autonomous LLM agent runtime",
		Version: version,
	}
	root.AddCommand(
		buildRunCmd(),
		buildTasksCmd(),
		buildRecoverCmd(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
