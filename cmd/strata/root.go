package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Strata drives packet workloads through a storage transport stack.",
	Long: `Strata drives packet workloads through a storage transport stack. ` +
		`Currently, it supports a fan-out stress run with optional tracing ` +
		`and an HTTP monitor.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Trace sinks registered with atexit are flushed on the way
// out.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)

	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
