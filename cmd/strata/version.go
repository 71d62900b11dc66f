package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the strata version.",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), versionString())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func versionString() string {
	v := version

	if info, ok := debug.ReadBuildInfo(); ok && v == "dev" &&
		info.Main.Version != "" && info.Main.Version != "(devel)" {
		v = info.Main.Version
	}

	return "strata " + v
}
