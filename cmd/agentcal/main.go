package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/agentcal/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:   "agentcal",
	Short: "Task scheduling and dependency resolution for coding agents",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
