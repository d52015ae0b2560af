package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "storevoice",
	Short:         "Transcribe and analyze in-store customer voice feedback",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(serveCmd, workerCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(submitCmd, feedbackCmd, dashboardCmd, reportCmd)
	rootCmd.AddCommand(mcpCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
