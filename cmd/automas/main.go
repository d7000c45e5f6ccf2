package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "automas",
		Short: "AUTO-MAS - unattended runs of game automation tools",
		Long: `AUTO-MAS drives MAA and other automation tools across users, scripts
and queues. It launches emulators, watches tool logs for a verdict, retries
failed attempts and keeps a per-user history of every run.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
