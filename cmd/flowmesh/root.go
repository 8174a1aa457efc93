package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"flowmesh/dataflow-runtime/pkg/logger"
)

const (
	// Version is the current version number.
	Version = "0.1.0"
	// Banner is shown at startup.
	Banner = `
   __ _                                _
  / _| | _____      ___ __ ___   ___  | |__
 | |_| |/ _ \ \ /\ / / '_ ` + "`" + ` _ \ / _ \/ __| '_ \
 |  _| | (_) \ V  V /| | | | | |  __/\__ \ | | |
 |_| |_|\___/ \_/\_/ |_| |_| |_|\___||___/_| |_|  %s
`
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:     "flowmesh",
	Short:   "Distributed dataflow runtime",
	Long:    `flowmesh runs dataflow pipelines across a cluster of master and worker runtimes.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if logLevel != "" {
			logger.SetLevelFromString(logLevel)
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(workerCmd)
}

func printBanner() {
	fmt.Printf(Banner, Version)
}
