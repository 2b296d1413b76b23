// Package main provides the entry point for the sidetrace CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/sidetrace/cmd/sidetrace/commands"
	"github.com/Sumatoshi-tech/sidetrace/internal/pipelineerr"
	"github.com/Sumatoshi-tech/sidetrace/pkg/version"
)

// Exit codes per the CLI contract: 0 success, 1 configuration error, 2
// runtime error.
const (
	exitConfigError  = 1
	exitRuntimeError = 2
)

func main() {
	version.InitBinaryVersion()

	rootCmd := &cobra.Command{
		Use:   "sidetrace",
		Short: "Side-channel leakage detection trace pipeline",
		Long: `sidetrace runs an instrumented target against many test cases,
collects one execution trace per input, and statistically compares the
traces to locate and quantify code locations whose control flow or
memory-access pattern depends on secret input.

Commands:
  run       Execute the trace pipeline against a configuration file
  validate  Validate a configuration file without running it`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewValidateCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		var configErr *pipelineerr.ConfigError
		if errors.As(err, &configErr) {
			os.Exit(exitConfigError)
		}

		os.Exit(exitRuntimeError)
	}
}
