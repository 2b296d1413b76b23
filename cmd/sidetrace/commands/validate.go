package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/sidetrace/internal/config"
	"github.com/Sumatoshi-tech/sidetrace/internal/stage"
)

// NewValidateCommand builds the "validate" subcommand: load and validate a
// configuration file, confirming every stage's module name resolves in the
// built-in registries, without running the pipeline.
func NewValidateCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a pipeline configuration file without running it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return executeValidate(configPath, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the pipeline configuration file (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func executeValidate(configPath string, out io.Writer) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	if _, err := stage.Build(cfg, buildRegistries()); err != nil {
		return err
	}

	fmt.Fprintf(out, "configuration is valid: %s\n", configPath)

	return nil
}
