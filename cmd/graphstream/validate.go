package main

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration without connecting anywhere",
	Long: `Parse every routing pattern and ingestion strategy and report all problems at
once. Only the directions that are configured are checked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var errs *multierror.Error
		checked := 0
		if cfg.Source.Graph != "" || cfg.Source.Publisher.Peer != "" {
			checked++
			if err := cfg.ValidateSource(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("source: %w", err))
			}
		}
		if cfg.Sink.Graph != "" || cfg.Sink.Peer != "" {
			checked++
			if err := cfg.ValidateSink(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("sink: %w", err))
			}
		}
		if checked == 0 {
			return fmt.Errorf("neither source nor sink is configured")
		}
		if err := errs.ErrorOrNil(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
		return nil
	},
}
