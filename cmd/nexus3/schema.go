package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexus3/nexus3/internal/config"
)

// buildSchemaCmd prints the Config struct's JSON Schema, reflected by
// internal/config.JSONSchema (github.com/invopop/jsonschema over the yaml
// tags), so editors and config-management tooling can validate nexus3.yaml
// without this binary.
func buildSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration file's JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.JSONSchema()
			if err != nil {
				return fmt.Errorf("rendering config schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	return cmd
}
