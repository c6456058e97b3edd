package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexus3/nexus3/internal/config"
	"github.com/nexus3/nexus3/internal/doctor"
)

// buildDoctorCmd loads and validates the config, then runs the same
// channel-policy and filesystem/network security checks cmd/nexus's doctor
// command does (internal/doctor.CheckChannelPolicies,
// internal/doctor.AuditSecurity) — both already take a *config.Config
// directly, so nexus3 doesn't need its own copy of the checks.
func buildDoctorCmd() *cobra.Command {
	cfgPath := ""
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and audit common security hazards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func runDoctor(cmd *cobra.Command, path string) error {
	path = resolveConfigPath(path)
	out := cmd.OutOrStdout()

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(out, "config: FAIL (%v)\n", err)
		return err
	}
	fmt.Fprintf(out, "config: OK (%s)\n", path)

	if issues := doctor.CheckChannelPolicies(cfg); len(issues) > 0 {
		fmt.Fprintln(out, "channel policy warnings:")
		for _, issue := range issues {
			fmt.Fprintf(out, "  - %s\n", issue)
		}
	} else {
		fmt.Fprintln(out, "channel policies: OK")
	}

	audit := doctor.AuditSecurity(cfg, path)
	if len(audit.Findings) == 0 {
		fmt.Fprintln(out, "security audit: OK")
		return nil
	}
	fmt.Fprintln(out, "security audit findings:")
	for _, f := range audit.Findings {
		fmt.Fprintf(out, "  [%s] %s\n", f.Severity, f.Message)
	}
	return nil
}
