package cli

import (
	"github.com/spf13/cobra"
)

const version = "0.3.0"

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd.OutOrStdout(), map[string]string{
			"version":              version,
			"name":                 "turngov",
			"policy_rules_version": cfg.Release.PolicyRulesVersion,
			"router_rules_version": cfg.Release.RouterRulesVersion,
		})
	},
}
