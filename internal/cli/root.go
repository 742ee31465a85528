package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/turn-governor/internal/config"
)

var (
	configPath string
	dbOverride string
	cfg        config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML (hot-reloaded by serve)")
	rootCmd.PersistentFlags().StringVar(&dbOverride, "db", "", "SQLite database path, overrides config and TURNGOV_DB")
}

var rootCmd = &cobra.Command{
	Use:           "turngov",
	Short:         "Turn governor: admission, routing, answer selection and release control",
	Long:          "Governs each chat turn end to end: admission gate, intent routing, weighted answer selection,\nturn quality scoring, per-session adaptation, golden-gate and canary release of weight configs.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dbOverride != "" {
			loaded.DBPath = dbOverride
		}
		cfg = loaded
		return nil
	},
}

// Execute runs the root command. Any error exits 1.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
