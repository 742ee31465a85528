package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/turn-governor/internal/release"
)

var (
	canaryPercent int
	canaryJSON    bool
)

func init() {
	rootCmd.AddCommand(canaryCmd)
	canaryCmd.AddCommand(canaryStartCmd, canaryEvaluateCmd, canaryPromoteCmd, canaryStatusCmd)
	canaryStartCmd.Flags().IntVar(&canaryPercent, "percent", 0, "Traffic share in percent (release.default_canary_percent when 0)")
	canaryStatusCmd.Flags().BoolVar(&canaryJSON, "json", false, "Output as JSON")
}

var canaryCmd = &cobra.Command{
	Use:   "canary",
	Short: "Canary release of weight configs",
}

var canaryStartCmd = &cobra.Command{
	Use:   "start <version>",
	Short: "Route a share of sessions to a candidate version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("version must be an integer: %q", args[0])
		}
		return withRelease(cmd, func(c *release.Controller) (release.CanaryRun, error) {
			return c.StartCanary(cmd.Context(), version, canaryPercent)
		})
	},
}

var canaryEvaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Compare canary traffic against baseline; rolls back on degradation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRelease(cmd, func(c *release.Controller) (release.CanaryRun, error) {
			return c.EvaluateCanary(cmd.Context())
		})
	},
}

var canaryPromoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Make the canary version active for all traffic",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRelease(cmd, func(c *release.Controller) (release.CanaryRun, error) {
			return c.Promote(cmd.Context())
		})
	},
}

var canaryStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show component versions, the latest golden run and the open canary",
	RunE:  runCanaryStatus,
}

func withRelease(cmd *cobra.Command, fn func(*release.Controller) (release.CanaryRun, error)) error {
	rt, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	run, err := fn(rt.release)
	if err != nil {
		return err
	}
	printCanary(cmd.OutOrStdout(), run)
	return nil
}

func printCanary(w io.Writer, run release.CanaryRun) {
	fmt.Fprintf(w, "canary %s  %s\n", run.ID, run.Status)
	fmt.Fprintf(w, "  candidate v%d on %d%% of sessions, baseline v%d\n", run.CandidateVersion, run.Percent, run.BaselineVersion)
	fmt.Fprintf(w, "  baseline: turns=%d tqs=%.1f kgs=%.1f handoff=%.3f\n",
		run.Baseline.Turns, run.Baseline.AvgTQS, run.Baseline.AvgKGS, run.Baseline.HandoffRate)
	fmt.Fprintf(w, "  current:  turns=%d tqs=%.1f kgs=%.1f handoff=%.3f\n",
		run.Current.Turns, run.Current.AvgTQS, run.Current.AvgKGS, run.Current.HandoffRate)
	if run.Reason != "" {
		fmt.Fprintf(w, "  reason: %s\n", run.Reason)
	}
}

func runCanaryStatus(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	st, err := rt.release.Status(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if canaryJSON {
		return printJSON(out, st)
	}

	fmt.Fprintf(out, "%-12s  %-10s  %-12s  %s\n", "Component", "Version", "Hash", "Created")
	fmt.Fprintf(out, "%-12s+-%-10s+-%-12s+-%s\n", "------------", "----------", "------------", "--------------------")
	for _, c := range st.Components {
		fmt.Fprintf(out, "%-12s  %-10s  %-12s  %s\n", c.Component, c.Version, shortHash(c.ContentHash), stamp(c.CreatedAt))
	}
	fmt.Fprintln(out)
	if st.LatestGolden != nil {
		g := st.LatestGolden
		fmt.Fprintf(out, "golden: %s %d/%d (rate %.2f) at %s\n", g.Status, g.Passed, g.Total, g.PassRate, stamp(g.CreatedAt))
	} else {
		fmt.Fprintln(out, "golden: never run")
	}
	if st.Canary != nil {
		printCanary(out, *st.Canary)
	} else {
		fmt.Fprintln(out, "canary: none running")
	}
	return nil
}
