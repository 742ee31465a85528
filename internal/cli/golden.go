package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/turn-governor/internal/release"
)

var (
	goldenCases string
	goldenJSON  bool
)

func init() {
	rootCmd.AddCommand(goldenCmd)
	goldenCmd.Flags().StringVar(&goldenCases, "cases", "", "Path to golden cases YAML (required)")
	goldenCmd.Flags().BoolVar(&goldenJSON, "json", false, "Output the run as JSON")
	goldenCmd.MarkFlagRequired("cases")
}

var goldenCmd = &cobra.Command{
	Use:   "golden",
	Short: "Run the golden gate",
	Long: "Evaluates every enabled golden case against the deterministic gate and router,\n" +
		"records the run and exits 1 when the pass rate is below release.min_pass_rate.",
	RunE: runGolden,
}

func runGolden(cmd *cobra.Command, args []string) error {
	cases, err := release.LoadCases(goldenCases)
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := rt.release.RunGoldenGate(cmd.Context(), cases)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if goldenJSON {
		if err := printJSON(out, report.Run); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "%-24s  %-6s  %s\n", "Case", "Result", "Mismatches")
		fmt.Fprintf(out, "%-24s+-%-6s+-%s\n", "------------------------", "------", "--------------------")
		for _, r := range report.Run.Results {
			result := "PASS"
			if !r.Passed {
				result = "FAIL"
			}
			fmt.Fprintf(out, "%-24s  %-6s  %s\n", r.CaseID, result, strings.Join(r.Mismatches, "; "))
		}
		fmt.Fprintf(out, "\n%s: %d/%d passed (rate %.2f), run %s\n",
			report.Run.Status, report.Run.Passed, report.Run.Total, report.Run.PassRate, report.Run.ID)
	}

	if report.Run.Status != release.StatusPass {
		return fmt.Errorf("golden gate failed: pass rate %.2f below %.2f", report.Run.PassRate, rt.release.Config().MinPassRate)
	}
	return nil
}
