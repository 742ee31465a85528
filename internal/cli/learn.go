package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/turn-governor/internal/learning"
	"github.com/danielpatrickdp/turn-governor/internal/release"
)

var (
	learnDate    string
	learnJSON    bool
	learnCanary  bool
	learnPercent int
	learnLast    int
)

func init() {
	weightsCmd.AddCommand(weightsLearnCmd)
	weightsLearnCmd.AddCommand(learnDailyCmd, learnWeeklyCmd, learnStatusCmd)
	weightsLearnCmd.PersistentFlags().BoolVar(&learnJSON, "json", false, "Output as JSON")
	for _, c := range []*cobra.Command{learnDailyCmd, learnWeeklyCmd} {
		c.Flags().StringVar(&learnDate, "date", "", "Day to process as YYYY-MM-DD in UTC (yesterday for daily, today for weekly)")
	}
	learnWeeklyCmd.Flags().BoolVar(&learnCanary, "canary", true, "Start a canary on the proposed version")
	learnWeeklyCmd.Flags().IntVar(&learnPercent, "percent", 0, "Canary traffic share (release.default_canary_percent when 0)")
	learnStatusCmd.Flags().IntVar(&learnLast, "last", 10, "Show N most recent job runs")
}

var weightsLearnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Run the offline learning jobs",
}

var learnDailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Aggregate one day of outcomes and feedback into learning metrics",
	RunE:  runLearnDaily,
}

var learnWeeklyCmd = &cobra.Command{
	Use:   "weekly",
	Short: "Propose bounded weights from the last week and send them to canary",
	Long: "Averages the daily metrics of the week ending on --date, proposes bounded\n" +
		"grounding, usefulness, hallucination and over-disclosure weights from the\n" +
		"serving version and queues the worst knowledge gaps for review. The\n" +
		"proposal goes through the golden gate and canary like any other version.",
	RunE: runLearnWeekly,
}

var learnStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent learning job runs and open review items",
	RunE:  runLearnStatus,
}

// learnDay parses --date, falling back to today shifted by offset days.
func learnDay(offset int) (time.Time, error) {
	if learnDate == "" {
		return time.Now().UTC().AddDate(0, 0, offset), nil
	}
	d, err := time.Parse("2006-01-02", learnDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("--date %q: want YYYY-MM-DD", learnDate)
	}
	return d, nil
}

func runLearnDaily(cmd *cobra.Command, args []string) error {
	d, err := learnDay(-1)
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	sum, err := rt.learning.RunDaily(cmd.Context(), d)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if learnJSON {
		return printJSON(out, sum)
	}
	fmt.Fprintf(out, "daily %s: turns=%d tqs=%.1f kgs=%.1f handoff=%.3f\n",
		sum.Date, sum.Turns, sum.AvgTQS, sum.AvgKGS, sum.HandoffRate)
	fmt.Fprintf(out, "  feedback: %d rated, down rate %.3f, %d reason gaps, %d gaps to review\n",
		sum.FeedbackCount, sum.FeedbackDownRate, sum.FeedbackGaps, sum.PromotedToReview)
	return nil
}

type weeklyOutput struct {
	Weekly learning.WeeklySummary `json:"weekly"`
	Canary *release.CanaryRun     `json:"canary,omitempty"`
}

func runLearnWeekly(cmd *cobra.Command, args []string) error {
	d, err := learnDay(0)
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	res := weeklyOutput{}
	if res.Weekly, err = rt.learning.RunWeekly(ctx, d); err != nil {
		return err
	}

	var canaryErr error
	if learnCanary && res.Weekly.ProposedVersion != 0 {
		run, err := rt.release.StartCanary(ctx, res.Weekly.ProposedVersion, learnPercent)
		if err != nil {
			canaryErr = fmt.Errorf("version %d proposed but canary not started: %w", res.Weekly.ProposedVersion, err)
		} else {
			res.Canary = &run
		}
	}

	out := cmd.OutOrStdout()
	if learnJSON {
		if err := printJSON(out, res); err != nil {
			return err
		}
		return canaryErr
	}
	printWeekly(out, res.Weekly)
	if res.Canary != nil {
		printCanary(out, *res.Canary)
	}
	return canaryErr
}

func printWeekly(w io.Writer, s learning.WeeklySummary) {
	fmt.Fprintf(w, "weekly %s..%s: %d days, tqs=%.1f kgs=%.1f down=%.3f\n",
		s.WindowStart, s.WindowEnd, s.Metrics.Days, s.Metrics.AvgTQS, s.Metrics.AvgKGS, s.Metrics.AvgDownRate)
	if s.ProposedVersion == 0 {
		fmt.Fprintf(w, "  %s: weights unchanged from v%d\n", s.Direction, s.BaseVersion)
	} else {
		fmt.Fprintf(w, "  %s: proposed version %d from v%d hash %s\n",
			s.Direction, s.ProposedVersion, s.BaseVersion, shortHash(s.ConfigHash))
		for _, c := range s.Changes {
			fmt.Fprintf(w, "    %-8s %-16s %.4f -> %.4f\n", c.Group, c.Signal, c.From, c.To)
		}
	}
	fmt.Fprintf(w, "  review items queued: %d\n", s.ReviewQueued)
}

type learnStatusOutput struct {
	Runs    []learning.JobRun     `json:"runs"`
	Reviews []learning.ReviewItem `json:"open_reviews"`
}

func runLearnStatus(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	res := learnStatusOutput{Runs: []learning.JobRun{}, Reviews: []learning.ReviewItem{}}
	runs, err := rt.learning.Runs(ctx, learnLast)
	if err != nil {
		return err
	}
	reviews, err := rt.learning.OpenReviews(ctx)
	if err != nil {
		return err
	}
	res.Runs = append(res.Runs, runs...)
	res.Reviews = append(res.Reviews, reviews...)

	out := cmd.OutOrStdout()
	if learnJSON {
		return printJSON(out, res)
	}
	fmt.Fprintf(out, "Learning runs:\n")
	if len(res.Runs) == 0 {
		fmt.Fprintln(out, "  none")
	}
	for _, r := range res.Runs {
		fmt.Fprintf(out, "  %-6s  %s..%s  %-7s  %s\n", r.JobType, r.WindowStart, r.WindowEnd, r.Status, shortHash(r.ConfigHash))
	}
	fmt.Fprintf(out, "\nOpen review items:\n")
	if len(res.Reviews) == 0 {
		fmt.Fprintln(out, "  none")
	}
	for _, it := range res.Reviews {
		fmt.Fprintf(out, "  %-36s  kgs=%-3d  %s\n", it.SessionID, it.KGS, it.TopicKey)
	}
	return nil
}
