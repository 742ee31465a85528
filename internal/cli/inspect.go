package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/turn-governor/internal/quality"
	"github.com/danielpatrickdp/turn-governor/internal/release"
	"github.com/danielpatrickdp/turn-governor/internal/state"
)

var (
	inspectLast    int
	inspectVersion int
	inspectJSON    bool
)

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().IntVar(&inspectLast, "last", 20, "Show N most recent rows per table")
	inspectCmd.Flags().IntVar(&inspectVersion, "version", 0, "Show single weights version detail")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON instead of tables")
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect weight versions, knowledge gaps and canary runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.Close()
		if inspectVersion != 0 {
			return runInspectDetail(cmd, rt, inspectVersion)
		}
		return runInspectList(cmd, rt)
	},
}

// #region list-mode

type gapRow struct {
	TopicKey    string `json:"topic_key"`
	Intent      string `json:"intent"`
	Sample      string `json:"sample_message"`
	KGS         int    `json:"kgs"`
	Occurrences int    `json:"occurrences"`
	Trigger     string `json:"trigger_source"`
	Status      string `json:"status"`
	LastSeenAt  string `json:"last_seen_at"`
}

type inspectOutput struct {
	Versions []versionRow        `json:"versions"`
	Gaps     []gapRow            `json:"knowledge_gaps"`
	Canaries []release.CanaryRun `json:"canaries"`
}

func runInspectList(cmd *cobra.Command, rt *runtime) error {
	ctx := cmd.Context()
	versions, err := rt.store.ListVersions(ctx, inspectLast)
	if err != nil {
		return err
	}
	gaps, err := rt.gaps.List(ctx, inspectLast)
	if err != nil {
		return err
	}
	canaries, err := rt.release.ListCanaries(ctx, inspectLast)
	if err != nil {
		return err
	}

	out := inspectOutput{
		Versions: make([]versionRow, 0, len(versions)),
		Gaps:     make([]gapRow, 0, len(gaps)),
		Canaries: canaries,
	}
	if out.Canaries == nil {
		out.Canaries = []release.CanaryRun{}
	}
	for _, v := range versions {
		out.Versions = append(out.Versions, toVersionRow(v))
	}
	for _, g := range gaps {
		out.Gaps = append(out.Gaps, toGapRow(g))
	}

	w := cmd.OutOrStdout()
	if inspectJSON {
		return printJSON(w, out)
	}
	printInspectTables(w, out)
	return nil
}

func toVersionRow(v state.WeightConfig) versionRow {
	return versionRow{
		Version:    v.Version,
		Label:      v.Label,
		Active:     v.IsActive,
		Parent:     v.ParentVersion,
		ConfigHash: v.ConfigHash,
		Note:       v.Note,
		CreatedAt:  stamp(v.CreatedAt),
		Weights:    v.Weights,
	}
}

func toGapRow(g quality.GapItem) gapRow {
	return gapRow{
		TopicKey:    g.TopicKey,
		Intent:      g.Intent,
		Sample:      g.SampleMessage,
		KGS:         g.KGS,
		Occurrences: g.OccurrenceCount,
		Trigger:     g.TriggerSource,
		Status:      string(g.Status),
		LastSeenAt:  stamp(g.LastSeenAt),
	}
}

func printInspectTables(w io.Writer, out inspectOutput) {
	fmt.Fprintf(w, "Weight versions:\n")
	fmt.Fprintf(w, "%-8s  %-10s  %-6s  %-12s  %s\n", "Version", "Label", "Active", "Hash", "Created")
	fmt.Fprintf(w, "%-8s+-%-10s+-%-6s+-%-12s+-%s\n", "--------", "----------", "------", "------------", "--------------------")
	for _, v := range out.Versions {
		active := ""
		if v.Active {
			active = "*"
		}
		fmt.Fprintf(w, "%-8d  %-10s  %-6s  %-12s  %s\n", v.Version, v.Label, active, shortHash(v.ConfigHash), v.CreatedAt)
	}

	fmt.Fprintf(w, "\nKnowledge gaps (highest KGS first):\n")
	if len(out.Gaps) == 0 {
		fmt.Fprintln(w, "  none")
	} else {
		fmt.Fprintf(w, "%5s  %5s  %-18s  %-16s  %-9s  %s\n", "KGS", "Seen", "Intent", "Trigger", "Status", "Sample")
		fmt.Fprintf(w, "%5s+-%5s+-%-18s+-%-16s+-%-9s+-%s\n", "-----", "-----", "------------------", "----------------", "---------", "--------------------")
		for _, g := range out.Gaps {
			fmt.Fprintf(w, "%5d  %5d  %-18s  %-16s  %-9s  %s\n", g.KGS, g.Occurrences, g.Intent, g.Trigger, g.Status, truncate(g.Sample, 60))
		}
	}

	fmt.Fprintf(w, "\nCanary runs:\n")
	if len(out.Canaries) == 0 {
		fmt.Fprintln(w, "  none")
		return
	}
	fmt.Fprintf(w, "%-12s  %-11s  %5s  %4s  %-20s  %s\n", "Run", "Status", "Cand", "Pct", "Started", "Reason")
	fmt.Fprintf(w, "%-12s+-%-11s+-%5s+-%4s+-%-20s+-%s\n", "------------", "-----------", "-----", "----", "--------------------", "--------")
	for _, c := range out.Canaries {
		fmt.Fprintf(w, "%-12s  %-11s  %5d  %4d  %-20s  %s\n",
			shortHash(c.ID), c.Status, c.CandidateVersion, c.Percent, stamp(c.StartedAt), c.Reason)
	}
}

// #endregion list-mode

// #region detail-mode

type weightDelta struct {
	Signal string  `json:"signal"`
	Kind   string  `json:"kind"`
	Value  float64 `json:"value"`
	Parent float64 `json:"parent"`
	Delta  float64 `json:"delta"`
}

type detailOutput struct {
	versionRow
	Deltas []weightDelta `json:"deltas_from_parent,omitempty"`
}

func runInspectDetail(cmd *cobra.Command, rt *runtime, version int) error {
	ctx := cmd.Context()
	wc, err := rt.store.GetVersion(ctx, version)
	if err != nil {
		return fmt.Errorf("version %d: %w", version, err)
	}
	out := detailOutput{versionRow: toVersionRow(wc)}
	if wc.ParentVersion != 0 {
		parent, err := rt.store.GetVersion(ctx, wc.ParentVersion)
		if err != nil {
			return fmt.Errorf("parent version %d: %w", wc.ParentVersion, err)
		}
		out.Deltas = append(diffWeights("positive", wc.Weights.Positive, parent.Weights.Positive),
			diffWeights("penalty", wc.Weights.Penalty, parent.Weights.Penalty)...)
	}

	w := cmd.OutOrStdout()
	if inspectJSON {
		return printJSON(w, out)
	}

	fmt.Fprintf(w, "Version:    %d (%s)\n", out.Version, out.Label)
	fmt.Fprintf(w, "Active:     %t\n", out.Active)
	fmt.Fprintf(w, "Parent:     %d\n", out.Parent)
	fmt.Fprintf(w, "Hash:       %s\n", out.ConfigHash)
	fmt.Fprintf(w, "Created:    %s\n", out.CreatedAt)
	if out.Note != "" {
		fmt.Fprintf(w, "Note:       %s\n", out.Note)
	}
	fmt.Fprintf(w, "Tie delta:  %.3f\n", out.Weights.TieDelta)
	fmt.Fprintf(w, "\nPositive weights:\n")
	printWeightMap(w, out.Weights.Positive)
	fmt.Fprintf(w, "\nPenalty weights:\n")
	printWeightMap(w, out.Weights.Penalty)
	if len(out.Deltas) > 0 {
		fmt.Fprintf(w, "\nChanged from v%d:\n", out.Parent)
		for _, d := range out.Deltas {
			fmt.Fprintf(w, "  %-8s %-22s %.3f -> %.3f (%+.3f)\n", d.Kind, d.Signal, d.Parent, d.Value, d.Delta)
		}
	}
	return nil
}

func diffWeights(kind string, cur, parent map[string]float64) []weightDelta {
	var out []weightDelta
	for _, k := range sortedKeys(cur, parent) {
		if cur[k] != parent[k] {
			out = append(out, weightDelta{Signal: k, Kind: kind, Value: cur[k], Parent: parent[k], Delta: cur[k] - parent[k]})
		}
	}
	return out
}

func printWeightMap(w io.Writer, m map[string]float64) {
	for _, k := range sortedKeys(m) {
		fmt.Fprintf(w, "  %-22s %.3f\n", k, m[k])
	}
}

func sortedKeys(maps ...map[string]float64) []string {
	seen := map[string]bool{}
	var keys []string
	for _, m := range maps {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// #endregion detail-mode
