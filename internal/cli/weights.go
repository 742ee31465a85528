package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/turn-governor/internal/wrqs"
)

var (
	weightsLast int
	weightsJSON bool
	weightsFile string
	weightsNote string
)

func init() {
	rootCmd.AddCommand(weightsCmd)
	weightsCmd.AddCommand(weightsListCmd, weightsProposeCmd, weightsActivateCmd)
	weightsListCmd.Flags().IntVar(&weightsLast, "last", 20, "Show N most recent versions")
	weightsListCmd.Flags().BoolVar(&weightsJSON, "json", false, "Output as JSON instead of table")
	weightsProposeCmd.Flags().StringVar(&weightsFile, "file", "", "Weights YAML or JSON (required)")
	weightsProposeCmd.Flags().StringVar(&weightsNote, "note", "", "Free-form note stored with the version")
	weightsProposeCmd.MarkFlagRequired("file")
}

var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Manage versioned WRQS weight configs",
}

var weightsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List weight config versions, newest first",
	RunE:  runWeightsList,
}

var weightsProposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Validate and store a new inactive weight config",
	RunE:  runWeightsPropose,
}

var weightsActivateCmd = &cobra.Command{
	Use:   "activate <version>",
	Short: "Make a version active for all traffic",
	Long:  "Swaps the active pointer to version. Refused while a canary is running;\nuse canary promote or wait for it to close.",
	Args:  cobra.ExactArgs(1),
	RunE:  runWeightsActivate,
}

type versionRow struct {
	Version    int          `json:"version"`
	Label      string       `json:"label"`
	Active     bool         `json:"active"`
	Parent     int          `json:"parent_version,omitempty"`
	ConfigHash string       `json:"config_hash"`
	Note       string       `json:"note,omitempty"`
	CreatedAt  string       `json:"created_at"`
	Weights    wrqs.Weights `json:"weights"`
}

func runWeightsList(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	versions, err := rt.store.ListVersions(cmd.Context(), weightsLast)
	if err != nil {
		return err
	}
	rows := make([]versionRow, len(versions))
	for i, v := range versions {
		rows[i] = toVersionRow(v)
	}

	out := cmd.OutOrStdout()
	if weightsJSON {
		return printJSON(out, rows)
	}
	fmt.Fprintf(out, "%-8s  %-10s  %-6s  %-6s  %-12s  %-20s  %s\n",
		"Version", "Label", "Active", "Parent", "Hash", "Created", "Note")
	fmt.Fprintf(out, "%-8s+-%-10s+-%-6s+-%-6s+-%-12s+-%-20s+-%s\n",
		"--------", "----------", "------", "------", "------------", "--------------------", "--------")
	for _, r := range rows {
		active := ""
		if r.Active {
			active = "*"
		}
		parent := "-"
		if r.Parent != 0 {
			parent = strconv.Itoa(r.Parent)
		}
		fmt.Fprintf(out, "%-8d  %-10s  %-6s  %-6s  %-12s  %-20s  %s\n",
			r.Version, r.Label, active, parent, shortHash(r.ConfigHash), r.CreatedAt, r.Note)
	}
	return nil
}

func runWeightsPropose(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(weightsFile)
	if err != nil {
		return fmt.Errorf("read weights: %w", err)
	}
	var w wrqs.Weights
	if err := yaml.Unmarshal(raw, &w); err != nil {
		return fmt.Errorf("parse weights %s: %w", weightsFile, err)
	}

	rt, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	created, err := rt.store.Propose(cmd.Context(), w, weightsNote)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "proposed version %d (%s) hash %s\n",
		created.Version, created.Label, shortHash(created.ConfigHash))
	return nil
}

func runWeightsActivate(cmd *cobra.Command, args []string) error {
	version, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("version must be an integer: %q", args[0])
	}
	rt, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	st, err := rt.release.Status(ctx)
	if err != nil {
		return err
	}
	if st.Canary != nil {
		return fmt.Errorf("canary %s is running on version %d; promote it or let it close first",
			st.Canary.ID, st.Canary.CandidateVersion)
	}
	if _, err := rt.store.GetVersion(ctx, version); err != nil {
		return err
	}
	if err := rt.store.Activate(ctx, version); err != nil {
		return err
	}
	if err := rt.registry.Load(ctx); err != nil {
		return err
	}
	if _, err := rt.release.SnapshotComponentVersions(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "activated version %d\n", version)
	return nil
}
