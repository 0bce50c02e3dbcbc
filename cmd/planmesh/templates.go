package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/planmesh"
	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/strategy"
)

var (
	resolveStrategy  string
	resolveOverrides []string
	resolvePinned    bool
)

// templatesCmd groups template inspection commands
var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Inspect prompt templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every template version in the catalog",
	Args:  cobra.NoArgs,
	RunE:  runTemplatesList,
}

var templatesResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show which template each phase of a strategy resolves to",
	Long: `Resolve the templates of a strategy the same way a dispatch does.

Examples:
  planmesh templates resolve --strategy plan_then_solve
  planmesh templates resolve --strategy sequential_replanning --override planning=planning.default --pinned`,
	Args: cobra.NoArgs,
	RunE: runTemplatesResolve,
}

func init() {
	templatesResolveCmd.Flags().StringVarP(&resolveStrategy, "strategy", "s", string(core.KindSequentialReplanning), "strategy kind")
	templatesResolveCmd.Flags().StringArrayVar(&resolveOverrides, "override", nil, "prompt override phase=template[@version] (repeatable)")
	templatesResolveCmd.Flags().BoolVar(&resolvePinned, "pinned", false, "enforce template version pins")

	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesResolveCmd)
}

func newPlanmesh() (*planmesh.Planmesh, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return planmesh.NewFromConfig(cfg)
}

func runTemplatesList(cmd *cobra.Command, _ []string) error {
	pm, err := newPlanmesh()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tPHASE\tSTRATEGY\tDESCRIPTION")
	for _, t := range pm.Resolver().Catalog().List() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Version, t.Phase, t.Strategy, t.Description)
	}
	return w.Flush()
}

func runTemplatesResolve(cmd *cobra.Command, _ []string) error {
	pm, err := newPlanmesh()
	if err != nil {
		return err
	}

	kind := core.StrategyKind(resolveStrategy)
	phases := strategy.Phases(kind)
	if phases == nil {
		return fmt.Errorf("%w: %s", core.ErrUnknownStrategy, kind)
	}

	overrides := make(map[core.Phase]string, len(resolveOverrides))
	for _, o := range resolveOverrides {
		phase, id, ok := cutOverride(o)
		if !ok {
			return fmt.Errorf("invalid override %q, want phase=template", o)
		}
		overrides[phase] = id
	}

	refs, err := pm.Resolver().ResolveAll(phases, kind, overrides, resolvePinned)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tTEMPLATE")
	for _, p := range phases {
		fmt.Fprintf(w, "%s\t%s\n", p, refs[p])
	}
	return w.Flush()
}
