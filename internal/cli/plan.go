package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkerrow/strata/internal/compiler"
	"github.com/mkerrow/strata/internal/history"
	"github.com/mkerrow/strata/internal/migrate"
	"github.com/mkerrow/strata/internal/store"
)

// MappingInfo describes how one entity crosses a migration step.
type MappingInfo struct {
	Kind   string `json:"kind"`
	Source string `json:"source,omitempty"`
	Target string `json:"target,omitempty"`
}

// StepInfo is one version hop of a reported plan.
type StepInfo struct {
	From     string        `json:"from"`
	To       string        `json:"to"`
	Mappings []MappingInfo `json:"mappings"`
}

// PlanInfo is the plan report for one store file.
type PlanInfo struct {
	Path    string     `json:"path"`
	From    string     `json:"from"`
	To      string     `json:"to"`
	Current bool       `json:"current"`
	Steps   []StepInfo `json:"steps,omitempty"`
}

// ProblemInfo is one reason a plan could not be built.
type ProblemInfo struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Entity   string `json:"entity"`
	Property string `json:"property,omitempty"`
	Reason   string `json:"reason"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath, schemasDir string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the migration plan for a store",
		Long: `Compute the migration plan that would carry a store from its stamped
version to the declared current version, without running it.

An empty plan means the store is already current.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(rootOpts, dbPath, schemasDir, cmd)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "store file path")
	cmd.Flags().StringVar(&schemasDir, "schemas", "", "schema declarations directory")

	return cmd
}

func runPlan(opts *RootOptions, dbFlag, schemasFlag string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	pc, err := buildPlanContext(opts, formatter, dbFlag, schemasFlag)
	if err != nil {
		return err
	}

	return outputPlan(formatter, planInfo(pc))
}

// planContext gathers what plan and migrate share: the resolved store
// metadata, the declared history, and the computed plan.
type planContext struct {
	Path    string
	Meta    *store.Meta
	History *history.History
	Plan    *migrate.Plan
}

// buildPlanContext loads the declarations, reads the store's stamp, and
// computes the plan. Every failure is already formatted when the error
// comes back; callers just return it.
func buildPlanContext(opts *RootOptions, formatter *OutputFormatter, dbFlag, schemasFlag string) (*planContext, error) {
	path, err := resolveDatabase(opts, dbFlag)
	if err != nil {
		return nil, err
	}
	dir, err := resolveSchemas(opts, schemasFlag)
	if err != nil {
		return nil, err
	}

	result, loadErrors := compiler.LoadDir(dir, compiler.FailFast)
	if result == nil && len(loadErrors) > 0 {
		var loadErr *compiler.LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return nil, outputValidateError(formatter, loadErr.Code, loadErr.Message)
		}
		return nil, outputValidateError(formatter, compiler.ErrCodeGeneric, loadErrors[0].Error())
	}
	if len(loadErrors) > 0 {
		return nil, outputIssues(formatter, collectIssues(loadErrors))
	}

	formatter.VerboseLog("Loaded %d declaration file(s) from %s", result.FileCount, dir)

	h, err := result.Decls.History()
	if err != nil {
		return nil, outputIssues(formatter, []Issue{{
			Code:    compiler.ErrCodeGeneric,
			Path:    "chain",
			Message: err.Error(),
		}})
	}

	meta, err := store.ReadMeta(path)
	if err != nil {
		return nil, storeAccessError(formatter, path, err)
	}

	// A store stamped with the current version name but a different model
	// cannot be migrated by name; the declarations drifted under it.
	current := h.Current()
	if meta.Version == current.Version() && meta.ModelHash != current.Hash() {
		diff := store.DiffHashes(meta.EntityHashes, current.EntityHashes())
		message := fmt.Sprintf("store is stamped %q but its model differs from the declared %q (%s)",
			meta.Version, current.Version(), diff)
		_ = formatter.Error(ErrCodePlanFailed, message, nil)
		return nil, NewExitError(ExitFailure, message)
	}

	plan, err := migrate.BuildPlan(h, meta.Version, nil)
	if err != nil {
		var probs *migrate.PlanProblems
		if errors.As(err, &probs) {
			return nil, outputPlanProblems(formatter, probs)
		}
		message := fmt.Sprintf("planning %s: %v", path, err)
		_ = formatter.Error(ErrCodePlanFailed, message, nil)
		return nil, NewExitError(ExitFailure, message)
	}

	return &planContext{Path: path, Meta: meta, History: h, Plan: plan}, nil
}

func planInfo(pc *planContext) *PlanInfo {
	info := &PlanInfo{
		Path:    pc.Path,
		From:    pc.Plan.From,
		To:      pc.Plan.To,
		Current: pc.Plan.Empty(),
	}
	for _, step := range pc.Plan.Steps {
		si := StepInfo{From: step.From, To: step.To}
		for _, em := range step.Entities {
			si.Mappings = append(si.Mappings, MappingInfo{
				Kind:   em.Kind.String(),
				Source: em.SourceEntity,
				Target: em.TargetEntity,
			})
		}
		info.Steps = append(info.Steps, si)
	}
	return info
}

func outputPlan(formatter *OutputFormatter, info *PlanInfo) error {
	if formatter.Format == "json" {
		return formatter.Success(info)
	}

	if info.Current {
		fmt.Fprintf(formatter.Writer, "Store is current (%s); nothing to migrate.\n", info.To)
		return nil
	}

	fmt.Fprintf(formatter.Writer, "Migration plan: %s -> %s (%s)\n", info.From, info.To, plural(len(info.Steps), "step"))
	for i, step := range info.Steps {
		fmt.Fprintf(formatter.Writer, "  step %d: %s -> %s\n", i+1, step.From, step.To)
		for _, m := range step.Mappings {
			name := m.Target
			if name == "" {
				name = m.Source
			}
			fmt.Fprintf(formatter.Writer, "    %-10s %s\n", m.Kind, name)
		}
	}
	return nil
}

// outputPlanProblems reports mapping gaps the planner could not infer
// across. They need custom mappings registered through the API, so the
// CLI can only name them.
func outputPlanProblems(formatter *OutputFormatter, probs *migrate.PlanProblems) error {
	if formatter.Format == "json" {
		infos := make([]ProblemInfo, len(probs.Problems))
		for i, p := range probs.Problems {
			infos[i] = ProblemInfo{From: p.From, To: p.To, Entity: p.Entity, Property: p.Property, Reason: p.Reason}
		}
		_ = formatter.Error(ErrCodePlanFailed, "migration plan needs custom mappings", infos)
		return NewExitError(ExitFailure, fmt.Sprintf("plan failed with %s", plural(len(probs.Problems), "mapping gap")))
	}

	fmt.Fprintln(formatter.Writer, "✗ Plan failed: custom mappings required")
	fmt.Fprintln(formatter.Writer)
	for _, p := range probs.Problems {
		fmt.Fprintf(formatter.Writer, "  %s\n", p)
	}
	fmt.Fprintln(formatter.Writer)
	fmt.Fprintln(formatter.Writer, "Register custom mappings through the migrate API to cover these hops.")
	return NewExitError(ExitFailure, fmt.Sprintf("plan failed with %s", plural(len(probs.Problems), "mapping gap")))
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
