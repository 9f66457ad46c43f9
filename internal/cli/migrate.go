package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkerrow/strata/internal/migrate"
)

// MigrateReport summarizes a finished migration.
type MigrateReport struct {
	Path     string           `json:"path"`
	From     string           `json:"from"`
	To       string           `json:"to"`
	Steps    int              `json:"steps"`
	Entities map[string]int64 `json:"entities,omitempty"`
	Duration string           `json:"duration"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath, schemasDir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate a store to the declared current version",
		Long: `Plan and run the migration that carries a store from its stamped
version to the declared current version.

The store is rebuilt through staging files and swapped in with a single
rename, so a failed migration leaves the original untouched. Nothing may
hold the store open while this runs.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(rootOpts, dbPath, schemasDir, cmd)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "store file path")
	cmd.Flags().StringVar(&schemasDir, "schemas", "", "schema declarations directory")

	return cmd
}

func runMigrate(opts *RootOptions, dbFlag, schemasFlag string, cmd *cobra.Command) error {
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

	if pc.Plan.Empty() {
		return outputPlan(formatter, planInfo(pc))
	}

	progress := func(p migrate.Progress) error {
		if p.Entity == "" {
			formatter.VerboseLog("step %d/%d: %s -> %s", p.Step, p.Total, p.From, p.To)
		}
		return nil
	}

	result, err := migrate.Execute(cmd.Context(), pc.Path, pc.Plan, migrate.WithProgress(progress))
	if err != nil {
		message := fmt.Sprintf("migrating %s: %v", pc.Path, err)
		_ = formatter.Error(ErrCodeMigrationFailed, message, nil)
		return NewExitError(ExitFailure, message)
	}

	return outputMigrateReport(formatter, &MigrateReport{
		Path:     pc.Path,
		From:     result.From,
		To:       result.To,
		Steps:    result.Steps,
		Entities: result.Entities,
		Duration: result.Duration.Round(time.Millisecond).String(),
	})
}

func outputMigrateReport(formatter *OutputFormatter, report *MigrateReport) error {
	if formatter.Format == "json" {
		return formatter.Success(report)
	}

	fmt.Fprintf(formatter.Writer, "✓ Migrated %s -> %s (%s in %s)\n",
		report.From, report.To, plural(report.Steps, "step"), report.Duration)
	for _, name := range sortedKeys(report.Entities) {
		fmt.Fprintf(formatter.Writer, "  %-20s %s\n", name, plural64(report.Entities[name], "record"))
	}
	return nil
}

func plural64(n int64, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
