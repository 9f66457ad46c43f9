package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cuelang.org/go/cue/token"
	"github.com/spf13/cobra"

	"github.com/mkerrow/strata/internal/compiler"
	"github.com/mkerrow/strata/schema"
)

// Issue is one problem found in a declaration tree.
type Issue struct {
	Code    string `json:"code"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// VersionReport describes one compiled schema version.
type VersionReport struct {
	Name     string `json:"name"`
	Hash     string `json:"hash"`
	Entities int    `json:"entities"`
}

// SchemaReport summarizes a valid declaration tree.
type SchemaReport struct {
	Current  string              `json:"current"`
	Versions []VersionReport     `json:"versions"`
	Chain    map[string][]string `json:"chain,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool          `json:"valid"`
	Issues []Issue       `json:"issues,omitempty"`
	Schema *SchemaReport `json:"schema,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [schemas-dir]",
		Short: "Validate schema declarations",
		Long: `Validate CUE schema declarations without touching any store.

Compiles every declared version, checks entity and property rules, and
resolves the version chain. Reports every problem in one pass.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) > 0 {
				dir = args[0]
			}
			return runValidate(rootOpts, dir, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dirArg string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	dir, err := resolveSchemas(opts, dirArg)
	if err != nil {
		return err
	}

	// Collect every problem in one pass
	result, loadErrors := compiler.LoadDir(dir, compiler.CollectAll)

	// Nothing loaded at all: missing directory, no files, unbuildable CUE
	if result == nil && len(loadErrors) > 0 {
		var loadErr *compiler.LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message)
		}
		return outputValidateError(formatter, compiler.ErrCodeGeneric, loadErrors[0].Error())
	}

	formatter.VerboseLog("Found %d declaration file(s) in %s", result.FileCount, dir)

	issues := collectIssues(loadErrors)

	// The chain resolves only against a complete set of models, so skip
	// it when compilation already failed.
	var report *SchemaReport
	if len(issues) == 0 {
		report, issues = buildSchemaReport(result.Decls)
	}

	if len(issues) > 0 {
		return outputIssues(formatter, issues)
	}
	return outputValidateSuccess(formatter, report)
}

// collectIssues flattens loader errors into reportable issues. Model
// validation failures expand into one issue per problem.
func collectIssues(errs []error) []Issue {
	var issues []Issue
	for _, err := range errs {
		var loadErr *compiler.LoadError
		var compileErr *compiler.CompileError
		var modelErr *schema.ModelError
		switch {
		case errors.As(err, &modelErr):
			for _, ve := range modelErr.Errors {
				issues = append(issues, Issue{
					Code:    ve.Code,
					Path:    issuePath(modelErr.Version, ve.Entity, ve.Property),
					Message: ve.Message,
				})
			}
		case errors.As(err, &compileErr):
			issues = append(issues, Issue{
				Code:    compiler.ErrCodeGeneric,
				Path:    compileErr.Path,
				Message: compileErr.Message,
				Line:    lineOf(compileErr.Pos),
			})
		case errors.As(err, &loadErr):
			issues = append(issues, Issue{
				Code:    loadErr.Code,
				Path:    "load",
				Message: loadErr.Message,
				Line:    lineOf(loadErr.Pos),
			})
		default:
			issues = append(issues, Issue{
				Code:    compiler.ErrCodeGeneric,
				Message: err.Error(),
			})
		}
	}
	return issues
}

// buildSchemaReport resolves the history and summarizes it. Chain
// problems (cycles, ambiguous heads, unknown predecessors) surface as
// issues, not command errors.
func buildSchemaReport(decls *compiler.Declarations) (*SchemaReport, []Issue) {
	h, err := decls.History()
	if err != nil {
		return nil, []Issue{{
			Code:    compiler.ErrCodeGeneric,
			Path:    "chain",
			Message: err.Error(),
		}}
	}

	report := &SchemaReport{
		Current: h.Current().Version(),
		Chain:   h.Chain(),
	}
	for _, name := range h.Versions() {
		m, _ := h.Model(name)
		report.Versions = append(report.Versions, VersionReport{
			Name:     name,
			Hash:     m.Hash(),
			Entities: len(m.Entities()),
		})
	}
	return report, nil
}

func issuePath(version, entity, property string) string {
	parts := []string{version}
	if entity != "" {
		parts = append(parts, entity)
	}
	if property != "" {
		parts = append(parts, property)
	}
	return strings.Join(parts, ".")
}

func lineOf(pos token.Pos) int {
	if pos.IsValid() {
		return pos.Line()
	}
	return 0
}

// shortHash truncates a model hash for text output. JSON output carries
// the full hash.
func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, report *SchemaReport) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Schema: report})
	}

	fmt.Fprintln(formatter.Writer, "✓ Declarations valid")
	fmt.Fprintf(formatter.Writer, "  current: %s\n", report.Current)
	for _, v := range report.Versions {
		fmt.Fprintf(formatter.Writer, "  %s  %d entities  hash %s\n", v.Name, v.Entities, shortHash(v.Hash))
	}
	return nil
}

// outputValidateError outputs a single load-level error.
func outputValidateError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	// Load errors are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputIssues outputs declaration problems.
func outputIssues(formatter *OutputFormatter, issues []Issue) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Issues: issues},
			Error: &CLIError{
				Code:    issues[0].Code,
				Message: issues[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Declaration problems = exit code 1 (validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d problem(s)", len(issues)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, issue := range issues {
		loc := issue.Path
		if issue.Line > 0 {
			loc = fmt.Sprintf("%s (line %d)", issue.Path, issue.Line)
		}
		if loc != "" {
			fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n", issue.Code, loc, issue.Message)
		} else {
			fmt.Fprintf(formatter.Writer, "  %s: %s\n", issue.Code, issue.Message)
		}
	}

	// Declaration problems = exit code 1 (validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d problem(s)", len(issues)))
}
