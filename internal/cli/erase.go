package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkerrow/strata/internal/store"
)

// EraseReport identifies a store that was just erased.
type EraseReport struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	StoreID string `json:"store_id"`
}

// NewEraseCommand creates the erase command.
func NewEraseCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase a store file and its WAL sidecars",
		Long: `Remove a store file together with its -wal and -shm sidecars.

The file's identity stamp is verified first, so an arbitrary SQLite file
is refused. Requires --force.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runErase(rootOpts, dbPath, force, cmd)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "store file path")
	cmd.Flags().BoolVar(&force, "force", false, "confirm erasing the store")

	return cmd
}

func runErase(opts *RootOptions, dbFlag string, force bool, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	path, err := resolveDatabase(opts, dbFlag)
	if err != nil {
		return err
	}

	if !force {
		message := fmt.Sprintf("refusing to erase %s without --force", path)
		_ = formatter.Error(ErrCodeNotConfirmed, message, nil)
		return NewExitError(ExitCommandError, message)
	}

	// Verify the stamp before destroying anything.
	meta, err := store.ReadMeta(path)
	if err != nil {
		return storeAccessError(formatter, path, err)
	}

	if err := store.Erase(path); err != nil {
		message := fmt.Sprintf("erasing %s: %v", path, err)
		_ = formatter.Error(ErrCodeStoreUnreadable, message, nil)
		return NewExitError(ExitCommandError, message)
	}

	report := &EraseReport{Path: path, Version: meta.Version, StoreID: meta.StoreID}
	if formatter.Format == "json" {
		return formatter.Success(report)
	}
	fmt.Fprintf(formatter.Writer, "✓ Erased %s (was %s)\n", path, report.Version)
	return nil
}
