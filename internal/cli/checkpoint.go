package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mkerrow/strata/internal/store"
)

// CheckpointReport is the checkpoint result for one store file.
type CheckpointReport struct {
	Path         string `json:"path"`
	Busy         bool   `json:"busy"`
	LogFrames    int64  `json:"log_frames"`
	Checkpointed int64  `json:"checkpointed"`
}

// NewCheckpointCommand creates the checkpoint command.
func NewCheckpointCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Checkpoint a store's write-ahead log",
		Long: `Fold a store's write-ahead log back into the main file and truncate it.

A busy result means another process held the store and the log could not
be fully folded; the store itself is unharmed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpoint(rootOpts, dbPath, cmd)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "store file path")

	return cmd
}

func runCheckpoint(opts *RootOptions, dbFlag string, cmd *cobra.Command) error {
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

	result, err := store.CheckpointPath(cmd.Context(), path)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist), errors.Is(err, store.ErrNotAStore):
			return storeAccessError(formatter, path, err)
		default:
			message := fmt.Sprintf("checkpointing %s: %v", path, err)
			_ = formatter.Error(ErrCodeCheckpointBusy, message, nil)
			return NewExitError(ExitFailure, message)
		}
	}

	report := &CheckpointReport{
		Path:         path,
		Busy:         result.Busy,
		LogFrames:    result.LogFrames,
		Checkpointed: result.Checkpointed,
	}

	if report.Busy {
		message := fmt.Sprintf("checkpoint incomplete: %s is busy (%d/%d frames)",
			path, report.Checkpointed, report.LogFrames)
		_ = formatter.Error(ErrCodeCheckpointBusy, message, report)
		return NewExitError(ExitFailure, message)
	}

	if formatter.Format == "json" {
		return formatter.Success(report)
	}
	fmt.Fprintf(formatter.Writer, "✓ Checkpointed %s (%d/%d frames)\n", path, report.Checkpointed, report.LogFrames)
	return nil
}
