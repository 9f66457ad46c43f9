package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkerrow/strata/internal/store"
)

// EntityInfo describes one stamped entity of a store. Records is nil
// when the row count could not be read.
type EntityInfo struct {
	Name    string `json:"name"`
	Hash    string `json:"hash"`
	Records *int64 `json:"records,omitempty"`
}

// StoreInfo is the inspect report for one store file.
type StoreInfo struct {
	Path          string       `json:"path"`
	Version       string       `json:"version"`
	ModelHash     string       `json:"model_hash"`
	Configuration string       `json:"configuration,omitempty"`
	StoreID       string       `json:"store_id"`
	CreatedAt     time.Time    `json:"created_at"`
	Entities      []EntityInfo `json:"entities"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show a store file's stamped identity",
		Long: `Show the schema version, configuration, store id, and per-entity
record counts stamped into a store file.

Reads only the identity tables, so it works without schema declarations
and never migrates anything.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, dbPath, cmd)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "store file path")

	return cmd
}

func runInspect(opts *RootOptions, dbFlag string, cmd *cobra.Command) error {
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

	meta, err := store.ReadMeta(path)
	if err != nil {
		return storeAccessError(formatter, path, err)
	}

	info := &StoreInfo{
		Path:          path,
		Version:       meta.Version,
		ModelHash:     meta.ModelHash,
		Configuration: meta.Configuration,
		StoreID:       meta.StoreID,
		CreatedAt:     meta.CreatedAt,
	}

	counts, countErr := readRecordCounts(cmd, path, meta)
	if countErr != nil {
		// Identity is still worth reporting when counting fails, for
		// example while a writer holds the file.
		formatter.VerboseLog("record counts unavailable: %v", countErr)
	}

	names := make([]string, 0, len(meta.EntityHashes))
	for name := range meta.EntityHashes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ei := EntityInfo{Name: name, Hash: meta.EntityHashes[name]}
		if n, ok := counts[name]; ok {
			ei.Records = &n
		}
		info.Entities = append(info.Entities, ei)
	}

	return outputStoreInfo(formatter, info)
}

// readRecordCounts counts the rows of every stamped entity table through
// a read-only handle.
func readRecordCounts(cmd *cobra.Command, path string, meta *store.Meta) (map[string]int64, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	ctx := cmd.Context()
	counts := make(map[string]int64)
	for name := range meta.EntityHashes {
		var n int64
		err := db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s", store.QuoteIdent(name))).Scan(&n)
		if err != nil {
			// A stamped entity without a table is tolerated rather than
			// fatal; the hash row still identifies it.
			continue
		}
		counts[name] = n
	}
	return counts, nil
}

func outputStoreInfo(formatter *OutputFormatter, info *StoreInfo) error {
	if formatter.Format == "json" {
		return formatter.Success(info)
	}

	fmt.Fprintf(formatter.Writer, "Store: %s\n", info.Path)
	fmt.Fprintf(formatter.Writer, "  version:       %s\n", info.Version)
	configuration := info.Configuration
	if configuration == "" {
		configuration = "(default)"
	}
	fmt.Fprintf(formatter.Writer, "  configuration: %s\n", configuration)
	fmt.Fprintf(formatter.Writer, "  store id:      %s\n", info.StoreID)
	if !info.CreatedAt.IsZero() {
		fmt.Fprintf(formatter.Writer, "  created:       %s\n", info.CreatedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(formatter.Writer, "  model hash:    %s\n", shortHash(info.ModelHash))
	if len(info.Entities) > 0 {
		fmt.Fprintln(formatter.Writer, "  entities:")
		for _, e := range info.Entities {
			records := "-"
			if e.Records != nil {
				records = fmt.Sprintf("%d", *e.Records)
			}
			fmt.Fprintf(formatter.Writer, "    %-20s %8s records  hash %s\n", e.Name, records, shortHash(e.Hash))
		}
	}
	return nil
}

// storeAccessError maps a metadata read failure onto a coded command
// error. Missing files, foreign files, and unreadable stamps are all
// operator input problems, so they exit with ExitCommandError.
func storeAccessError(formatter *OutputFormatter, path string, err error) error {
	code := ErrCodeStoreUnreadable
	message := fmt.Sprintf("reading store %s: %v", path, err)
	switch {
	case errors.Is(err, os.ErrNotExist):
		code = ErrCodeStoreMissing
		message = fmt.Sprintf("store not found: %s", path)
	case errors.Is(err, store.ErrNotAStore):
		code = ErrCodeNotAStore
		message = err.Error()
	}
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, message)
}
