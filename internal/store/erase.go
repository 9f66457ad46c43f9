package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// trashDir is the staging directory Erase moves files into before
// deleting them. It lives next to the store so the move never crosses
// a filesystem boundary.
const trashDir = ".strata-trash"

// sidecarSuffixes are the WAL side files SQLite keeps next to a store.
var sidecarSuffixes = []string{"-wal", "-shm"}

// Erase removes a closed store's files. The main file and any WAL side
// files are renamed into a staging directory first, so the store stops
// existing at its path in one atomic step per file; the staged copies
// are then deleted out of band. A failure during staged deletion leaves
// the path clean, which is the property callers depend on.
func Erase(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("erase %s: %w", path, err)
	}

	stage := filepath.Join(filepath.Dir(path), trashDir, uuid.Must(uuid.NewV7()).String())
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return fmt.Errorf("erase %s: %w", path, err)
	}

	base := filepath.Base(path)
	if err := os.Rename(path, filepath.Join(stage, base)); err != nil {
		return fmt.Errorf("erase %s: %w", path, err)
	}
	for _, suffix := range sidecarSuffixes {
		err := os.Rename(path+suffix, filepath.Join(stage, base+suffix))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("erase %s: %w", path+suffix, err)
		}
	}

	// Best effort from here: the store is already gone from its path.
	os.RemoveAll(stage)
	os.Remove(filepath.Dir(stage))
	return nil
}
