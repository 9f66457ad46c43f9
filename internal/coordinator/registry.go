package coordinator

import (
	"fmt"
	"path/filepath"
	"sync"
)

// registry tracks which store paths are attached anywhere in this
// process. Two live attachments of the same file would give SQLite two
// write connections and two writer queues, so the second claim fails
// no matter which coordinator makes it.
type registry struct {
	mu     sync.Mutex
	owners map[string]string
}

var attachments = &registry{owners: make(map[string]string)}

func (r *registry) claim(path, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, taken := r.owners[path]; taken {
		return fmt.Errorf("%w: %s is already attached by coordinator %s", ErrStoreIdentityConflict, path, holder)
	}
	r.owners[path] = owner
	return nil
}

func (r *registry) release(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, path)
}

// canonicalPath resolves the identity key for a store file: absolute,
// cleaned, with the parent directory's symlinks resolved. The file
// itself may not exist yet, so its own name is never resolved.
func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve store path %s: %w", path, err)
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(dir, filepath.Base(abs)), nil
	}
	return filepath.Clean(abs), nil
}
