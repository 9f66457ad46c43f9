package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/mkerrow/strata/internal/migrate"
	"github.com/mkerrow/strata/internal/store"
)

// Attach brings the store at cfg.Path under the coordinator. A missing
// file is created at the current version, a stale file is migrated
// first, and a current file is opened as it is; what the policy forbids
// fails instead. On success the store has a running writer queue and
// serves its configuration label.
//
// The path is claimed process-wide for the whole attachment, so a
// second Attach of the same file fails with ErrStoreIdentityConflict
// whichever coordinator makes it.
func (c *Coordinator) Attach(ctx context.Context, cfg StoreConfig) error {
	key, err := canonicalPath(cfg.Path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := attachments.claim(key, c.id); err != nil {
		return err
	}
	as, err := c.prepare(ctx, cfg, key)
	if err != nil {
		attachments.release(key)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = as.st.Close()
		attachments.release(key)
		return ErrClosed
	}
	c.stores[key] = as
	c.mu.Unlock()

	go c.run(as)
	c.logger.Info("store attached",
		"path", key,
		"configuration", cfg.Configuration,
		"version", c.history.Current().Version(),
		"policy", cfg.Policy.String())
	return nil
}

// prepare walks one path through the attach states and returns it ready
// to serve, with the writer goroutine not yet started.
func (c *Coordinator) prepare(ctx context.Context, cfg StoreConfig, key string) (*attachedStore, error) {
	as := &attachedStore{
		cfg:      cfg,
		path:     key,
		state:    StateAttaching,
		queue:    newOpQueue(),
		loopDone: make(chan struct{}),
	}
	current := c.history.Current()

	meta, err := store.ReadMeta(key)
	if errors.Is(err, os.ErrNotExist) {
		if cfg.Policy == FailIfMigrationNeeded {
			return nil, fmt.Errorf("%w: %s", ErrStoreMissing, key)
		}
		c.logger.Info("creating store", "path", key, "version", current.Version())
		st, err := store.Create(key, current, cfg.Configuration, storeOpts(cfg)...)
		if err != nil {
			return nil, err
		}
		as.st = st
		as.state = StateAttached
		return as, nil
	}
	if err != nil {
		return nil, err
	}

	if meta.Configuration != cfg.Configuration {
		return nil, fmt.Errorf("%w: %s is stamped for configuration %q, attach asked for %q",
			ErrStoreIdentityConflict, key, meta.Configuration, cfg.Configuration)
	}

	if meta.Version != current.Version() {
		if cfg.Policy != MigrateAutomatically {
			return nil, fmt.Errorf("%w: %s is at version %s, current is %s",
				ErrMigrationRequired, key, meta.Version, current.Version())
		}
		as.state = StateMigrating
		c.logger.Info("migrating store", "path", key, "from", meta.Version, "to", current.Version())
		plan, err := migrate.BuildPlan(c.history, meta.Version, cfg.Mappings)
		if err != nil {
			return nil, err
		}
		if _, err := migrate.Execute(ctx, key, plan, execOpts(cfg)...); err != nil {
			return nil, err
		}
		as.state = StateAttaching
	}

	// A hash mismatch under the current version name surfaces here as
	// the store layer's model-mismatch error.
	st, err := store.Open(key, current, storeOpts(cfg)...)
	if err != nil {
		return nil, err
	}
	as.st = st
	as.state = StateAttached
	return as, nil
}

func storeOpts(cfg StoreConfig) []store.Option {
	var opts []store.Option
	if cfg.Coders != nil {
		opts = append(opts, store.WithCoders(cfg.Coders))
	}
	return opts
}

func execOpts(cfg StoreConfig) []migrate.ExecOption {
	var opts []migrate.ExecOption
	if cfg.Coders != nil {
		opts = append(opts, migrate.WithCoders(cfg.Coders))
	}
	return opts
}
