package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mkerrow/strata/internal/history"
	"github.com/mkerrow/strata/internal/migrate"
	"github.com/mkerrow/strata/internal/store"
	"github.com/mkerrow/strata/internal/txn"
)

// AttachPolicy decides what Attach may do to a file that is missing or
// stamped with an older schema version.
type AttachPolicy int

const (
	// MigrateAutomatically creates a missing store and migrates a stale
	// one. The zero value, and the default.
	MigrateAutomatically AttachPolicy = iota
	// CreateIfMissing creates a missing store but refuses to migrate.
	CreateIfMissing
	// FailIfMigrationNeeded attaches only an existing, current store.
	FailIfMigrationNeeded
)

var attachPolicyNames = map[AttachPolicy]string{
	MigrateAutomatically:  "migrateAutomatically",
	CreateIfMissing:       "createIfMissing",
	FailIfMigrationNeeded: "failIfMigrationNeeded",
}

func (p AttachPolicy) String() string {
	if name, ok := attachPolicyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("AttachPolicy(%d)", int(p))
}

// StoreConfig describes one store file to attach. Path identifies the
// store; Configuration is the routing label entities select stores by;
// Mappings and Coders feed migration and transformable attributes.
type StoreConfig struct {
	Path          string
	Configuration string
	Policy        AttachPolicy
	Mappings      *migrate.Mappings
	Coders        *store.CoderRegistry
}

// Completion is the result of one submitted write turn.
type Completion struct {
	// Seq is the commit sequence, zero when the turn failed.
	Seq int64
	// Changes is the committed change set, nil when the turn failed.
	Changes *txn.ChangeSet
	Err     error
}

// attachedStore is one live store under the coordinator: its handle,
// its writer queue, and its lifecycle state. The state field is guarded
// by the coordinator mutex.
type attachedStore struct {
	cfg      StoreConfig
	path     string // canonical identity key
	state    StoreState
	st       *store.Store
	queue    *opQueue
	loopDone chan struct{}
}

// Coordinator owns a schema history and the stores attached under it.
// Each attached store gets one writer goroutine draining a FIFO queue,
// so write turns apply in submission order; a shared commit clock
// orders completions across stores.
type Coordinator struct {
	id      string
	history *history.History
	logger  *slog.Logger
	clock   *Clock

	mu     sync.Mutex
	stores map[string]*attachedStore
	closed bool

	observers observerList
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock replaces the commit clock, letting tests pin expected
// sequence numbers.
func WithClock(clk *Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// New creates a coordinator over a resolved schema history.
func New(h *history.History, opts ...Option) *Coordinator {
	c := &Coordinator{
		id:      uuid.Must(uuid.NewV7()).String(),
		history: h,
		logger:  slog.Default(),
		clock:   NewClock(),
		stores:  make(map[string]*attachedStore),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the coordinator's identity.
func (c *Coordinator) ID() string { return c.id }

// Clock returns the commit clock.
func (c *Coordinator) Clock() *Clock { return c.clock }

// History returns the schema history the coordinator serves.
func (c *Coordinator) History() *history.History { return c.history }

// AddObserver registers an observer for committed change sets.
func (c *Coordinator) AddObserver(o Observer) { c.observers.add(o) }

// RemoveObserver drops a previously registered observer.
func (c *Coordinator) RemoveObserver(o Observer) { c.observers.remove(o) }

// State reports the lifecycle state of the store at cfg's path.
func (c *Coordinator) State(cfg StoreConfig) StoreState {
	key, err := canonicalPath(cfg.Path)
	if err != nil {
		return StateUnattached
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if as, ok := c.stores[key]; ok {
		return as.state
	}
	return StateUnattached
}

// Attached lists the attach configurations of every live store, ordered
// by path.
func (c *Coordinator) Attached() []StoreConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StoreConfig, 0, len(c.stores))
	for _, as := range c.stores {
		out = append(out, as.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// RouteEntity resolves which attached store hosts an entity, by the
// entity's configuration label in the current model. Exactly one store
// must serve the label; otherwise the caller has to name a store
// explicitly.
func (c *Coordinator) RouteEntity(entity string) (StoreConfig, error) {
	e, ok := c.history.Current().Entity(entity)
	if !ok {
		return StoreConfig{}, fmt.Errorf("unknown entity %q", entity)
	}
	if e.IsAbstract {
		return StoreConfig{}, fmt.Errorf("%w: %q is abstract and holds no records", ErrEntityNotRouted, entity)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var matches []*attachedStore
	for _, as := range c.stores {
		if as.cfg.Configuration == e.Configuration && usable(as.state) {
			matches = append(matches, as)
		}
	}
	switch len(matches) {
	case 0:
		return StoreConfig{}, fmt.Errorf("%w: no attached store serves configuration %q",
			ErrEntityNotRouted, e.Configuration)
	case 1:
		return matches[0].cfg, nil
	}
	paths := make([]string, len(matches))
	for i, as := range matches {
		paths[i] = as.path
	}
	sort.Strings(paths)
	return StoreConfig{}, fmt.Errorf("%w: %q is served by %s",
		ErrAmbiguousStore, entity, strings.Join(paths, " and "))
}

// usable states admit reads and queue submissions. Checkpointing only
// pauses the writer goroutine, not the store.
func usable(s StoreState) bool {
	return s == StateAttached || s == StateCheckpointing
}

func (c *Coordinator) resolve(cfg StoreConfig) (*attachedStore, error) {
	key, err := canonicalPath(cfg.Path)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	as, ok := c.stores[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not attached", ErrInvalidState, key)
	}
	if !usable(as.state) {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, key, as.state)
	}
	return as, nil
}

// Perform submits a write turn to the store's queue and returns a
// channel that delivers the completion. Submission order is execution
// order. The context gates queue admission: a turn whose context is
// already cancelled when its slot comes up completes with the context
// error without touching the store.
func (c *Coordinator) Perform(ctx context.Context, cfg StoreConfig, fn func(w *txn.Writer) error) <-chan Completion {
	done := make(chan Completion, 1)
	as, err := c.resolve(cfg)
	if err != nil {
		done <- Completion{Err: err}
		return done
	}
	if !as.queue.Enqueue(op{kind: opWrite, ctx: ctx, fn: fn, done: done}) {
		done <- Completion{Err: fmt.Errorf("%w: %s is no longer attached", ErrInvalidState, as.path)}
	}
	return done
}

// PerformSync submits a write turn and waits for its completion.
func (c *Coordinator) PerformSync(ctx context.Context, cfg StoreConfig, fn func(w *txn.Writer) error) (*txn.ChangeSet, error) {
	comp := <-c.Perform(ctx, cfg, fn)
	return comp.Changes, comp.Err
}

// Reader opens a snapshot reader on an attached store. The snapshot
// excludes turns that commit after the reader is created; Refresh moves
// it forward.
func (c *Coordinator) Reader(ctx context.Context, cfg StoreConfig) (*txn.Reader, error) {
	as, err := c.resolve(cfg)
	if err != nil {
		return nil, err
	}
	return txn.NewReader(ctx, as.st)
}

// Checkpoint runs a WAL checkpoint on the store's writer queue: queued
// writers wait it out, readers are untouched. The context gates queue
// admission only; a checkpoint already running is not cancelled.
func (c *Coordinator) Checkpoint(ctx context.Context, cfg StoreConfig) (store.CheckpointResult, error) {
	as, err := c.resolve(cfg)
	if err != nil {
		return store.CheckpointResult{}, err
	}
	o := op{kind: opCheckpoint, ctx: ctx, ckpt: make(chan checkpointOutcome, 1)}
	if !as.queue.Enqueue(o) {
		return store.CheckpointResult{}, fmt.Errorf("%w: %s is no longer attached", ErrInvalidState, as.path)
	}
	out := <-o.ckpt
	return out.res, out.err
}

// Detach stops the store's writer, closes the handle, and releases the
// path claim. Queued turns drain before the writer stops.
func (c *Coordinator) Detach(cfg StoreConfig) error {
	key, err := canonicalPath(cfg.Path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	as, ok := c.stores[key]
	if !ok || as.state != StateAttached {
		state := StateUnattached
		if ok {
			state = as.state
		}
		c.mu.Unlock()
		return fmt.Errorf("%w: detach needs an attached store, %s is %s", ErrInvalidState, key, state)
	}
	delete(c.stores, key)
	c.mu.Unlock()

	err = c.teardown(as)
	c.logger.Info("store detached", "path", as.path, "configuration", as.cfg.Configuration)
	return err
}

// Erase detaches the store and removes its files through trash staging.
// The path stops holding a store in one rename; a later attach starts
// from nothing.
func (c *Coordinator) Erase(ctx context.Context, cfg StoreConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := canonicalPath(cfg.Path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	as, ok := c.stores[key]
	if !ok || as.state != StateAttached {
		state := StateUnattached
		if ok {
			state = as.state
		}
		c.mu.Unlock()
		return fmt.Errorf("%w: erase needs an attached store, %s is %s", ErrInvalidState, key, state)
	}
	as.state = StateErasing
	delete(c.stores, key)
	c.mu.Unlock()

	closeErr := c.teardown(as)
	eraseErr := store.Erase(key)
	if eraseErr == nil {
		c.logger.Info("store erased", "path", as.path)
	}
	return errors.Join(closeErr, eraseErr)
}

// Close detaches every store. The coordinator refuses all work
// afterwards.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stores := make([]*attachedStore, 0, len(c.stores))
	for key, as := range c.stores {
		delete(c.stores, key)
		stores = append(stores, as)
	}
	c.mu.Unlock()

	sort.Slice(stores, func(i, j int) bool { return stores[i].path < stores[j].path })
	var errs []error
	for _, as := range stores {
		if err := c.teardown(as); err != nil {
			errs = append(errs, err)
		}
		c.logger.Info("store detached", "path", as.path, "configuration", as.cfg.Configuration)
	}
	return errors.Join(errs...)
}

// teardown drains and stops one store's writer, closes the handle, and
// releases the path claim. Must be called off the coordinator mutex:
// the writer goroutine takes it to flip checkpoint states.
func (c *Coordinator) teardown(as *attachedStore) error {
	as.queue.Close()
	<-as.loopDone
	err := as.st.Close()
	attachments.release(as.path)
	return err
}

// run is the writer goroutine for one store. It drains the op queue in
// FIFO order and exits once the queue is closed and empty.
func (c *Coordinator) run(as *attachedStore) {
	defer close(as.loopDone)
	for {
		if o, ok := as.queue.TryDequeue(); ok {
			c.execute(as, o)
			continue
		}
		if as.queue.Drained() {
			return
		}
		<-as.queue.Wait()
	}
}

func (c *Coordinator) execute(as *attachedStore, o op) {
	switch o.kind {
	case opWrite:
		if err := o.ctx.Err(); err != nil {
			o.done <- Completion{Err: err}
			return
		}
		cs, err := txn.Run(o.ctx, as.st, o.fn)
		if err != nil {
			o.done <- Completion{Err: err}
			return
		}
		seq := c.clock.Next()
		c.logger.Debug("write committed",
			"path", as.path, "seq", seq, "entities", cs.Entities())
		// Observers run before the submitter is released, so a caller
		// returning from PerformSync knows they have seen the commit.
		c.observers.notify(Commit{Store: as.cfg, Seq: seq, Changes: cs})
		o.done <- Completion{Seq: seq, Changes: cs}

	case opCheckpoint:
		if err := o.ctx.Err(); err != nil {
			o.ckpt <- checkpointOutcome{err: err}
			return
		}
		c.setState(as, StateCheckpointing)
		res, err := as.st.Checkpoint(context.WithoutCancel(o.ctx))
		c.setState(as, StateAttached)
		if err != nil {
			c.logger.Error("checkpoint failed", "path", as.path, "error", err)
		} else {
			c.logger.Debug("checkpoint",
				"path", as.path, "busy", res.Busy, "log_frames", res.LogFrames)
		}
		o.ckpt <- checkpointOutcome{res: res, err: err}
	}
}

func (c *Coordinator) setState(as *attachedStore, s StoreState) {
	c.mu.Lock()
	as.state = s
	c.mu.Unlock()
}
