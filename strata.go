// Package strata is a schema-versioned persistence engine over SQLite
// store files. An application declares entity models with the schema
// package (or in .cue files), assembles them into a version history,
// and opens a Stack: the coordinator that creates, migrates, routes,
// checkpoints, and erases the store files behind those models.
//
// # Assembly
//
//	stack, err := strata.New([]*schema.Model{v1, v2},
//		strata.WithChain(map[string][]string{"V2": {"V1"}}))
//	if err != nil { ... }
//	defer stack.Close()
//
//	err = stack.Attach(ctx, strata.StoreConfig{Path: "app.store"})
//
// Attach walks the store file to the history's current version: a
// missing file is created, a stale file is migrated hop by hop, and a
// current file is opened as it is. The attach policy narrows this; see
// AttachPolicy.
//
// # Access
//
// Each attached store runs a single writer goroutine draining a FIFO
// queue, so writes serialize in submission order while readers run in
// parallel on WAL snapshots:
//
//	changes, err := stack.PerformSync(ctx, cfg, func(w *strata.Writer) error {
//		_, err := w.Insert("Animal", map[string]any{"name": "Rex"})
//		return err
//	})
//
//	r, err := stack.Reader(ctx, cfg)
//	defer r.Close()
//	rex, err := r.Fetch("Animal", strata.Query{
//		Where: strata.Eq{Field: "name", Value: "Rex"},
//	})
//
// Types under Stack are aliases for the engine's own; errors returned
// here match the exported sentinels with errors.Is.
package strata

import (
	"context"
	"log/slog"

	"github.com/mkerrow/strata/internal/compiler"
	"github.com/mkerrow/strata/internal/coordinator"
	"github.com/mkerrow/strata/internal/history"
	"github.com/mkerrow/strata/internal/migrate"
	"github.com/mkerrow/strata/internal/store"
	"github.com/mkerrow/strata/internal/txn"
	"github.com/mkerrow/strata/schema"
)

// Stack coordinates the store files for one version history. It owns
// one writer queue per attached store and routes entities to stores by
// configuration label. All methods are safe for concurrent use.
type Stack struct {
	coord *coordinator.Coordinator
}

type config struct {
	chain     map[string][]string
	current   string
	coordOpts []coordinator.Option
}

// Option configures a Stack at construction.
type Option func(*config)

// WithChain declares each version's predecessors by name. Without it
// the model list is taken as the linear chain, oldest first.
func WithChain(chain map[string][]string) Option {
	return func(c *config) { c.chain = chain }
}

// WithCurrent pins the current version instead of resolving it as the
// chain's unique leaf.
func WithCurrent(name string) Option {
	return func(c *config) { c.current = name }
}

// WithLogger routes the stack's lifecycle logging. The default logger
// discards.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.coordOpts = append(c.coordOpts, coordinator.WithLogger(l)) }
}

// WithClock substitutes the commit clock, usually to make completion
// sequence numbers deterministic in tests.
func WithClock(clk *Clock) Option {
	return func(c *config) { c.coordOpts = append(c.coordOpts, coordinator.WithClock(clk)) }
}

// New assembles the models into a version history and returns a Stack
// over it. Model validation has already happened in schema.New; New
// validates the history itself: chain endpoints must name known
// versions, the chain must be acyclic, and exactly one version may be
// current.
func New(models []*schema.Model, opts ...Option) (*Stack, error) {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return newStack(models, cfg)
}

// LoadSchemas builds a Stack from the .cue declarations under dir.
// The declared chain and current version apply unless WithChain or
// WithCurrent override them.
func LoadSchemas(dir string, opts ...Option) (*Stack, error) {
	res, errs := compiler.LoadDir(dir, compiler.FailFast)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.chain == nil {
		cfg.chain = res.Decls.Chain
	}
	if cfg.current == "" {
		cfg.current = res.Decls.Current
	}
	return newStack(res.Decls.Models, cfg)
}

func newStack(models []*schema.Model, cfg config) (*Stack, error) {
	var hopts []history.Option
	if cfg.chain != nil {
		hopts = append(hopts, history.WithChain(cfg.chain))
	}
	if cfg.current != "" {
		hopts = append(hopts, history.WithCurrent(cfg.current))
	}
	h, err := history.New(models, hopts...)
	if err != nil {
		return nil, err
	}
	return &Stack{coord: coordinator.New(h, cfg.coordOpts...)}, nil
}

// ID is the stack's identity, distinct per construction. It names the
// holder in store identity conflicts.
func (s *Stack) ID() string { return s.coord.ID() }

// CurrentVersion is the name of the history's current version.
func (s *Stack) CurrentVersion() string { return s.coord.History().Current().Version() }

// Versions lists every version name in the history, sorted.
func (s *Stack) Versions() []string { return s.coord.History().Versions() }

// Model returns the named version's model.
func (s *Stack) Model(version string) (*schema.Model, bool) {
	return s.coord.History().Model(version)
}

// Attach brings the store file at cfg.Path under the stack, creating
// or migrating it to the current version as the policy allows.
func (s *Stack) Attach(ctx context.Context, cfg StoreConfig) error {
	return s.coord.Attach(ctx, cfg)
}

// Detach releases the store: the writer queue drains, the file closes,
// and the path's process-wide claim lifts.
func (s *Stack) Detach(cfg StoreConfig) error { return s.coord.Detach(cfg) }

// Erase detaches the store and moves its file and WAL sidecars into a
// trash staging directory beside it.
func (s *Stack) Erase(ctx context.Context, cfg StoreConfig) error {
	return s.coord.Erase(ctx, cfg)
}

// Checkpoint folds the store's write-ahead log back into the main
// file. It runs on the writer queue, so it briefly blocks writers and
// never blocks readers.
func (s *Stack) Checkpoint(ctx context.Context, cfg StoreConfig) (CheckpointResult, error) {
	return s.coord.Checkpoint(ctx, cfg)
}

// Perform enqueues fn as one write transaction on the store's writer
// queue and returns immediately. The channel delivers exactly one
// Completion; submission order is execution order. ctx covers queue
// admission, not the transaction once it starts.
func (s *Stack) Perform(ctx context.Context, cfg StoreConfig, fn func(w *Writer) error) <-chan Completion {
	return s.coord.Perform(ctx, cfg, fn)
}

// PerformSync runs fn as one write transaction and waits for it.
func (s *Stack) PerformSync(ctx context.Context, cfg StoreConfig, fn func(w *Writer) error) (*ChangeSet, error) {
	return s.coord.PerformSync(ctx, cfg, fn)
}

// Reader opens a snapshot read transaction on the store. The snapshot
// holds until Refresh or Close; writers are never blocked by it.
func (s *Stack) Reader(ctx context.Context, cfg StoreConfig) (*Reader, error) {
	return s.coord.Reader(ctx, cfg)
}

// RouteEntity resolves which attached store hosts the entity, by the
// configuration labels in the current model.
func (s *Stack) RouteEntity(entity string) (StoreConfig, error) {
	return s.coord.RouteEntity(entity)
}

// State reports the store's lifecycle state, StateUnattached when the
// stack does not hold it.
func (s *Stack) State(cfg StoreConfig) StoreState { return s.coord.State(cfg) }

// Attached lists the configurations currently attached, sorted by path.
func (s *Stack) Attached() []StoreConfig { return s.coord.Attached() }

// AddObserver registers o for commit notifications. Observers run
// synchronously after each commit, in registration order.
func (s *Stack) AddObserver(o Observer) { s.coord.AddObserver(o) }

// RemoveObserver unregisters o.
func (s *Stack) RemoveObserver(o Observer) { s.coord.RemoveObserver(o) }

// Close detaches every store and refuses further work with ErrClosed.
func (s *Stack) Close() error { return s.coord.Close() }

// Lifecycle types, aliased from the coordinator.
type (
	// StoreConfig names a store file and how to attach it.
	StoreConfig = coordinator.StoreConfig
	// AttachPolicy bounds what Attach may do to the file.
	AttachPolicy = coordinator.AttachPolicy
	// StoreState is a store's position in the attach lifecycle.
	StoreState = coordinator.StoreState
	// Completion reports one queued write's outcome.
	Completion = coordinator.Completion
	// Commit describes a committed write to observers.
	Commit = coordinator.Commit
	// Observer receives commit notifications.
	Observer = coordinator.Observer
	// Clock issues the monotonic commit sequence.
	Clock = coordinator.Clock
)

const (
	// MigrateAutomatically creates a missing store and migrates a stale
	// one. The zero policy.
	MigrateAutomatically = coordinator.MigrateAutomatically
	// CreateIfMissing creates a missing store but fails a stale one
	// with ErrMigrationRequired.
	CreateIfMissing = coordinator.CreateIfMissing
	// FailIfMigrationNeeded attaches only an existing, current store.
	FailIfMigrationNeeded = coordinator.FailIfMigrationNeeded
)

const (
	StateUnattached    = coordinator.StateUnattached
	StateAttaching     = coordinator.StateAttaching
	StateMigrating     = coordinator.StateMigrating
	StateAttached      = coordinator.StateAttached
	StateCheckpointing = coordinator.StateCheckpointing
	StateErasing       = coordinator.StateErasing
)

// NewClock returns a commit clock starting at zero.
func NewClock() *Clock { return coordinator.NewClock() }

// NewClockAt returns a commit clock whose next sequence is start+1.
func NewClockAt(start int64) *Clock { return coordinator.NewClockAt(start) }

// Transaction types, aliased from the engine.
type (
	// Writer is the handle inside Perform and PerformSync.
	Writer = txn.Writer
	// Reader is a snapshot read handle.
	Reader = txn.Reader
	// ChangeSet lists the keys a transaction inserted, updated, and
	// deleted.
	ChangeSet = txn.ChangeSet
	// Query shapes a Fetch or Count.
	Query = txn.Query
	// Order names a sort property.
	Order = txn.Order
	// Predicate is the sealed filter interface; the node structs below
	// are its implementations.
	Predicate = txn.Predicate
	// QueryError reports a query whose shape the model rejects, with a
	// stable E3xx code.
	QueryError = txn.QueryError
)

// Predicate nodes.
type (
	Eq     = txn.Eq
	Ne     = txn.Ne
	Lt     = txn.Lt
	Le     = txn.Le
	Gt     = txn.Gt
	Ge     = txn.Ge
	In     = txn.In
	IsNull = txn.IsNull
	And    = txn.And
	Or     = txn.Or
	Not    = txn.Not
)

// Store-level types surfaced through the transaction API.
type (
	// Key is a record's stable primary key.
	Key = store.Key
	// Record is one fetched row: key plus decoded fields.
	Record = store.Record
	// Coder converts a transformable attribute between its runtime
	// value and stored bytes.
	Coder = store.Coder
	// CoderRegistry resolves coder names; pass it in StoreConfig.
	CoderRegistry = store.CoderRegistry
	// CheckpointResult reports how much of the WAL a checkpoint folded.
	CheckpointResult = store.CheckpointResult
)

// NewCoderRegistry returns an empty coder registry.
func NewCoderRegistry() *CoderRegistry { return store.NewCoderRegistry() }

// Migration mapping types, for hops structural inference cannot cover.
type (
	// Mappings holds custom mappings keyed by hop and target entity.
	Mappings = migrate.Mappings
	// CustomMapping populates one target entity during a hop.
	CustomMapping = migrate.CustomMapping
	// RecordTransform rewrites one record's fields during a hop.
	RecordTransform = migrate.RecordTransform
	// PlanProblems collects every hop the planner could not map. It
	// matches ErrMappingRequired with errors.Is.
	PlanProblems = migrate.PlanProblems
	// MappingProblem names one unmappable entity or property.
	MappingProblem = migrate.MappingProblem
)

// NewMappings returns an empty custom-mapping registry.
func NewMappings() *Mappings { return migrate.NewMappings() }

// Sentinels, re-exported so callers match with errors.Is without
// reaching into internal packages.
var (
	ErrStoreMissing          = coordinator.ErrStoreMissing
	ErrMigrationRequired     = coordinator.ErrMigrationRequired
	ErrStoreIdentityConflict = coordinator.ErrStoreIdentityConflict
	ErrInvalidState          = coordinator.ErrInvalidState
	ErrEntityNotRouted       = coordinator.ErrEntityNotRouted
	ErrAmbiguousStore        = coordinator.ErrAmbiguousStore
	ErrClosed                = coordinator.ErrClosed

	ErrUnknownVersion = history.ErrUnknownVersion
	ErrNoPath         = history.ErrNoPath
	ErrAmbiguousPath  = history.ErrAmbiguousPath

	ErrMappingRequired = migrate.ErrMappingRequired

	ErrNotAStore     = store.ErrNotAStore
	ErrModelMismatch = store.ErrModelMismatch

	ErrUnknownEntity   = txn.ErrUnknownEntity
	ErrAbstractEntity  = txn.ErrAbstractEntity
	ErrUnknownProperty = txn.ErrUnknownProperty
	ErrConstraint      = txn.ErrConstraint
	ErrConflict        = txn.ErrConflict
	ErrNotFound        = txn.ErrNotFound
)
