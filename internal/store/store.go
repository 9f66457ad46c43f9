package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mkerrow/strata/schema"
)

// formatVersion is stamped into PRAGMA user_version at creation. Files
// with a different value were not written by this engine revision.
const formatVersion = 1

var (
	// ErrExists is returned by Create when the target file already exists.
	ErrExists = errors.New("store file already exists")
	// ErrNotAStore is returned when a file is not a recognizable store.
	ErrNotAStore = errors.New("file is not a strata store")
	// ErrModelMismatch is returned by Open when the stamped schema
	// identity differs from the expected model.
	ErrModelMismatch = errors.New("stored schema does not match the expected model")
	// ErrNotFound is returned by record operations when no row matches.
	ErrNotFound = errors.New("record not found")
)

// Key identifies a record within its entity table.
type Key int64

// Querier is the subset of database/sql that record operations run
// against. *sql.DB, *sql.Tx and *sql.Conn all satisfy it.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is one open SQLite file bound to a resolved model. It keeps two
// handles: a single-connection write handle whose transactions begin
// immediately, and a read-only pool whose connections serve snapshot
// transactions. SQLite allows one writer per database, so capping the
// write handle at one connection turns writer contention into pool
// queueing instead of SQLITE_BUSY errors.
type Store struct {
	path   string
	model  *schema.Model
	meta   Meta
	write  *sql.DB
	read   *sql.DB
	coders *CoderRegistry
}

// Option configures Create and Open.
type Option func(*options)

type options struct {
	coders   *CoderRegistry
	readPool int
}

// WithCoders supplies the transformable coder registry. Without it the
// registry holds only the built-in JSON coder.
func WithCoders(r *CoderRegistry) Option {
	return func(o *options) { o.coders = r }
}

// WithReadPool caps the read handle's connection pool.
func WithReadPool(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readPool = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{readPool: 4}
	for _, opt := range opts {
		opt(&o)
	}
	if o.coders == nil {
		o.coders = NewCoderRegistry()
	}
	return o
}

// Session pragmas ride on the DSN so database/sql reapplies them
// whenever the pool replaces the underlying connection. The table lists
// the values they must read back as.
var pragmas = []struct{ name, want string }{
	{"journal_mode", "wal"},
	{"synchronous", "1"}, // NORMAL
	{"busy_timeout", "5000"},
	{"foreign_keys", "1"}, // ON
}

const writeDSNParams = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON&_txlock=immediate"

// Create makes a new store file at path for the model: the full DDL, the
// stamped schema identity and the format version all land in one
// transaction, so a failed create leaves no half-built file behind. The
// file must not already exist.
func Create(path string, model *schema.Model, configuration string, opts ...Option) (*Store, error) {
	o := buildOptions(opts)
	if err := checkCoders(model, o.coders); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("create %s: %w", path, ErrExists)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}

	write, err := openWrite(path)
	if err != nil {
		return nil, err
	}

	meta := Meta{
		Version:       model.Version(),
		ModelHash:     model.Hash(),
		Configuration: configuration,
		StoreID:       newStoreID(),
		CreatedAt:     time.Now().UTC(),
		EntityHashes:  model.EntityHashes(),
	}
	if err := initialize(write, model, meta); err != nil {
		write.Close()
		os.Remove(path)
		return nil, fmt.Errorf("create %s: %w", path, err)
	}

	read, err := openRead(path, o.readPool)
	if err != nil {
		write.Close()
		return nil, err
	}
	return &Store{
		path:   path,
		model:  model,
		meta:   meta,
		write:  write,
		read:   read,
		coders: o.coders,
	}, nil
}

// Open opens an existing store file and verifies that its stamped schema
// identity matches the model. A hash mismatch means the file needs
// migration before this model can use it; the error lists the entities
// that differ.
func Open(path string, model *schema.Model, opts ...Option) (*Store, error) {
	o := buildOptions(opts)
	if err := checkCoders(model, o.coders); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	write, err := openWrite(path)
	if err != nil {
		return nil, err
	}
	meta, err := readMetaFrom(context.Background(), write)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if meta.ModelHash != model.Hash() {
		diff := DiffHashes(meta.EntityHashes, model.EntityHashes())
		write.Close()
		return nil, fmt.Errorf("open %s: %w: stamped version %q, %s",
			path, ErrModelMismatch, meta.Version, diff)
	}

	read, err := openRead(path, o.readPool)
	if err != nil {
		write.Close()
		return nil, err
	}
	return &Store{
		path:   path,
		model:  model,
		meta:   *meta,
		write:  write,
		read:   read,
		coders: o.coders,
	}, nil
}

// OpenReadOnly opens an existing store without taking the write handle,
// so the file on disk cannot change underneath concurrent readers of the
// same path. Migration streams source records through it. Close remains
// valid; write transactions are not.
func OpenReadOnly(path string, model *schema.Model, opts ...Option) (*Store, error) {
	o := buildOptions(opts)
	if err := checkCoders(model, o.coders); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	read, err := openRead(path, o.readPool)
	if err != nil {
		return nil, err
	}
	meta, err := readMetaFrom(context.Background(), read)
	if err != nil {
		read.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if meta.ModelHash != model.Hash() {
		diff := DiffHashes(meta.EntityHashes, model.EntityHashes())
		read.Close()
		return nil, fmt.Errorf("open %s: %w: stamped version %q, %s",
			path, ErrModelMismatch, meta.Version, diff)
	}
	return &Store{
		path:   path,
		model:  model,
		meta:   *meta,
		read:   read,
		coders: o.coders,
	}, nil
}

// openWrite opens the single-connection write handle. _txlock=immediate
// makes transactions take the write lock at Begin, so writer conflicts
// surface there rather than at the first statement.
func openWrite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+writeDSNParams)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := verifyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// openRead opens the pooled read-only handle. Session pragmas ride on
// the DSN because the pool opens connections lazily, long after Open
// returns.
func openRead(path string, pool int) (*sql.DB, error) {
	dsn := "file:" + path + "?mode=ro&_busy_timeout=5000&_query_only=true"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open read handle: %w", err)
	}
	db.SetMaxOpenConns(pool)
	db.SetMaxIdleConns(pool)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect read handle: %w", err)
	}
	return db, nil
}

func verifyPragmas(db *sql.DB) error {
	for _, p := range pragmas {
		var got string
		if err := db.QueryRow("PRAGMA " + p.name).Scan(&got); err != nil {
			return fmt.Errorf("query pragma %s: %w", p.name, err)
		}
		if got != p.want {
			return fmt.Errorf("pragma %s = %q, want %q", p.name, got, p.want)
		}
	}
	return nil
}

// initialize writes DDL, metadata and the format stamp for a fresh file.
func initialize(db *sql.DB, model *schema.Model, meta Meta) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range Statements(model) {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("execute %q: %w", firstLine(stmt), err)
		}
	}
	if err := stampMeta(context.Background(), tx, meta); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", formatVersion)); err != nil {
		return fmt.Errorf("stamp format version: %w", err)
	}
	return tx.Commit()
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

// checkCoders verifies that every transformable attribute names a coder
// the registry knows, so a missing coder fails the attach rather than
// the first record write.
func checkCoders(model *schema.Model, reg *CoderRegistry) error {
	for _, e := range model.Concrete() {
		for _, p := range e.Properties {
			if p.Kind != schema.KindAttribute || p.Type != schema.TypeTransformable {
				continue
			}
			if _, ok := reg.Lookup(p.Coder); !ok {
				return fmt.Errorf("%s.%s: unknown coder %q", e.Name, p.Name, p.Coder)
			}
		}
	}
	return nil
}

// Path returns the store file path.
func (s *Store) Path() string { return s.path }

// Model returns the resolved model the store was opened with.
func (s *Store) Model() *schema.Model { return s.model }

// Meta returns the identity stamped at creation.
func (s *Store) Meta() Meta { return s.meta }

// Coders returns the transformable coder registry.
func (s *Store) Coders() *CoderRegistry { return s.coders }

// BeginWrite starts the store's single write transaction. A second call
// blocks in the connection pool until the first transaction finishes.
func (s *Store) BeginWrite(ctx context.Context) (*sql.Tx, error) {
	return s.write.BeginTx(ctx, nil)
}

// BeginRead starts a snapshot transaction on the read pool. The snapshot
// pins at the first read and holds until the transaction ends.
func (s *Store) BeginRead(ctx context.Context) (*sql.Tx, error) {
	return s.read.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
}

// Read returns the pooled read handle for one-shot queries.
func (s *Store) Read() *sql.DB { return s.read }

// Write returns the single-connection write handle.
func (s *Store) Write() *sql.DB { return s.write }

// CheckpointResult reports the outcome of a WAL checkpoint.
type CheckpointResult struct {
	// Busy is true when the checkpoint could not run to completion
	// because of concurrent activity. The WAL keeps its frames.
	Busy bool
	// LogFrames is the number of frames in the WAL.
	LogFrames int64
	// Checkpointed is the number of frames moved into the database file.
	Checkpointed int64
}

// Checkpoint folds the WAL into the main database file and truncates it.
// Readers holding snapshots are unaffected: SQLite checkpoints as far as
// the oldest snapshot allows and reports Busy when it could not finish.
func (s *Store) Checkpoint(ctx context.Context) (CheckpointResult, error) {
	row := s.write.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	var busy, logFrames, checkpointed int64
	if err := row.Scan(&busy, &logFrames, &checkpointed); err != nil {
		return CheckpointResult{}, fmt.Errorf("checkpoint %s: %w", s.path, err)
	}
	return CheckpointResult{
		Busy:         busy == 1,
		LogFrames:    logFrames,
		Checkpointed: checkpointed,
	}, nil
}

// CheckpointPath checkpoints a store file nothing has open, without a
// model. The identity stamp is verified first so an arbitrary SQLite
// file fails with ErrNotAStore instead of growing a WAL.
func CheckpointPath(ctx context.Context, path string) (CheckpointResult, error) {
	if _, err := os.Stat(path); err != nil {
		return CheckpointResult{}, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	db, err := openWrite(path)
	if err != nil {
		if strings.Contains(err.Error(), "not a database") {
			err = fmt.Errorf("%w: %v", ErrNotAStore, err)
		}
		return CheckpointResult{}, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	defer db.Close()

	if _, err := readMetaFrom(ctx, db); err != nil {
		return CheckpointResult{}, fmt.Errorf("checkpoint %s: %w", path, err)
	}

	row := db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	var busy, logFrames, checkpointed int64
	if err := row.Scan(&busy, &logFrames, &checkpointed); err != nil {
		return CheckpointResult{}, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return CheckpointResult{
		Busy:         busy == 1,
		LogFrames:    logFrames,
		Checkpointed: checkpointed,
	}, nil
}

// Close checkpoints and closes both handles. The read pool closes first
// so idle snapshots cannot hold back the final checkpoint.
func (s *Store) Close() error {
	var errs []error
	if s.read != nil {
		if err := s.read.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close read handle: %w", err))
		}
		s.read = nil
	}
	if s.write != nil {
		if _, err := s.write.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			errs = append(errs, fmt.Errorf("final checkpoint: %w", err))
		}
		if err := s.write.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close write handle: %w", err))
		}
		s.write = nil
	}
	return errors.Join(errs...)
}
