package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mkerrow/strata/internal/store"
)

// Reader is a stable snapshot of one store. The held read transaction
// pins the snapshot at construction, so writes committed afterwards
// stay invisible until Refresh. Readers run on the read pool and never
// contend with the writer.
type Reader struct {
	view
	tx *sql.Tx
}

// NewReader opens a snapshot. Close releases it.
func NewReader(ctx context.Context, st *store.Store) (*Reader, error) {
	tx, err := begin(ctx, st)
	if err != nil {
		return nil, err
	}
	return &Reader{view: view{ctx: ctx, st: st, q: tx}, tx: tx}, nil
}

// begin opens a read transaction and forces it to take its read mark
// immediately. SQLite defers the snapshot to the first read, which
// would otherwise let a write slip in between NewReader and the first
// Get.
func begin(ctx context.Context, st *store.Store) (*sql.Tx, error) {
	tx, err := st.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM "strata_meta"`).Scan(&n); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("pin snapshot: %w", err)
	}
	return tx, nil
}

// Refresh drops the held snapshot and takes a fresh one, so the Reader
// observes every write committed before the call.
func (r *Reader) Refresh() error {
	if err := r.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("release snapshot: %w", err)
	}
	tx, err := begin(r.ctx, r.st)
	if err != nil {
		return err
	}
	r.tx = tx
	r.q = tx
	return nil
}

// Close releases the snapshot. A closed Reader's reads fail; Refresh
// reopens it.
func (r *Reader) Close() error {
	if err := r.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
