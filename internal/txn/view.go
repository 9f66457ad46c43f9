package txn

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mkerrow/strata/internal/store"
	"github.com/mkerrow/strata/schema"
)

// view carries the read operations shared by Writer and Reader. Both
// bind a context at construction; every statement of the session runs
// under it.
type view struct {
	ctx context.Context
	st  *store.Store
	q   store.Querier
}

func (v *view) entity(name string) (schema.Entity, error) {
	return lookupEntity(v.st.Model(), name)
}

// Get fetches one record by key.
func (v *view) Get(entity string, key store.Key) (*store.Record, error) {
	if _, err := v.entity(entity); err != nil {
		return nil, err
	}
	return v.st.GetRecord(v.ctx, v.q, entity, key)
}

// Fetch runs a query and returns the matching records. Results follow
// the query's sort order with a trailing key-order tiebreak, so equal
// sort keys list identically on every run.
func (v *view) Fetch(entity string, q Query) ([]*store.Record, error) {
	spec, err := compileFetch(v.st, entity, q)
	if err != nil {
		return nil, err
	}
	return v.st.FetchRecords(v.ctx, v.q, spec)
}

// Count reports how many records match the query's filter. The sort
// order and result window do not apply; Count sizes the whole match.
func (v *view) Count(entity string, q Query) (int64, error) {
	spec, err := compileFetch(v.st, entity, q)
	if err != nil {
		return 0, err
	}
	stmt := "SELECT COUNT(*) FROM " + store.QuoteIdent(entity)
	if spec.Where != "" {
		stmt += " WHERE " + spec.Where
	}
	var n int64
	if err := v.q.QueryRowContext(v.ctx, stmt, spec.Args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", entity, err)
	}
	return n, nil
}

// Related lists the keys at the far end of a relationship. To-one
// relationships yield at most one key. Ordered to-many lists follow
// their positions, with unpositioned members trailing in key order;
// unordered lists come back in key order.
func (v *view) Related(entity string, key store.Key, rel string) ([]store.Key, error) {
	e, err := v.entity(entity)
	if err != nil {
		return nil, err
	}
	p, ok := e.Property(rel)
	if !ok {
		return nil, fmt.Errorf("%s: %w %q", entity, ErrUnknownProperty, rel)
	}
	if p.Kind != schema.KindRelationship {
		return nil, fmt.Errorf("%s.%s: attributes hold values, not edges", entity, rel)
	}
	rs, err := store.RelStorageFor(v.st.Model(), entity, rel)
	if err != nil {
		return nil, err
	}
	if err := v.mustExist(entity, key); err != nil {
		return nil, err
	}

	switch rs.Kind {
	case store.RelColumn:
		stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
			store.QuoteIdent(rs.Column), store.QuoteIdent(entity), store.QuoteIdent(keyField))
		var ref sql.NullInt64
		if err := v.q.QueryRowContext(v.ctx, stmt, int64(key)).Scan(&ref); err != nil {
			return nil, fmt.Errorf("read %s.%s: %w", entity, rel, err)
		}
		if !ref.Valid {
			return nil, nil
		}
		return []store.Key{store.Key(ref.Int64)}, nil

	case store.RelInverseColumn:
		order := store.QuoteIdent(keyField)
		if rs.OtherOrd != "" {
			ord := store.QuoteIdent(rs.OtherOrd)
			order = fmt.Sprintf("%s IS NULL, %s, %s", ord, ord, store.QuoteIdent(keyField))
		}
		stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? ORDER BY %s",
			store.QuoteIdent(keyField), store.QuoteIdent(rs.OtherEntity),
			store.QuoteIdent(rs.OtherColumn), order)
		return v.scanKeys(stmt, entity, rel, key)

	case store.RelJoinTable:
		order := store.QuoteIdent(rs.RemoteCol)
		if rs.OrdCol != "" {
			ord := store.QuoteIdent(rs.OrdCol)
			order = fmt.Sprintf("%s IS NULL, %s, %s", ord, ord, store.QuoteIdent(rs.RemoteCol))
		}
		stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? ORDER BY %s",
			store.QuoteIdent(rs.RemoteCol), store.QuoteIdent(rs.Join.Table),
			store.QuoteIdent(rs.LocalCol), order)
		return v.scanKeys(stmt, entity, rel, key)
	}
	return nil, fmt.Errorf("no storage resolved for %s.%s", entity, rel)
}

// mustExist verifies a row carries the key, so edge operations against
// absent records fail with ErrNotFound instead of silently matching
// nothing.
func (v *view) mustExist(entity string, key store.Key) error {
	stmt := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ?",
		store.QuoteIdent(entity), store.QuoteIdent(keyField))
	var one int
	err := v.q.QueryRowContext(v.ctx, stmt, int64(key)).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s record %d: %w", entity, key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check %s record %d: %w", entity, key, err)
	}
	return nil
}

func (v *view) scanKeys(stmt, entity, rel string, key store.Key) ([]store.Key, error) {
	rows, err := v.q.QueryContext(v.ctx, stmt, int64(key))
	if err != nil {
		return nil, fmt.Errorf("read %s.%s: %w", entity, rel, err)
	}
	defer rows.Close()

	var out []store.Key
	for rows.Next() {
		var k int64
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("read %s.%s: %w", entity, rel, err)
		}
		out = append(out, store.Key(k))
	}
	return out, rows.Err()
}
