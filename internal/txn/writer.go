package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/mkerrow/strata/internal/store"
	"github.com/mkerrow/strata/schema"
)

// Writer is a read-write handle over one serialized write turn. All
// reads through it see the turn's own uncommitted work. A Writer is
// only valid inside the closure Run hands it to.
type Writer struct {
	view
	tx      *sql.Tx
	changes changeTracker
}

// Run executes one write turn: fn's return decides the outcome. A nil
// return commits and yields what changed; an error rolls the whole turn
// back and surfaces unchanged, leaving the store exactly as the turn
// found it. A failed turn never poisons the writer; the next Run starts
// clean.
func Run(ctx context.Context, st *store.Store, fn func(*Writer) error) (*ChangeSet, error) {
	tx, err := st.BeginWrite(ctx)
	if err != nil {
		return nil, classify(err)
	}
	w := &Writer{view: view{ctx: ctx, st: st, q: tx}, tx: tx}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(w); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	committed = true
	return w.changes.snapshot(), nil
}

// Insert creates a record and returns its key. Fields hold attribute
// values and, for to-one relationships whose foreign key lives on this
// entity's table, related keys. Absent attributes take their declared
// defaults; a required attribute with no default must be supplied.
func (w *Writer) Insert(entity string, fields map[string]any) (store.Key, error) {
	e, err := w.entity(entity)
	if err != nil {
		return 0, err
	}
	if err := w.checkFields(e, fields); err != nil {
		return 0, err
	}
	key, err := w.st.InsertRecord(w.ctx, w.q, entity, fields)
	if err != nil {
		return 0, classify(err)
	}
	if err := w.syncListOrds(e, key, fields); err != nil {
		return 0, err
	}
	w.changes.insert(entity, key)
	return key, nil
}

// Update applies field changes to one record.
func (w *Writer) Update(entity string, key store.Key, fields map[string]any) error {
	e, err := w.entity(entity)
	if err != nil {
		return err
	}
	if err := w.checkFields(e, fields); err != nil {
		return err
	}
	if err := w.st.UpdateRecord(w.ctx, w.q, entity, key, fields); err != nil {
		return classify(err)
	}
	if err := w.syncListOrds(e, key, fields); err != nil {
		return err
	}
	w.changes.update(entity, key)
	return nil
}

// Delete removes one record after applying each relationship's delete
// rule to the related side: Deny refuses while related records exist,
// Cascade removes them too, Nullify severs the edges, and NoAction
// leaves them for the deferred foreign-key check to report at commit.
func (w *Writer) Delete(entity string, key store.Key) error {
	return w.deleteOne(entity, key, make(map[string]bool))
}

func (w *Writer) deleteOne(entity string, key store.Key, visited map[string]bool) error {
	vk := fmt.Sprintf("%s\x00%d", entity, key)
	if visited[vk] {
		return nil
	}
	visited[vk] = true

	e, err := w.entity(entity)
	if err != nil {
		return err
	}
	rec, err := w.st.GetRecord(w.ctx, w.q, entity, key)
	if err != nil {
		return err
	}
	edges, err := w.relEdges(e)
	if err != nil {
		return err
	}

	// Deny rules first: a refused delete must not leave severed edges
	// behind for a caller that continues the turn.
	for _, ed := range edges {
		if ed.p.DeleteRule != schema.Deny {
			continue
		}
		n, err := w.edgeCount(ed, rec, key)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%s.%s: %w: %d related %s record(s) block the delete",
				entity, ed.p.Name, ErrConstraint, n, ed.p.Target)
		}
	}

	// Sever edges and collect cascade targets while the row still
	// exists, remove the row, then cascade. Cascading after the removal
	// keeps mutual cascade pairs from denying or re-counting each other.
	type cascade struct {
		entity string
		keys   []store.Key
	}
	var cascades []cascade
	for _, ed := range edges {
		switch ed.p.DeleteRule {
		case schema.Cascade:
			keys, err := w.edgeKeys(ed, rec, key)
			if err != nil {
				return err
			}
			if ed.rs.Kind == store.RelJoinTable {
				if err := w.clearJoinEdges(ed.rs, key); err != nil {
					return err
				}
			}
			if len(keys) > 0 {
				cascades = append(cascades, cascade{ed.p.Target, keys})
			}
		case schema.Nullify:
			if err := w.nullifyEdges(ed, rec, key); err != nil {
				return err
			}
		}
	}

	if err := w.st.DeleteRecord(w.ctx, w.q, entity, key); err != nil {
		return classify(err)
	}
	w.changes.remove(entity, key)

	for _, c := range cascades {
		for _, k := range c.keys {
			if err := w.deleteOne(c.entity, k, visited); err != nil {
				// A cascade target already removed on another path is
				// not a failure.
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
		}
	}
	return nil
}

// Relate adds target to a to-many relationship of the addressed record.
// Ordered relationships append; relating an existing member changes
// nothing. When the far side is a to-one already pointing elsewhere,
// the target moves into this record's list.
func (w *Writer) Relate(entity string, key store.Key, rel string, target store.Key) error {
	p, rs, err := w.edge(entity, rel)
	if err != nil {
		return err
	}
	if err := w.mustExist(entity, key); err != nil {
		return err
	}
	if err := w.mustExist(p.Target, target); err != nil {
		return err
	}

	switch rs.Kind {
	case store.RelInverseColumn:
		cur, err := w.currentRef(rs.OtherEntity, rs.OtherColumn, target)
		if err != nil {
			return err
		}
		if cur.Valid && store.Key(cur.Int64) == key {
			return nil
		}
		if err := w.st.UpdateRecord(w.ctx, w.q, rs.OtherEntity, target,
			map[string]any{rs.OtherColumn: key}); err != nil {
			return classify(err)
		}
		if rs.OtherOrd != "" {
			next, err := w.nextOrd(rs.OtherEntity, rs.OtherOrd, rs.OtherColumn, key)
			if err != nil {
				return err
			}
			if err := w.st.SetRelOrd(w.ctx, w.q, entity, rel, target, next); err != nil {
				return classify(err)
			}
		}
		w.changes.update(rs.OtherEntity, target)
		w.changes.update(entity, key)
		if cur.Valid {
			w.changes.update(entity, store.Key(cur.Int64))
		}
		return nil

	case store.RelJoinTable:
		in, err := w.joinEdgeExists(rs, key, target)
		if err != nil {
			return err
		}
		if in {
			return nil
		}
		row := store.JoinRow{Src: key, Dst: target}
		if rs.LocalCol != "src_pk" {
			row.Src, row.Dst = target, key
		}
		if rs.Join.SrcOrdered {
			next, err := w.nextOrd(rs.Join.Table, "src_ord", "src_pk", row.Src)
			if err != nil {
				return err
			}
			row.SrcOrd = sql.NullInt64{Int64: next, Valid: true}
		}
		if rs.Join.DstOrdered {
			next, err := w.nextOrd(rs.Join.Table, "dst_ord", "dst_pk", row.Dst)
			if err != nil {
				return err
			}
			row.DstOrd = sql.NullInt64{Int64: next, Valid: true}
		}
		if err := w.st.InsertJoinRow(w.ctx, w.q, rs.Join, row); err != nil {
			return classify(err)
		}
		w.changes.update(entity, key)
		w.changes.update(p.Target, target)
		return nil
	}
	return fmt.Errorf("no storage resolved for %s.%s", entity, rel)
}

// Unrelate removes target from a to-many relationship of the addressed
// record. Removing a non-member changes nothing. Removing a member
// whose membership is required fails with ErrConstraint.
func (w *Writer) Unrelate(entity string, key store.Key, rel string, target store.Key) error {
	p, rs, err := w.edge(entity, rel)
	if err != nil {
		return err
	}
	if err := w.mustExist(entity, key); err != nil {
		return err
	}
	if err := w.mustExist(p.Target, target); err != nil {
		return err
	}

	switch rs.Kind {
	case store.RelInverseColumn:
		cur, err := w.currentRef(rs.OtherEntity, rs.OtherColumn, target)
		if err != nil {
			return err
		}
		if !cur.Valid || store.Key(cur.Int64) != key {
			return nil
		}
		ordClear := ""
		if rs.OtherOrd != "" {
			ordClear = fmt.Sprintf(", %s = NULL", store.QuoteIdent(rs.OtherOrd))
		}
		stmt := fmt.Sprintf("UPDATE %s SET %s = NULL%s WHERE %s = ?",
			store.QuoteIdent(rs.OtherEntity), store.QuoteIdent(rs.OtherColumn),
			ordClear, store.QuoteIdent(keyField))
		if _, err := w.q.ExecContext(w.ctx, stmt, int64(target)); err != nil {
			return classify(err)
		}
		w.changes.update(rs.OtherEntity, target)
		w.changes.update(entity, key)
		return nil

	case store.RelJoinTable:
		src, dst := key, target
		if rs.LocalCol != "src_pk" {
			src, dst = target, key
		}
		existed, err := w.st.DeleteJoinRow(w.ctx, w.q, rs.Join, src, dst)
		if err != nil {
			return classify(err)
		}
		if existed {
			w.changes.update(entity, key)
			w.changes.update(p.Target, target)
		}
		return nil
	}
	return fmt.Errorf("no storage resolved for %s.%s", entity, rel)
}

// checkFields verifies every field names a declared property before any
// statement runs.
func (w *Writer) checkFields(e schema.Entity, fields map[string]any) error {
	for _, name := range sortedFieldNames(fields) {
		if _, ok := e.Property(name); !ok {
			return fmt.Errorf("%s: %w %q", e.Name, ErrUnknownProperty, name)
		}
	}
	return nil
}

// edge resolves a to-many relationship for Relate and Unrelate.
func (w *Writer) edge(entity, rel string) (schema.Property, store.RelStorage, error) {
	e, err := w.entity(entity)
	if err != nil {
		return schema.Property{}, store.RelStorage{}, err
	}
	p, ok := e.Property(rel)
	if !ok {
		return p, store.RelStorage{}, fmt.Errorf("%s: %w %q", entity, ErrUnknownProperty, rel)
	}
	if p.Kind != schema.KindRelationship {
		return p, store.RelStorage{}, fmt.Errorf("%s.%s: attributes hold values, not edges", entity, rel)
	}
	if p.Cardinality == schema.ToOne {
		return p, store.RelStorage{}, fmt.Errorf(
			"%s.%s: to-one references are set through Insert and Update on the foreign-key side", entity, rel)
	}
	rs, err := store.RelStorageFor(w.st.Model(), entity, rel)
	if err != nil {
		return p, rs, err
	}
	return p, rs, nil
}

// syncListOrds appends the record to the ordered inverse lists its
// foreign keys just joined; a cleared reference also clears its
// position.
func (w *Writer) syncListOrds(e schema.Entity, key store.Key, fields map[string]any) error {
	for _, name := range sortedFieldNames(fields) {
		p, _ := e.Property(name)
		if p.Kind != schema.KindRelationship {
			continue
		}
		rs, err := store.RelStorageFor(w.st.Model(), e.Name, p.Name)
		if err != nil || rs.Kind != store.RelColumn || rs.OrdColumn == "" {
			continue
		}
		if fields[name] == nil {
			stmt := fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = ?",
				store.QuoteIdent(e.Name), store.QuoteIdent(rs.OrdColumn), store.QuoteIdent(keyField))
			if _, err := w.q.ExecContext(w.ctx, stmt, int64(key)); err != nil {
				return classify(err)
			}
			continue
		}
		owner, ok := keyValue(fields[name])
		if !ok {
			continue
		}
		next, err := w.nextOrd(e.Name, rs.OrdColumn, rs.Column, owner)
		if err != nil {
			return err
		}
		if err := w.st.SetRelOrd(w.ctx, w.q, p.Target, p.Inverse, key, next); err != nil {
			return classify(err)
		}
	}
	return nil
}

// relEdge pairs a relationship property with its resolved storage.
type relEdge struct {
	p  schema.Property
	rs store.RelStorage
}

func (w *Writer) relEdges(e schema.Entity) ([]relEdge, error) {
	var edges []relEdge
	for _, p := range e.Properties {
		if p.Kind != schema.KindRelationship {
			continue
		}
		rs, err := store.RelStorageFor(w.st.Model(), e.Name, p.Name)
		if err != nil {
			return nil, err
		}
		edges = append(edges, relEdge{p, rs})
	}
	return edges, nil
}

func (w *Writer) edgeCount(ed relEdge, rec *store.Record, key store.Key) (int64, error) {
	switch ed.rs.Kind {
	case store.RelColumn:
		if rec.Fields[ed.p.Name] != nil {
			return 1, nil
		}
		return 0, nil
	case store.RelInverseColumn:
		return w.countWhere(ed.rs.OtherEntity, ed.rs.OtherColumn, key)
	case store.RelJoinTable:
		return w.countWhere(ed.rs.Join.Table, ed.rs.LocalCol, key)
	}
	return 0, nil
}

func (w *Writer) edgeKeys(ed relEdge, rec *store.Record, key store.Key) ([]store.Key, error) {
	switch ed.rs.Kind {
	case store.RelColumn:
		if k, ok := rec.Fields[ed.p.Name].(store.Key); ok {
			return []store.Key{k}, nil
		}
		return nil, nil
	case store.RelInverseColumn:
		stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? ORDER BY %s",
			store.QuoteIdent(keyField), store.QuoteIdent(ed.rs.OtherEntity),
			store.QuoteIdent(ed.rs.OtherColumn), store.QuoteIdent(keyField))
		return w.scanKeys(stmt, ed.rs.OtherEntity, ed.p.Name, key)
	case store.RelJoinTable:
		stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? ORDER BY %s",
			store.QuoteIdent(ed.rs.RemoteCol), store.QuoteIdent(ed.rs.Join.Table),
			store.QuoteIdent(ed.rs.LocalCol), store.QuoteIdent(ed.rs.RemoteCol))
		return w.scanKeys(stmt, ed.rs.Join.Table, ed.p.Name, key)
	}
	return nil, nil
}

func (w *Writer) nullifyEdges(ed relEdge, rec *store.Record, key store.Key) error {
	switch ed.rs.Kind {
	case store.RelColumn:
		// The edge lives on the deleted row and dies with it.
		return nil
	case store.RelInverseColumn:
		keys, err := w.edgeKeys(ed, rec, key)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		ordClear := ""
		if ed.rs.OtherOrd != "" {
			ordClear = fmt.Sprintf(", %s = NULL", store.QuoteIdent(ed.rs.OtherOrd))
		}
		stmt := fmt.Sprintf("UPDATE %s SET %s = NULL%s WHERE %s = ?",
			store.QuoteIdent(ed.rs.OtherEntity), store.QuoteIdent(ed.rs.OtherColumn),
			ordClear, store.QuoteIdent(ed.rs.OtherColumn))
		if _, err := w.q.ExecContext(w.ctx, stmt, int64(key)); err != nil {
			return classify(err)
		}
		for _, k := range keys {
			w.changes.update(ed.rs.OtherEntity, k)
		}
		return nil
	case store.RelJoinTable:
		keys, err := w.edgeKeys(ed, rec, key)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		if err := w.clearJoinEdges(ed.rs, key); err != nil {
			return err
		}
		for _, k := range keys {
			w.changes.update(ed.p.Target, k)
		}
		return nil
	}
	return nil
}

func (w *Writer) clearJoinEdges(rs store.RelStorage, key store.Key) error {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?",
		store.QuoteIdent(rs.Join.Table), store.QuoteIdent(rs.LocalCol))
	if _, err := w.q.ExecContext(w.ctx, stmt, int64(key)); err != nil {
		return classify(err)
	}
	return nil
}

func (w *Writer) countWhere(table, col string, key store.Key) (int64, error) {
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?",
		store.QuoteIdent(table), store.QuoteIdent(col))
	var n int64
	if err := w.q.QueryRowContext(w.ctx, stmt, int64(key)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// currentRef reads a row's foreign-key column.
func (w *Writer) currentRef(table, col string, row store.Key) (sql.NullInt64, error) {
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		store.QuoteIdent(col), store.QuoteIdent(table), store.QuoteIdent(keyField))
	var cur sql.NullInt64
	err := w.q.QueryRowContext(w.ctx, stmt, int64(row)).Scan(&cur)
	if err == sql.ErrNoRows {
		return cur, fmt.Errorf("%s record %d: %w", table, row, ErrNotFound)
	}
	if err != nil {
		return cur, fmt.Errorf("read %s: %w", table, err)
	}
	return cur, nil
}

func (w *Writer) joinEdgeExists(rs store.RelStorage, key, target store.Key) (bool, error) {
	stmt := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ? AND %s = ?",
		store.QuoteIdent(rs.Join.Table), store.QuoteIdent(rs.LocalCol), store.QuoteIdent(rs.RemoteCol))
	var one int
	err := w.q.QueryRowContext(w.ctx, stmt, int64(key), int64(target)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check %s: %w", rs.Join.Table, err)
	}
	return true, nil
}

// nextOrd returns the append position for an ordered list: one past the
// highest position assigned among the owner's current members.
func (w *Writer) nextOrd(table, ordCol, refCol string, owner store.Key) (int64, error) {
	stmt := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) + 1 FROM %s WHERE %s = ?",
		store.QuoteIdent(ordCol), store.QuoteIdent(table), store.QuoteIdent(refCol))
	var next int64
	if err := w.q.QueryRowContext(w.ctx, stmt, int64(owner)).Scan(&next); err != nil {
		return 0, fmt.Errorf("position in %s: %w", table, err)
	}
	return next, nil
}

func sortedFieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
