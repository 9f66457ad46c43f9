package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mkerrow/strata/schema"
)

// Record is one materialized row: the engine key plus decoded fields.
// Fields hold attribute values and, for to-one relationships stored on
// this entity's table, the related Key (or nil when unset). To-many
// relationships are not fields; they are read through relation queries.
type Record struct {
	Key    Key
	Fields map[string]any
}

// Dates are stored as INTEGER nanoseconds since the Unix epoch, which
// bounds the representable range to the years 1678 through 2262.
func encodeTime(v any) int64 {
	return v.(time.Time).UnixNano()
}

func decodeTime(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// EncodeValue converts a field value into its column representation.
// Attribute values pass through schema.NormalizeValue first, so the
// accepted inputs match what model defaults accept.
func (s *Store) EncodeValue(e schema.Entity, p schema.Property, v any) (any, error) {
	if p.Kind == schema.KindRelationship {
		switch k := v.(type) {
		case nil:
			return nil, nil
		case Key:
			return int64(k), nil
		case int64:
			return k, nil
		case int:
			return int64(k), nil
		default:
			return nil, fmt.Errorf("%s.%s: relationship value must be a Key, got %T", e.Name, p.Name, v)
		}
	}

	norm, err := schema.NormalizeValue(p.Type, v)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", e.Name, p.Name, err)
	}
	if norm == nil {
		return nil, nil
	}
	switch p.Type {
	case schema.TypeDate:
		return encodeTime(norm), nil
	case schema.TypeBool:
		if norm.(bool) {
			return int64(1), nil
		}
		return int64(0), nil
	case schema.TypeTransformable:
		coder, ok := s.coders.Lookup(p.Coder)
		if !ok {
			return nil, fmt.Errorf("%s.%s: unknown coder %q", e.Name, p.Name, p.Coder)
		}
		buf, err := coder.Encode(norm)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", e.Name, p.Name, err)
		}
		return buf, nil
	default:
		return norm, nil
	}
}

// DecodeValue converts a raw driver value back into the field value.
func (s *Store) DecodeValue(e schema.Entity, p schema.Property, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if p.Kind == schema.KindRelationship {
		n, ok := raw.(int64)
		if !ok {
			return nil, fmt.Errorf("%s.%s: unexpected column type %T", e.Name, p.Name, raw)
		}
		return Key(n), nil
	}
	switch p.Type {
	case schema.TypeInt16, schema.TypeInt32, schema.TypeInt64:
		n, ok := raw.(int64)
		if !ok {
			return nil, fmt.Errorf("%s.%s: unexpected column type %T", e.Name, p.Name, raw)
		}
		return n, nil
	case schema.TypeDouble:
		f, ok := raw.(float64)
		if !ok {
			return nil, fmt.Errorf("%s.%s: unexpected column type %T", e.Name, p.Name, raw)
		}
		return f, nil
	case schema.TypeString:
		str, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%s.%s: unexpected column type %T", e.Name, p.Name, raw)
		}
		return str, nil
	case schema.TypeBool:
		n, ok := raw.(int64)
		if !ok {
			return nil, fmt.Errorf("%s.%s: unexpected column type %T", e.Name, p.Name, raw)
		}
		return n != 0, nil
	case schema.TypeDate:
		n, ok := raw.(int64)
		if !ok {
			return nil, fmt.Errorf("%s.%s: unexpected column type %T", e.Name, p.Name, raw)
		}
		return decodeTime(n), nil
	case schema.TypeBinary:
		b, ok := raw.([]byte)
		if !ok {
			return nil, fmt.Errorf("%s.%s: unexpected column type %T", e.Name, p.Name, raw)
		}
		return b, nil
	case schema.TypeTransformable:
		b, ok := raw.([]byte)
		if !ok {
			return nil, fmt.Errorf("%s.%s: unexpected column type %T", e.Name, p.Name, raw)
		}
		coder, ok := s.coders.Lookup(p.Coder)
		if !ok {
			return nil, fmt.Errorf("%s.%s: unknown coder %q", e.Name, p.Name, p.Coder)
		}
		v, err := coder.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", e.Name, p.Name, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%s.%s: unhandled type %v", e.Name, p.Name, p.Type)
	}
}

func (s *Store) entityFor(name string) (schema.Entity, error) {
	e, ok := s.model.Entity(name)
	if !ok {
		return schema.Entity{}, fmt.Errorf("unknown entity %q", name)
	}
	if e.IsAbstract {
		return schema.Entity{}, fmt.Errorf("entity %q is abstract and has no storage", name)
	}
	return e, nil
}

// selectColumns lists the fetchable columns of an entity in property
// order: attributes plus foreign-key columns that live on this table.
// The returned properties align with the columns.
func (s *Store) selectColumns(e schema.Entity) ([]string, []schema.Property) {
	var cols []string
	var props []schema.Property
	for _, p := range e.Properties {
		switch p.Kind {
		case schema.KindAttribute:
			cols = append(cols, p.Name)
			props = append(props, p)
		case schema.KindRelationship:
			rs, err := RelStorageFor(s.model, e.Name, p.Name)
			if err == nil && rs.Kind == RelColumn {
				cols = append(cols, rs.Column)
				props = append(props, p)
			}
		}
	}
	return cols, props
}

func (s *Store) decodeRow(e schema.Entity, props []schema.Property, pk int64, vals []any) (*Record, error) {
	rec := &Record{Key: Key(pk), Fields: make(map[string]any, len(props))}
	for i, p := range props {
		v, err := s.DecodeValue(e, p, vals[i])
		if err != nil {
			return nil, err
		}
		rec.Fields[p.Name] = v
	}
	return rec, nil
}

// setClause resolves field names to encoded column assignments. Only
// attributes and to-one relationships stored on this table are settable.
func (s *Store) setClause(e schema.Entity, fields map[string]any) (cols []string, args []any, err error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p, ok := e.Property(name)
		if !ok {
			return nil, nil, fmt.Errorf("%s: unknown property %q", e.Name, name)
		}
		col := p.Name
		if p.Kind == schema.KindRelationship {
			rs, err := RelStorageFor(s.model, e.Name, p.Name)
			if err != nil {
				return nil, nil, err
			}
			if rs.Kind != RelColumn {
				return nil, nil, fmt.Errorf("%s.%s: edges of this relationship are edited through Relate and Unrelate", e.Name, p.Name)
			}
			col = rs.Column
		}
		v, err := s.EncodeValue(e, p, fields[name])
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, col)
		args = append(args, v)
	}
	return cols, args, nil
}

// InsertRecord inserts a row and returns its allocated key.
func (s *Store) InsertRecord(ctx context.Context, x Querier, entity string, fields map[string]any) (Key, error) {
	return s.insert(ctx, x, entity, nil, fields)
}

// InsertRecordWithKey inserts a row under a caller-chosen key. Migration
// uses it to carry keys across a rebuild unchanged.
func (s *Store) InsertRecordWithKey(ctx context.Context, x Querier, entity string, key Key, fields map[string]any) error {
	_, err := s.insert(ctx, x, entity, &key, fields)
	return err
}

func (s *Store) insert(ctx context.Context, x Querier, entity string, key *Key, fields map[string]any) (Key, error) {
	e, err := s.entityFor(entity)
	if err != nil {
		return 0, err
	}
	cols, args, err := s.setClause(e, fields)
	if err != nil {
		return 0, err
	}
	if key != nil {
		cols = append([]string{pkColumn}, cols...)
		args = append([]any{int64(*key)}, args...)
	}

	var stmt string
	if len(cols) == 0 {
		stmt = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", QuoteIdent(e.Name))
	} else {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
		stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			QuoteIdent(e.Name), quoteIdents(cols), placeholders)
	}
	res, err := x.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", e.Name, err)
	}
	if key != nil {
		return *key, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", e.Name, err)
	}
	return Key(id), nil
}

// UpdateRecord applies field changes to one row.
func (s *Store) UpdateRecord(ctx context.Context, x Querier, entity string, key Key, fields map[string]any) error {
	e, err := s.entityFor(entity)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	cols, args, err := s.setClause(e, fields)
	if err != nil {
		return err
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = QuoteIdent(c) + " = ?"
	}
	args = append(args, int64(key))
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		QuoteIdent(e.Name), strings.Join(sets, ", "), QuoteIdent(pkColumn))
	res, err := x.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", e.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", e.Name, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s key %d: %w", e.Name, key, ErrNotFound)
	}
	return nil
}

// DeleteRecord removes one row. Relationship delete rules are the txn
// layer's concern; this removes exactly the named row.
func (s *Store) DeleteRecord(ctx context.Context, x Querier, entity string, key Key) error {
	e, err := s.entityFor(entity)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", QuoteIdent(e.Name), QuoteIdent(pkColumn))
	res, err := x.ExecContext(ctx, stmt, int64(key))
	if err != nil {
		return fmt.Errorf("delete %s: %w", e.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", e.Name, err)
	}
	if n == 0 {
		return fmt.Errorf("delete %s key %d: %w", e.Name, key, ErrNotFound)
	}
	return nil
}

// GetRecord fetches one row by key.
func (s *Store) GetRecord(ctx context.Context, q Querier, entity string, key Key) (*Record, error) {
	e, err := s.entityFor(entity)
	if err != nil {
		return nil, err
	}
	cols, props := s.selectColumns(e)
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		selectList(cols), QuoteIdent(e.Name), QuoteIdent(pkColumn))

	var pk int64
	vals := make([]any, len(props))
	dest := make([]any, 0, len(props)+1)
	dest = append(dest, &pk)
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	if err := q.QueryRowContext(ctx, stmt, int64(key)).Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("get %s key %d: %w", e.Name, key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", e.Name, err)
	}
	return s.decodeRow(e, props, pk, vals)
}

// CountRecords counts the rows of an entity.
func (s *Store) CountRecords(ctx context.Context, q Querier, entity string) (int64, error) {
	e, err := s.entityFor(entity)
	if err != nil {
		return 0, err
	}
	var n int64
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s", QuoteIdent(e.Name))
	if err := q.QueryRowContext(ctx, stmt).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", e.Name, err)
	}
	return n, nil
}

// ScanRecords streams every row of an entity in key order. Returning an
// error from fn aborts the scan and surfaces that error.
func (s *Store) ScanRecords(ctx context.Context, q Querier, entity string, fn func(*Record) error) error {
	e, err := s.entityFor(entity)
	if err != nil {
		return err
	}
	cols, props := s.selectColumns(e)
	stmt := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		selectList(cols), QuoteIdent(e.Name), QuoteIdent(pkColumn))
	rows, err := q.QueryContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("scan %s: %w", e.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var pk int64
		vals := make([]any, len(props))
		dest := make([]any, 0, len(props)+1)
		dest = append(dest, &pk)
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("scan %s: %w", e.Name, err)
		}
		rec, err := s.decodeRow(e, props, pk, vals)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// FetchSpec is a compiled query against one entity. Where and OrderBy
// are SQL fragments the caller already compiled; Args bind Where's
// placeholders.
type FetchSpec struct {
	Entity  string
	Where   string
	Args    []any
	OrderBy string
	Limit   int64
	Offset  int64
}

// FetchRecords runs a compiled query. Results always carry a trailing
// key-order tiebreak so equal sort keys list deterministically.
func (s *Store) FetchRecords(ctx context.Context, q Querier, spec FetchSpec) ([]*Record, error) {
	e, err := s.entityFor(spec.Entity)
	if err != nil {
		return nil, err
	}
	cols, props := s.selectColumns(e)

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", selectList(cols), QuoteIdent(e.Name))
	if spec.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(spec.Where)
	}
	b.WriteString(" ORDER BY ")
	if spec.OrderBy != "" {
		b.WriteString(spec.OrderBy)
		b.WriteString(", ")
	}
	b.WriteString(QuoteIdent(pkColumn))
	if spec.Limit > 0 || spec.Offset > 0 {
		limit := spec.Limit
		if limit <= 0 {
			limit = -1
		}
		fmt.Fprintf(&b, " LIMIT %d", limit)
		if spec.Offset > 0 {
			fmt.Fprintf(&b, " OFFSET %d", spec.Offset)
		}
	}

	rows, err := q.QueryContext(ctx, b.String(), spec.Args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", e.Name, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var pk int64
		vals := make([]any, len(props))
		dest := make([]any, 0, len(props)+1)
		dest = append(dest, &pk)
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", e.Name, err)
		}
		rec, err := s.decodeRow(e, props, pk, vals)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// JoinRow is one edge in a join table, oriented as stored.
type JoinRow struct {
	Src    Key
	Dst    Key
	SrcOrd sql.NullInt64
	DstOrd sql.NullInt64
}

// ScanJoinRows streams a join table's edges ordered by (src, dst).
func (s *Store) ScanJoinRows(ctx context.Context, q Querier, j JoinSpec, fn func(JoinRow) error) error {
	cols := []string{"src_pk", "dst_pk"}
	if j.SrcOrdered {
		cols = append(cols, "src_ord")
	}
	if j.DstOrdered {
		cols = append(cols, "dst_ord")
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s ORDER BY \"src_pk\", \"dst_pk\"",
		quoteIdents(cols), QuoteIdent(j.Table))
	rows, err := q.QueryContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("scan %s: %w", j.Table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var row JoinRow
		dest := []any{&row.Src, &row.Dst}
		if j.SrcOrdered {
			dest = append(dest, &row.SrcOrd)
		}
		if j.DstOrdered {
			dest = append(dest, &row.DstOrd)
		}
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("scan %s: %w", j.Table, err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// InsertJoinRow inserts one edge.
func (s *Store) InsertJoinRow(ctx context.Context, x Querier, j JoinSpec, row JoinRow) error {
	cols := []string{"src_pk", "dst_pk"}
	args := []any{int64(row.Src), int64(row.Dst)}
	if j.SrcOrdered {
		cols = append(cols, "src_ord")
		args = append(args, row.SrcOrd)
	}
	if j.DstOrdered {
		cols = append(cols, "dst_ord")
		args = append(args, row.DstOrd)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		QuoteIdent(j.Table), quoteIdents(cols), placeholders)
	if _, err := x.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert %s: %w", j.Table, err)
	}
	return nil
}

// ScanRelOrds streams the positions of an ordered to-many relationship
// whose edges live as an inverse foreign-key column. entity and prop name
// the to-many side; each callback receives the key of one destination row
// and its position. Unpositioned rows (NULL ord) are skipped.
func (s *Store) ScanRelOrds(ctx context.Context, q Querier, entity, prop string, fn func(Key, int64) error) error {
	rs, err := RelStorageFor(s.model, entity, prop)
	if err != nil {
		return err
	}
	if rs.Kind != RelInverseColumn || rs.OtherOrd == "" {
		return fmt.Errorf("%s.%s is not an ordered inverse-column relationship", entity, prop)
	}
	stmt := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IS NOT NULL ORDER BY %s",
		QuoteIdent(pkColumn), QuoteIdent(rs.OtherOrd), QuoteIdent(rs.OtherEntity),
		QuoteIdent(rs.OtherOrd), QuoteIdent(pkColumn))
	rows, err := q.QueryContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("scan %s.%s positions: %w", entity, prop, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, ord int64
		if err := rows.Scan(&key, &ord); err != nil {
			return fmt.Errorf("scan %s.%s positions: %w", entity, prop, err)
		}
		if err := fn(Key(key), ord); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SetRelOrd positions one destination row within an ordered to-many
// relationship stored as an inverse foreign-key column. A missing row is
// not an error; the position simply has nothing to attach to.
func (s *Store) SetRelOrd(ctx context.Context, x Querier, entity, prop string, row Key, ord int64) error {
	rs, err := RelStorageFor(s.model, entity, prop)
	if err != nil {
		return err
	}
	if rs.Kind != RelInverseColumn || rs.OtherOrd == "" {
		return fmt.Errorf("%s.%s is not an ordered inverse-column relationship", entity, prop)
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?",
		QuoteIdent(rs.OtherEntity), QuoteIdent(rs.OtherOrd), QuoteIdent(pkColumn))
	if _, err := x.ExecContext(ctx, stmt, ord, int64(row)); err != nil {
		return fmt.Errorf("position %s.%s: %w", entity, prop, err)
	}
	return nil
}

// DeleteJoinRow removes one edge. It reports whether an edge existed.
func (s *Store) DeleteJoinRow(ctx context.Context, x Querier, j JoinSpec, src, dst Key) (bool, error) {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE \"src_pk\" = ? AND \"dst_pk\" = ?", QuoteIdent(j.Table))
	res, err := x.ExecContext(ctx, stmt, int64(src), int64(dst))
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", j.Table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", j.Table, err)
	}
	return n > 0, nil
}

func selectList(cols []string) string {
	all := append([]string{pkColumn}, cols...)
	return quoteIdents(all)
}
