package txn

import (
	"fmt"
	"strings"

	"github.com/mkerrow/strata/internal/store"
	"github.com/mkerrow/strata/schema"
)

// keyField addresses the record key in predicates and sort orders.
const keyField = "pk"

// compileFetch lowers a Query into the store's fetch shape: a
// parameterized WHERE fragment, quoted ORDER BY columns, and the result
// window. Literal values always travel as bind arguments.
func compileFetch(st *store.Store, entity string, q Query) (store.FetchSpec, error) {
	e, err := lookupEntity(st.Model(), entity)
	if err != nil {
		return store.FetchSpec{}, err
	}
	c := &compiler{st: st, entity: e}
	spec := store.FetchSpec{Entity: entity, Limit: q.Limit, Offset: q.Offset}
	if q.Where != nil {
		where, err := c.predicate(q.Where)
		if err != nil {
			return store.FetchSpec{}, err
		}
		spec.Where = where
		spec.Args = c.args
	}
	if len(q.OrderBy) > 0 {
		terms := make([]string, len(q.OrderBy))
		for i, o := range q.OrderBy {
			col, _, _, err := c.column(o.Field)
			if err != nil {
				return store.FetchSpec{}, err
			}
			terms[i] = store.QuoteIdent(col)
			if o.Desc {
				terms[i] += " DESC"
			}
		}
		spec.OrderBy = strings.Join(terms, ", ")
	}
	return spec, nil
}

func lookupEntity(m *schema.Model, name string) (schema.Entity, error) {
	e, ok := m.Entity(name)
	if !ok {
		return e, fmt.Errorf("%w %q", ErrUnknownEntity, name)
	}
	if e.IsAbstract {
		return e, fmt.Errorf("%w: %q holds no records of its own", ErrAbstractEntity, name)
	}
	return e, nil
}

// compiler walks one predicate tree, accumulating bind arguments in
// placeholder order.
type compiler struct {
	st     *store.Store
	entity schema.Entity
	args   []any
}

func (c *compiler) predicate(p Predicate) (string, error) {
	switch node := p.(type) {
	case Eq:
		return c.compare(node.Field, "=", node.Value)
	case *Eq:
		return c.compare(node.Field, "=", node.Value)
	case Ne:
		return c.compare(node.Field, "<>", node.Value)
	case *Ne:
		return c.compare(node.Field, "<>", node.Value)
	case Lt:
		return c.compare(node.Field, "<", node.Value)
	case *Lt:
		return c.compare(node.Field, "<", node.Value)
	case Le:
		return c.compare(node.Field, "<=", node.Value)
	case *Le:
		return c.compare(node.Field, "<=", node.Value)
	case Gt:
		return c.compare(node.Field, ">", node.Value)
	case *Gt:
		return c.compare(node.Field, ">", node.Value)
	case Ge:
		return c.compare(node.Field, ">=", node.Value)
	case *Ge:
		return c.compare(node.Field, ">=", node.Value)
	case In:
		return c.in(node)
	case *In:
		return c.in(*node)
	case IsNull:
		return c.isNull(node)
	case *IsNull:
		return c.isNull(*node)
	case And:
		return c.junction(node.Preds, " AND ", "1 = 1")
	case *And:
		return c.junction(node.Preds, " AND ", "1 = 1")
	case Or:
		return c.junction(node.Preds, " OR ", "0 = 1")
	case *Or:
		return c.junction(node.Preds, " OR ", "0 = 1")
	case Not:
		return c.negate(node.Pred)
	case *Not:
		return c.negate(node.Pred)
	case nil:
		return "", &QueryError{Code: CodeBadNode, Entity: c.entity.Name, Message: "nil predicate node"}
	default:
		return "", &QueryError{Code: CodeBadNode, Entity: c.entity.Name,
			Message: fmt.Sprintf("unsupported predicate %T", p)}
	}
}

func (c *compiler) compare(field, op string, v any) (string, error) {
	col, p, isKey, err := c.column(field)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", &QueryError{Code: CodeBadValue, Entity: c.entity.Name, Field: field,
			Message: "comparisons against nil never match; use IsNull"}
	}
	arg, err := c.encode(field, p, isKey, v)
	if err != nil {
		return "", err
	}
	c.args = append(c.args, arg)
	return store.QuoteIdent(col) + " " + op + " ?", nil
}

func (c *compiler) in(node In) (string, error) {
	col, p, isKey, err := c.column(node.Field)
	if err != nil {
		return "", err
	}
	if len(node.Values) == 0 {
		return "0 = 1", nil
	}
	marks := make([]string, len(node.Values))
	for i, v := range node.Values {
		if v == nil {
			return "", &QueryError{Code: CodeBadValue, Entity: c.entity.Name, Field: node.Field,
				Message: "nil cannot appear in a value list; use IsNull"}
		}
		arg, err := c.encode(node.Field, p, isKey, v)
		if err != nil {
			return "", err
		}
		c.args = append(c.args, arg)
		marks[i] = "?"
	}
	return store.QuoteIdent(col) + " IN (" + strings.Join(marks, ", ") + ")", nil
}

func (c *compiler) isNull(node IsNull) (string, error) {
	col, _, isKey, err := c.column(node.Field)
	if err != nil {
		return "", err
	}
	if isKey {
		return "", &QueryError{Code: CodeFieldKind, Entity: c.entity.Name, Field: node.Field,
			Message: "record keys are never null"}
	}
	return store.QuoteIdent(col) + " IS NULL", nil
}

func (c *compiler) junction(preds []Predicate, sep, empty string) (string, error) {
	if len(preds) == 0 {
		return empty, nil
	}
	parts := make([]string, len(preds))
	for i, p := range preds {
		inner, err := c.predicate(p)
		if err != nil {
			return "", err
		}
		parts[i] = "(" + inner + ")"
	}
	return strings.Join(parts, sep), nil
}

func (c *compiler) negate(p Predicate) (string, error) {
	if p == nil {
		return "", &QueryError{Code: CodeBadNode, Entity: c.entity.Name, Message: "Not wraps a nil predicate"}
	}
	inner, err := c.predicate(p)
	if err != nil {
		return "", err
	}
	return "NOT (" + inner + ")", nil
}

// column resolves a field reference to the column it reads. "pk" names
// the record key. Attributes read their own column; a to-one
// relationship qualifies only when its foreign key lives on this
// entity's table.
func (c *compiler) column(field string) (string, schema.Property, bool, error) {
	if field == keyField {
		return keyField, schema.Property{}, true, nil
	}
	p, ok := c.entity.Property(field)
	if !ok {
		return "", p, false, &QueryError{Code: CodeUnknownField, Entity: c.entity.Name, Field: field,
			Message: "no such property"}
	}
	if p.Kind == schema.KindAttribute {
		return p.Name, p, false, nil
	}
	if p.ToMany() {
		return "", p, false, &QueryError{Code: CodeFieldKind, Entity: c.entity.Name, Field: field,
			Message: "to-many relationships have no comparable column; fetch the far side instead"}
	}
	rs, err := store.RelStorageFor(c.st.Model(), c.entity.Name, p.Name)
	if err != nil {
		return "", p, false, err
	}
	if rs.Kind != store.RelColumn {
		return "", p, false, &QueryError{Code: CodeFieldKind, Entity: c.entity.Name, Field: field,
			Message: fmt.Sprintf("the reference is stored on %s.%s; compare there", rs.OtherEntity, rs.OtherColumn)}
	}
	return rs.Column, p, false, nil
}

func (c *compiler) encode(field string, p schema.Property, isKey bool, v any) (any, error) {
	if isKey {
		k, ok := keyValue(v)
		if !ok {
			return nil, &QueryError{Code: CodeBadValue, Entity: c.entity.Name, Field: field,
				Message: fmt.Sprintf("%T is not a record key", v)}
		}
		return int64(k), nil
	}
	enc, err := c.st.EncodeValue(c.entity, p, v)
	if err != nil {
		msg := strings.TrimPrefix(err.Error(), c.entity.Name+"."+p.Name+": ")
		return nil, &QueryError{Code: CodeBadValue, Entity: c.entity.Name, Field: field, Message: msg}
	}
	return enc, nil
}

func keyValue(v any) (store.Key, bool) {
	switch k := v.(type) {
	case store.Key:
		return k, true
	case int64:
		return store.Key(k), true
	case int:
		return store.Key(k), true
	}
	return 0, false
}
