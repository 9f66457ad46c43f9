package store

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/mkerrow/strata/schema"
)

// Generated-object naming. Everything the engine creates lives under the
// strata_ prefix, which model validation reserves.
const (
	tableMeta     = "strata_meta"
	tableHashes   = "strata_entity_versions"
	joinPrefix    = "strata_rel_"
	ordPrefix     = "strata_ord_"
	fkIndexPrefix = "strata_fk_"
	ixIndexPrefix = "strata_ix_"
	uqIndexPrefix = "strata_uq_"
)

// pkColumn is the engine key column present in every entity table.
const pkColumn = "pk"

// Statements renders the complete DDL for a model in deterministic
// order: metadata tables, entity tables, join tables, then indexes.
// Rendering the same model always yields byte-identical output.
func Statements(m *schema.Model) []string {
	stmts := []string{
		"CREATE TABLE \"strata_meta\" (\n  \"key\" TEXT PRIMARY KEY,\n  \"value\" TEXT NOT NULL\n);",
		"CREATE TABLE \"strata_entity_versions\" (\n  \"entity\" TEXT PRIMARY KEY,\n  \"hash\" TEXT NOT NULL\n);",
	}
	for _, e := range m.Concrete() {
		stmts = append(stmts, entityTable(m, e))
	}
	for _, j := range Joins(m) {
		stmts = append(stmts, joinTable(j))
	}
	stmts = append(stmts, indexStatements(m)...)
	return stmts
}

func entityTable(m *schema.Model, e schema.Entity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", QuoteIdent(e.Name))
	fmt.Fprintf(&b, "  %s INTEGER PRIMARY KEY", QuoteIdent(pkColumn))
	for _, p := range e.Properties {
		switch p.Kind {
		case schema.KindAttribute:
			b.WriteString(",\n  ")
			b.WriteString(attributeColumn(p))
		case schema.KindRelationship:
			rs, err := RelStorageFor(m, e.Name, p.Name)
			if err != nil || rs.Kind != RelColumn {
				continue
			}
			b.WriteString(",\n  ")
			b.WriteString(fkColumn(p, rs))
			if rs.OrdColumn != "" {
				fmt.Fprintf(&b, ",\n  %s INTEGER", QuoteIdent(rs.OrdColumn))
			}
		}
	}
	b.WriteString("\n);")
	return b.String()
}

func attributeColumn(p schema.Property) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", QuoteIdent(p.Name), columnType(p.Type))
	if !p.Optional {
		b.WriteString(" NOT NULL")
	}
	if p.Default != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(defaultSQL(p))
	}
	return b.String()
}

func fkColumn(p schema.Property, rs RelStorage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s INTEGER", QuoteIdent(rs.Column))
	if !p.Optional {
		b.WriteString(" NOT NULL")
	}
	fmt.Fprintf(&b, " REFERENCES %s (%s) DEFERRABLE INITIALLY DEFERRED",
		QuoteIdent(p.Target), QuoteIdent(pkColumn))
	return b.String()
}

func joinTable(j JoinSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", QuoteIdent(j.Table))
	fmt.Fprintf(&b, "  \"src_pk\" INTEGER NOT NULL REFERENCES %s (%s) DEFERRABLE INITIALLY DEFERRED,\n",
		QuoteIdent(j.SrcEntity), QuoteIdent(pkColumn))
	fmt.Fprintf(&b, "  \"dst_pk\" INTEGER NOT NULL REFERENCES %s (%s) DEFERRABLE INITIALLY DEFERRED,\n",
		QuoteIdent(j.DstEntity), QuoteIdent(pkColumn))
	if j.SrcOrdered {
		b.WriteString("  \"src_ord\" INTEGER,\n")
	}
	if j.DstOrdered {
		b.WriteString("  \"dst_ord\" INTEGER,\n")
	}
	b.WriteString("  PRIMARY KEY (\"src_pk\", \"dst_pk\")\n);")
	return b.String()
}

// indexStatements renders every index sorted by index name: automatic
// indexes on foreign-key columns, declared uniqueness constraints, and
// declared index requests.
func indexStatements(m *schema.Model) []string {
	var stmts []string
	add := func(stmt string) { stmts = append(stmts, stmt) }

	for _, e := range m.Concrete() {
		for _, p := range e.Properties {
			if p.Kind != schema.KindRelationship {
				continue
			}
			rs, err := RelStorageFor(m, e.Name, p.Name)
			if err != nil || rs.Kind != RelColumn {
				continue
			}
			add(fmt.Sprintf("CREATE INDEX %s ON %s (%s);",
				QuoteIdent(fkIndexPrefix+e.Name+"_"+p.Name),
				QuoteIdent(e.Name), QuoteIdent(rs.Column)))
		}
		for _, group := range e.Unique {
			add(fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s);",
				QuoteIdent(uqIndexPrefix+e.Name+"_"+strings.Join(group, "_")),
				QuoteIdent(e.Name), quoteIdents(group)))
		}
		for _, group := range e.Indexes {
			add(fmt.Sprintf("CREATE INDEX %s ON %s (%s);",
				QuoteIdent(ixIndexPrefix+e.Name+"_"+strings.Join(group, "_")),
				QuoteIdent(e.Name), quoteIdents(group)))
		}
	}
	for _, j := range Joins(m) {
		add(fmt.Sprintf("CREATE INDEX %s ON %s (\"dst_pk\");",
			QuoteIdent(j.Table+"_dst"), QuoteIdent(j.Table)))
	}

	slices.SortFunc(stmts, func(a, b string) int {
		return strings.Compare(indexName(a), indexName(b))
	})
	return stmts
}

func indexName(stmt string) string {
	start := strings.IndexByte(stmt, '"')
	if start < 0 {
		return stmt
	}
	end := strings.IndexByte(stmt[start+1:], '"')
	if end < 0 {
		return stmt
	}
	return stmt[start+1 : start+1+end]
}

// JoinSpec describes one generated join table. Src is the canonical
// owner side: the declaring side for unidirectional relationships, the
// lexicographically smaller Entity.property side for many-to-many pairs.
// src_ord orders the src record's list, dst_ord the dst record's list;
// each column exists only when that side is ToManyOrdered.
type JoinSpec struct {
	Table      string
	SrcEntity  string
	SrcProp    string
	DstEntity  string
	DstProp    string
	SrcOrdered bool
	DstOrdered bool
}

// Joins returns every join table of the model sorted by table name.
func Joins(m *schema.Model) []JoinSpec {
	var specs []JoinSpec
	seen := make(map[string]bool)
	for _, e := range m.Concrete() {
		for _, p := range e.Properties {
			if p.Kind != schema.KindRelationship || p.Cardinality == schema.ToOne {
				continue
			}
			if p.Unidirectional {
				specs = append(specs, JoinSpec{
					Table:      joinPrefix + e.Name + "_" + p.Name,
					SrcEntity:  e.Name,
					SrcProp:    p.Name,
					DstEntity:  p.Target,
					SrcOrdered: p.Cardinality == schema.ToManyOrdered,
				})
				continue
			}
			target, _ := m.Entity(p.Target)
			inv, _ := target.Property(p.Inverse)
			if inv.Cardinality == schema.ToOne {
				continue // the to-one side carries a foreign key column
			}
			src, srcProp, dst, dstProp := e.Name, p, target.Name, inv
			if sideKey(target.Name, inv.Name) < sideKey(e.Name, p.Name) {
				src, srcProp, dst, dstProp = target.Name, inv, e.Name, p
			}
			table := joinPrefix + src + "_" + srcProp.Name
			if seen[table] {
				continue
			}
			seen[table] = true
			specs = append(specs, JoinSpec{
				Table:      table,
				SrcEntity:  src,
				SrcProp:    srcProp.Name,
				DstEntity:  dst,
				DstProp:    dstProp.Name,
				SrcOrdered: srcProp.Cardinality == schema.ToManyOrdered,
				DstOrdered: dstProp.Cardinality == schema.ToManyOrdered,
			})
		}
	}
	slices.SortFunc(specs, func(a, b JoinSpec) int {
		return strings.Compare(a.Table, b.Table)
	})
	return specs
}

func sideKey(entity, prop string) string {
	return entity + "\x00" + prop
}

// RelStorageKind says where a relationship's edges live.
type RelStorageKind int

const (
	// RelColumn: a foreign-key column on the declaring entity's table.
	RelColumn RelStorageKind = iota + 1
	// RelInverseColumn: the destination entity carries the column.
	RelInverseColumn
	// RelJoinTable: a generated join table holds the edges.
	RelJoinTable
)

// RelStorage resolves how one declared relationship is stored.
type RelStorage struct {
	Kind RelStorageKind

	// RelColumn fields. OrdColumn is set when the inverse is an ordered
	// to-many: it holds this row's position in the inverse list.
	Column    string
	OrdColumn string

	// RelInverseColumn fields.
	OtherEntity string
	OtherColumn string
	OtherOrd    string

	// RelJoinTable fields, oriented from the declaring side. LocalCol
	// holds the declaring record's key. OrdCol orders the declaring
	// record's list; empty when unordered.
	Join      JoinSpec
	LocalCol  string
	RemoteCol string
	OrdCol    string
}

// RelStorageFor resolves the storage of entity.prop within the model.
func RelStorageFor(m *schema.Model, entity, prop string) (RelStorage, error) {
	e, ok := m.Entity(entity)
	if !ok {
		return RelStorage{}, fmt.Errorf("unknown entity %q", entity)
	}
	p, ok := e.Property(prop)
	if !ok || p.Kind != schema.KindRelationship {
		return RelStorage{}, fmt.Errorf("%s.%s is not a relationship", entity, prop)
	}

	if p.Cardinality == schema.ToOne {
		if ownsForeignKey(m, e, p) {
			rs := RelStorage{Kind: RelColumn, Column: p.Name}
			if !p.Unidirectional {
				target, _ := m.Entity(p.Target)
				if inv, ok := target.Property(p.Inverse); ok && inv.Cardinality == schema.ToManyOrdered {
					rs.OrdColumn = ordPrefix + p.Name
				}
			}
			return rs, nil
		}
		// The other to-one side owns the column.
		target, _ := m.Entity(p.Target)
		return RelStorage{
			Kind:        RelInverseColumn,
			OtherEntity: target.Name,
			OtherColumn: p.Inverse,
		}, nil
	}

	// To-many: either the inverse to-one side carries the column, or a
	// join table does.
	if !p.Unidirectional {
		target, _ := m.Entity(p.Target)
		if inv, ok := target.Property(p.Inverse); ok && inv.Cardinality == schema.ToOne {
			rs := RelStorage{
				Kind:        RelInverseColumn,
				OtherEntity: target.Name,
				OtherColumn: inv.Name,
			}
			if p.Cardinality == schema.ToManyOrdered {
				rs.OtherOrd = ordPrefix + inv.Name
			}
			return rs, nil
		}
	}
	for _, j := range Joins(m) {
		if j.SrcEntity == e.Name && j.SrcProp == p.Name {
			rs := RelStorage{Kind: RelJoinTable, Join: j, LocalCol: "src_pk", RemoteCol: "dst_pk"}
			if j.SrcOrdered {
				rs.OrdCol = "src_ord"
			}
			return rs, nil
		}
		if j.DstEntity == e.Name && j.DstProp == p.Name {
			rs := RelStorage{Kind: RelJoinTable, Join: j, LocalCol: "dst_pk", RemoteCol: "src_pk"}
			if j.DstOrdered {
				rs.OrdCol = "dst_ord"
			}
			return rs, nil
		}
	}
	return RelStorage{}, fmt.Errorf("no storage resolved for %s.%s", entity, prop)
}

// ownsForeignKey reports whether a to-one relationship stores the foreign
// key on its own table. Against a to-many inverse it always does; between
// two to-one sides the lexicographically smaller Entity.property side
// owns the column.
func ownsForeignKey(m *schema.Model, e schema.Entity, p schema.Property) bool {
	if p.Unidirectional {
		return true
	}
	target, _ := m.Entity(p.Target)
	inv, ok := target.Property(p.Inverse)
	if !ok || inv.Cardinality != schema.ToOne {
		return true
	}
	return sideKey(e.Name, p.Name) < sideKey(target.Name, inv.Name)
}

func columnType(t schema.AttrType) string {
	switch t {
	case schema.TypeInt16, schema.TypeInt32, schema.TypeInt64, schema.TypeBool, schema.TypeDate:
		return "INTEGER"
	case schema.TypeDouble:
		return "REAL"
	case schema.TypeString:
		return "TEXT"
	default:
		return "BLOB"
	}
}

// defaultSQL renders an attribute default as a SQL literal. The value
// was validated at model build, so rendering cannot fail.
func defaultSQL(p schema.Property) string {
	v, err := schema.NormalizeValue(p.Type, p.Default)
	if err != nil {
		panic(fmt.Sprintf("unvalidated default for %s: %v", p.Name, err))
	}
	switch p.Type {
	case schema.TypeInt16, schema.TypeInt32, schema.TypeInt64:
		return strconv.FormatInt(v.(int64), 10)
	case schema.TypeDouble:
		return strconv.FormatFloat(v.(float64), 'g', -1, 64)
	case schema.TypeString:
		return quoteString(v.(string))
	case schema.TypeBool:
		if v.(bool) {
			return "1"
		}
		return "0"
	case schema.TypeDate:
		return strconv.FormatInt(encodeTime(v), 10)
	case schema.TypeBinary:
		return fmt.Sprintf("X'%x'", v.([]byte))
	default:
		panic(fmt.Sprintf("type %v admits no default", p.Type))
	}
}

// QuoteIdent renders a validated identifier for use in SQL text. Model
// validation guarantees names contain no quotes.
func QuoteIdent(name string) string {
	return `"` + name + `"`
}

func quoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
