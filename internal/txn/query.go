package txn

// Predicate is one node of a fetch condition. It is a sealed interface:
// the predicateNode marker keeps every implementation inside this
// package, so the compiler's type switch covers all node shapes.
//
// Field references name properties of the fetched entity, plus "pk" for
// the record key. Attributes compare against attribute values, and
// foreign keys held on the entity's own table compare against record
// keys. To-many relationships have no column to compare; fetch the far
// side and filter there instead.
type Predicate interface {
	predicateNode()
}

// Eq matches records whose field equals Value.
type Eq struct {
	Field string
	Value any
}

// Ne matches records whose field differs from Value. A null field never
// matches; SQL comparison drops nulls from both sides.
type Ne struct {
	Field string
	Value any
}

// Lt matches records whose field sorts before Value.
type Lt struct {
	Field string
	Value any
}

// Le matches records whose field sorts before or equals Value.
type Le struct {
	Field string
	Value any
}

// Gt matches records whose field sorts after Value.
type Gt struct {
	Field string
	Value any
}

// Ge matches records whose field sorts after or equals Value.
type Ge struct {
	Field string
	Value any
}

// In matches records whose field equals any listed value. An empty
// Values list matches nothing.
type In struct {
	Field  string
	Values []any
}

// IsNull matches records whose optional field holds no value.
type IsNull struct {
	Field string
}

// And matches records satisfying every branch. An empty And matches
// everything.
type And struct {
	Preds []Predicate
}

// Or matches records satisfying at least one branch. An empty Or
// matches nothing.
type Or struct {
	Preds []Predicate
}

// Not matches records its branch rejects.
type Not struct {
	Pred Predicate
}

func (Eq) predicateNode()     {}
func (Ne) predicateNode()     {}
func (Lt) predicateNode()     {}
func (Le) predicateNode()     {}
func (Gt) predicateNode()     {}
func (Ge) predicateNode()     {}
func (In) predicateNode()     {}
func (IsNull) predicateNode() {}
func (And) predicateNode()    {}
func (Or) predicateNode()     {}
func (Not) predicateNode()    {}

// Order sorts fetch results by one field. Results always end in key
// order behind the declared fields, so equal sort keys never shuffle
// between runs.
type Order struct {
	Field string
	Desc  bool
}

// Query is a declarative fetch against one entity: an optional filter,
// an optional sort order, and an optional result window. The zero Query
// fetches every record in key order.
type Query struct {
	Where   Predicate
	OrderBy []Order
	// Limit caps the result count; zero means no cap. Offset skips
	// leading results after sorting.
	Limit  int64
	Offset int64
}
