package schema

import "fmt"

// AttrType identifies the value type of an attribute.
// The zero value is invalid; every attribute must declare a type.
type AttrType int

const (
	TypeInt16 AttrType = iota + 1
	TypeInt32
	TypeInt64
	TypeDouble
	TypeString
	TypeBool
	TypeDate
	TypeBinary
	// TypeTransformable stores an arbitrary value encoded by a named coder.
	// The coder name is set with the Coder option; empty selects the
	// built-in JSON coder.
	TypeTransformable
)

var attrTypeNames = map[AttrType]string{
	TypeInt16:         "int16",
	TypeInt32:         "int32",
	TypeInt64:         "int64",
	TypeDouble:        "double",
	TypeString:        "string",
	TypeBool:          "bool",
	TypeDate:          "date",
	TypeBinary:        "binary",
	TypeTransformable: "transformable",
}

func (t AttrType) String() string {
	if s, ok := attrTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("AttrType(%d)", int(t))
}

// ParseAttrType maps a type name (as written in schema declaration files)
// to its AttrType.
func ParseAttrType(s string) (AttrType, error) {
	for t, name := range attrTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown attribute type %q", s)
}

// Cardinality describes how many destination records a relationship holds.
type Cardinality int

const (
	ToOne Cardinality = iota + 1
	ToManyOrdered
	ToManyUnordered
)

var cardinalityNames = map[Cardinality]string{
	ToOne:           "toOne",
	ToManyOrdered:   "toManyOrdered",
	ToManyUnordered: "toManyUnordered",
}

func (c Cardinality) String() string {
	if s, ok := cardinalityNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Cardinality(%d)", int(c))
}

// ParseCardinality maps a cardinality name to its Cardinality.
func ParseCardinality(s string) (Cardinality, error) {
	for c, name := range cardinalityNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown cardinality %q", s)
}

// DeleteRule describes what happens to related records when the declaring
// record is deleted. The zero value is Nullify.
type DeleteRule int

const (
	Nullify DeleteRule = iota
	Cascade
	Deny
	NoAction
)

var deleteRuleNames = map[DeleteRule]string{
	Nullify:  "nullify",
	Cascade:  "cascade",
	Deny:     "deny",
	NoAction: "noAction",
}

func (r DeleteRule) String() string {
	if s, ok := deleteRuleNames[r]; ok {
		return s
	}
	return fmt.Sprintf("DeleteRule(%d)", int(r))
}

// ParseDeleteRule maps a delete-rule name to its DeleteRule.
func ParseDeleteRule(s string) (DeleteRule, error) {
	for r, name := range deleteRuleNames {
		if name == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown delete rule %q", s)
}

// PropertyKind discriminates the two property variants.
type PropertyKind int

const (
	KindAttribute PropertyKind = iota + 1
	KindRelationship
)

func (k PropertyKind) String() string {
	switch k {
	case KindAttribute:
		return "attribute"
	case KindRelationship:
		return "relationship"
	default:
		return fmt.Sprintf("PropertyKind(%d)", int(k))
	}
}

// Property is a tagged variant: Kind selects which field group applies.
// Attribute properties use Type, Default and Coder. Relationship
// properties use Target, Inverse, Unidirectional, Cardinality and
// DeleteRule. Optional and RenamedFrom apply to both kinds. Construct
// properties with Attr and Rel; hand-written literals are validated the
// same way when the model is built.
type Property struct {
	Name string
	Kind PropertyKind

	// Attribute fields.
	Type    AttrType
	Default any
	Coder   string

	// Relationship fields.
	Target         string
	Inverse        string
	Unidirectional bool
	Cardinality    Cardinality
	DeleteRule     DeleteRule

	// Shared fields.
	Optional bool
	// RenamedFrom is the property's name in the predecessor version.
	// It drives rename matching during migration planning and never
	// affects identity hashes.
	RenamedFrom string
}

// ToMany reports whether the property is a to-many relationship.
func (p Property) ToMany() bool {
	return p.Kind == KindRelationship && p.Cardinality != ToOne
}

// PropertyOption configures a Property built with Attr or Rel.
type PropertyOption func(*Property)

// Attr declares an attribute property.
func Attr(name string, t AttrType, opts ...PropertyOption) Property {
	p := Property{Name: name, Kind: KindAttribute, Type: t}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Rel declares a relationship property. The delete rule defaults to
// Nullify; use OnDelete to change it.
func Rel(name, target string, c Cardinality, opts ...PropertyOption) Property {
	p := Property{Name: name, Kind: KindRelationship, Target: target, Cardinality: c}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Optional marks the property as admitting absent values. Required
// attributes map to NOT NULL storage; required to-one relationships must
// always reference a record.
func Optional() PropertyOption {
	return func(p *Property) { p.Optional = true }
}

// Default sets the attribute's default value. The value must match the
// attribute type (validated at model build).
func Default(v any) PropertyOption {
	return func(p *Property) { p.Default = v }
}

// Coder names the transformable coder for a TypeTransformable attribute.
func Coder(name string) PropertyOption {
	return func(p *Property) { p.Coder = name }
}

// RenamedFrom records the property's name in the predecessor version.
func RenamedFrom(prev string) PropertyOption {
	return func(p *Property) { p.RenamedFrom = prev }
}

// Inverse names the relationship on the destination entity that points
// back at the declaring entity.
func Inverse(name string) PropertyOption {
	return func(p *Property) { p.Inverse = name }
}

// Unidirectional declares a relationship with no inverse. A relationship
// must either resolve an inverse or be unidirectional.
func Unidirectional() PropertyOption {
	return func(p *Property) { p.Unidirectional = true }
}

// OnDelete sets the relationship's delete rule.
func OnDelete(r DeleteRule) PropertyOption {
	return func(p *Property) { p.DeleteRule = r }
}

// Entity declares one entity of a model version.
type Entity struct {
	Name string
	// IsAbstract entities contribute inherited properties but have no
	// storage of their own and cannot be relationship targets.
	IsAbstract bool
	// Parent names the superentity whose properties this entity inherits.
	Parent string
	// Properties in declaration order. The resolved model re-sorts them
	// by name.
	Properties []Property
	// Unique lists uniqueness constraints, each a list of attribute
	// names. Constraint column order is preserved; the set of
	// constraints is order-independent for identity purposes.
	Unique [][]string
	// Indexes lists non-unique index requests, each a list of attribute
	// names.
	Indexes [][]string
	// RenamedFrom is the entity's name in the predecessor version.
	RenamedFrom string
	// HashModifier is an opaque string folded into the entity's identity
	// hash, forcing a version mismatch without any structural change.
	HashModifier string
	// Configuration labels which store hosts this entity. Empty is the
	// default configuration.
	Configuration string
}

// Property looks up a resolved property by exact name.
func (e Entity) Property(name string) (Property, bool) {
	for _, p := range e.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}
