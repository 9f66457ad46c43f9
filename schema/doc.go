// Package schema defines versioned entity models: the descriptors an
// application declares, the validation that turns declarations into a
// resolved model, and the identity hashes that decide whether two
// versions of a model are the same shape.
//
// # Declarations
//
// A Model is built from Entity declarations. Each Entity carries ordered
// Property declarations, which are tagged variants: either an attribute
// (typed value column) or a relationship (reference to another entity
// with a cardinality and a delete rule). Properties are constructed with
// Attr and Rel plus functional options:
//
//	model, err := schema.New("V1",
//		schema.Entity{Name: "Person", Properties: []schema.Property{
//			schema.Attr("name", schema.TypeString),
//			schema.Rel("pet", "Animal", schema.ToManyUnordered,
//				schema.Inverse("master")),
//		}},
//		schema.Entity{Name: "Animal", Properties: []schema.Property{
//			schema.Attr("species", schema.TypeString),
//			schema.Rel("master", "Person", schema.ToOne,
//				schema.Inverse("pet"), schema.Optional()),
//		}},
//	)
//
// # Resolution
//
// New runs a two-pass build. The first pass registers every entity in a
// name-keyed arena. The second pass resolves superentity chains (inherited
// attributes are flattened into each concrete entity) and relationship
// references (the destination must exist, and the inverse declared on the
// destination must point back with the declaring property's name). Cyclic
// relationship graphs are legal; cyclic inheritance is not. Validation
// collects every problem and reports them together in a ModelError.
//
// # Identity
//
// A resolved model sorts entities and properties by name, so declaration
// order never affects iteration order, generated storage shape, or hashes.
// Every concrete entity has an identity hash: a domain-separated SHA-256
// over its canonical JSON form (RFC 8785 subset with NFC-normalized
// strings and UTF-16 key ordering). The model hash covers the sorted
// entity hashes. Renaming identifiers describe the previous version's
// names and are excluded from hashing.
package schema
