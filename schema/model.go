package schema

import (
	"fmt"
	"slices"
	"strings"
)

// Model is a resolved, validated schema version. Entities and their
// properties are sorted by name, inherited attributes are flattened into
// each entity, and identity hashes are precomputed. A Model is immutable
// after New returns.
type Model struct {
	version      string
	entities     []Entity
	index        map[string]int
	entityHashes map[string]string
	hash         string
}

// New builds a Model from entity declarations. The build is two-pass:
// pass one registers every entity in a name-keyed arena, pass two
// resolves superentity chains and relationship references against it,
// which is what lets cyclic relationship graphs (Person.pet and
// Animal.master referencing each other) validate in one call.
//
// All validation problems are collected; on failure the returned error is
// a *ModelError listing every one.
func New(version string, entities ...Entity) (*Model, error) {
	var errs []ValidationError
	report := func(code, entity, prop, format string, args ...any) {
		errs = append(errs, ValidationError{
			Code:     code,
			Entity:   entity,
			Property: prop,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	if strings.TrimSpace(version) == "" {
		report(CodeBadVersion, "", "", "version name must not be empty")
	}

	// Pass 1: register declarations. Names are unique case-insensitively
	// because they become quoted SQL identifiers, which SQLite compares
	// case-insensitively.
	decls := make([]Entity, len(entities))
	arena := make(map[string]*Entity, len(entities))
	for i, e := range entities {
		decls[i] = cloneEntity(e)
		if err := checkEntityName(e.Name); err != nil {
			report(CodeBadEntityName, e.Name, "", "%v", err)
			continue
		}
		lower := strings.ToLower(e.Name)
		if prev, dup := arena[lower]; dup {
			report(CodeDupEntity, e.Name, "", "entity name already declared as %q", prev.Name)
			continue
		}
		arena[lower] = &decls[i]
	}

	registered := make([]*Entity, 0, len(arena))
	for i := range decls {
		lower := strings.ToLower(decls[i].Name)
		if arena[lower] == &decls[i] {
			registered = append(registered, &decls[i])
		}
	}

	// Pass 2a: flatten superentity chains.
	const (
		unseen = iota
		visiting
		done
	)
	state := make(map[string]int, len(arena))
	flat := make(map[string][]Property, len(arena))
	var resolve func(e *Entity) []Property
	resolve = func(e *Entity) []Property {
		lower := strings.ToLower(e.Name)
		switch state[lower] {
		case done:
			return flat[lower]
		case visiting:
			report(CodeParentCycle, e.Name, "", "superentity chain forms a cycle")
			state[lower] = done
			return nil
		}
		state[lower] = visiting
		var inherited []Property
		if e.Parent != "" {
			parent, ok := arena[strings.ToLower(e.Parent)]
			if !ok {
				report(CodeUnknownParent, e.Name, "", "superentity %q does not exist", e.Parent)
			} else {
				inherited = resolve(parent)
			}
		}
		props := make([]Property, 0, len(inherited)+len(e.Properties))
		props = append(props, inherited...)
		props = append(props, e.Properties...)
		state[lower] = done
		flat[lower] = props
		return props
	}
	for _, e := range registered {
		resolve(e)
	}

	// Pass 2b: validate declared properties and resolve relationships.
	for _, e := range registered {
		for _, p := range e.Properties {
			validateProperty(e, p, arena, report)
		}
	}

	// Pass 2c: per-entity checks over the flattened shape.
	for _, e := range registered {
		props := flat[strings.ToLower(e.Name)]
		seen := make(map[string]string, len(props))
		for _, p := range props {
			lower := strings.ToLower(p.Name)
			if first, dup := seen[lower]; dup {
				report(CodeDupProperty, e.Name, p.Name,
					"property name already declared as %q (superentity chain included)", first)
				continue
			}
			seen[lower] = p.Name
		}
		checkConstraintRefs(e, "unique", e.Unique, props, report)
		checkConstraintRefs(e, "index", e.Indexes, props, report)
	}

	if len(errs) > 0 {
		return nil, &ModelError{Version: version, Errors: errs}
	}

	// Resolution: sorted entities with flattened, sorted properties.
	resolved := make([]Entity, 0, len(registered))
	for _, e := range registered {
		re := *e
		re.Properties = slices.Clone(flat[strings.ToLower(e.Name)])
		slices.SortFunc(re.Properties, func(a, b Property) int {
			return strings.Compare(a.Name, b.Name)
		})
		resolved = append(resolved, re)
	}
	slices.SortFunc(resolved, func(a, b Entity) int {
		return strings.Compare(a.Name, b.Name)
	})

	m := &Model{
		version:      version,
		entities:     resolved,
		index:        make(map[string]int, len(resolved)),
		entityHashes: make(map[string]string, len(resolved)),
	}
	for i, e := range resolved {
		m.index[strings.ToLower(e.Name)] = i
		if !e.IsAbstract {
			h, err := entityHash(e)
			if err != nil {
				return nil, fmt.Errorf("hash entity %q: %w", e.Name, err)
			}
			m.entityHashes[e.Name] = h
		}
	}
	h, err := modelHash(m.entityHashes)
	if err != nil {
		return nil, fmt.Errorf("hash model %q: %w", version, err)
	}
	m.hash = h
	return m, nil
}

func validateProperty(e *Entity, p Property, arena map[string]*Entity, report func(code, entity, prop, format string, args ...any)) {
	if err := checkPropertyName(p.Name); err != nil {
		report(CodeBadPropertyName, e.Name, p.Name, "%v", err)
		return
	}
	switch p.Kind {
	case KindAttribute:
		if p.Target != "" || p.Inverse != "" || p.Unidirectional || p.Cardinality != 0 {
			report(CodeKindMismatch, e.Name, p.Name, "relationship fields set on an attribute")
		}
		if _, ok := attrTypeNames[p.Type]; !ok {
			report(CodeBadType, e.Name, p.Name, "attribute type missing or invalid")
			return
		}
		if p.Coder != "" && p.Type != TypeTransformable {
			report(CodeBadCoder, e.Name, p.Name, "coder %q named on %s attribute", p.Coder, p.Type)
		}
		if p.Default != nil {
			if _, err := defaultLiteral(p.Type, p.Default); err != nil {
				report(CodeBadDefault, e.Name, p.Name, "default value: %v", err)
			}
		}
	case KindRelationship:
		if p.Type != 0 || p.Default != nil || p.Coder != "" {
			report(CodeKindMismatch, e.Name, p.Name, "attribute fields set on a relationship")
		}
		if e.IsAbstract {
			report(CodeAbstractRel, e.Name, p.Name, "relationships must be declared on concrete entities")
		}
		if _, ok := cardinalityNames[p.Cardinality]; !ok {
			report(CodeBadCardinality, e.Name, p.Name, "cardinality missing or invalid")
		}
		if _, ok := deleteRuleNames[p.DeleteRule]; !ok {
			report(CodeBadCardinality, e.Name, p.Name, "delete rule invalid")
		}
		target, ok := arena[strings.ToLower(p.Target)]
		if !ok {
			report(CodeUnknownTarget, e.Name, p.Name, "destination entity %q does not exist", p.Target)
			return
		}
		if target.IsAbstract {
			report(CodeAbstractTarget, e.Name, p.Name, "destination entity %q is abstract", p.Target)
			return
		}
		validateInverse(e, p, target, report)
	default:
		report(CodeKindMismatch, e.Name, p.Name, "property kind not set (use Attr or Rel)")
	}
}

// validateInverse checks the second half of the two-pass contract: the
// destination must declare the named inverse, and that inverse must point
// straight back. Errors name both ends so either declaration can be fixed.
func validateInverse(e *Entity, p Property, target *Entity, report func(code, entity, prop, format string, args ...any)) {
	if p.Unidirectional {
		if p.Inverse != "" {
			report(CodeInverseConflict, e.Name, p.Name,
				"unidirectional relationship also names inverse %q", p.Inverse)
		}
		return
	}
	if p.Inverse == "" {
		report(CodeUnresolvedInverse, e.Name, p.Name,
			"relationship to %q declares no inverse; name one with Inverse or mark it Unidirectional", p.Target)
		return
	}
	if strings.EqualFold(p.Target, e.Name) && p.Inverse == p.Name {
		report(CodeInverseConflict, e.Name, p.Name,
			"relationship names itself as its inverse")
		return
	}
	inv, ok := target.Property(p.Inverse)
	if !ok {
		report(CodeUnresolvedInverse, e.Name, p.Name,
			"inverse %s.%s is not declared on the destination", target.Name, p.Inverse)
		return
	}
	if inv.Kind != KindRelationship {
		report(CodeUnresolvedInverse, e.Name, p.Name,
			"inverse %s.%s is not a relationship", target.Name, inv.Name)
		return
	}
	if !strings.EqualFold(inv.Target, e.Name) {
		report(CodeUnresolvedInverse, e.Name, p.Name,
			"inverse %s.%s targets %q, not %q", target.Name, inv.Name, inv.Target, e.Name)
		return
	}
	if inv.Unidirectional || inv.Inverse != p.Name {
		report(CodeUnresolvedInverse, e.Name, p.Name,
			"inverse %s.%s does not point back at %s.%s", target.Name, inv.Name, e.Name, p.Name)
	}
}

func checkConstraintRefs(e *Entity, kind string, groups [][]string, props []Property, report func(code, entity, prop, format string, args ...any)) {
	for _, group := range groups {
		if len(group) == 0 {
			report(CodeBadConstraint, e.Name, "", "%s constraint is empty", kind)
			continue
		}
		for _, name := range group {
			found := false
			for _, p := range props {
				if p.Name == name {
					if p.Kind != KindAttribute {
						report(CodeBadConstraint, e.Name, name,
							"%s constraint references relationship %q; only attributes are indexable", kind, name)
					}
					found = true
					break
				}
			}
			if !found {
				report(CodeBadConstraint, e.Name, name,
					"%s constraint references unknown property %q", kind, name)
			}
		}
	}
}

func cloneEntity(e Entity) Entity {
	c := e
	c.Properties = slices.Clone(e.Properties)
	c.Unique = cloneGroups(e.Unique)
	c.Indexes = cloneGroups(e.Indexes)
	return c
}

func cloneGroups(groups [][]string) [][]string {
	if groups == nil {
		return nil
	}
	out := make([][]string, len(groups))
	for i, g := range groups {
		out[i] = slices.Clone(g)
	}
	return out
}

// Version returns the model's version name.
func (m *Model) Version() string { return m.version }

// Hash returns the model's identity hash. It covers the shape of every
// concrete entity and nothing else; two models with the same entities
// under different version names share a hash.
func (m *Model) Hash() string { return m.hash }

// Entities returns all resolved entities sorted by name, abstract ones
// included.
func (m *Model) Entities() []Entity { return m.entities }

// Concrete returns the resolved entities that have storage of their own.
func (m *Model) Concrete() []Entity {
	out := make([]Entity, 0, len(m.entities))
	for _, e := range m.entities {
		if !e.IsAbstract {
			out = append(out, e)
		}
	}
	return out
}

// Entity looks up a resolved entity by name (case-insensitive).
func (m *Model) Entity(name string) (Entity, bool) {
	i, ok := m.index[strings.ToLower(name)]
	if !ok {
		return Entity{}, false
	}
	return m.entities[i], true
}

// EntityHash returns the identity hash of a concrete entity.
func (m *Model) EntityHash(name string) (string, bool) {
	e, ok := m.Entity(name)
	if !ok {
		return "", false
	}
	h, ok := m.entityHashes[e.Name]
	return h, ok
}

// EntityHashes returns a copy of the per-entity hash table (concrete
// entities only). This is the table stores stamp into their metadata.
func (m *Model) EntityHashes() map[string]string {
	out := make(map[string]string, len(m.entityHashes))
	for k, v := range m.entityHashes {
		out[k] = v
	}
	return out
}
