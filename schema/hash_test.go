package schema

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildModel(t *testing.T, version string, entities ...Entity) *Model {
	t.Helper()
	m, err := New(version, entities...)
	require.NoError(t, err)
	return m
}

func TestHashIgnoresDeclarationOrder(t *testing.T) {
	forward := buildModel(t, "V1", personEntity(), animalEntity())

	// Same declarations, entities and properties listed in other orders.
	animal := animalEntity()
	animal.Properties = []Property{
		animal.Properties[2], animal.Properties[0], animal.Properties[1],
	}
	backward := buildModel(t, "V1", animal, personEntity())

	assert.Equal(t, forward.Hash(), backward.Hash())
	assert.Equal(t, forward.EntityHashes(), backward.EntityHashes())
}

func TestHashIgnoresVersionName(t *testing.T) {
	v1 := buildModel(t, "V1", personEntity(), animalEntity())
	v2 := buildModel(t, "V2", personEntity(), animalEntity())
	assert.Equal(t, v1.Hash(), v2.Hash())
}

func TestHashModifierForcesNewIdentity(t *testing.T) {
	plain := buildModel(t, "V1", animalEntity(), personEntity())

	modified := animalEntity()
	modified.HashModifier = "rebuild-2024"
	bumped := buildModel(t, "V1", modified, personEntity())

	ph, _ := plain.EntityHash("Animal")
	bh, _ := bumped.EntityHash("Animal")
	assert.NotEqual(t, ph, bh)
	assert.NotEqual(t, plain.Hash(), bumped.Hash())

	// The untouched entity keeps its hash.
	pp, _ := plain.EntityHash("Person")
	bp, _ := bumped.EntityHash("Person")
	assert.Equal(t, pp, bp)
}

func TestRenamingIdentifiersDoNotChangeHash(t *testing.T) {
	plain := buildModel(t, "V2", animalEntity(), personEntity())

	renamed := animalEntity()
	renamed.RenamedFrom = "Beast"
	for i, p := range renamed.Properties {
		if p.Name == "nickname" {
			p.RenamedFrom = "petName"
			renamed.Properties[i] = p
		}
	}
	withRenames := buildModel(t, "V2", renamed, personEntity())

	assert.Equal(t, plain.Hash(), withRenames.Hash())
}

func TestStructuralChangesChangeHash(t *testing.T) {
	base := buildModel(t, "V1", animalEntity(), personEntity())

	optional := animalEntity()
	for i, p := range optional.Properties {
		if p.Name == "species" {
			p.Optional = true
			optional.Properties[i] = p
		}
	}
	flipped := buildModel(t, "V1", optional, personEntity())
	assert.NotEqual(t, base.Hash(), flipped.Hash())

	retyped := animalEntity()
	for i, p := range retyped.Properties {
		if p.Name == "species" {
			p.Type = TypeBinary
			retyped.Properties[i] = p
		}
	}
	assert.NotEqual(t, base.Hash(), buildModel(t, "V1", retyped, personEntity()).Hash())
}

func TestInheritedAttributeAffectsChildHash(t *testing.T) {
	parent := Entity{Name: "Creature", IsAbstract: true, Properties: []Property{
		Attr("name", TypeString),
	}}
	child := Entity{Name: "Dog", Parent: "Creature", Properties: []Property{
		Attr("breed", TypeString),
	}}
	before := buildModel(t, "V1", parent, child)

	parent.Properties = []Property{Attr("name", TypeString, Optional())}
	after := buildModel(t, "V1", parent, child)

	bh, _ := before.EntityHash("Dog")
	ah, _ := after.EntityHash("Dog")
	assert.NotEqual(t, bh, ah)
}

// The canonical form is the hash input. The golden file pins its exact
// bytes, so a change to the form shows up as a fixture diff instead of
// a silent rehash of every existing store.
func TestCanonicalEntityFormGolden(t *testing.T) {
	m := buildModel(t, "V1",
		Entity{
			Name: "Animal",
			Properties: []Property{
				Attr("species", TypeString),
				Attr("legs", TypeInt64, Optional(), Default(4)),
				Attr("profile", TypeTransformable, Optional(), Coder("json")),
				Rel("master", "Person", ToOne, Inverse("pet"), Optional()),
				Rel("sightings", "Place", ToManyUnordered, Unidirectional()),
			},
			Unique:       [][]string{{"species"}},
			Indexes:      [][]string{{"legs"}},
			HashModifier: "rebuild-1",
		},
		Entity{Name: "Person", Properties: []Property{
			Attr("name", TypeString),
			Rel("pet", "Animal", ToManyUnordered, Inverse("master")),
		}},
		Entity{Name: "Place", Properties: []Property{
			Attr("name", TypeString),
		}},
	)

	animal, ok := m.Entity("Animal")
	require.True(t, ok)
	form, err := canonicalEntityForm(animal)
	require.NoError(t, err)
	data, err := MarshalCanonical(form)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "canonical_entity_form", data)
}

func TestUniqueConstraintHashing(t *testing.T) {
	withUnique := func(unique [][]string) *Model {
		e := Entity{Name: "Animal", Properties: []Property{
			Attr("species", TypeString),
			Attr("nickname", TypeString, Optional()),
		}, Unique: unique}
		return buildModel(t, "V1", e)
	}

	// Constraint declaration order does not matter.
	a := withUnique([][]string{{"species"}, {"nickname"}})
	b := withUnique([][]string{{"nickname"}, {"species"}})
	assert.Equal(t, a.Hash(), b.Hash())

	// Column order inside one constraint does.
	c := withUnique([][]string{{"species", "nickname"}})
	d := withUnique([][]string{{"nickname", "species"}})
	assert.NotEqual(t, c.Hash(), d.Hash())
}
