package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkerrow/strata/internal/history"
	"github.com/mkerrow/strata/schema"
)

func mustModel(t *testing.T, version string, entities ...schema.Entity) *schema.Model {
	t.Helper()
	m, err := schema.New(version, entities...)
	require.NoError(t, err)
	return m
}

func mustHistory(t *testing.T, models ...*schema.Model) *history.History {
	t.Helper()
	h, err := history.New(models)
	require.NoError(t, err)
	return h
}

func entityMapping(t *testing.T, s Step, target string) EntityMapping {
	t.Helper()
	for _, em := range s.Entities {
		if em.TargetEntity == target {
			return em
		}
	}
	t.Fatalf("step %s -> %s has no mapping targeting %s", s.From, s.To, target)
	return EntityMapping{}
}

func propMapping(t *testing.T, em EntityMapping, target string) PropertyMapping {
	t.Helper()
	for _, pm := range em.Properties {
		if pm.Target == target {
			return pm
		}
	}
	t.Fatalf("mapping for %s has no property %s", em.TargetEntity, target)
	return PropertyMapping{}
}

func dogV1(t *testing.T) *schema.Model {
	return mustModel(t, "V1", schema.Entity{
		Name: "Dog",
		Properties: []schema.Property{
			schema.Attr("name", schema.TypeString),
			schema.Attr("age", schema.TypeInt32, schema.Optional()),
		},
	})
}

func TestBuildPlan_AtCurrentIsEmpty(t *testing.T) {
	h := mustHistory(t, dogV1(t))

	plan, err := BuildPlan(h, "V1", nil)
	require.NoError(t, err)
	assert.True(t, plan.Empty())
	assert.Equal(t, "V1", plan.From)
	assert.Equal(t, "V1", plan.To)
}

func TestBuildPlan_LinearStepsInOrder(t *testing.T) {
	v1 := dogV1(t)
	v2 := mustModel(t, "V2", schema.Entity{
		Name: "Dog",
		Properties: []schema.Property{
			schema.Attr("name", schema.TypeString),
			schema.Attr("age", schema.TypeInt32, schema.Optional()),
			schema.Attr("chipped", schema.TypeBool, schema.Default(false)),
		},
	})
	v3 := mustModel(t, "V3", schema.Entity{
		Name: "Dog",
		Properties: []schema.Property{
			schema.Attr("name", schema.TypeString),
			schema.Attr("age", schema.TypeInt32, schema.Optional()),
			schema.Attr("chipped", schema.TypeBool, schema.Default(false)),
			schema.Attr("licence", schema.TypeString, schema.Optional()),
		},
	})
	h := mustHistory(t, v1, v2, v3)

	plan, err := BuildPlan(h, "V1", nil)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "V1", plan.Steps[0].From)
	assert.Equal(t, "V2", plan.Steps[0].To)
	assert.Equal(t, "V2", plan.Steps[1].From)
	assert.Equal(t, "V3", plan.Steps[1].To)
	assert.Same(t, v2, plan.Steps[0].Target)
	assert.Same(t, v2, plan.Steps[1].Source)
}

func TestBuildPlan_UnknownVersionPassesThrough(t *testing.T) {
	h := mustHistory(t, dogV1(t))

	_, err := BuildPlan(h, "V9", nil)
	assert.ErrorIs(t, err, history.ErrUnknownVersion)
}

func TestBuildPlan_AmbiguousPathPassesThrough(t *testing.T) {
	h, err := history.New(
		[]*schema.Model{
			mustModel(t, "A"), mustModel(t, "B1"), mustModel(t, "B2"), mustModel(t, "C"),
		},
		history.WithChain(map[string][]string{
			"B1": {"A"},
			"B2": {"A"},
			"C":  {"B1", "B2"},
		}),
	)
	require.NoError(t, err)

	_, err = BuildPlan(h, "A", nil)
	assert.ErrorIs(t, err, history.ErrAmbiguousPath)
	assert.NotErrorIs(t, err, ErrMappingRequired)
}

func TestBuildPlan_UnchangedEntityCopies(t *testing.T) {
	v1 := mustModel(t, "V1",
		schema.Entity{Name: "Dog", Properties: []schema.Property{schema.Attr("name", schema.TypeString)}},
		schema.Entity{Name: "Toy", Properties: []schema.Property{schema.Attr("label", schema.TypeString)}},
	)
	v2 := mustModel(t, "V2",
		schema.Entity{Name: "Dog", Properties: []schema.Property{
			schema.Attr("name", schema.TypeString),
			schema.Attr("age", schema.TypeInt32, schema.Optional()),
		}},
		schema.Entity{Name: "Toy", Properties: []schema.Property{schema.Attr("label", schema.TypeString)}},
	)
	h := mustHistory(t, v1, v2)

	plan, err := BuildPlan(h, "V1", nil)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)

	assert.Equal(t, MapCopy, entityMapping(t, plan.Steps[0], "Toy").Kind)
	assert.Equal(t, MapTransform, entityMapping(t, plan.Steps[0], "Dog").Kind)
}

func TestBuildPlan_AddAndDropEntities(t *testing.T) {
	v1 := mustHistory(t,
		mustModel(t, "V1",
			schema.Entity{Name: "Dog", Properties: []schema.Property{schema.Attr("name", schema.TypeString)}},
			schema.Entity{Name: "Relic", Properties: []schema.Property{schema.Attr("note", schema.TypeString)}},
		),
		mustModel(t, "V2",
			schema.Entity{Name: "Dog", Properties: []schema.Property{schema.Attr("name", schema.TypeString)}},
			schema.Entity{Name: "Toy", Properties: []schema.Property{schema.Attr("label", schema.TypeString)}},
		),
	)

	plan, err := BuildPlan(v1, "V1", nil)
	require.NoError(t, err)
	step := plan.Steps[0]

	added := entityMapping(t, step, "Toy")
	assert.Equal(t, MapAdd, added.Kind)
	assert.Empty(t, added.SourceEntity)

	var dropped []string
	for _, em := range step.Entities {
		if em.Kind == MapDrop {
			dropped = append(dropped, em.SourceEntity)
		}
	}
	assert.Equal(t, []string{"Relic"}, dropped)
}

func TestBuildPlan_EntityRenameMatches(t *testing.T) {
	v1 := mustModel(t, "V1", schema.Entity{
		Name:       "Dog",
		Properties: []schema.Property{schema.Attr("name", schema.TypeString)},
	})
	v2 := mustModel(t, "V2", schema.Entity{
		Name:        "Hound",
		RenamedFrom: "Dog",
		Properties:  []schema.Property{schema.Attr("name", schema.TypeString)},
	})
	h := mustHistory(t, v1, v2)

	plan, err := BuildPlan(h, "V1", nil)
	require.NoError(t, err)
	step := plan.Steps[0]

	em := entityMapping(t, step, "Hound")
	assert.Equal(t, MapTransform, em.Kind)
	assert.Equal(t, "Dog", em.SourceEntity)
	for _, other := range step.Entities {
		assert.NotEqual(t, MapDrop, other.Kind, "renamed entity must not also drop")
	}
}

func TestBuildPlan_PropertyRenameMatches(t *testing.T) {
	v1 := dogV1(t)
	v2 := mustModel(t, "V2", schema.Entity{
		Name: "Dog",
		Properties: []schema.Property{
			schema.Attr("title", schema.TypeString, schema.RenamedFrom("name")),
			schema.Attr("age", schema.TypeInt32, schema.Optional()),
		},
	})
	h := mustHistory(t, v1, v2)

	plan, err := BuildPlan(h, "V1", nil)
	require.NoError(t, err)

	em := entityMapping(t, plan.Steps[0], "Dog")
	pm := propMapping(t, em, "title")
	assert.Equal(t, "name", pm.Source)
	assert.Nil(t, pm.Fill)
}

func TestBuildPlan_NewPropertyFills(t *testing.T) {
	v1 := dogV1(t)
	v2 := mustModel(t, "V2", schema.Entity{
		Name: "Dog",
		Properties: []schema.Property{
			schema.Attr("name", schema.TypeString),
			schema.Attr("age", schema.TypeInt32, schema.Optional()),
			schema.Attr("vaccinated", schema.TypeBool, schema.Default(true)),
			schema.Attr("nickname", schema.TypeString, schema.Optional()),
		},
	})
	h := mustHistory(t, v1, v2)

	plan, err := BuildPlan(h, "V1", nil)
	require.NoError(t, err)
	em := entityMapping(t, plan.Steps[0], "Dog")

	filled := propMapping(t, em, "vaccinated")
	assert.Empty(t, filled.Source)
	assert.Equal(t, true, filled.Fill)

	nullable := propMapping(t, em, "nickname")
	assert.Empty(t, nullable.Source)
	assert.Nil(t, nullable.Fill)
}

func TestBuildPlan_NewRequiredPropertyWithoutDefault(t *testing.T) {
	v1 := dogV1(t)
	v2 := mustModel(t, "V2", schema.Entity{
		Name: "Dog",
		Properties: []schema.Property{
			schema.Attr("name", schema.TypeString),
			schema.Attr("age", schema.TypeInt32, schema.Optional()),
			schema.Attr("licence", schema.TypeString),
		},
	})
	h := mustHistory(t, v1, v2)

	_, err := BuildPlan(h, "V1", nil)
	require.ErrorIs(t, err, ErrMappingRequired)

	var pp *PlanProblems
	require.ErrorAs(t, err, &pp)
	require.Len(t, pp.Problems, 1)
	assert.Equal(t, "Dog", pp.Problems[0].Entity)
	assert.Equal(t, "licence", pp.Problems[0].Property)
	assert.Equal(t, "V1", pp.Problems[0].From)
	assert.Equal(t, "V2", pp.Problems[0].To)
}

func TestBuildPlan_TypeChangeNeedsMapping(t *testing.T) {
	v1 := dogV1(t)
	v2 := mustModel(t, "V2", schema.Entity{
		Name: "Dog",
		Properties: []schema.Property{
			schema.Attr("name", schema.TypeString),
			schema.Attr("age", schema.TypeString, schema.Optional()),
		},
	})
	h := mustHistory(t, v1, v2)

	_, err := BuildPlan(h, "V1", nil)
	require.ErrorIs(t, err, ErrMappingRequired)

	var pp *PlanProblems
	require.ErrorAs(t, err, &pp)
	assert.Contains(t, pp.Problems[0].Reason, "int32")
	assert.Contains(t, pp.Problems[0].Reason, "string")
}

func TestBuildPlan_OptionalBecomesRequired(t *testing.T) {
	v1 := dogV1(t)

	withDefault := mustModel(t, "V2", schema.Entity{
		Name: "Dog",
		Properties: []schema.Property{
			schema.Attr("name", schema.TypeString),
			schema.Attr("age", schema.TypeInt32, schema.Default(int32(0))),
		},
	})
	h := mustHistory(t, v1, withDefault)
	plan, err := BuildPlan(h, "V1", nil)
	require.NoError(t, err)
	pm := propMapping(t, entityMapping(t, plan.Steps[0], "Dog"), "age")
	assert.Equal(t, "age", pm.Source)
	assert.NotNil(t, pm.Fill, "stored nulls need a replacement value")

	withoutDefault := mustModel(t, "V2", schema.Entity{
		Name: "Dog",
		Properties: []schema.Property{
			schema.Attr("name", schema.TypeString),
			schema.Attr("age", schema.TypeInt32),
		},
	})
	h = mustHistory(t, v1, withoutDefault)
	_, err = BuildPlan(h, "V1", nil)
	assert.ErrorIs(t, err, ErrMappingRequired)
}

func TestBuildPlan_CardinalityChangeNeedsMapping(t *testing.T) {
	v1 := mustModel(t, "V1",
		schema.Entity{Name: "Person", Properties: []schema.Property{
			schema.Attr("name", schema.TypeString),
			schema.Rel("pet", "Dog", schema.ToOne, schema.Optional(), schema.Unidirectional()),
		}},
		schema.Entity{Name: "Dog", Properties: []schema.Property{schema.Attr("name", schema.TypeString)}},
	)
	v2 := mustModel(t, "V2",
		schema.Entity{Name: "Person", Properties: []schema.Property{
			schema.Attr("name", schema.TypeString),
			schema.Rel("pet", "Dog", schema.ToManyUnordered, schema.Unidirectional()),
		}},
		schema.Entity{Name: "Dog", Properties: []schema.Property{schema.Attr("name", schema.TypeString)}},
	)
	h := mustHistory(t, v1, v2)

	_, err := BuildPlan(h, "V1", nil)
	require.ErrorIs(t, err, ErrMappingRequired)

	var pp *PlanProblems
	require.ErrorAs(t, err, &pp)
	assert.Equal(t, "pet", pp.Problems[0].Property)
	assert.Contains(t, pp.Problems[0].Reason, "cardinality")
}

func TestBuildPlan_OrderednessChangeStaysLightweight(t *testing.T) {
	v1 := mustModel(t, "V1",
		schema.Entity{Name: "Person", Properties: []schema.Property{
			schema.Rel("pets", "Dog", schema.ToManyOrdered, schema.Unidirectional()),
		}},
		schema.Entity{Name: "Dog", Properties: []schema.Property{schema.Attr("name", schema.TypeString)}},
	)
	v2 := mustModel(t, "V2",
		schema.Entity{Name: "Person", Properties: []schema.Property{
			schema.Rel("pets", "Dog", schema.ToManyUnordered, schema.Unidirectional()),
		}},
		schema.Entity{Name: "Dog", Properties: []schema.Property{schema.Attr("name", schema.TypeString)}},
	)
	h := mustHistory(t, v1, v2)

	plan, err := BuildPlan(h, "V1", nil)
	require.NoError(t, err)
	pm := propMapping(t, entityMapping(t, plan.Steps[0], "Person"), "pets")
	assert.Equal(t, "pets", pm.Source)
}

func TestBuildPlan_RelationshipFollowsEntityRename(t *testing.T) {
	v1 := mustModel(t, "V1",
		schema.Entity{Name: "Person", Properties: []schema.Property{
			schema.Rel("pet", "Dog", schema.ToManyOrdered, schema.Inverse("master")),
		}},
		schema.Entity{Name: "Dog", Properties: []schema.Property{
			schema.Attr("name", schema.TypeString),
			schema.Rel("master", "Person", schema.ToOne, schema.Optional(), schema.Inverse("pet")),
		}},
	)
	v2 := mustModel(t, "V2",
		schema.Entity{Name: "Person", Properties: []schema.Property{
			schema.Rel("pet", "Hound", schema.ToManyOrdered, schema.Inverse("master")),
		}},
		schema.Entity{Name: "Hound", RenamedFrom: "Dog", Properties: []schema.Property{
			schema.Attr("name", schema.TypeString),
			schema.Rel("master", "Person", schema.ToOne, schema.Optional(), schema.Inverse("pet")),
		}},
	)
	h := mustHistory(t, v1, v2)

	plan, err := BuildPlan(h, "V1", nil)
	require.NoError(t, err)
	step := plan.Steps[0]

	pm := propMapping(t, entityMapping(t, step, "Person"), "pet")
	assert.Equal(t, "pet", pm.Source)
	assert.Equal(t, "Dog", entityMapping(t, step, "Hound").SourceEntity)
}

func TestBuildPlan_CustomMappingWins(t *testing.T) {
	v1 := dogV1(t)
	v2 := mustModel(t, "V2", schema.Entity{
		Name: "Dog",
		Properties: []schema.Property{
			schema.Attr("name", schema.TypeString),
			schema.Attr("age", schema.TypeString, schema.Optional()),
		},
	})
	h := mustHistory(t, v1, v2)

	maps := NewMappings()
	require.NoError(t, maps.Register("V1", "V2", CustomMapping{
		TargetEntity: "Dog",
		Transform: func(src map[string]any) (map[string]any, error) {
			return map[string]any{"name": src["name"]}, nil
		},
	}))

	plan, err := BuildPlan(h, "V1", maps)
	require.NoError(t, err)

	em := entityMapping(t, plan.Steps[0], "Dog")
	assert.Equal(t, MapCustom, em.Kind)
	assert.Equal(t, "Dog", em.SourceEntity)
	assert.NotNil(t, em.Transform)
}

func TestBuildPlan_CustomMappingExplicitSource(t *testing.T) {
	v1 := mustModel(t, "V1",
		schema.Entity{Name: "Cat", Properties: []schema.Property{schema.Attr("name", schema.TypeString)}},
	)
	v2 := mustModel(t, "V2",
		schema.Entity{Name: "Pet", Properties: []schema.Property{schema.Attr("name", schema.TypeString)}},
	)
	h := mustHistory(t, v1, v2)

	maps := NewMappings()
	require.NoError(t, maps.Register("V1", "V2", CustomMapping{
		TargetEntity: "Pet",
		SourceEntity: "Cat",
	}))

	plan, err := BuildPlan(h, "V1", maps)
	require.NoError(t, err)
	step := plan.Steps[0]

	em := entityMapping(t, step, "Pet")
	assert.Equal(t, MapCustom, em.Kind)
	assert.Equal(t, "Cat", em.SourceEntity)
	for _, other := range step.Entities {
		assert.NotEqual(t, MapDrop, other.Kind, "claimed source must not drop")
	}
}

func TestBuildPlan_CustomMappingUnknownSource(t *testing.T) {
	v1 := dogV1(t)
	v2 := mustModel(t, "V2", schema.Entity{
		Name:       "Dog",
		Properties: []schema.Property{schema.Attr("name", schema.TypeString)},
	})
	h := mustHistory(t, v1, v2)

	maps := NewMappings()
	require.NoError(t, maps.Register("V1", "V2", CustomMapping{
		TargetEntity: "Dog",
		SourceEntity: "Wolf",
	}))

	_, err := BuildPlan(h, "V1", maps)
	require.ErrorIs(t, err, ErrMappingRequired)

	var pp *PlanProblems
	require.ErrorAs(t, err, &pp)
	assert.Contains(t, pp.Problems[0].Reason, "Wolf")
}

func TestBuildPlan_ProblemsAggregateAcrossSteps(t *testing.T) {
	v1 := mustModel(t, "V1",
		schema.Entity{Name: "Dog", Properties: []schema.Property{schema.Attr("age", schema.TypeInt32)}},
		schema.Entity{Name: "Person", Properties: []schema.Property{schema.Attr("born", schema.TypeDate)}},
	)
	v2 := mustModel(t, "V2",
		schema.Entity{Name: "Dog", Properties: []schema.Property{schema.Attr("age", schema.TypeString)}},
		schema.Entity{Name: "Person", Properties: []schema.Property{schema.Attr("born", schema.TypeDate)}},
	)
	v3 := mustModel(t, "V3",
		schema.Entity{Name: "Dog", Properties: []schema.Property{schema.Attr("age", schema.TypeString)}},
		schema.Entity{Name: "Person", Properties: []schema.Property{schema.Attr("born", schema.TypeString)}},
	)
	h := mustHistory(t, v1, v2, v3)

	_, err := BuildPlan(h, "V1", nil)
	require.ErrorIs(t, err, ErrMappingRequired)

	var pp *PlanProblems
	require.ErrorAs(t, err, &pp)
	require.Len(t, pp.Problems, 2)
	assert.Equal(t, "V1", pp.Problems[0].From)
	assert.Equal(t, "V2", pp.Problems[1].From)
	assert.Contains(t, err.Error(), "Dog.age")
	assert.Contains(t, err.Error(), "Person.born")
}
