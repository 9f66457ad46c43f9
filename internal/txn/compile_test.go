package txn

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkerrow/strata/internal/store"
	"github.com/mkerrow/strata/schema"
)

func mustCompile(t *testing.T, s *store.Store, entity string, q Query) store.FetchSpec {
	t.Helper()
	spec, err := compileFetch(s, entity, q)
	require.NoError(t, err)
	return spec
}

func compileCode(t *testing.T, s *store.Store, entity string, q Query) *QueryError {
	t.Helper()
	_, err := compileFetch(s, entity, q)
	require.Error(t, err)
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	return qe
}

func TestCompileFetch_ComparisonOperators(t *testing.T) {
	s := openTemp(t, kennelModel(t, schema.Nullify))

	cases := []struct {
		node Predicate
		want string
	}{
		{Eq{Field: "species", Value: "dog"}, `"species" = ?`},
		{Ne{Field: "species", Value: "dog"}, `"species" <> ?`},
		{Lt{Field: "species", Value: "dog"}, `"species" < ?`},
		{Le{Field: "species", Value: "dog"}, `"species" <= ?`},
		{Gt{Field: "species", Value: "dog"}, `"species" > ?`},
		{Ge{Field: "species", Value: "dog"}, `"species" >= ?`},
	}
	for _, tc := range cases {
		spec := mustCompile(t, s, "Animal", Query{Where: tc.node})
		assert.Equal(t, tc.want, spec.Where)
		assert.Equal(t, []any{"dog"}, spec.Args)
	}
}

func TestCompileFetch_EncodesTypedValues(t *testing.T) {
	m := mustModel(t, "V1", schema.Entity{
		Name: "Device",
		Properties: []schema.Property{
			schema.Attr("active", schema.TypeBool),
			schema.Attr("seen", schema.TypeDate, schema.Optional()),
		},
	})
	s := openTemp(t, m)

	spec := mustCompile(t, s, "Device", Query{Where: Eq{Field: "active", Value: true}})
	assert.Equal(t, []any{int64(1)}, spec.Args)

	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	spec = mustCompile(t, s, "Device", Query{Where: Ge{Field: "seen", Value: at}})
	assert.Equal(t, []any{at.UnixNano()}, spec.Args)
}

func TestCompileFetch_JunctionsNest(t *testing.T) {
	s := openTemp(t, kennelModel(t, schema.Nullify))

	spec := mustCompile(t, s, "Animal", Query{Where: And{Preds: []Predicate{
		Eq{Field: "species", Value: "dog"},
		Or{Preds: []Predicate{
			Eq{Field: "species", Value: "cat"},
			Not{Pred: IsNull{Field: "master"}},
		}},
	}}})
	assert.Equal(t,
		`("species" = ?) AND (("species" = ?) OR (NOT ("master" IS NULL)))`,
		spec.Where)
	assert.Equal(t, []any{"dog", "cat"}, spec.Args)
}

func TestCompileFetch_EmptyJunctions(t *testing.T) {
	s := openTemp(t, kennelModel(t, schema.Nullify))

	spec := mustCompile(t, s, "Animal", Query{Where: And{}})
	assert.Equal(t, "1 = 1", spec.Where)
	assert.Empty(t, spec.Args)

	spec = mustCompile(t, s, "Animal", Query{Where: Or{}})
	assert.Equal(t, "0 = 1", spec.Where)

	spec = mustCompile(t, s, "Animal", Query{Where: In{Field: "species"}})
	assert.Equal(t, "0 = 1", spec.Where)
}

func TestCompileFetch_InBindsEachValue(t *testing.T) {
	s := openTemp(t, kennelModel(t, schema.Nullify))

	spec := mustCompile(t, s, "Animal", Query{
		Where: In{Field: "species", Values: []any{"dog", "cat"}},
	})
	assert.Equal(t, `"species" IN (?, ?)`, spec.Where)
	assert.Equal(t, []any{"dog", "cat"}, spec.Args)

	qe := compileCode(t, s, "Animal", Query{
		Where: In{Field: "species", Values: []any{"dog", nil}},
	})
	assert.Equal(t, CodeBadValue, qe.Code)
	assert.Contains(t, qe.Message, "IsNull")
}

func TestCompileFetch_KeyField(t *testing.T) {
	s := openTemp(t, kennelModel(t, schema.Nullify))

	for _, v := range []any{store.Key(7), int64(7), 7} {
		spec := mustCompile(t, s, "Animal", Query{Where: Eq{Field: "pk", Value: v}})
		assert.Equal(t, `"pk" = ?`, spec.Where)
		assert.Equal(t, []any{int64(7)}, spec.Args)
	}

	qe := compileCode(t, s, "Animal", Query{Where: Eq{Field: "pk", Value: "seven"}})
	assert.Equal(t, CodeBadValue, qe.Code)
	assert.Contains(t, qe.Message, "record key")

	qe = compileCode(t, s, "Animal", Query{Where: IsNull{Field: "pk"}})
	assert.Equal(t, CodeFieldKind, qe.Code)
}

func TestCompileFetch_ReferenceColumn(t *testing.T) {
	s := openTemp(t, kennelModel(t, schema.Nullify))

	spec := mustCompile(t, s, "Animal", Query{Where: Eq{Field: "master", Value: store.Key(3)}})
	assert.Equal(t, `"master" = ?`, spec.Where)
	assert.Equal(t, []any{int64(3)}, spec.Args)

	spec = mustCompile(t, s, "Animal", Query{Where: IsNull{Field: "master"}})
	assert.Equal(t, `"master" IS NULL`, spec.Where)
}

func TestCompileFetch_RejectsUncomparableFields(t *testing.T) {
	s := openTemp(t, kennelModel(t, schema.Nullify))

	qe := compileCode(t, s, "Person", Query{Where: Eq{Field: "pets", Value: store.Key(1)}})
	assert.Equal(t, CodeFieldKind, qe.Code)
	assert.Contains(t, qe.Message, "far side")

	qe = compileCode(t, s, "Person", Query{Where: Eq{Field: "wings", Value: 2}})
	assert.Equal(t, CodeUnknownField, qe.Code)
	assert.Equal(t, "Person", qe.Entity)
	assert.Equal(t, "wings", qe.Field)

	qe = compileCode(t, s, "Animal", Query{Where: Eq{Field: "species", Value: 42}})
	assert.Equal(t, CodeBadValue, qe.Code)

	pair := openTemp(t, pairModel(t))
	qe = compileCode(t, pair, "Profile", Query{Where: Eq{Field: "user", Value: store.Key(1)}})
	assert.Equal(t, CodeFieldKind, qe.Code)
	assert.Contains(t, qe.Message, "Account.profile")
}

func TestCompileFetch_NilRejections(t *testing.T) {
	s := openTemp(t, kennelModel(t, schema.Nullify))

	qe := compileCode(t, s, "Animal", Query{Where: Eq{Field: "species", Value: nil}})
	assert.Equal(t, CodeBadValue, qe.Code)
	assert.Contains(t, qe.Message, "IsNull")

	qe = compileCode(t, s, "Animal", Query{Where: Not{}})
	assert.Equal(t, CodeBadNode, qe.Code)

	qe = compileCode(t, s, "Animal", Query{Where: And{Preds: []Predicate{
		Eq{Field: "species", Value: "dog"}, nil,
	}}})
	assert.Equal(t, CodeBadNode, qe.Code)
}

func TestCompileFetch_OrderByAndWindow(t *testing.T) {
	s := openTemp(t, kennelModel(t, schema.Nullify))

	spec := mustCompile(t, s, "Person", Query{
		OrderBy: []Order{{Field: "name"}, {Field: "pk", Desc: true}},
		Limit:   5,
		Offset:  2,
	})
	assert.Equal(t, `"name", "pk" DESC`, spec.OrderBy)
	assert.EqualValues(t, 5, spec.Limit)
	assert.EqualValues(t, 2, spec.Offset)
	assert.Empty(t, spec.Where)

	qe := compileCode(t, s, "Person", Query{OrderBy: []Order{{Field: "wings"}}})
	assert.Equal(t, CodeUnknownField, qe.Code)
}

func TestCompileFetch_EntityChecks(t *testing.T) {
	m := mustModel(t, "V1",
		schema.Entity{
			Name:       "Pet",
			IsAbstract: true,
			Properties: []schema.Property{schema.Attr("name", schema.TypeString)},
		},
		schema.Entity{Name: "Dog", Parent: "Pet"})
	s := openTemp(t, m)

	_, err := compileFetch(s, "Ghost", Query{})
	assert.ErrorIs(t, err, ErrUnknownEntity)
	_, err = compileFetch(s, "Pet", Query{})
	assert.ErrorIs(t, err, ErrAbstractEntity)
	_, err = compileFetch(s, "Dog", Query{})
	assert.NoError(t, err)
}

func TestCompileFetch_PointerNodesCompileAlike(t *testing.T) {
	s := openTemp(t, kennelModel(t, schema.Nullify))

	byValue := mustCompile(t, s, "Animal", Query{Where: And{Preds: []Predicate{
		Eq{Field: "species", Value: "dog"},
		Not{Pred: IsNull{Field: "master"}},
	}}})
	byPointer := mustCompile(t, s, "Animal", Query{Where: &And{Preds: []Predicate{
		&Eq{Field: "species", Value: "dog"},
		&Not{Pred: &IsNull{Field: "master"}},
	}}})
	assert.Equal(t, byValue.Where, byPointer.Where)
	assert.Equal(t, byValue.Args, byPointer.Args)
}

func TestQueryError_Formats(t *testing.T) {
	err := &QueryError{Code: CodeUnknownField, Entity: "Dog", Field: "wings", Message: "no such property"}
	assert.Equal(t, "[E301] Dog.wings: no such property", err.Error())

	err = &QueryError{Code: CodeBadNode, Entity: "Dog", Message: "nil predicate node"}
	assert.Equal(t, "[E304] Dog: nil predicate node", err.Error())

	var target *QueryError
	assert.True(t, errors.As(error(err), &target))
}
