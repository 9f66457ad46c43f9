package harness

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"

	"github.com/mkerrow/strata/internal/migrate"
	"github.com/mkerrow/strata/internal/store"
	"github.com/mkerrow/strata/internal/txn"
)

// AssertionError reports one failed assertion with both sides spelled
// out.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// evaluate runs every assertion against the migrated store, collecting
// failures into the result instead of stopping at the first.
func evaluate(ctx context.Context, st *store.Store, assertions []Assertion, result *Result) {
	r, err := txn.NewReader(ctx, st)
	if err != nil {
		result.AddError(fmt.Sprintf("opening reader: %v", err))
		return
	}
	defer r.Close()

	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertStampedVersion:
			err = assertStampedVersion(result.Meta, a)
		case AssertRecordCount:
			err = assertRecordCount(r, a)
		case AssertRecordFields:
			err = assertRecordFields(r, a)
		case AssertPlanHops:
			err = assertPlanHops(result.Plan, a)
		case AssertMappingKind:
			err = assertMappingKind(result.Plan, a)
		}
		if err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
}

func assertStampedVersion(meta *store.Meta, a Assertion) error {
	if meta.Version == a.Version {
		return nil
	}
	return &AssertionError{Type: AssertStampedVersion, Expected: a.Version, Actual: meta.Version}
}

func assertRecordCount(r *txn.Reader, a Assertion) error {
	n, err := r.Count(a.Entity, txn.Query{})
	if err != nil {
		return err
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertRecordCount,
			Expected: fmt.Sprintf("%d %s records", a.Count, a.Entity),
			Actual:   fmt.Sprintf("%d records", n),
		}
	}
	return nil
}

func assertRecordFields(r *txn.Reader, a Assertion) error {
	recs, err := r.Fetch(a.Entity, txn.Query{Where: wherePredicate(a.Where)})
	if err != nil {
		return err
	}
	if len(recs) != 1 {
		actual := "no record matched"
		if len(recs) > 1 {
			actual = fmt.Sprintf("%d records matched", len(recs))
		}
		return &AssertionError{
			Type:     AssertRecordFields,
			Expected: fmt.Sprintf("one %s record where %s", a.Entity, describeWhere(a.Where)),
			Actual:   actual,
		}
	}

	rec := recs[0]
	for _, name := range sortedNames(a.Expect) {
		want := a.Expect[name]
		got, ok := rec.Fields[name]
		if !ok {
			return &AssertionError{
				Type:     AssertRecordFields,
				Expected: fmt.Sprintf("%s field %q = %v", a.Entity, name, want),
				Actual:   "field not present",
			}
		}
		if !valuesMatch(want, got) {
			return &AssertionError{
				Type:     AssertRecordFields,
				Expected: fmt.Sprintf("%s field %q = %v (%T)", a.Entity, name, want, want),
				Actual:   fmt.Sprintf("%v (%T)", got, got),
			}
		}
	}
	return nil
}

func assertPlanHops(plan *migrate.Plan, a Assertion) error {
	got := planHops(plan)
	if slices.Equal(got, a.Hops) {
		return nil
	}
	return &AssertionError{
		Type:     AssertPlanHops,
		Expected: fmt.Sprintf("%v", a.Hops),
		Actual:   fmt.Sprintf("%v", got),
	}
}

func assertMappingKind(plan *migrate.Plan, a Assertion) error {
	var seen []string
	for _, st := range plan.Steps {
		if a.Hop != "" && hopName(st.From, st.To) != a.Hop {
			continue
		}
		for _, em := range st.Entities {
			if mappedEntity(em) != a.Entity {
				continue
			}
			kind := em.Kind.String()
			if kind == a.Kind {
				return nil
			}
			seen = append(seen, fmt.Sprintf("%s in %s", kind, hopName(st.From, st.To)))
		}
	}
	actual := "entity not in plan"
	if len(seen) > 0 {
		actual = strings.Join(seen, ", ")
	}
	return &AssertionError{
		Type:     AssertMappingKind,
		Expected: fmt.Sprintf("%s mapped as %s", a.Entity, a.Kind),
		Actual:   actual,
	}
}

// wherePredicate builds an equality conjunction over the where map, in
// sorted field order.
func wherePredicate(where map[string]any) txn.Predicate {
	if len(where) == 0 {
		return nil
	}
	preds := make([]txn.Predicate, 0, len(where))
	for _, name := range sortedNames(where) {
		preds = append(preds, txn.Eq{Field: name, Value: where[name]})
	}
	if len(preds) == 1 {
		return preds[0]
	}
	return txn.And{Preds: preds}
}

func describeWhere(where map[string]any) string {
	if len(where) == 0 {
		return "(any)"
	}
	parts := make([]string, 0, len(where))
	for _, name := range sortedNames(where) {
		parts = append(parts, fmt.Sprintf("%s=%v", name, where[name]))
	}
	return strings.Join(parts, " and ")
}

func sortedNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// valuesMatch compares a YAML-sourced expectation against a decoded
// store value, bridging the integer and key representations the two
// sides use.
func valuesMatch(want, got any) bool {
	switch w := want.(type) {
	case nil:
		return got == nil
	case int:
		switch g := got.(type) {
		case int64:
			return int64(w) == g
		case store.Key:
			return int64(w) == int64(g)
		case float64:
			return float64(w) == g
		}
		return false
	case int64:
		g, ok := got.(int64)
		return ok && w == g
	case bool:
		g, ok := got.(bool)
		return ok && w == g
	case float64:
		g, ok := got.(float64)
		return ok && w == g
	case string:
		g, ok := got.(string)
		return ok && w == g
	}
	return reflect.DeepEqual(want, got)
}

// planHops renders the plan's steps in order as "V1 -> V2" strings.
func planHops(plan *migrate.Plan) []string {
	hops := make([]string, len(plan.Steps))
	for i, st := range plan.Steps {
		hops[i] = hopName(st.From, st.To)
	}
	return hops
}

func hopName(from, to string) string { return from + " -> " + to }

// mappedEntity names the entity a mapping concerns: the target side,
// or the source for drops.
func mappedEntity(em migrate.EntityMapping) string {
	if em.TargetEntity != "" {
		return em.TargetEntity
	}
	return em.SourceEntity
}
