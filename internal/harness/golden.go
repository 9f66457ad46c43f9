package harness

import (
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/mkerrow/strata/internal/migrate"
	"github.com/mkerrow/strata/schema"
)

// planSnapshot reduces a plan to the canonical-JSON-ready shape the
// golden files hold: hop order, entity classification, and property
// routing, without the model pointers.
func planSnapshot(p *migrate.Plan) map[string]any {
	steps := make([]any, len(p.Steps))
	for i, st := range p.Steps {
		entities := make([]any, len(st.Entities))
		for j, em := range st.Entities {
			entity := map[string]any{
				"entity": mappedEntity(em),
				"kind":   em.Kind.String(),
			}
			if len(em.Properties) > 0 {
				props := make([]any, len(em.Properties))
				for k, pm := range em.Properties {
					props[k] = renderProperty(pm)
				}
				entity["properties"] = props
			}
			entities[j] = entity
		}
		steps[i] = map[string]any{
			"source":   st.From,
			"target":   st.To,
			"entities": entities,
		}
	}
	return map[string]any{"from": p.From, "to": p.To, "steps": steps}
}

// renderProperty flattens one property mapping to a display string, so
// golden diffs read as routing changes.
func renderProperty(pm migrate.PropertyMapping) string {
	switch {
	case pm.Source != "" && pm.Fill != nil:
		return fmt.Sprintf("%s <- %s, fill %v", pm.Target, pm.Source, pm.Fill)
	case pm.Source != "":
		return fmt.Sprintf("%s <- %s", pm.Target, pm.Source)
	case pm.Fill != nil:
		return fmt.Sprintf("%s <- fill %v", pm.Target, pm.Fill)
	default:
		return pm.Target + " <- null"
	}
}

// RunWithGolden runs the scenario and compares its plan snapshot with
// testdata/golden/<name>.golden. Regenerate with go test -update.
func RunWithGolden(t *testing.T, s *Scenario) *Result {
	t.Helper()
	result, err := Run(s)
	if err != nil {
		t.Fatalf("scenario %s: %v", s.Name, err)
	}
	data, err := schema.MarshalCanonical(planSnapshot(result.Plan))
	if err != nil {
		t.Fatalf("scenario %s: snapshot: %v", s.Name, err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, s.Name, data)
	return result
}
