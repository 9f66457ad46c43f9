package migrate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mkerrow/strata/internal/history"
	"github.com/mkerrow/strata/schema"
)

// ErrMappingRequired marks plan failures where structural inference
// could not map an entity and no custom mapping was registered.
var ErrMappingRequired = errors.New("custom mapping required")

// MappingKind classifies how one entity crosses a version hop.
type MappingKind int

const (
	// MapCopy: identical storage shape, rows stream through unchanged.
	MapCopy MappingKind = iota + 1
	// MapTransform: inferred per-property mapping.
	MapTransform
	// MapCustom: a registered RecordTransform rewrites each record.
	MapCustom
	// MapAdd: the entity is new in the destination and starts empty.
	MapAdd
	// MapDrop: the entity exists only in the source; its rows vanish.
	MapDrop
)

var mappingKindNames = map[MappingKind]string{
	MapCopy:      "copy",
	MapTransform: "transform",
	MapCustom:    "custom",
	MapAdd:       "add",
	MapDrop:      "drop",
}

func (k MappingKind) String() string {
	if s, ok := mappingKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("MappingKind(%d)", int(k))
}

// PropertyMapping carries one target property across a hop. Source names
// the source property whose value feeds it; an empty Source means the
// property is filled. Fill replaces absent or nil source values.
type PropertyMapping struct {
	Target string
	Source string
	Fill   any
}

// EntityMapping is the plan for one entity within a step.
type EntityMapping struct {
	Kind         MappingKind
	SourceEntity string
	TargetEntity string
	Properties   []PropertyMapping
	Transform    RecordTransform
}

// Step is one version hop of a plan.
type Step struct {
	From     string
	To       string
	Source   *schema.Model
	Target   *schema.Model
	Entities []EntityMapping
}

// Plan is the ordered list of steps that carries a store from a recorded
// version to the history's current version.
type Plan struct {
	From  string
	To    string
	Steps []Step
}

// Empty reports whether the store is already current.
func (p *Plan) Empty() bool { return len(p.Steps) == 0 }

// MappingProblem is one reason a plan could not be built.
type MappingProblem struct {
	From     string
	To       string
	Entity   string
	Property string
	Reason   string
}

func (p MappingProblem) String() string {
	if p.Property != "" {
		return fmt.Sprintf("%s -> %s: %s.%s: %s", p.From, p.To, p.Entity, p.Property, p.Reason)
	}
	return fmt.Sprintf("%s -> %s: %s: %s", p.From, p.To, p.Entity, p.Reason)
}

// PlanProblems aggregates every mapping gap found across the whole plan,
// so one planning pass reports all of them at once.
type PlanProblems struct {
	Problems []MappingProblem
}

func (e *PlanProblems) Error() string {
	lines := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		lines[i] = "  " + p.String()
	}
	return fmt.Sprintf("migration plan needs custom mappings:\n%s", strings.Join(lines, "\n"))
}

func (e *PlanProblems) Is(target error) bool { return target == ErrMappingRequired }

// BuildPlan computes the migration plan from a recorded version to the
// history's current version. An empty plan means the store is already
// current. Path errors from the history pass through unchanged; mapping
// gaps come back as a *PlanProblems matching ErrMappingRequired.
func BuildPlan(h *history.History, from string, maps *Mappings) (*Plan, error) {
	hops, err := h.Path(from)
	if err != nil {
		return nil, err
	}
	plan := &Plan{From: from, To: h.Current().Version()}
	if len(hops) == 0 {
		return plan, nil
	}

	var problems []MappingProblem
	prev := from
	for _, next := range hops {
		src, _ := h.Model(prev)
		dst, _ := h.Model(next)
		step, stepProblems := diffStep(src, dst, maps)
		plan.Steps = append(plan.Steps, step)
		problems = append(problems, stepProblems...)
		prev = next
	}
	if len(problems) > 0 {
		return nil, &PlanProblems{Problems: problems}
	}
	return plan, nil
}

// sourceNameFor resolves which source entity a target entity continues.
func sourceNameFor(t schema.Entity) string {
	if t.RenamedFrom != "" {
		return t.RenamedFrom
	}
	return t.Name
}

// diffStep builds the entity mappings for one hop by structural diff.
func diffStep(src, dst *schema.Model, maps *Mappings) (Step, []MappingProblem) {
	step := Step{From: src.Version(), To: dst.Version(), Source: src, Target: dst}
	var problems []MappingProblem
	report := func(entity, property, format string, args ...any) {
		problems = append(problems, MappingProblem{
			From:     src.Version(),
			To:       dst.Version(),
			Entity:   entity,
			Property: property,
			Reason:   fmt.Sprintf(format, args...),
		})
	}

	// Entity rename table for relationship compatibility checks.
	renames := make(map[string]string)
	for _, t := range dst.Concrete() {
		if s, ok := src.Entity(sourceNameFor(t)); ok && !s.IsAbstract {
			renames[s.Name] = t.Name
		}
	}

	claimed := make(map[string]bool)
	for _, t := range dst.Concrete() {
		if cm, ok := maps.Lookup(src.Version(), dst.Version(), t.Name); ok {
			srcName := cm.SourceEntity
			if srcName == "" {
				srcName = sourceNameFor(t)
			}
			s, found := src.Entity(srcName)
			if !found || s.IsAbstract {
				report(t.Name, "", "custom mapping names unknown source entity %q", srcName)
				continue
			}
			claimed[s.Name] = true
			step.Entities = append(step.Entities, EntityMapping{
				Kind:         MapCustom,
				SourceEntity: s.Name,
				TargetEntity: t.Name,
				Transform:    cm.Transform,
			})
			continue
		}

		s, found := src.Entity(sourceNameFor(t))
		if !found || s.IsAbstract {
			step.Entities = append(step.Entities, EntityMapping{
				Kind:         MapAdd,
				TargetEntity: t.Name,
			})
			continue
		}
		claimed[s.Name] = true

		props, propProblems := inferProperties(s, t, renames)
		problems = append(problems, stamp(propProblems, src.Version(), dst.Version())...)

		kind := MapTransform
		sh, _ := src.EntityHash(s.Name)
		th, _ := dst.EntityHash(t.Name)
		if sh == th {
			kind = MapCopy
		}
		step.Entities = append(step.Entities, EntityMapping{
			Kind:         kind,
			SourceEntity: s.Name,
			TargetEntity: t.Name,
			Properties:   props,
		})
	}

	for _, s := range src.Concrete() {
		if !claimed[s.Name] {
			step.Entities = append(step.Entities, EntityMapping{
				Kind:         MapDrop,
				SourceEntity: s.Name,
			})
		}
	}
	return step, problems
}

func stamp(problems []MappingProblem, from, to string) []MappingProblem {
	for i := range problems {
		problems[i].From = from
		problems[i].To = to
	}
	return problems
}

// inferProperties maps every target property of a matched entity pair.
// A target property matches the source property named by its RenamedFrom
// (or its own name); matched properties must keep their storage type.
// Unmatched properties need a default or optionality to be fillable.
func inferProperties(s, t schema.Entity, renames map[string]string) ([]PropertyMapping, []MappingProblem) {
	var out []PropertyMapping
	var problems []MappingProblem
	report := func(property, format string, args ...any) {
		problems = append(problems, MappingProblem{
			Entity:   t.Name,
			Property: property,
			Reason:   fmt.Sprintf(format, args...),
		})
	}

	for _, tp := range t.Properties {
		srcName := tp.Name
		if tp.RenamedFrom != "" {
			srcName = tp.RenamedFrom
		}
		sp, found := s.Property(srcName)
		if !found {
			switch {
			case tp.Kind == schema.KindRelationship && tp.ToMany():
				// New to-many relationships simply have no edges.
			case tp.Default != nil:
				out = append(out, PropertyMapping{Target: tp.Name, Fill: tp.Default})
			case tp.Optional:
				out = append(out, PropertyMapping{Target: tp.Name})
			default:
				report(tp.Name, "new required property has no default")
			}
			continue
		}

		if sp.Kind != tp.Kind {
			report(tp.Name, "property changed kind from %s to %s", sp.Kind, tp.Kind)
			continue
		}

		switch tp.Kind {
		case schema.KindAttribute:
			if sp.Type != tp.Type {
				report(tp.Name, "attribute type changed from %s to %s", sp.Type, tp.Type)
				continue
			}
		case schema.KindRelationship:
			if (sp.Cardinality == schema.ToOne) != (tp.Cardinality == schema.ToOne) {
				report(tp.Name, "relationship cardinality changed from %s to %s", sp.Cardinality, tp.Cardinality)
				continue
			}
			srcTarget := sp.Target
			if mapped, ok := renames[srcTarget]; ok {
				srcTarget = mapped
			}
			if srcTarget != tp.Target {
				report(tp.Name, "relationship destination changed from %s to %s", sp.Target, tp.Target)
				continue
			}
		}

		pm := PropertyMapping{Target: tp.Name, Source: sp.Name}
		// A property that stops being optional needs a replacement for
		// stored nulls.
		if sp.Optional && !tp.Optional {
			if tp.Default != nil {
				pm.Fill = tp.Default
			} else if tp.Kind == schema.KindAttribute {
				report(tp.Name, "newly required property has no default to replace stored nulls")
				continue
			} else {
				report(tp.Name, "newly required relationship cannot backfill missing references")
				continue
			}
		}
		out = append(out, pm)
	}
	return out, problems
}
