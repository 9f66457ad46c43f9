package compiler

import (
	"fmt"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/mkerrow/strata/schema"
)

// CompileVersion parses one version declaration into a schema model.
// Uses the CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the version struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`schema: versions: V1: { ... }`)
//	m, err := CompileVersion(v.LookupPath(cue.ParsePath("schema.versions.V1")))
//
// Everything funnels into schema.New, so structural validation is
// identical whether a model arrives from declarations or from the Go
// builder. Compile errors cover only what cannot be expressed as a
// property at all: wrong CUE kinds, unknown enum names, malformed
// defaults.
func CompileVersion(v cue.Value) (*schema.Model, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	// Version name from the struct label (the path selector).
	name := ""
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		name = labels[len(labels)-1].String()
	}

	var entities []schema.Entity
	entitiesVal := v.LookupPath(cue.ParsePath("entities"))
	if entitiesVal.Exists() {
		iter, err := entitiesVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			e, err := compileEntity(iter.Label(), iter.Value())
			if err != nil {
				return nil, err
			}
			entities = append(entities, e)
		}
	}

	return schema.New(name, entities...)
}

// compileEntity decodes one entity declaration.
func compileEntity(name string, v cue.Value) (schema.Entity, error) {
	e := schema.Entity{Name: name}
	path := "entities." + name

	var err error
	if e.IsAbstract, err = optionalBool(v, "abstract"); err != nil {
		return e, err
	}
	if e.Parent, err = optionalString(v, "parent"); err != nil {
		return e, err
	}
	if e.RenamedFrom, err = optionalString(v, "renamedFrom"); err != nil {
		return e, err
	}
	if e.HashModifier, err = optionalString(v, "hashModifier"); err != nil {
		return e, err
	}
	if e.Configuration, err = optionalString(v, "configuration"); err != nil {
		return e, err
	}

	attrsVal := v.LookupPath(cue.ParsePath("attributes"))
	if attrsVal.Exists() {
		iter, iterErr := attrsVal.Fields()
		if iterErr != nil {
			return e, formatCUEError(iterErr)
		}
		for iter.Next() {
			p, err := compileAttribute(path, iter.Label(), iter.Value())
			if err != nil {
				return e, err
			}
			e.Properties = append(e.Properties, p)
		}
	}

	relsVal := v.LookupPath(cue.ParsePath("relationships"))
	if relsVal.Exists() {
		iter, iterErr := relsVal.Fields()
		if iterErr != nil {
			return e, formatCUEError(iterErr)
		}
		for iter.Next() {
			p, err := compileRelationship(path, iter.Label(), iter.Value())
			if err != nil {
				return e, err
			}
			e.Properties = append(e.Properties, p)
		}
	}

	if e.Unique, err = compileGroups(v.LookupPath(cue.ParsePath("unique"))); err != nil {
		return e, err
	}
	if e.Indexes, err = compileGroups(v.LookupPath(cue.ParsePath("indexes"))); err != nil {
		return e, err
	}

	return e, nil
}

// compileAttribute decodes one attribute declaration. An absent type
// stays zero so the model build reports it with the entity and property
// names attached; an unknown type name fails here, where the source
// position is known.
func compileAttribute(entityPath, name string, v cue.Value) (schema.Property, error) {
	p := schema.Property{Name: name, Kind: schema.KindAttribute}
	path := entityPath + ".attributes." + name

	typeName, err := optionalString(v, "type")
	if err != nil {
		return p, err
	}
	if typeName != "" {
		t, err := schema.ParseAttrType(typeName)
		if err != nil {
			return p, &CompileError{
				Path:    path + ".type",
				Message: err.Error(),
				Pos:     v.LookupPath(cue.ParsePath("type")).Pos(),
			}
		}
		p.Type = t
	}

	if p.Optional, err = optionalBool(v, "optional"); err != nil {
		return p, err
	}
	if p.Coder, err = optionalString(v, "coder"); err != nil {
		return p, err
	}
	if p.RenamedFrom, err = optionalString(v, "renamedFrom"); err != nil {
		return p, err
	}

	defVal := v.LookupPath(cue.ParsePath("default"))
	if defVal.Exists() {
		d, err := decodeDefault(path+".default", p.Type, defVal)
		if err != nil {
			return p, err
		}
		p.Default = d
	}

	return p, nil
}

// compileRelationship decodes one relationship declaration. The target
// is required; cardinality and delete rule fall through to the model
// build when absent (delete rule defaults to nullify there).
func compileRelationship(entityPath, name string, v cue.Value) (schema.Property, error) {
	p := schema.Property{Name: name, Kind: schema.KindRelationship}
	path := entityPath + ".relationships." + name

	targetVal := v.LookupPath(cue.ParsePath("target"))
	if !targetVal.Exists() {
		return p, &CompileError{
			Path:    path + ".target",
			Message: "target is required",
			Pos:     v.Pos(),
		}
	}
	target, err := targetVal.String()
	if err != nil {
		return p, formatCUEError(err)
	}
	p.Target = target

	cardName, err := optionalString(v, "cardinality")
	if err != nil {
		return p, err
	}
	if cardName != "" {
		c, err := schema.ParseCardinality(cardName)
		if err != nil {
			return p, &CompileError{
				Path:    path + ".cardinality",
				Message: err.Error(),
				Pos:     v.LookupPath(cue.ParsePath("cardinality")).Pos(),
			}
		}
		p.Cardinality = c
	}

	ruleName, err := optionalString(v, "deleteRule")
	if err != nil {
		return p, err
	}
	if ruleName != "" {
		r, err := schema.ParseDeleteRule(ruleName)
		if err != nil {
			return p, &CompileError{
				Path:    path + ".deleteRule",
				Message: err.Error(),
				Pos:     v.LookupPath(cue.ParsePath("deleteRule")).Pos(),
			}
		}
		p.DeleteRule = r
	}

	if p.Inverse, err = optionalString(v, "inverse"); err != nil {
		return p, err
	}
	if p.Unidirectional, err = optionalBool(v, "unidirectional"); err != nil {
		return p, err
	}
	if p.Optional, err = optionalBool(v, "optional"); err != nil {
		return p, err
	}
	if p.RenamedFrom, err = optionalString(v, "renamedFrom"); err != nil {
		return p, err
	}

	return p, nil
}

// compileGroups decodes a list of attribute name groups, the shape
// unique and indexes share: [["species"], ["genus", "species"]].
func compileGroups(v cue.Value) ([][]string, error) {
	if !v.Exists() {
		return nil, nil
	}
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var groups [][]string
	for iter.Next() {
		inner, err := iter.Value().List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		var group []string
		for inner.Next() {
			s, err := inner.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			group = append(group, s)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// decodeDefault converts a CUE default literal into the Go value the
// attribute type expects. Dates are written as RFC 3339 strings. When
// the type never resolved the value decodes generically, so the model
// build can report the real problem instead of a decode artifact.
func decodeDefault(path string, t schema.AttrType, v cue.Value) (any, error) {
	switch t {
	case schema.TypeInt16, schema.TypeInt32, schema.TypeInt64:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return n, nil
	case schema.TypeDouble:
		f, err := v.Float64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return f, nil
	case schema.TypeString:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return s, nil
	case schema.TypeBool:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return b, nil
	case schema.TypeDate:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, &CompileError{
				Path:    path,
				Message: fmt.Sprintf("date default must be an RFC 3339 string: %v", err),
				Pos:     v.Pos(),
			}
		}
		return ts, nil
	case schema.TypeBinary:
		b, err := v.Bytes()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return b, nil
	default:
		var out any
		if err := v.Decode(&out); err != nil {
			return nil, formatCUEError(err)
		}
		return out, nil
	}
}

// optionalString reads a string field that may be absent.
func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// optionalBool reads a bool field that may be absent.
func optionalBool(v cue.Value, field string) (bool, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return false, nil
	}
	b, err := fv.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

// CompileError represents a declaration error with source position.
type CompileError struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Path:    "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
