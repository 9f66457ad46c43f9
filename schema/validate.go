package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// Validation error codes. Stable strings so callers and tooling can match
// on them without parsing messages.
const (
	CodeBadVersion        = "E201" // version name empty
	CodeBadEntityName     = "E202" // entity name not a legal identifier
	CodeDupEntity         = "E203" // duplicate entity name
	CodeUnknownParent     = "E204" // superentity does not exist
	CodeParentCycle       = "E205" // superentity chain forms a cycle
	CodeBadPropertyName   = "E206" // property name not legal or reserved
	CodeDupProperty       = "E207" // duplicate property name, possibly via inheritance
	CodeBadType           = "E208" // attribute type missing or invalid
	CodeBadDefault        = "E209" // default value incompatible with the type
	CodeBadCoder          = "E210" // coder named on a non-transformable attribute
	CodeUnknownTarget     = "E211" // relationship destination does not exist
	CodeAbstractTarget    = "E212" // relationship destination is abstract
	CodeAbstractRel       = "E213" // relationship declared on an abstract entity
	CodeUnresolvedInverse = "E214" // inverse missing, mismatched, or undeclared
	CodeInverseConflict   = "E215" // unidirectional relationship also names an inverse
	CodeBadConstraint     = "E216" // unique/index names an unknown or non-attribute property
	CodeKindMismatch      = "E217" // field set that belongs to the other property kind
	CodeBadCardinality    = "E218" // cardinality or delete rule out of range
)

// ValidationError describes one problem found while building a model.
type ValidationError struct {
	Code     string
	Entity   string
	Property string
	Message  string
}

func (e ValidationError) Error() string {
	switch {
	case e.Entity != "" && e.Property != "":
		return fmt.Sprintf("[%s] %s.%s: %s", e.Code, e.Entity, e.Property, e.Message)
	case e.Entity != "":
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Entity, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// ModelError aggregates every validation error found in one build.
// Building never stops at the first problem; callers see the full list.
type ModelError struct {
	Version string
	Errors  []ValidationError
}

func (e *ModelError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "schema model %q invalid (%d problems)", e.Version, len(e.Errors))
	for _, ve := range e.Errors {
		b.WriteString("\n\t")
		b.WriteString(ve.Error())
	}
	return b.String()
}

func (e *ModelError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, ve := range e.Errors {
		errs[i] = ve
	}
	return errs
}

// identRe is the legal shape for entity and property names.
var identRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// reservedProps are storage column names the engine owns. The "strata_"
// prefix is reserved everywhere for generated tables and columns.
var reservedProps = map[string]bool{
	"pk":      true,
	"rowid":   true,
	"oid":     true,
	"_rowid_": true,
}

func checkEntityName(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("name %q is not a legal identifier", name)
	}
	if strings.HasPrefix(strings.ToLower(name), "strata_") {
		return fmt.Errorf("name %q uses the reserved strata_ prefix", name)
	}
	if strings.HasPrefix(strings.ToLower(name), "sqlite_") {
		return fmt.Errorf("name %q uses the reserved sqlite_ prefix", name)
	}
	return nil
}

func checkPropertyName(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("name %q is not a legal identifier", name)
	}
	lower := strings.ToLower(name)
	if reservedProps[lower] {
		return fmt.Errorf("name %q is reserved for engine storage", name)
	}
	if strings.HasPrefix(lower, "strata_") {
		return fmt.Errorf("name %q uses the reserved strata_ prefix", name)
	}
	return nil
}
