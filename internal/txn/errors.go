package txn

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/mkerrow/strata/internal/store"
)

var (
	// ErrUnknownEntity reports an operation naming an entity the model
	// does not declare.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrAbstractEntity reports an operation addressing an abstract
	// entity; only concrete entities hold records.
	ErrAbstractEntity = errors.New("abstract entity")
	// ErrUnknownProperty reports a field map naming a property the
	// entity does not declare.
	ErrUnknownProperty = errors.New("unknown property")
	// ErrConstraint reports a violated data rule: a uniqueness clash, a
	// missing required value, a delete blocked by a Deny rule, or a
	// dangling reference caught by the deferred foreign-key check at
	// commit.
	ErrConstraint = errors.New("constraint violation")
	// ErrConflict reports a write that lost the database to another
	// connection. The transaction rolled back; retrying it is safe.
	ErrConflict = errors.New("write conflict")
	// ErrNotFound mirrors the store sentinel for operations addressing
	// a record key that no row carries.
	ErrNotFound = store.ErrNotFound
)

// classify maps SQLite-level failures onto the package's error
// taxonomy. Constraint failures (unique indexes, NOT NULL columns,
// deferred foreign keys) become ErrConstraint; busy and locked become
// ErrConflict. Anything else passes through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code {
	case sqlite3.ErrConstraint:
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// Compile error codes. The E3 block follows the model validation block:
// these failures are in the query's shape, found before any SQL runs.
const (
	// CodeUnknownField marks a field reference no property answers to.
	CodeUnknownField = "E301"
	// CodeFieldKind marks a field whose kind cannot serve the node,
	// such as comparing a to-many relationship.
	CodeFieldKind = "E302"
	// CodeBadValue marks a literal the field's type cannot hold.
	CodeBadValue = "E303"
	// CodeBadNode marks a nil or foreign predicate node.
	CodeBadNode = "E304"
)

// QueryError reports a query that references the model wrongly.
type QueryError struct {
	Code    string
	Entity  string
	Field   string
	Message string
}

func (e *QueryError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s.%s: %s", e.Code, e.Entity, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Entity, e.Message)
}
