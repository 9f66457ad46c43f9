package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/mkerrow/strata/schema"
)

// testModel builds a two-entity model exercising every attribute type,
// an ordered to-many with its to-one inverse, a uniqueness constraint
// and a default.
func testModel(t *testing.T) *schema.Model {
	t.Helper()
	person := schema.Entity{
		Name: "Person",
		Properties: []schema.Property{
			schema.Attr("name", schema.TypeString),
			schema.Rel("pet", "Dog", schema.ToManyOrdered, schema.Inverse("master")),
		},
		Unique: [][]string{{"name"}},
	}
	dog := schema.Entity{
		Name: "Dog",
		Properties: []schema.Property{
			schema.Attr("species", schema.TypeString),
			schema.Attr("nickname", schema.TypeString, schema.Optional()),
			schema.Attr("born", schema.TypeDate, schema.Optional()),
			schema.Attr("weight", schema.TypeDouble, schema.Optional()),
			schema.Attr("vaccinated", schema.TypeBool, schema.Default(false)),
			schema.Attr("tags", schema.TypeTransformable, schema.Optional()),
			schema.Attr("photo", schema.TypeBinary, schema.Optional()),
			schema.Rel("master", "Person", schema.ToOne, schema.Inverse("pet"), schema.Optional()),
		},
	}
	m, err := schema.New("V1", person, dog)
	if err != nil {
		t.Fatalf("schema.New() failed: %v", err)
	}
	return m
}

// createTestStore creates a store for testModel in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Create(path, testModel(t), "")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// verifyPragma checks that a pragma reads back the expected value.
func verifyPragma(db *sql.DB, name, expected string) error {
	var value string
	if err := db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
