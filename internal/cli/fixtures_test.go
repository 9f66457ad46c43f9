package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkerrow/strata/internal/compiler"
	"github.com/mkerrow/strata/internal/store"
	"github.com/mkerrow/strata/schema"
)

// declV1V2 is the two-version declaration set most command tests share:
// V2 adds an optional date to Animal, so V1 stores need one transform
// step to become current.
const declV1V2 = `package decls

schema: versions: V1: entities: {
	Animal: {
		attributes: {
			name:    {type: "string"}
			species: {type: "string"}
		}
	}
	Person: {
		attributes: name: {type: "string"}
	}
}
schema: versions: V2: entities: {
	Animal: {
		attributes: {
			name:    {type: "string"}
			species: {type: "string"}
			dob:     {type: "date", optional: true}
		}
	}
	Person: {
		attributes: name: {type: "string"}
	}
}
schema: chain: {V2: "V1"}
schema: current: "V2"
`

// writeSchemas writes one declaration file into a fresh directory.
func writeSchemas(t *testing.T, decls string) string {
	t.Helper()
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "schema.cue"), []byte(decls), 0o644)
	require.NoError(t, err)
	return dir
}

// loadModel compiles the declarations and returns one version's model.
func loadModel(t *testing.T, schemasDir, version string) *schema.Model {
	t.Helper()
	result, errs := compiler.LoadDir(schemasDir, compiler.FailFast)
	require.Empty(t, errs)
	for _, m := range result.Decls.Models {
		if m.Version() == version {
			return m
		}
	}
	t.Fatalf("version %s not declared", version)
	return nil
}

// createStore creates a store file stamped with the named declared
// version and returns its path.
func createStore(t *testing.T, schemasDir, version string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.strata")
	st, err := store.Create(path, loadModel(t, schemasDir, version), "")
	require.NoError(t, err)
	require.NoError(t, st.Close())
	return path
}

// writeConfig writes a config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strata.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
