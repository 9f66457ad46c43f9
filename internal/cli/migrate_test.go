package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkerrow/strata/internal/store"
	"github.com/mkerrow/strata/internal/txn"
)

func TestMigrateOneStep(t *testing.T) {
	schemas := writeSchemas(t, declV1V2)
	path := createStore(t, schemas, "V1")

	st, err := store.Open(path, loadModel(t, schemas, "V1"))
	require.NoError(t, err)
	_, err = txn.Run(context.Background(), st, func(w *txn.Writer) error {
		for _, name := range []string{"Rex", "Bella"} {
			if _, err := w.Insert("Animal", map[string]any{"name": name, "species": "dog"}); err != nil {
				return err
			}
		}
		_, err := w.Insert("Person", map[string]any{"name": "Maud"})
		return err
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewMigrateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", path, "--schemas", schemas})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	assert.Contains(t, output, "✓ Migrated V1 -> V2 (1 step")
	assert.Contains(t, output, "2 records")

	// The stamp advanced and the records survived.
	meta, err := store.ReadMeta(path)
	require.NoError(t, err)
	assert.Equal(t, "V2", meta.Version)

	migrated, err := store.OpenReadOnly(path, loadModel(t, schemas, "V2"))
	require.NoError(t, err)
	defer migrated.Close()
	r, err := txn.NewReader(context.Background(), migrated)
	require.NoError(t, err)
	defer r.Close()
	n, err := r.Count("Animal", txn.Query{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	n, err = r.Count("Person", txn.Query{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestMigrateJSON(t *testing.T) {
	schemas := writeSchemas(t, declV1V2)
	path := createStore(t, schemas, "V1")

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewMigrateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", path, "--schemas", schemas})

	require.NoError(t, cmd.Execute())

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var report MigrateReport
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, "V1", report.From)
	assert.Equal(t, "V2", report.To)
	assert.Equal(t, 1, report.Steps)
	assert.NotEmpty(t, report.Duration)
}

func TestMigrateStoreCurrent(t *testing.T) {
	schemas := writeSchemas(t, declV1V2)
	path := createStore(t, schemas, "V2")

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewMigrateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", path, "--schemas", schemas})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "Store is current (V2)")

	meta, err := store.ReadMeta(path)
	require.NoError(t, err)
	assert.Equal(t, "V2", meta.Version)
}

func TestMigrateMappingGapFailsBeforeTouchingStore(t *testing.T) {
	schemas := writeSchemas(t, `package decls

schema: versions: V1: entities: {
	Animal: {attributes: name: {type: "string"}}
}
schema: versions: V2: entities: {
	Animal: {
		attributes: {
			name: {type: "string"}
			legs: {type: "int32"}
		}
	}
}
schema: chain: {V2: "V1"}
schema: current: "V2"
`)
	path := createStore(t, schemas, "V1")

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewMigrateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", path, "--schemas", schemas})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	// The store is untouched.
	meta, err := store.ReadMeta(path)
	require.NoError(t, err)
	assert.Equal(t, "V1", meta.Version)
}

func TestMigrateVerboseProgress(t *testing.T) {
	schemas := writeSchemas(t, declV1V2)
	path := createStore(t, schemas, "V1")

	buf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text", Verbose: true}
	cmd := NewMigrateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(errBuf)
	cmd.SetArgs([]string{"--db", path, "--schemas", schemas})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, errBuf.String(), "step 1/1: V1 -> V2")
}
