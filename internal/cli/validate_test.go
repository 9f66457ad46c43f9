package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateValidDeclarations(t *testing.T) {
	dir := writeSchemas(t, declV1V2)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "✓ Declarations valid")
	assert.Contains(t, output, "current: V2")
	assert.Contains(t, output, "V1")
	assert.Contains(t, output, "V2")
}

func TestValidateValidDeclarationsJSON(t *testing.T) {
	dir := writeSchemas(t, declV1V2)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var result ValidationResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.True(t, result.Valid)
	require.NotNil(t, result.Schema)
	assert.Equal(t, "V2", result.Schema.Current)
	assert.Len(t, result.Schema.Versions, 2)
	for _, v := range result.Schema.Versions {
		assert.Len(t, v.Hash, 64)
		assert.Equal(t, 2, v.Entities)
	}
}

func TestValidateNonExistentDirectory(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"/nonexistent/directory/path"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E105")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "not found")
}

func TestValidateEmptyDirectory(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{t.TempDir()})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E103")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "no .cue files")
}

func TestValidateModelProblem(t *testing.T) {
	// The inverse on Animal.master is never declared on Person.
	dir := writeSchemas(t, `package decls

schema: versions: V1: entities: {
	Animal: {
		attributes: name: {type: "string"}
		relationships: master: {target: "Person", inverse: "pet", cardinality: "toOne"}
	}
	Person: {
		attributes: name: {type: "string"}
	}
}
schema: current: "V1"
`)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
	assert.Equal(t, ExitFailure, GetExitCode(err))

	output := buf.String()
	assert.Contains(t, output, "✗ Validation failed")
	assert.Contains(t, output, "E214")
	assert.Contains(t, output, "V1.Animal.master")
}

func TestValidateModelProblemJSON(t *testing.T) {
	dir := writeSchemas(t, `package decls

schema: versions: V1: entities: {
	Animal: {
		attributes: name: {type: "varchar"}
	}
}
schema: current: "V1"
`)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var result ValidationResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Issues)
	assert.Contains(t, result.Issues[0].Message, "varchar")
}

func TestValidateCollectsAllProblems(t *testing.T) {
	// Two versions, each with its own problem: both must be reported in
	// one pass.
	dir := writeSchemas(t, `package decls

schema: versions: V1: entities: {
	Animal: {
		attributes: name: {type: "varchar"}
	}
}
schema: versions: V2: entities: {
	Animal: {
		attributes: species: {}
	}
}
schema: chain: {V2: "V1"}
schema: current: "V2"
`)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 problem(s)")

	output := buf.String()
	assert.Contains(t, output, "varchar")
	assert.Contains(t, output, "E208")
}

func TestValidateChainCycle(t *testing.T) {
	dir := writeSchemas(t, `package decls

schema: versions: V1: entities: {
	Animal: {attributes: name: {type: "string"}}
}
schema: versions: V2: entities: {
	Animal: {attributes: name: {type: "string"}}
}
schema: chain: {V1: "V2", V2: "V1"}
schema: current: "V2"
`)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, buf.String(), "cyclic")
}

func TestValidateSchemasFromConfig(t *testing.T) {
	dir := writeSchemas(t, declV1V2)
	cfg := writeConfig(t, "schemas: "+dir+"\n")

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text", Config: cfg}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "✓ Declarations valid")
}

func TestValidateNoDirectoryAnywhere(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text", Config: writeConfig(t, "")}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "schemas directory is required")
}
