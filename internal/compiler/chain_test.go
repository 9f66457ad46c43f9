package compiler

import (
	"testing"

	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileDeclarations(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		schema: versions: {
			V1: entities: Animal: {
				attributes: species: {type: "string"}
			}
			V2: entities: Animal: {
				attributes: species: {type: "string"}
				attributes: genus:   {type: "string", optional: true}
			}
		}
		schema: chain: {V2: "V1"}
		schema: current: "V2"
	`)

	require.NoError(t, v.Err())
	d, err := Compile(v)
	require.NoError(t, err)

	require.Len(t, d.Models, 2)
	assert.Equal(t, map[string][]string{"V2": {"V1"}}, d.Chain)
	assert.Equal(t, "V2", d.Current)
}

func TestCompileChainListForm(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		schema: versions: {
			V1:  entities: A: {attributes: x: {type: "int64"}}
			V1b: entities: A: {attributes: x: {type: "int64"}, attributes: y: {type: "int64", optional: true}}
			V2:  entities: A: {attributes: x: {type: "int64"}, attributes: z: {type: "int64", optional: true}}
		}
		schema: chain: {V2: ["V1", "V1b"]}
	`)

	require.NoError(t, v.Err())
	d, err := Compile(v)
	require.NoError(t, err)

	assert.Equal(t, map[string][]string{"V2": {"V1", "V1b"}}, d.Chain)
}

func TestCompileChainBadEntry(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		schema: versions: V1: entities: A: {attributes: x: {type: "int64"}}
		schema: chain: {V1: 3}
	`)

	require.NoError(t, v.Err())
	_, err := Compile(v)

	require.Error(t, err)
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Path, "chain.V1")
}

func TestCompileNoSchema(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`other: {x: 1}`)

	require.NoError(t, v.Err())
	_, err := Compile(v)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no schema declaration")
}

func TestDeclarationsHistory(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		schema: versions: {
			V1: entities: Animal: {attributes: species: {type: "string"}}
			V2: entities: Animal: {
				attributes: species: {type: "string"}
				attributes: genus:   {type: "string", optional: true}
			}
			V3: entities: Animal: {
				attributes: species: {type: "string"}
				attributes: genus:   {type: "string", optional: true}
				attributes: habitat: {type: "string", optional: true}
			}
		}
		schema: chain: {V2: "V1", V3: "V2"}
	`)

	require.NoError(t, v.Err())
	d, err := Compile(v)
	require.NoError(t, err)

	h, err := d.History()
	require.NoError(t, err)

	// V3 is the unique chain leaf, no pin needed.
	assert.Equal(t, "V3", h.Current().Version())

	path, err := h.Path("V1")
	require.NoError(t, err)
	assert.Equal(t, []string{"V2", "V3"}, path)
}

func TestDeclarationsHistoryPinnedCurrent(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		schema: versions: {
			V1: entities: A: {attributes: x: {type: "int64"}}
			V2: entities: A: {attributes: x: {type: "int64"}, attributes: y: {type: "int64", optional: true}}
		}
		schema: chain: {V2: "V1"}
		schema: current: "V1"
	`)

	require.NoError(t, v.Err())
	d, err := Compile(v)
	require.NoError(t, err)

	h, err := d.History()
	require.NoError(t, err)
	assert.Equal(t, "V1", h.Current().Version())
}
