package compiler

import (
	"cuelang.org/go/cue"

	"github.com/mkerrow/strata/internal/history"
	"github.com/mkerrow/strata/schema"
)

// Declarations is the compiled content of one declaration tree: every
// version's model, the predecessor chain, and the optional current pin.
type Declarations struct {
	Models  []*schema.Model
	Chain   map[string][]string
	Current string
}

// History assembles the declarations into a resolved version history.
// Without a chain block the versions form a linear chain in declaration
// order, matching what the Go builder does with a plain model list.
func (d *Declarations) History() (*history.History, error) {
	var opts []history.Option
	if len(d.Chain) > 0 {
		opts = append(opts, history.WithChain(d.Chain))
	}
	if d.Current != "" {
		opts = append(opts, history.WithCurrent(d.Current))
	}
	return history.New(d.Models, opts...)
}

// Compile decodes a full declaration tree rooted at v: the versions,
// the chain, and the current pin, all under the top-level "schema"
// field. The first problem stops it; LoadDir layers collect-all modes
// on top.
func Compile(v cue.Value) (*Declarations, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	root := v.LookupPath(cue.ParsePath("schema"))
	if !root.Exists() {
		return nil, &CompileError{
			Path:    "schema",
			Message: "no schema declaration found",
			Pos:     v.Pos(),
		}
	}

	d := &Declarations{}
	versionsVal := root.LookupPath(cue.ParsePath("versions"))
	if versionsVal.Exists() {
		iter, err := versionsVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			m, err := CompileVersion(iter.Value())
			if err != nil {
				return nil, err
			}
			d.Models = append(d.Models, m)
		}
	}

	var err error
	if d.Chain, err = compileChain(root.LookupPath(cue.ParsePath("chain"))); err != nil {
		return nil, err
	}
	if d.Current, err = optionalString(root, "current"); err != nil {
		return nil, err
	}
	return d, nil
}

// compileChain decodes the predecessor chain. Each entry maps a version
// to what it migrates from, written as a single version name or a list
// of names:
//
//	schema: chain: {V2: "V1", V3: ["V2", "V2b"]}
func compileChain(v cue.Value) (map[string][]string, error) {
	if !v.Exists() {
		return nil, nil
	}
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	chain := make(map[string][]string)
	for iter.Next() {
		entry := iter.Value()
		if s, err := entry.String(); err == nil {
			chain[iter.Label()] = []string{s}
			continue
		}
		list, err := entry.List()
		if err != nil {
			return nil, &CompileError{
				Path:    "chain." + iter.Label(),
				Message: "predecessor must be a version name or a list of version names",
				Pos:     entry.Pos(),
			}
		}
		var preds []string
		for list.Next() {
			s, err := list.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			preds = append(preds, s)
		}
		chain[iter.Label()] = preds
	}
	return chain, nil
}
