package compiler

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

// Mode controls how errors are handled while loading declarations.
type Mode int

const (
	// FailFast stops on the first error encountered.
	FailFast Mode = iota
	// CollectAll gathers every error before returning.
	CollectAll
)

// Result contains the declarations loaded from a directory.
type Result struct {
	Decls *Declarations
	// Value is the unified CUE value, for callers that need to walk
	// beyond the schema tree.
	Value     cue.Value
	FileCount int
}

// LoadError is an error raised while locating or building declaration
// files, before any version compiles.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Load and compile error codes (E1xx). Schema validation owns E2xx and
// runtime queries E3xx, so tooling can match families without parsing
// messages.
const (
	ErrCodeGeneric     = "E101" // generic/unknown error
	ErrCodeScanError   = "E102" // directory scan error
	ErrCodeNoFiles     = "E103" // no .cue files found
	ErrCodeLoadFailed  = "E104" // CUE load failed
	ErrCodeNotFound    = "E105" // path not found
	ErrCodeBuildFailed = "E106" // CUE build failed
	ErrCodeNoVersions  = "E107" // no schema versions declared
)

// LoadDir loads every .cue file under dir as one CUE instance and
// compiles the declaration tree. With FailFast the first compile error
// returns immediately; with CollectAll every version is attempted and
// the errors come back together. A nil Result means nothing loaded at
// all (missing directory, no files, unbuildable CUE).
func LoadDir(dir string, mode Mode) (*Result, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("schema directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing schema directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	files, err := FindDeclFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no .cue files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	cfg := &load.Config{Dir: dir}
	instances := load.Instances([]string{"."}, cfg)
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading declaration files: %v", inst.Err)}}
	}
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building declarations: %v", err)}}
	}

	result := &Result{Decls: &Declarations{}, Value: value, FileCount: len(files)}

	root := value.LookupPath(cue.ParsePath("schema"))
	if !root.Exists() {
		return result, []error{&LoadError{Code: ErrCodeNoVersions, Message: "no schema declaration found"}}
	}

	var errs []error
	versionsVal := root.LookupPath(cue.ParsePath("versions"))
	if versionsVal.Exists() {
		iter, iterErr := versionsVal.Fields()
		if iterErr != nil {
			errs = append(errs, formatCUEError(iterErr))
			if mode == FailFast {
				return result, errs
			}
		} else {
			for iter.Next() {
				m, err := CompileVersion(iter.Value())
				if err != nil {
					errs = append(errs, err)
					if mode == FailFast {
						return result, errs
					}
					continue
				}
				result.Decls.Models = append(result.Decls.Models, m)
			}
		}
	}

	chain, err := compileChain(root.LookupPath(cue.ParsePath("chain")))
	if err != nil {
		errs = append(errs, err)
		if mode == FailFast {
			return result, errs
		}
	}
	result.Decls.Chain = chain

	current, err := optionalString(root, "current")
	if err != nil {
		errs = append(errs, err)
		if mode == FailFast {
			return result, errs
		}
	}
	result.Decls.Current = current

	if len(result.Decls.Models) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeNoVersions, Message: "no schema versions declared"})
	}
	return result, errs
}

// FindDeclFiles walks the directory and returns all .cue file paths.
func FindDeclFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
