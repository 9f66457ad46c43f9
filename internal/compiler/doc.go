// Package compiler turns CUE schema declarations into resolved models
// and a version history.
//
// A declaration tree lives under a top-level "schema" field: versions
// keyed by name, a predecessor chain, and an optional current pin.
//
//	schema: versions: V1: entities: Animal: {
//	    attributes: species: {type: "string"}
//	    relationships: master: {target: "Person", inverse: "pet",
//	                            cardinality: "toOne", deleteRule: "nullify"}
//	    unique: [["species"]]
//	}
//	schema: chain: {V2: "V1"}
//	schema: current: "V2"
//
// Compilation decodes shapes and enum names; everything structural
// funnels into schema.New and history.New, so a declaration tree and
// the Go builder produce byte-identical models, hashes included.
package compiler
