// Package harness runs declarative migration scenarios: YAML files
// that seed a store at one schema version, walk it to the declared
// current version, and assert on the plan and the migrated data.
//
// # Scenario format
//
//	name: add_optional_attribute
//	description: records survive a hop that adds an optional attribute
//	schemas: decls/menagerie
//	seed:
//	  version: V1
//	  records:
//	    - entity: Animal
//	      fields: {name: Rex, species: dog}
//	assertions:
//	  - type: stamped_version
//	    version: V2
//	  - type: record_count
//	    entity: Animal
//	    count: 1
//
// The schemas path names a directory of .cue declarations, resolved
// relative to the scenario file. Run compiles the declarations, creates
// a store stamped at seed.version in a scratch directory, inserts the
// seed records, plans from the seed version to the declared current
// version, and executes the plan. Assertions then read the migrated
// store; every failure is collected into the Result rather than
// stopping at the first.
//
// Assertion types:
//
//   - stamped_version: the migrated store's metadata names the version.
//   - record_count: the entity holds exactly count records.
//   - record_fields: exactly one record matches where, and its fields
//     include expect (subset match).
//   - plan_hops: the executed plan's hops, in order, as "V1 -> V2"
//     strings.
//   - mapping_kind: the plan classified the entity as copy, transform,
//     custom, add, or drop (optionally within one named hop).
//
// RunWithGolden additionally snapshots the plan as canonical JSON and
// compares it against testdata/golden/<name>.golden, so structural
// inference changes show up as golden diffs.
package harness
