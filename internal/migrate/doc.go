// Package migrate carries store files between recorded model versions.
//
// Planning and execution are separate concerns. BuildPlan walks the
// version history's path from a stamped version to the current one and
// structurally diffs each adjacent model pair into per-entity mappings;
// gaps the diff cannot close come back as one aggregated error so a
// caller sees every missing custom mapping at once. Execute takes a
// plan and rebuilds the store hop by hop into staging files beside it,
// swapping the result in with a single rename only after the last hop
// commits.
//
// # Inference
//
// Entities and properties match across a hop by name, or by the
// declared name in the predecessor version when renamed. A matched
// attribute must keep its type; a matched relationship must keep its
// to-one or to-many flavor and destination. New properties fill from
// their default, or null when optional. Everything else needs a
// CustomMapping registered for the hop.
//
// # Guarantees
//
//   - The source file is opened read-only and stays byte-identical
//     until the final rename, whatever happens.
//   - Record keys survive migration unchanged.
//   - The migrated store keeps the original store id and creation time.
//   - A failed run removes its staging files and reports one of
//     ErrSourceUnreadable, ErrDestinationWriteFailed or
//     ErrMappingFailed.
package migrate
