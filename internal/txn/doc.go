// Package txn layers record semantics over open store handles: write
// turns, snapshot readers, relationship delete rules, and a declarative
// query form compiled to parameterized SQL.
//
// # Writing
//
// All writes to one store funnel through Run, which wraps a single
// immediate transaction on the store's one-connection write handle. The
// closure's return decides the outcome: nil commits, an error rolls the
// turn back to exactly where it started. The coordinator serializes Run
// calls into a FIFO queue; this package assumes one turn at a time and
// lets SQLite's write lock enforce it across processes.
//
// Delete applies each relationship's declared rule to the related side.
// Deny refuses while members exist, Cascade removes them recursively,
// Nullify severs edges, and NoAction leaves edges alone so the deferred
// foreign-key check reports leftovers when the turn commits. References
// held by entities with no inverse declaration get the same deferred
// backstop.
//
// To-one references are written as ordinary fields on the side holding
// the foreign key; Relate and Unrelate edit to-many edges, appending to
// ordered lists.
//
// # Reading
//
// A Reader holds one read-pool transaction and therefore one stable
// snapshot: writes committed after it opened stay invisible until
// Refresh. Checkpoints do not disturb held snapshots. Writers read
// their own turn through the same Get, Fetch, Count and Related calls.
//
// Both handles bind their context at construction; cancelling it stops
// every later statement of the session.
//
// # Errors
//
// Failures in a query's shape surface as QueryError before any SQL
// runs. Data-rule failures map onto ErrConstraint, lock losses onto
// ErrConflict, and missing records onto ErrNotFound; the mapping from
// SQLite error codes lives in classify.
package txn
