// Package coordinator owns the lifecycle of store files under one
// schema history: attaching, migrating, serializing writes, and
// detaching or erasing.
//
// # Attaching
//
// Attach takes a store path through Unattached, Attaching and, for a
// stale file, Migrating, to Attached. The attach policy decides how far
// that may go: the default creates missing files and migrates stale
// ones, CreateIfMissing refuses migration, FailIfMigrationNeeded
// attaches only a file already at the current version. A file already
// current is opened without a single write, so attach is idempotent on
// disk. Every attached path is claimed in a process-wide registry;
// attaching the same file twice fails with ErrStoreIdentityConflict no
// matter which coordinator tries.
//
// # Writing
//
// Each attached store runs one writer goroutine draining a FIFO op
// queue. Perform submits a turn and returns a completion channel;
// PerformSync waits in place. Submission order is execution order, and
// a shared atomic clock stamps every commit with a coordinator-wide
// sequence. Observers receive each committed change set synchronously
// on the writer goroutine, before the submitting caller is released.
//
// # Reading and checkpoints
//
// Reader hands out snapshot readers on the store's read pool; they see
// the store as of their creation and move forward only on Refresh.
// Checkpoint runs on the writer queue, so it briefly holds back queued
// writers but never readers.
//
// # Routing
//
// Entities name the store that hosts them through their configuration
// label. RouteEntity maps an entity to the single attached store
// serving its label; no match is ErrEntityNotRouted and more than one
// is ErrAmbiguousStore, in which case the caller must address a store
// explicitly.
package coordinator
