// Package store maps resolved schema models onto SQLite files.
//
// Each store is one database file in WAL mode carrying the engine's
// metadata tables alongside one table per concrete entity. The package
// owns everything SQL-shaped: DDL generation, relationship storage
// resolution, value encoding, record and join-row operations, WAL
// checkpointing and file erasure. Semantics layered on top of rows,
// such as delete rules and predicate queries, belong to the txn
// package; version identity decisions belong to the coordinator.
//
// # File Layout
//
// A store file carries, besides one table per concrete entity:
//   - strata_meta: schema version, model hash, configuration, store id
//   - strata_entity_versions: per-entity identity hashes
//   - strata_rel_* join tables for many-to-many relationships
//   - PRAGMA user_version: the engine file-format stamp
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: deferred referential integrity backstop
//
// Identity hashes are computed by the schema package using RFC 8785
// canonical JSON and SHA-256 with domain separation.
package store
