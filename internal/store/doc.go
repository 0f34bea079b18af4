// Package store provides the durable license collection.
//
// Collection keeps every license in memory and writes the full collection
// through a Snapshotter after each mutation. Four backends are available:
//
//	- FileSnapshotter: a single JSON document, replaced atomically (default)
//	- PostgresSnapshotter: a licenses table, saved in one transaction
//	- SheetsSnapshotter: a Google Sheets range
//	- MemorySnapshotter: tests and ephemeral runs
//
// A failed save rolls the in-memory change back and surfaces
// ErrStorageUnavailable, so a caller never observes a mutation that was not
// persisted.
//
// Backends that also implement RecordStore (PostgresSnapshotter and
// MemoryRecords) switch the Collection to per-row mode: reads go to the
// backend and each transition is a conditional update that fails with
// ErrStaleRecord if another writer changed the row first. Only this mode is
// safe for several service instances.
package store
