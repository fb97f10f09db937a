// Package scribe provides an embedded, file-backed JSON document store.
//
// Records are kept in memory, searched through secondary indexes, and
// persisted to a single append-only log that is periodically compacted.
// All externally visible mutations and reads are funneled through a
// single FIFO serializer so the store behaves as if single-threaded.
package scribe

import "errors"

// Sentinel errors returned by database operations that don't need to
// carry caller-usable fields.
var (
	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("scribe: store is closed")

	// ErrCorrupt is returned when the log cannot be parsed during
	// hydrate. The log is considered unusable until repaired by hand.
	ErrCorrupt = errors.New("scribe: corrupt log")

	// ErrInvalidRecord is returned when a record has no usable shape
	// (not a JSON object, or a reserved field is misused).
	ErrInvalidRecord = errors.New("scribe: invalid record")

	// ErrProbeExhausted is returned when primary-key generation could
	// not find a free slot within the probe budget.
	ErrProbeExhausted = errors.New("scribe: primary key probe budget exhausted")

	// ErrPrimaryIndexProtected is returned by DeleteIndex for the
	// primary key field; the primary index can never be removed.
	ErrPrimaryIndexProtected = errors.New("scribe: the primary index cannot be deleted")
)

// KeyViolation is returned when a unique constraint is broken. It
// carries the offending field name and the record that triggered it so
// callers can react programmatically (e.g. surface which field clashed).
type KeyViolation struct {
	FieldName string
	Record    Doc
}

func (e *KeyViolation) Error() string {
	return "scribe: key violation on field " + e.FieldName
}

// NotExists is returned when an operation targets a primary key that
// has no live record. It carries the record the caller attempted to
// operate on.
type NotExists struct {
	Record Doc
}

func (e *NotExists) Error() string {
	return "scribe: record does not exist"
}

// NoIndex is returned when an operation names an index that has not
// been created with EnsureIndex.
type NoIndex struct {
	FieldName string
}

func (e *NoIndex) Error() string {
	return "scribe: no index on field " + e.FieldName
}

// DatabaseLocked is returned when another process already holds the
// lock file for this database.
type DatabaseLocked struct {
	Filename string
}

func (e *DatabaseLocked) Error() string {
	return "scribe: database locked: " + e.Filename
}
