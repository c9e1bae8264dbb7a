// Package statestore provides the durable keyed store backing loop
// resumption.
//
// It wraps an embedded BadgerDB with JSON-encoded values and atomic
// read-modify-write updates. Resumption always starts from the last
// fully-written value: Badger transactions commit atomically, and
// SyncWrites keeps commits durable across crashes.
package statestore
