// Package snapshot turns raw per-agent event streams into immutable,
// time-bounded metric snapshots and computes deltas between them.
//
// The Aggregator reads every configured Source for a caller-supplied
// window, classifies events into the failure taxonomy via a pluggable
// Classifier, and retains a bounded number of evidence samples per
// category. Snapshots are never mutated after creation; comparison is
// done with the pure Diff function.
package snapshot
