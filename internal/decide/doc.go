// Package decide maps (prediction, baseline, post) to a KEEP, ROLLBACK or
// MONITOR outcome.
//
// Decide is a pure function of its inputs. The failure predicate dominates:
// when it fires, the outcome is ROLLBACK no matter how well the expected
// deltas did. Thresholds are named policy constants, overridable by the
// operator, and comparisons are exact at the boundaries.
package decide
