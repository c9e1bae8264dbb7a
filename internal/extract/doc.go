// Package extract derives lessons from prediction-vs-outcome mismatches.
//
// It sits downstream of the decision engine: given a decided candidate
// and the before/after snapshots, it classifies each discrepancy as an
// underestimated effect, an unexpected side effect, or a missed
// precondition, and emits the corresponding structured directive for the
// candidate generator to enforce on later batches.
package extract
