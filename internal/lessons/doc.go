// Package lessons turns prediction-vs-outcome mismatches into durable,
// machine-enforceable directives that constrain future diagnostic
// candidates.
//
// A Lesson pairs a structured Directive, which the candidate generator
// enforces mechanically, with free-text rationale retained for audit.
// Lessons are read-only inputs once extracted.
package lessons
