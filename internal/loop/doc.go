// Package loop drives the remediation control loop: aggregate a
// baseline, generate candidates, and for each candidate mutate,
// verify, decide, and extract lessons, until an exit condition fires.
//
// A single logical control thread owns the loop; mutations are
// strictly sequential across the fleet. Iteration state is persisted
// after every state transition so an interrupted run resumes from the
// last fully-written state, rolling back any unresolved mutation
// first. Stop requests are honored at the exit check, never mid-
// candidate.
package loop
