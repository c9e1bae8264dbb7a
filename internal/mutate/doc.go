// Package mutate applies diagnostic candidates to component artifacts
// with hard safety gates. Every mutation runs a fixed sequence:
// preflight match check, checksummed backup, apply, post-apply
// validation, and an optional component restart with a bounded
// readiness wait. Any gate failure restores the artifact from backup
// before the error is returned.
//
// Mutations are journaled in the state store before the artifact is
// touched, so an interrupted run can be resolved on resume by rolling
// back every record that never reached a terminal status.
package mutate
