// Package diagnose proposes ranked remediation candidates from a metric
// snapshot.
//
// Candidate generation is a strategy: any implementation of Generator
// (rule table, model, human approval queue) may back it, but every
// implementation is held to the same contract, enforced by ValidateBatch:
// predictions reference only categories the snapshot knows about, ordering
// is impact-descending then risk-ascending, every global lesson directive
// is satisfied, and no two candidates in a batch mutate the same component
// in mutually exclusive ways. Contract breaches surface loudly as
// ErrContractViolation, never as silent defaults.
package diagnose
