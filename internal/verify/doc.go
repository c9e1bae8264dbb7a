// Package verify actively exercises a mutated component instead of
// waiting for organic traffic. It re-triggers a sample of the work
// items that failed in the baseline snapshot, waits a bounded settle
// period, and aggregates a fresh snapshot covering exactly that
// period. Trigger fan-out is concurrency-bounded and rate-limited so
// verification never becomes its own load incident.
package verify
