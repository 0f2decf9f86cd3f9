// Package broadcast fans one payload out to many destination groups.
//
// A run walks the destination list in batches. Every destination is
// membership-checked before the first send attempt, every send gets a
// hard timeout and a bounded retry budget, and the batch size and
// inter-send delays adapt to the observed failure and timeout rate so
// the run stays under the platform's tolerance.
//
// Delivery semantics
//
// Best-effort, at-most-once per destination per run. A destination that
// keeps failing is reported as permanently skipped rather than blocking
// the rest of the list. Cancellation is cooperative: the in-flight send
// finishes, nothing after it starts.
//
// Sends are sequential within a run. Batch size controls pacing
// opportunity, not simultaneity; the platform's throughput limits are
// the reason this package exists at all.
package broadcast
