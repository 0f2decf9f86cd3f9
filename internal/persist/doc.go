// Package persist mirrors in-memory tenant state to a durable store.
//
// Two documents are kept per tenant: the category→destination-id map and
// the destination-id→display-name directory. Writes are debounced through
// a coalescing Writer so bursts of administrative edits collapse into a
// single store write. In-memory state stays authoritative: a failing
// store is logged and never blocks runtime progress.
package persist
