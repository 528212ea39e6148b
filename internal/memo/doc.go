// Package memo implements the content-addressed result cache and its
// durable form, the append-only checkpoint log.
//
// A fingerprint identifies a task by function identity and resolved
// arguments. The memo table maps fingerprints to completed futures; the
// checkpointer persists successful entries and reloads them at kernel
// start, so replayed tasks are observationally identical to fresh runs.
package memo
