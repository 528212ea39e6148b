// Package future provides the single-assignment result cells the kernel
// threads through the task graph.
//
// It is intentionally split into:
//   - Future: the bare completion cell with exactly-once callbacks
//   - AppFuture: the caller-visible future with a rebindable parent
//   - DataFuture: file availability, completing alongside its producer
package future
